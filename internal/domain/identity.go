package domain

import "strings"

// Identity is an authenticated actor. One identity may hold several
// connections at once (devices, tabs).
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Valid reports whether the identity carries a usable id.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ID) != ""
}
