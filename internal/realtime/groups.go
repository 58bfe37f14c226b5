package realtime

import (
	"strings"

	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

// IdentityGroup returns the group holding every connection of one identity.
func IdentityGroup(identityID string) string {
	return protocol.GroupName(protocol.IdentityResource, strings.TrimSpace(identityID))
}

// ResourceGroup returns the group of connections viewing one resource.
func ResourceGroup(resource, id string) string {
	return protocol.GroupName(strings.ToLower(strings.TrimSpace(resource)), strings.TrimSpace(id))
}
