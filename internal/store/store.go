// Package store defines the durable-store collaborator: the single source
// of truth for chat history, conversation summaries, cases and the identity
// directory. Backends live in memory/ and postgres/.
package store

import (
	"context"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// DefaultMessageLimit caps history reads when the caller gives no limit.
const DefaultMessageLimit = 50

// Chat persists direct messages and derives conversation summaries.
type Chat interface {
	// SaveMessage stores msg. Saving an id that already exists returns the
	// stored message unchanged.
	SaveMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	// Conversations returns one summary per counterpart of userID, newest first.
	Conversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	// Messages returns up to limit messages between two identities, oldest first.
	Messages(ctx context.Context, userID, otherID string, limit int) ([]domain.ChatMessage, error)
	// MarkRead marks every message from senderID to readerID read and returns
	// how many changed.
	MarkRead(ctx context.Context, readerID, senderID string) (int, error)
}

// Cases persists the tracked resource. Last write wins.
type Cases interface {
	CreateCase(ctx context.Context, c domain.Case) (domain.Case, error)
	GetCase(ctx context.Context, id string) (domain.Case, error)
	UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.Case, error)
}

// Identities is the directory summaries read names and roles from.
type Identities interface {
	UpsertIdentity(ctx context.Context, id domain.Identity) error
}

// Store is the full durable-store surface.
type Store interface {
	Chat
	Cases
	Identities
	Ping(ctx context.Context) error
	Close()
}
