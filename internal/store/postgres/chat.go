package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/store"
)

var messageColumns = []string{
	"id", "sender_id", "sender_name", "receiver_id", "receiver_name", "body", "created_at", "read",
}

func scanMessage(row pgx.Row) (domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := row.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.ReceiverID, &m.ReceiverName, &m.Body, &m.Timestamp, &m.Read)
	return m, err
}

// SaveMessage inserts msg. On an id conflict the no-op update makes
// RETURNING yield the row already stored.
func (s *Store) SaveMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.ChatMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now().UTC()
	}

	query, args, err := psql.
		Insert("messages").
		Columns(messageColumns...).
		Values(msg.ID, msg.SenderID, msg.SenderName, msg.ReceiverID, msg.ReceiverName, msg.Body, msg.Timestamp, false).
		Suffix("ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id RETURNING " + strings.Join(messageColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("build insert message: %w", err)
	}

	saved, err := scanMessage(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return domain.ChatMessage{}, mapError(err, "message", msg.ID)
	}
	return saved, nil
}

const conversationsSQL = `
WITH conv AS (
    SELECT CASE WHEN m.sender_id = $1 THEN m.receiver_id ELSE m.sender_id END     AS other_id,
           CASE WHEN m.sender_id = $1 THEN m.receiver_name ELSE m.sender_name END AS other_name,
           m.body,
           m.created_at,
           (m.receiver_id = $1 AND NOT m.read) AS unread
    FROM messages m
    WHERE m.sender_id = $1 OR m.receiver_id = $1
), latest AS (
    SELECT DISTINCT ON (other_id) other_id, other_name, body, created_at
    FROM conv
    ORDER BY other_id, created_at DESC
), counts AS (
    SELECT other_id, count(*) FILTER (WHERE unread) AS unread_count
    FROM conv
    GROUP BY other_id
)
SELECT l.other_id,
       COALESCE(NULLIF(i.name, ''), l.other_name),
       COALESCE(i.role, ''),
       l.body,
       l.created_at,
       c.unread_count
FROM latest l
JOIN counts c ON c.other_id = l.other_id
LEFT JOIN identities i ON i.id = l.other_id
ORDER BY l.created_at DESC`

// Conversations derives summaries from the message table so they always
// agree with it.
func (s *Store) Conversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("userId", "required")
	}

	rows, err := s.db.Query(ctx, conversationsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := []domain.ConversationSummary{}
	for rows.Next() {
		var (
			sum    domain.ConversationSummary
			unread int64
		)
		if err := rows.Scan(&sum.OtherID, &sum.OtherName, &sum.OtherRole, &sum.LastMessage, &sum.LastMessageTime, &unread); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.UnreadCount = int(unread)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// Messages implements store.Chat.
func (s *Store) Messages(ctx context.Context, userID, otherID string, limit int) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(otherID) == "" {
		return nil, domain.NewValidationError("userId", "userId and otherUserId are required")
	}
	if limit <= 0 {
		limit = store.DefaultMessageLimit
	}

	query, args, err := psql.
		Select(messageColumns...).
		From("messages").
		Where(squirrel.Or{
			squirrel.And{squirrel.Eq{"sender_id": userID}, squirrel.Eq{"receiver_id": otherID}},
			squirrel.And{squirrel.Eq{"sender_id": otherID}, squirrel.Eq{"receiver_id": userID}},
		}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select messages: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	out := make([]domain.ChatMessage, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}

// MarkRead implements store.Chat.
func (s *Store) MarkRead(ctx context.Context, readerID, senderID string) (int, error) {
	if strings.TrimSpace(readerID) == "" || strings.TrimSpace(senderID) == "" {
		return 0, domain.NewValidationError("receiverId", "senderId and receiverId are required")
	}

	query, args, err := psql.
		Update("messages").
		Set("read", true).
		Where(squirrel.Eq{"receiver_id": readerID}).
		Where(squirrel.Eq{"sender_id": senderID}).
		Where("NOT read").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build mark read: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertIdentity keeps known name and role when the new value is empty.
func (s *Store) UpsertIdentity(ctx context.Context, id domain.Identity) error {
	if !id.Valid() {
		return domain.NewValidationError("id", "required")
	}

	query, args, err := psql.
		Insert("identities").
		Columns("id", "name", "role").
		Values(id.ID, id.Name, id.Role).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
            name = COALESCE(NULLIF(EXCLUDED.name, ''), identities.name),
            role = COALESCE(NULLIF(EXCLUDED.role, ''), identities.role)`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert identity: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return mapError(err, "identity", id.ID)
	}
	return nil
}
