package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

var now = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return New(mock, clockwork.NewFakeClockAt(now)), mock
}

func messageRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "sender_id", "sender_name", "receiver_id", "receiver_name", "body", "created_at", "read",
	})
}

func TestSaveMessage_ReturnsStoredRowOnConflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs("m1", "ann", "Ann", "bob", "Bob", "hi", pgxmock.AnyArg(), false).
		WillReturnRows(messageRows().AddRow("m1", "ann", "Ann", "bob", "Bob", "hi", now.Add(-time.Hour), true))

	got, err := s.SaveMessage(context.Background(), domain.ChatMessage{
		ID: "m1", SenderID: "ann", SenderName: "Ann", ReceiverID: "bob", ReceiverName: "Bob", Body: "hi",
	})
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.True(t, got.Timestamp.Equal(now.Add(-time.Hour)))
}

func TestSaveMessage_ValidatesBeforeQuery(t *testing.T) {
	t.Parallel()
	s, _ := newMockStore(t)

	_, err := s.SaveMessage(context.Background(), domain.ChatMessage{SenderID: "ann", Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConversations(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`WITH conv AS`).
		WithArgs("ann").
		WillReturnRows(pgxmock.NewRows([]string{"other_id", "name", "role", "body", "created_at", "unread_count"}).
			AddRow("bob", "Bob", "agent", "see you", now, int64(2)).
			AddRow("carol", "Carol", "", "ok", now.Add(-time.Hour), int64(0)))

	got, err := s.Conversations(context.Background(), "ann")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.ConversationSummary{
		OtherID: "bob", OtherName: "Bob", OtherRole: "agent",
		LastMessage: "see you", LastMessageTime: now, UnreadCount: 2,
	}, got[0])
	assert.Equal(t, 0, got[1].UnreadCount)
}

func TestMessages_ReturnsOldestFirst(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM messages`).
		WithArgs("ann", "bob", "bob", "ann").
		WillReturnRows(messageRows().
			AddRow("m2", "bob", "Bob", "ann", "Ann", "second", now, false).
			AddRow("m1", "ann", "Ann", "bob", "Bob", "first", now.Add(-time.Minute), true))

	got, err := s.Messages(context.Background(), "ann", "bob", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
}

func TestMarkRead(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE messages SET read`).
		WithArgs(true, "bob", "ann").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.MarkRead(context.Background(), "bob", "ann")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpsertIdentity(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO identities`).
		WithArgs("ann", "Ann", "agent").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertIdentity(context.Background(), domain.Identity{ID: "ann", Name: "Ann", Role: "agent"}))
}

func caseRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "title", "status", "assignee_id", "notes", "updated_at"})
}

func TestCreateCase(t *testing.T) {
	t.Parallel()

	t.Run("created", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO cases`).
			WithArgs("42", "Printer", domain.CaseOpen, "", "", pgxmock.AnyArg()).
			WillReturnRows(caseRows().AddRow("42", "Printer", domain.CaseOpen, "", "", now))

		c, err := s.CreateCase(context.Background(), domain.Case{ID: "42", Title: "Printer"})
		require.NoError(t, err)
		assert.Equal(t, domain.CaseOpen, c.Status)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO cases`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		_, err := s.CreateCase(context.Background(), domain.Case{ID: "42", Title: "Printer"})
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}

func TestGetCase_NotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM cases`).
		WithArgs("42").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCase(context.Background(), "42")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateCase_SetsOnlyPatchedColumns(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE cases SET status = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs(domain.CaseClosed, pgxmock.AnyArg(), "42").
		WillReturnRows(caseRows().AddRow("42", "Printer", domain.CaseClosed, "sam", "", now))

	status := domain.CaseClosed
	c, err := s.UpdateCase(context.Background(), "42", domain.CasePatch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, domain.CaseClosed, c.Status)
	assert.Equal(t, "sam", c.AssigneeID)
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, domain.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, domain.ErrConflict},
		{"foreign key", &pgconn.PgError{Code: "23503"}, domain.ErrNotFound},
		{"check", &pgconn.PgError{Code: "23514"}, domain.ErrValidation},
		{"deadline", context.DeadlineExceeded, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err, "case", "42"), tt.want)
		})
	}

	assert.NoError(t, mapError(nil, "case", "42"))
	other := errors.New("boom")
	assert.ErrorIs(t, mapError(other, "case", "42"), other)
}
