package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

var caseColumns = []string{"id", "title", "status", "assignee_id", "notes", "updated_at"}

var returningCase = "RETURNING " + strings.Join(caseColumns, ", ")

func scanCase(row pgx.Row) (domain.Case, error) {
	var c domain.Case
	err := row.Scan(&c.ID, &c.Title, &c.Status, &c.AssigneeID, &c.Notes, &c.UpdatedAt)
	return c, err
}

// CreateCase implements store.Cases.
func (s *Store) CreateCase(ctx context.Context, c domain.Case) (domain.Case, error) {
	if strings.TrimSpace(c.Title) == "" {
		return domain.Case{}, domain.NewValidationError("title", "required")
	}
	if c.Status == "" {
		c.Status = domain.CaseOpen
	}
	if !domain.ValidCaseStatus(c.Status) {
		return domain.Case{}, domain.NewValidationError("status", "unknown status "+c.Status)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = s.clock.Now().UTC()

	query, args, err := psql.
		Insert("cases").
		Columns(caseColumns...).
		Values(c.ID, c.Title, c.Status, c.AssigneeID, c.Notes, c.UpdatedAt).
		Suffix(returningCase).
		ToSql()
	if err != nil {
		return domain.Case{}, fmt.Errorf("build insert case: %w", err)
	}

	created, err := scanCase(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return domain.Case{}, mapError(err, "case", c.ID)
	}
	return created, nil
}

// GetCase implements store.Cases.
func (s *Store) GetCase(ctx context.Context, id string) (domain.Case, error) {
	query, args, err := psql.
		Select(caseColumns...).
		From("cases").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.Case{}, fmt.Errorf("build select case: %w", err)
	}

	c, err := scanCase(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return domain.Case{}, mapError(err, "case", id)
	}
	return c, nil
}

// UpdateCase sets only the patched columns. Last write wins.
func (s *Store) UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.Case, error) {
	if err := patch.Validate(); err != nil {
		return domain.Case{}, err
	}

	update := psql.Update("cases")
	if patch.Title != nil {
		update = update.Set("title", *patch.Title)
	}
	if patch.Status != nil {
		update = update.Set("status", *patch.Status)
	}
	if patch.AssigneeID != nil {
		update = update.Set("assignee_id", *patch.AssigneeID)
	}
	if patch.Notes != nil {
		update = update.Set("notes", *patch.Notes)
	}

	query, args, err := update.
		Set("updated_at", s.clock.Now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Suffix(returningCase).
		ToSql()
	if err != nil {
		return domain.Case{}, fmt.Errorf("build update case: %w", err)
	}

	c, err := scanCase(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return domain.Case{}, mapError(err, "case", id)
	}
	return c, nil
}
