// Package audit records who did what to which repository, against the
// same SQLite file the catalog uses (§4.3 audit_logs table).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Entry is a single audit_logs row.
type Entry struct {
	ID         int64
	UserID     *int64
	Action     string
	Repository string
	Details    json.RawMessage
	CreatedAt  time.Time
}

// Log records an audit event. userID is nil for anonymous/public-pull
// activity (still worth recording, since a public repository's pull count
// is itself useful signal).
func (s *Service) Log(ctx context.Context, userID *int64, action, repository string, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, repository, details, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`, userID, action, repository, detailsJSON)
	return err
}

// ForRepository returns the most recent audit entries for a repository.
func (s *Service) ForRepository(ctx context.Context, repository string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, repository, details, created_at
		FROM audit_logs WHERE repository = ? ORDER BY created_at DESC LIMIT ?`, repository, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var userID sql.NullInt64
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.Repository, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			e.UserID = &userID.Int64
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
