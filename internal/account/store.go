// Package account provides read-only access to the accounts owned by the
// authentication subsystem. The realtime core only resolves identities and
// checks existence; it never writes to the users table.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/converse/chat-core/internal/chat"
)

// Account is the identity attached to an authenticated connection.
type Account struct {
	ID        string
	Username  string
	Email     string
	AvatarURL string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store reads accounts from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new account store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetActive returns the active account with the given id. Unknown, malformed,
// and deactivated ids all yield chat.ErrNotFound.
func (s *Store) GetActive(ctx context.Context, id string) (*Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, chat.Errorf(chat.ErrNotFound, "account not found")
	}

	const query = `
		SELECT id, username, email, COALESCE(avatar_url, ''), is_active, created_at, updated_at
		FROM users
		WHERE id = $1 AND is_active = true`

	var a Account
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Username, &a.Email, &a.AvatarURL, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.Errorf(chat.ErrNotFound, "account not found")
	}
	if err != nil {
		return nil, chat.Storage("account: get", err)
	}
	return &a, nil
}

// CountExisting returns how many of the given ids belong to existing accounts.
// Malformed ids are not counted.
func (s *Store) CountExisting(ctx context.Context, ids []string) (int, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE id = ANY($1::uuid[])`, pq.Array(valid),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("account: count existing: %w", err)
	}
	return count, nil
}
