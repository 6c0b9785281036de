// Package conversation creates conversations and maintains their activity
// timestamp. A conversation always has at least one participant, and its
// creator is its admin.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/converse/chat-core/internal/chat"
	"github.com/converse/chat-core/internal/database"
)

// MaxTitleChars is the longest accepted conversation title.
const MaxTitleChars = 100

// Participant is an account's membership in a conversation, projected with
// the account fields clients display.
type Participant struct {
	AccountID string
	Username  string
	AvatarURL string
	IsAdmin   bool
	JoinedAt  time.Time
}

// Conversation is a persisted conversation with its participants.
type Conversation struct {
	ID           string
	Title        *string
	IsGroup      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Participant
}

// Accounts reports how many of the given ids are existing accounts.
type Accounts interface {
	CountExisting(ctx context.Context, ids []string) (int, error)
}

// Registry manages conversations in PostgreSQL.
type Registry struct {
	db       *sql.DB
	accounts Accounts
}

// NewRegistry creates a registry. accounts is consulted on Create to reject
// unknown participants.
func NewRegistry(db *sql.DB, accounts Accounts) *Registry {
	return &Registry{db: db, accounts: accounts}
}

// MergeParticipants dedupes ids preserving first-seen order and unions in the
// creator, who is always first.
func MergeParticipants(creatorID string, ids []string) []string {
	seen := map[string]bool{creatorID: true}
	merged := []string{creatorID}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, id)
	}
	return merged
}

// NormalizeTitle trims title and checks its length. A nil title stays nil.
func NormalizeTitle(title *string) (*string, error) {
	if title == nil {
		return nil, nil
	}
	t := strings.TrimSpace(*title)
	n := utf8.RuneCountInString(t)
	if n == 0 || n > MaxTitleChars {
		return nil, chat.Errorf(chat.ErrValidation, "Title must be between 1 and %d characters", MaxTitleChars)
	}
	return &t, nil
}

// Create persists a new conversation between the creator and participantIDs.
// Every participant must be an existing account. The conversation is a group
// when it has more than two distinct participants.
func (r *Registry) Create(ctx context.Context, creatorID string, participantIDs []string, title *string) (*Conversation, error) {
	if len(participantIDs) == 0 {
		return nil, chat.Errorf(chat.ErrValidation, "At least one participant is required")
	}
	title, err := NormalizeTitle(title)
	if err != nil {
		return nil, err
	}

	ids := MergeParticipants(creatorID, participantIDs)
	found, err := r.accounts.CountExisting(ctx, ids)
	if err != nil {
		return nil, chat.Storage("conversation: check participants", err)
	}
	if found != len(ids) {
		return nil, chat.Errorf(chat.ErrNotFound, "One or more participants not found")
	}

	convID := uuid.NewString()
	isGroup := len(ids) > 2

	err = database.InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, title, is_group) VALUES ($1, $2, $3)`,
			convID, title, isGroup,
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO participants (id, user_id, conversation_id, is_admin) VALUES ($1, $2, $3, $4)`,
				uuid.NewString(), id, convID, id == creatorID,
			)
			if err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return nil, chat.Errorf(chat.ErrNotFound, "One or more participants not found")
		}
		return nil, chat.Storage("conversation: create", err)
	}

	return r.Get(ctx, convID)
}

// TouchActivity bumps the conversation's last-activity timestamp using q.
func (r *Registry) TouchActivity(ctx context.Context, q database.Querier, conversationID string) error {
	if _, err := uuid.Parse(conversationID); err != nil {
		return chat.Errorf(chat.ErrNotFound, "Conversation not found")
	}
	res, err := q.ExecContext(ctx,
		`UPDATE conversations SET updated_at = clock_timestamp() WHERE id = $1`, conversationID,
	)
	if err != nil {
		return chat.Storage("conversation: touch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return chat.Storage("conversation: touch rows", err)
	}
	if n == 0 {
		return chat.Errorf(chat.ErrNotFound, "Conversation not found")
	}
	return nil
}

// Get returns the conversation with its participants.
func (r *Registry) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, chat.Errorf(chat.ErrNotFound, "Conversation not found")
	}

	var (
		c     Conversation
		title sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, is_group, created_at, updated_at FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &title, &c.IsGroup, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.Errorf(chat.ErrNotFound, "Conversation not found")
	}
	if err != nil {
		return nil, chat.Storage("conversation: get", err)
	}
	if title.Valid {
		c.Title = &title.String
	}

	parts, err := r.ParticipantsFor(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.Participants = parts[c.ID]
	return &c, nil
}

// ParticipantsFor loads the participants of each given conversation, keyed by
// conversation id and ordered by join time.
func (r *Registry) ParticipantsFor(ctx context.Context, conversationIDs []string) (map[string][]Participant, error) {
	out := make(map[string][]Participant, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	const query = `
		SELECT p.conversation_id, p.user_id, u.username, COALESCE(u.avatar_url, ''), p.is_admin, p.joined_at
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ANY($1::uuid[])
		ORDER BY p.joined_at, p.is_admin DESC, u.username`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(conversationIDs))
	if err != nil {
		return nil, chat.Storage("conversation: participants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID string
			p      Participant
		)
		if err := rows.Scan(&convID, &p.AccountID, &p.Username, &p.AvatarURL, &p.IsAdmin, &p.JoinedAt); err != nil {
			return nil, chat.Storage("conversation: scan participant", err)
		}
		out[convID] = append(out[convID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, chat.Storage("conversation: participants rows", err)
	}
	return out, nil
}
