// Package membership answers which accounts belong to which conversations.
// It is the authorization source for subscribing to and posting into a
// conversation channel.
package membership

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/converse/chat-core/internal/chat"
	"github.com/converse/chat-core/internal/conversation"
	"github.com/converse/chat-core/internal/message"
)

// Summary is one entry of an account's conversation list.
type Summary struct {
	Conversation conversation.Conversation
	DisplayName  string
	Latest       *message.Message
}

// Store reads memberships from PostgreSQL.
type Store struct {
	db       *sql.DB
	registry *conversation.Registry
	messages *message.Store
}

// NewStore creates a membership store. The registry and message store are
// used to project conversation summaries.
func NewStore(db *sql.DB, registry *conversation.Registry, messages *message.Store) *Store {
	return &Store{db: db, registry: registry, messages: messages}
}

// IsMember reports whether accountID participates in conversationID.
// Malformed identifiers are never members.
func (s *Store) IsMember(ctx context.Context, accountID, conversationID string) (bool, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return false, nil
	}
	if _, err := uuid.Parse(conversationID); err != nil {
		return false, nil
	}

	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE user_id = $1 AND conversation_id = $2)`,
		accountID, conversationID,
	).Scan(&ok)
	if err != nil {
		return false, chat.Storage("membership: is member", err)
	}
	return ok, nil
}

// Participants returns the members of a conversation.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]conversation.Participant, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, nil
	}
	parts, err := s.registry.ParticipantsFor(ctx, []string{conversationID})
	if err != nil {
		return nil, err
	}
	return parts[conversationID], nil
}

// ListForAccount returns every conversation accountID participates in, most
// recently active first, each with its participants and latest message.
func (s *Store) ListForAccount(ctx context.Context, accountID string) ([]Summary, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return []Summary{}, nil
	}

	const query = `
		SELECT c.id, c.title, c.is_group, c.created_at, c.updated_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC, c.id`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, chat.Storage("membership: list", err)
	}
	defer rows.Close()

	var convs []conversation.Conversation
	for rows.Next() {
		var (
			c     conversation.Conversation
			title sql.NullString
		)
		if err := rows.Scan(&c.ID, &title, &c.IsGroup, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, chat.Storage("membership: scan", err)
		}
		if title.Valid {
			c.Title = &title.String
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, chat.Storage("membership: rows", err)
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	parts, err := s.registry.ParticipantsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	latest, err := s.messages.LatestFor(ctx, ids)
	if err != nil {
		return nil, chat.Storage("membership: latest", err)
	}

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		c.Participants = parts[c.ID]
		out = append(out, Summary{
			Conversation: c,
			DisplayName:  conversation.DisplayName(&c, accountID),
			Latest:       latest[c.ID],
		})
	}
	return out, nil
}
