// Package message provides the append-only, per-conversation message log
// backed by PostgreSQL. Messages are totally ordered within a conversation by
// (created_at, id) and are read back in pages.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/converse/chat-core/internal/chat"
	"github.com/converse/chat-core/internal/database"
)

// Pagination bounds for ListPage.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Sender is the projection of the sending account carried with a message.
type Sender struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// Message is one persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           Type
	IsEdited       bool
	EditedAt       *time.Time
	CreatedAt      time.Time
	Sender         Sender
}

// Page is one page of a conversation's history in chronological order.
type Page struct {
	Messages   []Message
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// Store manages messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a message with a server-assigned id and timestamp using q,
// which may be a transaction. A missing conversation or sender surfaces as
// chat.ErrNotFound; every other failure is chat.ErrStorage. Content and type
// are expected to be validated already.
func (s *Store) Append(ctx context.Context, q database.Querier, conversationID, senderID, content string, typ Type) (*Message, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, chat.Errorf(chat.ErrNotFound, "Conversation not found")
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
	}

	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, created_at)
		VALUES ($1, $2, $3, $4, $5, clock_timestamp())
		RETURNING created_at`

	err := q.QueryRowContext(ctx, query, m.ID, conversationID, senderID, content, string(typ)).Scan(&m.CreatedAt)
	if err != nil {
		if database.IsForeignKeyViolation(err) || database.IsInvalidText(err) {
			return nil, chat.Errorf(chat.ErrNotFound, "Conversation not found")
		}
		return nil, chat.Storage("message: append", err)
	}
	return m, nil
}

// NormalizePage applies the pagination defaults: page defaults to 1, limit
// defaults to DefaultPageLimit and is clamped to MaxPageLimit.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// TotalPages returns ceil(total/limit).
func TotalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// ListPage returns one page of a conversation's messages. Pages are counted
// from the newest message backwards, but the messages within the page are
// returned oldest first.
func (s *Store) ListPage(ctx context.Context, conversationID string, page, limit int) (*Page, error) {
	page, limit = NormalizePage(page, limit)
	result := &Page{Messages: []Message{}, Page: page, Limit: limit}

	if _, err := uuid.Parse(conversationID); err != nil {
		return result, nil
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&result.Total)
	if err != nil {
		return nil, chat.Storage("message: count", err)
	}
	result.TotalPages = TotalPages(result.Total, limit)

	const query = `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.is_edited,
		       m.edited_at, m.created_at, u.username, COALESCE(u.avatar_url, '')
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, chat.Storage("message: list page", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, chat.Storage("message: scan", err)
		}
		result.Messages = append(result.Messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, chat.Storage("message: rows", err)
	}

	Chronological(result.Messages)
	return result, nil
}

// Chronological reverses a newest-first slice in place.
func Chronological(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// LatestFor returns the most recent message of each given conversation,
// keyed by conversation id. Conversations without messages are absent.
func (s *Store) LatestFor(ctx context.Context, conversationIDs []string) (map[string]*Message, error) {
	latest := make(map[string]*Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return latest, nil
	}

	const query = `
		SELECT DISTINCT ON (m.conversation_id)
		       m.id, m.conversation_id, m.sender_id, m.content, m.type, m.is_edited,
		       m.edited_at, m.created_at, u.username, COALESCE(u.avatar_url, '')
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ANY($1::uuid[])
		ORDER BY m.conversation_id, m.created_at DESC, m.id DESC`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(conversationIDs))
	if err != nil {
		return nil, fmt.Errorf("message: latest: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("message: latest scan: %w", err)
		}
		latest[m.ConversationID] = m
	}
	return latest, rows.Err()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var (
		m        Message
		typ      string
		editedAt sql.NullTime
	)
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.IsEdited,
		&editedAt, &m.CreatedAt, &m.Sender.Username, &m.Sender.AvatarURL,
	)
	if err != nil {
		return nil, err
	}
	m.Type = Type(typ)
	m.Sender.ID = m.SenderID
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return &m, nil
}
