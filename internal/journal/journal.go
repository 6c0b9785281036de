// Package journal records a chat message durably: the message row and the
// conversation's activity bump are committed together or not at all.
package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/converse/chat-core/internal/conversation"
	"github.com/converse/chat-core/internal/database"
	"github.com/converse/chat-core/internal/message"
	"github.com/converse/chat-core/internal/metrics"
)

// Journal appends messages and touches their conversation in one transaction.
type Journal struct {
	db            *sql.DB
	messages      *message.Store
	conversations *conversation.Registry
}

// New creates a Journal over the given stores, which must share db.
func New(db *sql.DB, messages *message.Store, conversations *conversation.Registry) *Journal {
	return &Journal{db: db, messages: messages, conversations: conversations}
}

// Record stores a validated message from sender into conversationID and bumps
// the conversation's updated_at. Either both writes commit or neither does.
func (j *Journal) Record(ctx context.Context, conversationID string, sender message.Sender, content string, typ message.Type) (*message.Message, error) {
	start := time.Now()
	defer func() {
		metrics.StoreLatency.WithLabelValues("record").Observe(time.Since(start).Seconds())
	}()

	var stored *message.Message
	err := database.InTx(ctx, j.db, func(tx *sql.Tx) error {
		m, err := j.messages.Append(ctx, tx, conversationID, sender.ID, content, typ)
		if err != nil {
			return err
		}
		if err := j.conversations.TouchActivity(ctx, tx, conversationID); err != nil {
			return err
		}
		stored = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	stored.Sender = sender
	return stored, nil
}
