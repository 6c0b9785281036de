// Package messaging provides a NATS client wrapper that publishes the chat
// server's event feed: every persisted message and every presence change.
// The feed is consumed by out-of-process services such as the moderator; it
// never delivers events back to WebSocket clients.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns of the event feed.
const (
	SubjectMessage  = "chat.message" // + .<conversation_id>
	SubjectPresence = "presence"     // + .<account_id>
)

// MessageEvent is published after a message has been stored and broadcast.
type MessageEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"created_at"`
}

// PresenceEvent is published when an account's presence status changes.
type PresenceEvent struct {
	AccountID string    `json:"account_id"`
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// MessageSubject returns the subject a conversation's messages go to.
func MessageSubject(conversationID string) string {
	return SubjectMessage + "." + conversationID
}

// PresenceSubject returns the subject an account's presence changes go to.
func PresenceSubject(accountID string) string {
	return SubjectPresence + "." + accountID
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessage publishes a stored message to chat.message.<conversation_id>.
func (c *NATSClient) PublishMessage(ev MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal message event: %w", err)
	}
	return c.Publish(MessageSubject(ev.ConversationID), data)
}

// PublishPresence publishes a presence change to presence.<account_id>.
func (c *NATSClient) PublishPresence(ev PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal presence event: %w", err)
	}
	return c.Publish(PresenceSubject(ev.AccountID), data)
}

// SubscribeMessages subscribes to the messages of every conversation.
// Undecodable payloads are logged and skipped.
func (c *NATSClient) SubscribeMessages(handler func(ev MessageEvent)) error {
	return c.Subscribe(SubjectMessage+".>", func(msg *nats.Msg) {
		var ev MessageEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad message event on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// SubscribePresence subscribes to presence changes of every account.
func (c *NATSClient) SubscribePresence(handler func(ev PresenceEvent)) error {
	return c.Subscribe(SubjectPresence+".>", func(msg *nats.Msg) {
		var ev PresenceEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad presence event on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
