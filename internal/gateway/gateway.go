// Package gateway is the per-connection state machine of the realtime core.
// It admits authenticated connections, gates channel subscriptions on
// conversation membership, and coordinates message persistence with
// broadcast so that what subscribers see matches what was stored.
//
// Every operation reports failures to the originating connection as an
// error event and never to anyone else.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/converse/chat-core/internal/account"
	"github.com/converse/chat-core/internal/broadcast"
	"github.com/converse/chat-core/internal/chat"
	"github.com/converse/chat-core/internal/message"
	"github.com/converse/chat-core/internal/messaging"
	"github.com/converse/chat-core/internal/metrics"
	"github.com/converse/chat-core/internal/presence"
	"github.com/converse/chat-core/internal/protocol"
	"github.com/converse/chat-core/internal/ratelimit"
)

// Conn is an authenticated connection.
type Conn interface {
	ID() string
	Account() *account.Account
	// Send enqueues an event without blocking.
	Send(data []byte) bool
}

// Verifier resolves bearer tokens to accounts.
type Verifier interface {
	Verify(ctx context.Context, token string) (*account.Account, error)
}

// Members answers membership questions.
type Members interface {
	IsMember(ctx context.Context, accountID, conversationID string) (bool, error)
}

// Journal stores a message and bumps its conversation atomically.
type Journal interface {
	Record(ctx context.Context, conversationID string, sender message.Sender, content string, typ message.Type) (*message.Message, error)
}

// Presence records account status outside the process.
type Presence interface {
	Online(ctx context.Context, accountID string) error
	Offline(ctx context.Context, accountID string) (bool, error)
	SetStatus(ctx context.Context, accountID, status string) error
}

// Limiter throttles message submission.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Feed receives persisted messages and presence changes for downstream
// consumers.
type Feed interface {
	PublishMessage(ev messaging.MessageEvent) error
	PublishPresence(ev messaging.PresenceEvent) error
}

// Config holds gateway tuning parameters.
type Config struct {
	AuthTimeout  time.Duration // bound on token verification
	StoreTimeout time.Duration // bound on each membership or journal call
	TypingTTL    time.Duration // typing lease
	TypingSweep  time.Duration // how often expired leases are collected
	MessageRule  ratelimit.Rule
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:  5 * time.Second,
		StoreTimeout: 5 * time.Second,
		TypingTTL:    10 * time.Second,
		TypingSweep:  time.Second,
		MessageRule:  ratelimit.RuleMessage,
	}
}

// Deps are the collaborators of a Gateway. Presence, Limiter and Feed are
// optional.
type Deps struct {
	Verifier Verifier
	Members  Members
	Journal  Journal
	Presence Presence
	Limiter  Limiter
	Feed     Feed
}

// Client-facing reasons for failures that carry no reason of their own.
const (
	reasonJoinFailed   = "Failed to join conversation"
	reasonSendFailed   = "Failed to send message"
	reasonStatusFailed = "Failed to update status"
	reasonAccessDenied = "Access denied to this conversation"
	reasonRateLimited  = "Too many messages, slow down"
)

// Gateway implements the connection lifecycle on top of a broadcast.Router.
type Gateway struct {
	config Config
	deps   Deps
	router *broadcast.Router
	typing *presence.Tracker

	mu     sync.Mutex
	conns  map[string]Conn // admitted, not yet disconnected
	online map[string]int  // account id -> admitted connections
}

// New creates a Gateway.
func New(config Config, router *broadcast.Router, deps Deps) *Gateway {
	return &Gateway{
		config: config,
		deps:   deps,
		router: router,
		typing: presence.NewTracker(config.TypingTTL),
		conns:  make(map[string]Conn),
		online: make(map[string]int),
	}
}

// Router returns the router the gateway publishes through.
func (g *Gateway) Router() *broadcast.Router {
	return g.router
}

// Authenticate resolves a handshake token to its account. Every failure
// wraps chat.ErrAuthentication.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*account.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.AuthTimeout)
	defer cancel()

	acc, err := g.deps.Verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, chat.ErrAuthentication) {
			err = errors.Join(chat.Errorf(chat.ErrAuthentication, "Authentication error"), err)
		}
		return nil, err
	}
	return acc, nil
}

// Admit registers an authenticated connection so it can subscribe to
// channels and receive global events, and confirms it to the client.
func (g *Gateway) Admit(conn Conn) error {
	acc := conn.Account()
	if !g.router.Register(conn) {
		return fmt.Errorf("gateway: connection %s already admitted", conn.ID())
	}

	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.online[acc.ID]++
	g.mu.Unlock()
	metrics.ConnectionsTotal.Inc()

	if g.deps.Presence != nil {
		ctx, cancel := g.storeContext(context.Background())
		if err := g.deps.Presence.Online(ctx, acc.ID); err != nil {
			log.Printf("[gateway] presence online account=%s: %v", acc.ID, err)
		}
		cancel()
	}
	g.publishPresence(acc, protocol.StatusOnline)

	data, _ := protocol.NewServerMessage(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		UserID:   acc.ID,
		Username: acc.Username,
	})
	conn.Send(data)

	log.Printf("[gateway] admitted conn=%s account=%s", conn.ID(), acc.ID)
	return nil
}

// Subscribe joins conn to a conversation channel after checking membership.
// The other subscribers are told about the new member; subscribing twice
// is a silent no-op.
func (g *Gateway) Subscribe(ctx context.Context, conn Conn, conversationID string) error {
	acc := conn.Account()

	ctx, cancel := g.storeContext(ctx)
	ok, err := g.deps.Members.IsMember(ctx, acc.ID, conversationID)
	cancel()
	if err != nil {
		return g.fail(conn, err, reasonJoinFailed)
	}
	if !ok {
		return g.fail(conn, chat.Errorf(chat.ErrAuthorization, reasonAccessDenied), reasonJoinFailed)
	}

	if !g.router.Join(conversationID, conn.ID()) {
		return nil
	}
	g.router.Publish(conversationID, userEvent(protocol.TypeUserJoined, acc, conversationID), conn.ID(), true)

	log.Printf("[gateway] conn=%s account=%s joined conversation=%s", conn.ID(), acc.ID, conversationID)
	return nil
}

// Unsubscribe removes conn from a conversation channel. Only the call that
// actually removed the subscription notifies the remaining subscribers.
func (g *Gateway) Unsubscribe(conn Conn, conversationID string) {
	if !g.router.Leave(conversationID, conn.ID()) {
		return
	}
	g.router.Publish(conversationID, userEvent(protocol.TypeUserLeft, conn.Account(), conversationID), conn.ID(), true)
}

// SubmitMessage posts a message from conn. The stored message reaches every
// subscriber of the conversation, conn included; failures reach conn alone.
func (g *Gateway) SubmitMessage(ctx context.Context, conn Conn, conversationID, content, msgType string) error {
	if _, err := g.PostMessage(ctx, conn.Account(), conversationID, content, msgType); err != nil {
		return g.fail(conn, err, reasonSendFailed)
	}
	return nil
}

// PostMessage validates, stores, and broadcasts a message from acc. It is the
// single write path for both the realtime and HTTP surfaces.
//
// The conversation's sequencing lock is held across the append and the
// publish, so every subscriber observes messages of one conversation in
// stored order.
func (g *Gateway) PostMessage(ctx context.Context, acc *account.Account, conversationID, content, msgType string) (*message.Message, error) {
	start := time.Now()

	trimmed, err := message.ValidateContent(content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	typ, err := message.ParseType(msgType)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if g.deps.Limiter != nil {
		if ok, _ := g.deps.Limiter.Allow(ctx, acc.ID, g.config.MessageRule); !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return nil, chat.Errorf(chat.ErrRateLimited, reasonRateLimited)
		}
	}

	memberCtx, cancel := g.storeContext(ctx)
	ok, err := g.deps.Members.IsMember(memberCtx, acc.ID, conversationID)
	cancel()
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, chat.Errorf(chat.ErrAuthorization, reasonAccessDenied)
	}

	sender := message.Sender{ID: acc.ID, Username: acc.Username, AvatarURL: acc.AvatarURL}

	unlock := g.router.Lock(conversationID)
	recordCtx, cancel := g.storeContext(ctx)
	stored, err := g.deps.Journal.Record(recordCtx, conversationID, sender, trimmed, typ)
	cancel()
	if err != nil {
		unlock()
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("[gateway] record failed account=%s conversation=%s: %v", acc.ID, conversationID, err)
		return nil, err
	}
	delivered := g.router.Publish(conversationID, newMessageEvent(stored), "", false)
	unlock()

	metrics.MessagesTotal.WithLabelValues("stored").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	if g.deps.Feed != nil {
		ev := messaging.MessageEvent{
			ID:             stored.ID,
			ConversationID: stored.ConversationID,
			SenderID:       stored.SenderID,
			SenderName:     acc.Username,
			Content:        stored.Content,
			Type:           string(stored.Type),
			CreatedAt:      stored.CreatedAt,
		}
		if err := g.deps.Feed.PublishMessage(ev); err != nil {
			log.Printf("[gateway] feed publish message=%s: %v", stored.ID, err)
		}
	}

	log.Printf("[gateway] message=%s account=%s conversation=%s delivered=%d",
		stored.ID, acc.ID, conversationID, delivered)
	return stored, nil
}

// SetTyping updates the typing state of conn's account in a conversation and
// tells the other subscribers. Repeated starts only renew the lease.
func (g *Gateway) SetTyping(conn Conn, conversationID string, isTyping bool) {
	acc := conn.Account()
	if isTyping {
		if g.typing.Start(conversationID, acc.ID, acc.Username, conn.ID()) {
			g.router.Publish(conversationID, userEvent(protocol.TypeUserTyping, acc, conversationID), conn.ID(), true)
		}
		return
	}
	if g.typing.Stop(conversationID, acc.ID) {
		g.router.Publish(conversationID, userEvent(protocol.TypeUserStoppedTyping, acc, conversationID), conn.ID(), true)
	}
}

// Typing returns the account ids currently typing in a conversation.
func (g *Gateway) Typing(conversationID string) []string {
	return g.typing.Typing(conversationID)
}

// UpdateStatus announces conn's account status to every other connection.
func (g *Gateway) UpdateStatus(ctx context.Context, conn Conn, status string) error {
	switch status {
	case protocol.StatusOnline, protocol.StatusAway, protocol.StatusBusy:
	default:
		return g.fail(conn, chat.Errorf(chat.ErrValidation, "Unsupported status %q", status), reasonStatusFailed)
	}

	acc := conn.Account()
	if g.deps.Presence != nil {
		ctx, cancel := g.storeContext(ctx)
		err := g.deps.Presence.SetStatus(ctx, acc.ID, status)
		cancel()
		if err != nil {
			log.Printf("[gateway] presence status account=%s: %v", acc.ID, err)
		}
	}

	g.router.PublishGlobal(statusEvent(acc, status), conn.ID())
	g.publishPresence(acc, status)
	return nil
}

// Disconnect tears down conn: it leaves every channel, ends its typing
// entries, and unregisters it. Once the account's last connection is gone
// the account is announced offline. Only the first call for a connection
// has any effect.
func (g *Gateway) Disconnect(conn Conn) {
	acc := conn.Account()

	g.mu.Lock()
	if _, ok := g.conns[conn.ID()]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, conn.ID())
	g.online[acc.ID]--
	last := g.online[acc.ID] <= 0
	if last {
		delete(g.online, acc.ID)
	}
	g.mu.Unlock()
	metrics.ConnectionsTotal.Dec()

	channels, _ := g.router.Unregister(conn.ID())
	for _, ch := range channels {
		g.router.Publish(ch, userEvent(protocol.TypeUserLeft, acc, ch), conn.ID(), true)
	}
	for _, t := range g.typing.ClearConnection(conn.ID()) {
		g.router.Publish(t.ConversationID, userEvent(protocol.TypeUserStoppedTyping, acc, t.ConversationID), conn.ID(), true)
	}

	if g.deps.Presence != nil {
		ctx, cancel := g.storeContext(context.Background())
		if _, err := g.deps.Presence.Offline(ctx, acc.ID); err != nil {
			log.Printf("[gateway] presence offline account=%s: %v", acc.ID, err)
		}
		cancel()
	}

	if last {
		g.router.PublishGlobal(statusEvent(acc, protocol.StatusOffline), conn.ID())
		g.publishPresence(acc, protocol.StatusOffline)
	}

	log.Printf("[gateway] disconnected conn=%s account=%s channels=%d", conn.ID(), acc.ID, len(channels))
}

// RunTypingSweeper expires typing leases until ctx is cancelled, telling
// the conversation that the typist stopped.
func (g *Gateway) RunTypingSweeper(ctx context.Context) {
	g.typing.Run(ctx, g.config.TypingSweep, func(t presence.Typist) {
		acc := &account.Account{ID: t.AccountID, Username: t.Username}
		g.router.Publish(t.ConversationID, userEvent(protocol.TypeUserStoppedTyping, acc, t.ConversationID), t.ConnID, true)
	})
}

// ConnectionCount returns the number of admitted connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// fail reports err to conn as an error event and returns it.
func (g *Gateway) fail(conn Conn, err error, fallback string) error {
	code, reason := chat.Describe(err, fallback)
	if code == chat.CodeInternal {
		log.Printf("[gateway] conn=%s account=%s: %v", conn.ID(), conn.Account().ID, err)
	}
	conn.Send(protocol.NewErrorMessage(code, reason))
	return err
}

func (g *Gateway) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.config.StoreTimeout)
}

func (g *Gateway) publishPresence(acc *account.Account, status string) {
	if g.deps.Feed == nil {
		return
	}
	ev := messaging.PresenceEvent{
		AccountID: acc.ID,
		Username:  acc.Username,
		Status:    status,
		At:        time.Now(),
	}
	if err := g.deps.Feed.PublishPresence(ev); err != nil {
		log.Printf("[gateway] feed publish presence account=%s: %v", acc.ID, err)
	}
}

func userEvent(msgType string, acc *account.Account, conversationID string) []byte {
	data, _ := protocol.NewServerMessage(msgType, protocol.UserEventMsg{
		UserID:         acc.ID,
		Username:       acc.Username,
		ConversationID: conversationID,
	})
	return data
}

func statusEvent(acc *account.Account, status string) []byte {
	data, _ := protocol.NewServerMessage(protocol.TypeUserStatusUpdate, protocol.UserStatusMsg{
		UserID:   acc.ID,
		Username: acc.Username,
		Status:   status,
	})
	return data
}

func newMessageEvent(m *message.Message) []byte {
	data, _ := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MessageType:    string(m.Type),
		CreatedAt:      m.CreatedAt,
		Sender: protocol.SenderInfo{
			ID:        m.Sender.ID,
			Username:  m.Sender.Username,
			AvatarURL: m.Sender.AvatarURL,
		},
	})
	return data
}
