package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse/chat-core/internal/account"
	"github.com/converse/chat-core/internal/broadcast"
	"github.com/converse/chat-core/internal/chat"
	"github.com/converse/chat-core/internal/message"
	"github.com/converse/chat-core/internal/messaging"
	"github.com/converse/chat-core/internal/protocol"
	"github.com/converse/chat-core/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	id  string
	acc *account.Account

	mu     sync.Mutex
	frames [][]byte
}

func newConn(id string, acc *account.Account) *fakeConn {
	return &fakeConn{id: id, acc: acc}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Account() *account.Account { return c.acc }

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return true
}

type frame struct {
	Type           string `json:"type"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	Status         string `json:"status"`
	Sender         struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"sender"`
}

// take returns and clears the frames received so far.
func (c *fakeConn) take(t *testing.T) []frame {
	t.Helper()
	c.mu.Lock()
	raw := c.frames
	c.frames = nil
	c.mu.Unlock()

	out := make([]frame, 0, len(raw))
	for _, data := range raw {
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		out = append(out, f)
	}
	return out
}

func types(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}

type fakeVerifier map[string]*account.Account

func (v fakeVerifier) Verify(_ context.Context, token string) (*account.Account, error) {
	if token == "broken" {
		return nil, errors.New("connection refused")
	}
	acc, ok := v[token]
	if !ok {
		return nil, chat.Errorf(chat.ErrAuthentication, "invalid token")
	}
	return acc, nil
}

type fakeMembers struct {
	mu      sync.Mutex
	members map[string]map[string]bool // conversation -> account
	err     error
}

func (m *fakeMembers) add(conversationID string, accountIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members == nil {
		m.members = make(map[string]map[string]bool)
	}
	if m.members[conversationID] == nil {
		m.members[conversationID] = make(map[string]bool)
	}
	for _, id := range accountIDs {
		m.members[conversationID][id] = true
	}
}

func (m *fakeMembers) IsMember(_ context.Context, accountID, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.members[conversationID][accountID], nil
}

type fakeJournal struct {
	mu     sync.Mutex
	stored []*message.Message
	err    error
}

func (j *fakeJournal) Record(_ context.Context, conversationID string, sender message.Sender, content string, typ message.Type) (*message.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return nil, j.err
	}
	m := &message.Message{
		ID:             fmt.Sprintf("m-%03d", len(j.stored)+1),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		Content:        content,
		Type:           typ,
		CreatedAt:      time.Now(),
		Sender:         sender,
	}
	j.stored = append(j.stored, m)
	return m, nil
}

func (j *fakeJournal) ids() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.stored))
	for _, m := range j.stored {
		out = append(out, m.ID)
	}
	return out
}

type fakePresence struct {
	mu     sync.Mutex
	calls  []string
	counts map[string]int
}

func (p *fakePresence) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePresence) Online(_ context.Context, accountID string) error {
	p.mu.Lock()
	if p.counts == nil {
		p.counts = make(map[string]int)
	}
	p.counts[accountID]++
	p.mu.Unlock()
	p.record("online:" + accountID)
	return nil
}

func (p *fakePresence) Offline(_ context.Context, accountID string) (bool, error) {
	p.mu.Lock()
	p.counts[accountID]--
	last := p.counts[accountID] <= 0
	p.mu.Unlock()
	p.record("offline:" + accountID)
	return last, nil
}

func (p *fakePresence) SetStatus(_ context.Context, accountID, status string) error {
	p.record(status + ":" + accountID)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return false, nil
}

type fakeFeed struct {
	mu       sync.Mutex
	messages []messaging.MessageEvent
	presence []messaging.PresenceEvent
}

func (f *fakeFeed) PublishMessage(ev messaging.MessageEvent) error {
	f.mu.Lock()
	f.messages = append(f.messages, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) PublishPresence(ev messaging.PresenceEvent) error {
	f.mu.Lock()
	f.presence = append(f.presence, ev)
	f.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

var (
	alice = &account.Account{ID: "acc-alice", Username: "alice", IsActive: true}
	bob   = &account.Account{ID: "acc-bob", Username: "bob", IsActive: true}
	carol = &account.Account{ID: "acc-carol", Username: "carol", IsActive: true}
	dave  = &account.Account{ID: "acc-dave", Username: "dave", IsActive: true}
)

type fixture struct {
	gw       *Gateway
	members  *fakeMembers
	journal  *fakeJournal
	presence *fakePresence
	feed     *fakeFeed
}

func newFixture(t *testing.T, mutate ...func(*Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{
		members:  &fakeMembers{},
		journal:  &fakeJournal{},
		presence: &fakePresence{},
		feed:     &fakeFeed{},
	}
	config := DefaultConfig()
	deps := Deps{
		Verifier: fakeVerifier{"alice-token": alice, "bob-token": bob},
		Members:  f.members,
		Journal:  f.journal,
		Presence: f.presence,
		Feed:     f.feed,
	}
	for _, m := range mutate {
		m(&config, &deps)
	}
	f.gw = New(config, broadcast.NewRouter(), deps)
	return f
}

// admit admits a connection and discards its authenticated frame.
func (f *fixture) admit(t *testing.T, id string, acc *account.Account) *fakeConn {
	t.Helper()
	c := newConn(id, acc)
	require.NoError(t, f.gw.Admit(c))
	c.take(t)
	return c
}

// join subscribes each connection in order and clears every frame.
func (f *fixture) join(t *testing.T, conversationID string, conns ...*fakeConn) {
	t.Helper()
	for _, c := range conns {
		require.NoError(t, f.gw.Subscribe(context.Background(), c, conversationID))
	}
	for _, c := range conns {
		c.take(t)
	}
}

// ---------------------------------------------------------------------------
// Authenticate / Admit
// ---------------------------------------------------------------------------

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)

	acc, err := f.gw.Authenticate(context.Background(), "alice-token")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, acc.ID)

	_, err = f.gw.Authenticate(context.Background(), "forged")
	assert.ErrorIs(t, err, chat.ErrAuthentication)

	_, err = f.gw.Authenticate(context.Background(), "broken")
	assert.ErrorIs(t, err, chat.ErrAuthentication, "unclassified verifier failures still refuse the connection")
}

func TestAdmit(t *testing.T) {
	f := newFixture(t)
	c := newConn("c1", alice)

	require.NoError(t, f.gw.Admit(c))
	frames := c.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeAuthenticated, frames[0].Type)
	assert.Equal(t, alice.ID, frames[0].UserID)
	assert.Equal(t, "alice", frames[0].Username)

	assert.Error(t, f.gw.Admit(c), "a connection is admitted once")
	assert.Equal(t, 1, f.gw.ConnectionCount())
	assert.Equal(t, []string{"online:acc-alice"}, f.presence.calls)
}

// ---------------------------------------------------------------------------
// Subscribe / Unsubscribe
// ---------------------------------------------------------------------------

func TestSubscribe_NonMemberDenied(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID)
	a := f.admit(t, "a", alice)
	d := f.admit(t, "d", dave)
	f.join(t, "conv-1", a)

	err := f.gw.Subscribe(context.Background(), d, "conv-1")
	assert.ErrorIs(t, err, chat.ErrAuthorization)

	frames := d.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeError, frames[0].Type)
	assert.Equal(t, chat.CodeAccessDenied, frames[0].Code)
	assert.Equal(t, "Access denied to this conversation", frames[0].Message)

	assert.Empty(t, a.take(t), "members learn nothing about a refused subscribe")
	assert.Equal(t, []string{"a"}, f.gw.Router().Members("conv-1"))
}

func TestSubscribe_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.members.err = chat.Storage("membership: is member", errors.New("connection reset"))
	a := f.admit(t, "a", alice)

	err := f.gw.Subscribe(context.Background(), a, "conv-1")
	assert.ErrorIs(t, err, chat.ErrStorage)

	frames := a.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, chat.CodeInternal, frames[0].Code)
	assert.Equal(t, "Failed to join conversation", frames[0].Message)
	assert.Empty(t, f.gw.Router().Members("conv-1"))
}

func TestSubscribe_AnnouncesOnce(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	f.join(t, "conv-1", a)

	require.NoError(t, f.gw.Subscribe(context.Background(), b, "conv-1"))
	require.NoError(t, f.gw.Subscribe(context.Background(), b, "conv-1"))

	frames := a.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeUserJoined, frames[0].Type)
	assert.Equal(t, bob.ID, frames[0].UserID)
	assert.Equal(t, "conv-1", frames[0].ConversationID)
	assert.Empty(t, b.take(t), "the joiner is not told about itself")
}

func TestUnsubscribe_OneNotification(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	f.join(t, "conv-1", a, b)

	f.gw.Unsubscribe(b, "conv-1")
	f.gw.Unsubscribe(b, "conv-1")

	assert.Equal(t, []string{protocol.TypeUserLeft}, types(a.take(t)))
	assert.Empty(t, b.take(t))
	assert.Equal(t, []string{"a"}, f.gw.Router().Members("conv-1"))
}

// ---------------------------------------------------------------------------
// SubmitMessage
// ---------------------------------------------------------------------------

func TestSubmitMessage_DeliveredToEverySubscriber(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	f.join(t, "conv-1", a, b)

	require.NoError(t, f.gw.SubmitMessage(context.Background(), a, "conv-1", "  Hi Bob  ", ""))

	require.Equal(t, []string{"m-001"}, f.journal.ids())
	for _, c := range []*fakeConn{a, b} {
		frames := c.take(t)
		require.Len(t, frames, 1, "conn %s", c.id)
		got := frames[0]
		assert.Equal(t, protocol.TypeNewMessage, got.Type)
		assert.Equal(t, "m-001", got.ID)
		assert.Equal(t, "Hi Bob", got.Content)
		assert.Equal(t, "text", got.MessageType)
		assert.Equal(t, "conv-1", got.ConversationID)
		assert.Equal(t, alice.ID, got.Sender.ID)
		assert.Equal(t, "alice", got.Sender.Username)
	}

	require.Len(t, f.feed.messages, 1)
	assert.Equal(t, "m-001", f.feed.messages[0].ID)
	assert.Equal(t, "alice", f.feed.messages[0].SenderName)
}

func TestSubmitMessage_MaxLength(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID)
	a := f.admit(t, "a", alice)
	f.join(t, "conv-1", a)

	require.NoError(t, f.gw.SubmitMessage(context.Background(), a, "conv-1", strings.Repeat("é", 1000), "text"))
	assert.Len(t, f.journal.ids(), 1)
}

func TestSubmitMessage_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		sender   *account.Account
		content  string
		msgType  string
		limited  bool
		wantKind error
		wantCode string
	}{
		{"empty content", alice, "", "", false, chat.ErrValidation, chat.CodeInvalidMessage},
		{"whitespace content", alice, " \n\t ", "", false, chat.ErrValidation, chat.CodeInvalidMessage},
		{"too long", alice, strings.Repeat("x", 1001), "", false, chat.ErrValidation, chat.CodeInvalidMessage},
		{"unknown type", alice, "hello", "video", false, chat.ErrValidation, chat.CodeInvalidMessage},
		{"non-member", dave, "hello", "", false, chat.ErrAuthorization, chat.CodeAccessDenied},
		{"rate limited", alice, "hello", "", true, chat.ErrRateLimited, chat.CodeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(_ *Config, deps *Deps) {
				if tt.limited {
					deps.Limiter = denyLimiter{}
				}
			})
			f.members.add("conv-1", alice.ID, bob.ID)
			sender := f.admit(t, "s", tt.sender)
			b := f.admit(t, "b", bob)
			f.join(t, "conv-1", b)

			err := f.gw.SubmitMessage(context.Background(), sender, "conv-1", tt.content, tt.msgType)
			assert.ErrorIs(t, err, tt.wantKind)

			frames := sender.take(t)
			require.Len(t, frames, 1)
			assert.Equal(t, protocol.TypeError, frames[0].Type)
			assert.Equal(t, tt.wantCode, frames[0].Code)
			assert.NotEmpty(t, frames[0].Message)

			assert.Empty(t, f.journal.ids(), "nothing is stored")
			assert.Empty(t, b.take(t), "nothing is broadcast")
			assert.Empty(t, f.feed.messages)
		})
	}
}

func TestSubmitMessage_EmptyContentReason(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID)
	a := f.admit(t, "a", alice)

	_ = f.gw.SubmitMessage(context.Background(), a, "conv-1", "", "")
	frames := a.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "Message content is required", frames[0].Message)
}

func TestSubmitMessage_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	f.join(t, "conv-1", a, b)
	f.journal.err = chat.Storage("message: append", errors.New("disk full"))

	err := f.gw.SubmitMessage(context.Background(), a, "conv-1", "hello", "")
	assert.ErrorIs(t, err, chat.ErrStorage)

	frames := a.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, chat.CodeInternal, frames[0].Code)
	assert.Equal(t, "Failed to send message", frames[0].Message)
	assert.Empty(t, b.take(t), "no partial broadcast")
}

func TestSubmitMessage_UnknownConversation(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-gone", alice.ID)
	a := f.admit(t, "a", alice)
	f.journal.err = chat.Errorf(chat.ErrNotFound, "Conversation not found")

	err := f.gw.SubmitMessage(context.Background(), a, "conv-gone", "hello", "")
	assert.ErrorIs(t, err, chat.ErrNotFound)

	frames := a.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, chat.CodeNotFound, frames[0].Code)
}

func TestSubmitMessage_ConcurrentOrderMatchesStore(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID, carol.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	c := f.admit(t, "c", carol)
	f.join(t, "conv-1", a, b, c)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := []*fakeConn{a, b, c}[i%3]
			assert.NoError(t, f.gw.SubmitMessage(context.Background(), sender, "conv-1", fmt.Sprintf("msg %d", i), ""))
		}(i)
	}
	wg.Wait()

	stored := f.journal.ids()
	require.Len(t, stored, n)
	for _, conn := range []*fakeConn{a, b, c} {
		var seen []string
		for _, fr := range conn.take(t) {
			if fr.Type == protocol.TypeNewMessage {
				seen = append(seen, fr.ID)
			}
		}
		assert.Equal(t, stored, seen, "conn %s sees stored order", conn.id)
	}
}

// ---------------------------------------------------------------------------
// SetTyping
// ---------------------------------------------------------------------------

func TestSetTyping(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	f.join(t, "conv-1", a, b)

	f.gw.SetTyping(a, "conv-1", true)
	f.gw.SetTyping(a, "conv-1", true)
	assert.Equal(t, []string{alice.ID}, f.gw.Typing("conv-1"))

	frames := b.take(t)
	require.Len(t, frames, 1, "duplicate starts are not re-broadcast")
	assert.Equal(t, protocol.TypeUserTyping, frames[0].Type)
	assert.Equal(t, alice.ID, frames[0].UserID)

	f.gw.SetTyping(a, "conv-1", false)
	f.gw.SetTyping(a, "conv-1", false)
	assert.Equal(t, []string{protocol.TypeUserStoppedTyping}, types(b.take(t)))
	assert.Empty(t, a.take(t), "typists hear nothing about themselves")
	assert.Empty(t, f.gw.Typing("conv-1"))
}

func TestRunTypingSweeper(t *testing.T) {
	f := newFixture(t, func(config *Config, _ *Deps) {
		config.TypingTTL = 10 * time.Millisecond
		config.TypingSweep = 5 * time.Millisecond
	})
	f.members.add("conv-1", alice.ID, bob.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	f.join(t, "conv-1", a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.gw.RunTypingSweeper(ctx)

	f.gw.SetTyping(a, "conv-1", true)

	var got []string
	require.Eventually(t, func() bool {
		got = append(got, types(b.take(t))...)
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypeUserTyping, protocol.TypeUserStoppedTyping}, got)
	assert.Empty(t, a.take(t))
}

// ---------------------------------------------------------------------------
// UpdateStatus
// ---------------------------------------------------------------------------

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	c := f.admit(t, "c", carol)

	require.NoError(t, f.gw.UpdateStatus(context.Background(), a, protocol.StatusAway))

	for _, other := range []*fakeConn{b, c} {
		frames := other.take(t)
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.TypeUserStatusUpdate, frames[0].Type)
		assert.Equal(t, alice.ID, frames[0].UserID)
		assert.Equal(t, protocol.StatusAway, frames[0].Status)
	}
	assert.Empty(t, a.take(t))
	assert.Contains(t, f.presence.calls, "away:acc-alice")
}

func TestUpdateStatus_Invalid(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)

	for _, status := range []string{"offline", "invisible", ""} {
		err := f.gw.UpdateStatus(context.Background(), a, status)
		assert.ErrorIs(t, err, chat.ErrValidation, status)
	}
	for _, fr := range a.take(t) {
		assert.Equal(t, chat.CodeInvalidMessage, fr.Code)
	}
	assert.Empty(t, b.take(t))
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID)
	f.members.add("conv-2", alice.ID, carol.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	c := f.admit(t, "c", carol)
	d := f.admit(t, "d", dave)
	f.join(t, "conv-1", a, b)
	f.join(t, "conv-2", a, c)
	f.gw.SetTyping(a, "conv-1", true)
	b.take(t)

	f.gw.Disconnect(a)
	f.gw.Disconnect(a)

	assert.Equal(t, []string{
		protocol.TypeUserLeft,
		protocol.TypeUserStoppedTyping,
		protocol.TypeUserStatusUpdate,
	}, types(b.take(t)))
	assert.Equal(t, []string{protocol.TypeUserLeft, protocol.TypeUserStatusUpdate}, types(c.take(t)))

	frames := d.take(t)
	require.Len(t, frames, 1, "non-members only hear the status change")
	assert.Equal(t, protocol.StatusOffline, frames[0].Status)
	assert.Equal(t, alice.ID, frames[0].UserID)

	assert.Empty(t, f.gw.Router().ChannelsOf("a"))
	assert.Equal(t, []string{"b"}, f.gw.Router().Members("conv-1"))
	assert.Empty(t, f.gw.Typing("conv-1"))
	assert.Equal(t, 3, f.gw.ConnectionCount())

	var offline int
	for _, call := range f.presence.calls {
		if call == "offline:acc-alice" {
			offline++
		}
	}
	assert.Equal(t, 1, offline, "teardown runs once")
}

func TestDisconnect_OfflineAfterLastConnection(t *testing.T) {
	f := newFixture(t)
	phone := f.admit(t, "phone", alice)
	laptop := f.admit(t, "laptop", alice)
	b := f.admit(t, "b", bob)

	f.gw.Disconnect(phone)
	assert.Empty(t, b.take(t), "alice is still online on another connection")

	f.gw.Disconnect(laptop)
	frames := b.take(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.StatusOffline, frames[0].Status)
}

func TestOperationsAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID)
	a := f.admit(t, "a", alice)
	f.gw.Disconnect(a)

	require.NoError(t, f.gw.Subscribe(context.Background(), a, "conv-1"))
	assert.Empty(t, f.gw.Router().Members("conv-1"), "closed connections cannot subscribe")
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestScenario_TwoParty(t *testing.T) {
	f := newFixture(t)
	f.members.add("conv-1", alice.ID, bob.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)

	require.NoError(t, f.gw.Subscribe(context.Background(), a, "conv-1"))
	require.NoError(t, f.gw.Subscribe(context.Background(), b, "conv-1"))
	assert.Equal(t, []string{protocol.TypeUserJoined}, types(a.take(t)))
	assert.Empty(t, b.take(t))

	require.NoError(t, f.gw.SubmitMessage(context.Background(), a, "conv-1", "Hi Bob", ""))
	assert.Equal(t, []string{protocol.TypeNewMessage}, types(a.take(t)))
	fb := b.take(t)
	require.Len(t, fb, 1)
	assert.Equal(t, "Hi Bob", fb[0].Content)

	f.gw.Disconnect(b)
	assert.Equal(t, []string{protocol.TypeUserLeft, protocol.TypeUserStatusUpdate}, types(a.take(t)))
}

func TestScenario_ThreeParty(t *testing.T) {
	f := newFixture(t)
	f.members.add("group", alice.ID, bob.ID, carol.ID)
	a := f.admit(t, "a", alice)
	b := f.admit(t, "b", bob)
	c := f.admit(t, "c", carol)
	f.join(t, "group", a, b, c)

	f.gw.SetTyping(c, "group", true)
	assert.Equal(t, []string{protocol.TypeUserTyping}, types(a.take(t)))
	assert.Equal(t, []string{protocol.TypeUserTyping}, types(b.take(t)))
	assert.Empty(t, c.take(t))

	require.NoError(t, f.gw.SubmitMessage(context.Background(), c, "group", "hello all", ""))
	for _, conn := range []*fakeConn{a, b, c} {
		assert.Equal(t, []string{protocol.TypeNewMessage}, types(conn.take(t)), conn.id)
	}

	f.gw.Unsubscribe(b, "group")
	require.NoError(t, f.gw.SubmitMessage(context.Background(), a, "group", "bob left", ""))
	assert.Equal(t, []string{protocol.TypeUserLeft, protocol.TypeNewMessage}, types(c.take(t)))
	assert.Empty(t, b.take(t), "unsubscribed connections receive nothing")
}
