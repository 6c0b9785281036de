package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "chat.message.c1", MessageSubject("c1"))
	assert.Equal(t, "presence.a1", PresenceSubject("a1"))
}

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.Name = "chatd-test"
	config.MaxReconnects = 0
	c, err := NewNATSClient(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishMessage_RoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan MessageEvent, 1)
	require.NoError(t, c.SubscribeMessages(func(ev MessageEvent) { got <- ev }))
	require.NoError(t, c.Flush())

	sent := MessageEvent{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "a1",
		SenderName:     "alice",
		Content:        "hello",
		Type:           "text",
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, c.PublishMessage(sent))

	select {
	case ev := <-got:
		assert.Equal(t, sent.ID, ev.ID)
		assert.Equal(t, sent.Content, ev.Content)
		assert.True(t, sent.CreatedAt.Equal(ev.CreatedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
}

func TestUnsubscribe_Unknown(t *testing.T) {
	c := newTestClient(t)
	assert.Error(t, c.Unsubscribe("chat.message.nothing"))
}
