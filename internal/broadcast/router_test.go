package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id   string
	mu   sync.Mutex
	got  [][]byte
	full bool
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.got = append(p.got, data)
	return true
}

func (p *fakePeer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.got))
	for i, d := range p.got {
		out[i] = string(d)
	}
	return out
}

func setup(t *testing.T, ids ...string) (*Router, map[string]*fakePeer) {
	t.Helper()
	r := NewRouter()
	peers := make(map[string]*fakePeer, len(ids))
	for _, id := range ids {
		p := newPeer(id)
		require.True(t, r.Register(p))
		peers[id] = p
	}
	return r, peers
}

func TestRegister_Duplicate(t *testing.T) {
	r, _ := setup(t, "a")
	assert.False(t, r.Register(newPeer("a")))
	assert.Equal(t, 1, r.PeerCount())
}

func TestJoin_Idempotent(t *testing.T) {
	r, _ := setup(t, "a")

	assert.True(t, r.Join("c1", "a"))
	assert.False(t, r.Join("c1", "a"))
	assert.Equal(t, []string{"a"}, r.Members("c1"))
	assert.False(t, r.Join("c1", "ghost"), "unknown peers cannot join")
}

func TestLeave_Idempotent(t *testing.T) {
	r, _ := setup(t, "a", "b")
	r.Join("c1", "a")
	r.Join("c1", "b")

	assert.True(t, r.Leave("c1", "a"))
	assert.False(t, r.Leave("c1", "a"))
	assert.Equal(t, []string{"b"}, r.Members("c1"))
}

func TestLeave_ReclaimsEmptyChannel(t *testing.T) {
	r, _ := setup(t, "a")
	r.Join("c1", "a")
	require.Equal(t, 1, r.ChannelCount())

	r.Leave("c1", "a")
	assert.Equal(t, 0, r.ChannelCount())

	// The channel is recreated on the next join.
	assert.True(t, r.Join("c1", "a"))
	assert.Equal(t, []string{"a"}, r.Members("c1"))
}

func TestPublish(t *testing.T) {
	r, peers := setup(t, "a", "b", "c")
	r.Join("c1", "a")
	r.Join("c1", "b")
	r.Join("c2", "c")

	n := r.Publish("c1", []byte("hello"), "a", false)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"hello"}, peers["a"].received())
	assert.Equal(t, []string{"hello"}, peers["b"].received())
	assert.Empty(t, peers["c"].received(), "other channels are isolated")

	n = r.Publish("c1", []byte("typing"), "a", true)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hello"}, peers["a"].received(), "origin excluded")
	assert.Equal(t, []string{"hello", "typing"}, peers["b"].received())

	assert.Zero(t, r.Publish("nobody", []byte("x"), "", false))
}

func TestPublish_SkipsFullPeers(t *testing.T) {
	r, peers := setup(t, "a", "b")
	r.Join("c1", "a")
	r.Join("c1", "b")
	peers["b"].full = true

	assert.Equal(t, 1, r.Publish("c1", []byte("x"), "", false))
	assert.Equal(t, []string{"x"}, peers["a"].received())
}

func TestPublishGlobal(t *testing.T) {
	r, peers := setup(t, "a", "b", "c")

	assert.Equal(t, 2, r.PublishGlobal([]byte("status"), "a"))
	assert.Empty(t, peers["a"].received())
	assert.Equal(t, []string{"status"}, peers["b"].received())
	assert.Equal(t, []string{"status"}, peers["c"].received())
}

func TestUnregister(t *testing.T) {
	r, peers := setup(t, "a", "b")
	r.Join("c2", "a")
	r.Join("c1", "a")
	r.Join("c1", "b")

	left, ok := r.Unregister("a")
	require.True(t, ok)
	assert.Equal(t, []string{"c1", "c2"}, left)
	assert.Equal(t, []string{"b"}, r.Members("c1"))
	assert.Nil(t, r.Members("c2"))
	assert.Nil(t, r.ChannelsOf("a"))

	_, ok = r.Unregister("a")
	assert.False(t, ok, "teardown reports only once")

	r.Publish("c1", []byte("after"), "", false)
	assert.Empty(t, peers["a"].received())
	assert.False(t, r.Join("c1", "a"), "unregistered peers cannot rejoin")
}

func TestChannelsOf(t *testing.T) {
	r, _ := setup(t, "a")
	r.Join("z", "a")
	r.Join("m", "a")
	assert.Equal(t, []string{"m", "z"}, r.ChannelsOf("a"))
}

func TestLock_SerializesPublishers(t *testing.T) {
	r, peers := setup(t, "a", "b")
	r.Join("c1", "a")
	r.Join("c1", "b")

	// Each writer takes a sequence number and publishes it while holding the
	// channel lock, so every subscriber must observe 0..n-1 in order.
	const n = 200
	var (
		wg   sync.WaitGroup
		next int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("c1")
			defer unlock()
			seq := next
			next++
			r.Publish("c1", []byte(fmt.Sprint(seq)), "", false)
		}()
	}
	wg.Wait()

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprint(i)
	}
	assert.Equal(t, want, peers["a"].received())
	assert.Equal(t, want, peers["b"].received())

	r.seqMu.Lock()
	assert.Empty(t, r.sequencers, "idle sequencers are released")
	r.seqMu.Unlock()
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRouter()
	const n = 50
	for i := 0; i < n; i++ {
		r.Register(newPeer(fmt.Sprint(i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Join("hot", id)
				r.Publish("hot", []byte("x"), id, true)
				r.Leave("hot", id)
			}
		}(fmt.Sprint(i))
	}
	wg.Wait()

	assert.Equal(t, 0, r.ChannelCount())
	for i := 0; i < n; i++ {
		assert.Empty(t, r.ChannelsOf(fmt.Sprint(i)))
	}
}
