// Package broadcast routes chat events to the connections subscribed to a
// conversation channel. It holds only in-process state: the registry of
// authenticated peers and, per conversation, the set of peer ids subscribed
// to it.
//
// Lock order is peer registration, then the channel arena, then a channel
// entry. No lock is held while delivering; Peer.Send must not block.
package broadcast

import (
	"sort"
	"sync"

	"github.com/converse/chat-core/internal/metrics"
)

// Peer is a connection that can receive events.
type Peer interface {
	ID() string
	// Send enqueues data for delivery and reports whether it was accepted.
	// It must never block.
	Send(data []byte) bool
}

type registration struct {
	peer     Peer
	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

type entry struct {
	mu      sync.Mutex
	members map[string]struct{}
	closed  bool // reclaimed from the arena; joiners must look it up again
}

type sequencer struct {
	mu   sync.Mutex
	refs int
}

// Router maps conversation channels to subscribed peers.
type Router struct {
	peersMu sync.RWMutex
	peers   map[string]*registration

	arenaMu  sync.RWMutex
	channels map[string]*entry

	seqMu      sync.Mutex
	sequencers map[string]*sequencer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		peers:      make(map[string]*registration),
		channels:   make(map[string]*entry),
		sequencers: make(map[string]*sequencer),
	}
}

// Register adds an authenticated peer. It returns false if a peer with the
// same id is already registered.
func (r *Router) Register(p Peer) bool {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()

	if _, ok := r.peers[p.ID()]; ok {
		return false
	}
	r.peers[p.ID()] = &registration{peer: p, channels: make(map[string]struct{})}
	return true
}

// Unregister removes the peer and all of its subscriptions. It returns the
// channels the peer was subscribed to and whether the peer was registered;
// only the first call for a given id reports true.
func (r *Router) Unregister(id string) ([]string, bool) {
	r.peersMu.Lock()
	reg, ok := r.peers[id]
	delete(r.peers, id)
	r.peersMu.Unlock()
	if !ok {
		return nil, false
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.closed = true
	left := make([]string, 0, len(reg.channels))
	for ch := range reg.channels {
		r.removeMember(ch, id)
		left = append(left, ch)
	}
	reg.channels = nil
	metrics.Subscriptions.Sub(float64(len(left)))

	sort.Strings(left)
	return left, true
}

// Join subscribes peer id to channel. It returns true only if the
// subscription set changed; joining twice, or joining with an unknown id, is
// a no-op.
func (r *Router) Join(channel, id string) bool {
	reg := r.registration(id)
	if reg == nil {
		return false
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return false
	}
	if _, ok := reg.channels[channel]; ok {
		return false
	}

	for {
		e := r.entryFor(channel)
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		e.members[id] = struct{}{}
		e.mu.Unlock()
		break
	}

	reg.channels[channel] = struct{}{}
	metrics.Subscriptions.Inc()
	return true
}

// Leave unsubscribes peer id from channel and reports whether it was
// subscribed.
func (r *Router) Leave(channel, id string) bool {
	reg := r.registration(id)
	if reg == nil {
		return false
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.channels[channel]; !ok {
		return false
	}
	delete(reg.channels, channel)
	r.removeMember(channel, id)
	metrics.Subscriptions.Dec()
	return true
}

// Publish delivers data to every peer subscribed to channel, skipping
// originID when excludeSelf is set. It returns the number of peers that
// accepted the event; peers whose queue is full or closed are skipped.
func (r *Router) Publish(channel string, data []byte, originID string, excludeSelf bool) int {
	r.arenaMu.RLock()
	e := r.channels[channel]
	r.arenaMu.RUnlock()
	if e == nil {
		return 0
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.members))
	for id := range e.members {
		if excludeSelf && id == originID {
			continue
		}
		ids = append(ids, id)
	}
	e.mu.Unlock()

	r.peersMu.RLock()
	targets := make([]Peer, 0, len(ids))
	for _, id := range ids {
		if reg, ok := r.peers[id]; ok {
			targets = append(targets, reg.peer)
		}
	}
	r.peersMu.RUnlock()

	return deliver(targets, data)
}

// PublishGlobal delivers data to every registered peer except originID.
func (r *Router) PublishGlobal(data []byte, originID string) int {
	r.peersMu.RLock()
	targets := make([]Peer, 0, len(r.peers))
	for id, reg := range r.peers {
		if id != originID {
			targets = append(targets, reg.peer)
		}
	}
	r.peersMu.RUnlock()

	return deliver(targets, data)
}

// Lock acquires the sequencing lock of channel and returns its release
// function. Holders of the same channel's lock are serialized, which keeps
// the order of stored and published events identical.
func (r *Router) Lock(channel string) func() {
	r.seqMu.Lock()
	s, ok := r.sequencers[channel]
	if !ok {
		s = &sequencer{}
		r.sequencers[channel] = s
	}
	s.refs++
	r.seqMu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		r.seqMu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(r.sequencers, channel)
		}
		r.seqMu.Unlock()
	}
}

// ChannelsOf returns the channels peer id is subscribed to, sorted.
func (r *Router) ChannelsOf(id string) []string {
	reg := r.registration(id)
	if reg == nil {
		return nil
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]string, 0, len(reg.channels))
	for ch := range reg.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Members returns the peer ids subscribed to channel, sorted.
func (r *Router) Members(channel string) []string {
	r.arenaMu.RLock()
	e := r.channels[channel]
	r.arenaMu.RUnlock()
	if e == nil {
		return nil
	}

	e.mu.Lock()
	out := make([]string, 0, len(e.members))
	for id := range e.members {
		out = append(out, id)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

// PeerCount returns the number of registered peers.
func (r *Router) PeerCount() int {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return len(r.peers)
}

// ChannelCount returns the number of channels with at least one subscriber.
func (r *Router) ChannelCount() int {
	r.arenaMu.RLock()
	defer r.arenaMu.RUnlock()
	return len(r.channels)
}

func (r *Router) registration(id string) *registration {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return r.peers[id]
}

func (r *Router) entryFor(channel string) *entry {
	r.arenaMu.RLock()
	e := r.channels[channel]
	r.arenaMu.RUnlock()
	if e != nil {
		return e
	}

	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	if e = r.channels[channel]; e == nil {
		e = &entry{members: make(map[string]struct{})}
		r.channels[channel] = e
	}
	return e
}

// removeMember drops id from channel and reclaims the entry once empty.
func (r *Router) removeMember(channel, id string) {
	r.arenaMu.RLock()
	e := r.channels[channel]
	r.arenaMu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	delete(e.members, id)
	empty := len(e.members) == 0
	e.mu.Unlock()
	if !empty {
		return
	}

	r.arenaMu.Lock()
	e.mu.Lock()
	if len(e.members) == 0 && r.channels[channel] == e {
		e.closed = true
		delete(r.channels, channel)
	}
	e.mu.Unlock()
	r.arenaMu.Unlock()
}

func deliver(targets []Peer, data []byte) int {
	delivered := 0
	for _, p := range targets {
		if p.Send(data) {
			delivered++
		} else {
			metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
		}
	}
	metrics.DeliveriesTotal.WithLabelValues("queued").Add(float64(delivered))
	return delivered
}
