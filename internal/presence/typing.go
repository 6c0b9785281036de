// Package presence keeps the ephemeral per-account state that is never
// written to PostgreSQL: who is typing in which conversation, and each
// account's online status.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Typist is a typing entry that ended without an explicit stop.
type Typist struct {
	ConversationID string
	AccountID      string
	Username       string
	ConnID         string // connection that started typing
}

type typingEntry struct {
	username string
	connID   string
	expires  time.Time
}

// Tracker records which accounts are typing in which conversations. Entries
// carry a lease and disappear when it runs out.
type Tracker struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	typing map[string]map[string]typingEntry // conversation -> account -> entry
}

// NewTracker creates a Tracker whose entries live for ttl unless refreshed.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:    ttl,
		now:    time.Now,
		typing: make(map[string]map[string]typingEntry),
	}
}

// Start marks accountID as typing in conversationID on behalf of connID and
// reports whether this is a new entry. A repeated start only renews the lease.
func (t *Tracker) Start(conversationID, accountID, username, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv := t.typing[conversationID]
	if conv == nil {
		conv = make(map[string]typingEntry)
		t.typing[conversationID] = conv
	}
	_, existed := conv[accountID]
	conv[accountID] = typingEntry{username: username, connID: connID, expires: t.now().Add(t.ttl)}
	return !existed
}

// Stop clears the typing entry and reports whether one existed.
func (t *Tracker) Stop(conversationID, accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv := t.typing[conversationID]
	if _, ok := conv[accountID]; !ok {
		return false
	}
	delete(conv, accountID)
	if len(conv) == 0 {
		delete(t.typing, conversationID)
	}
	return true
}

// ClearConnection removes every entry started by connID and returns them.
func (t *Tracker) ClearConnection(connID string) []Typist {
	return t.remove(func(e typingEntry) bool { return e.connID == connID })
}

// Expire removes every entry whose lease ended at or before now.
func (t *Tracker) Expire(now time.Time) []Typist {
	return t.remove(func(e typingEntry) bool { return !e.expires.After(now) })
}

// Typing returns the account ids typing in conversationID, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.typing[conversationID]))
	for id := range t.typing[conversationID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run expires leases every interval and hands each expired entry to fn until
// ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, fn func(Typist)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, typist := range t.Expire(t.now()) {
				fn(typist)
			}
		}
	}
}

func (t *Tracker) remove(match func(typingEntry) bool) []Typist {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Typist
	for convID, conv := range t.typing {
		for accID, e := range conv {
			if match(e) {
				out = append(out, Typist{ConversationID: convID, AccountID: accID, Username: e.username, ConnID: e.connID})
				delete(conv, accID)
			}
		}
		if len(conv) == 0 {
			delete(t.typing, convID)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}
