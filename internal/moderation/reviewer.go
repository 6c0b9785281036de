package moderation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/converse/chat-core/internal/messaging"
	"github.com/converse/chat-core/internal/metrics"
)

// Flag is a message the filter matched.
type Flag struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Reason         string
	Term           string
	At             time.Time
}

// Tally records flags per sender.
type Tally interface {
	Record(ctx context.Context, f Flag) (int64, error)
}

// RedisTally keeps a rolling per-sender flag count in Redis.
type RedisTally struct {
	client redis.Cmdable
	window time.Duration
}

// NewRedisTally creates a tally whose counts expire window after the first
// flag in it.
func NewRedisTally(client redis.Cmdable, window time.Duration) *RedisTally {
	return &RedisTally{client: client, window: window}
}

func tallyKey(senderID string) string {
	return fmt.Sprintf("moderation:flags:%s", senderID)
}

// Record increments the sender's count and returns the new value.
func (t *RedisTally) Record(ctx context.Context, f Flag) (int64, error) {
	key := tallyKey(f.SenderID)
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("moderation: incr %s: %w", key, err)
	}
	if n == 1 {
		if err := t.client.Expire(ctx, key, t.window).Err(); err != nil {
			return n, fmt.Errorf("moderation: expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Reviewer runs the filter over message events. Review is advisory: a
// flagged message has already been delivered.
type Reviewer struct {
	filter *Filter
	tally  Tally
	now    func() time.Time
}

// NewReviewer creates a Reviewer. tally may be nil.
func NewReviewer(filter *Filter, tally Tally) *Reviewer {
	return &Reviewer{filter: filter, tally: tally, now: time.Now}
}

// Review checks one message event and returns the flag when it matched.
func (r *Reviewer) Review(ctx context.Context, ev messaging.MessageEvent) (*Flag, bool) {
	result := r.filter.Check(ev.Content)
	if !result.Blocked {
		return nil, false
	}

	f := &Flag{
		MessageID:      ev.ID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Reason:         result.Reason,
		Term:           result.Term,
		At:             r.now(),
	}
	metrics.ModerationFlagged.WithLabelValues(checkLabel(result)).Inc()

	count := int64(0)
	if r.tally != nil {
		n, err := r.tally.Record(ctx, *f)
		if err != nil {
			log.Printf("[moderator] tally error sender=%s: %v", f.SenderID, err)
		}
		count = n
	}

	log.Printf("[moderator] FLAGGED message=%s conversation=%s sender=%s reason=%s term=%q flags=%d",
		f.MessageID, f.ConversationID, f.SenderID, f.Reason, f.Term, count)
	return f, true
}

// checkLabel keeps the metric's label set bounded: blocklist terms are not
// used as label values.
func checkLabel(result FilterResult) string {
	if result.Reason == "spam_pattern" {
		return result.Term
	}
	return result.Reason
}
