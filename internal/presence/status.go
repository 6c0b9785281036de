package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StatusPrefix is the Redis key prefix for presence hashes.
	StatusPrefix = "presence:"

	// StatusTTL is the time-to-live for presence keys in Redis.
	StatusTTL = 1 * time.Hour
)

// Status is an account's presence record stored in Redis.
type Status struct {
	AccountID   string `redis:"account_id"`
	Status      string `redis:"status"`      // online | away | busy | offline
	Connections int    `redis:"connections"` // open connections on this server
	LastSeen    int64  `redis:"last_seen"`   // unix timestamp
}

// StatusStore manages presence records in Redis.
type StatusStore struct {
	client redis.Cmdable
}

// NewStatusStore creates a presence store on an existing Redis client.
func NewStatusStore(client redis.Cmdable) *StatusStore {
	return &StatusStore{client: client}
}

// Online records a new connection for accountID and marks it online.
func (s *StatusStore) Online(ctx context.Context, accountID string) error {
	key := StatusPrefix + accountID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "account_id", accountID, "status", "online", "last_seen", time.Now().Unix())
	pipe.HIncrBy(ctx, key, "connections", 1)
	pipe.Expire(ctx, key, StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: online: %w", err)
	}
	return nil
}

// Offline records a closed connection. The account is marked offline once
// its last connection is gone; it reports whether that happened.
func (s *StatusStore) Offline(ctx context.Context, accountID string) (bool, error) {
	key := StatusPrefix + accountID
	left, err := s.client.HIncrBy(ctx, key, "connections", -1).Result()
	if err != nil {
		return false, fmt.Errorf("presence: offline: %w", err)
	}
	if left > 0 {
		return false, s.client.HSet(ctx, key, "last_seen", time.Now().Unix()).Err()
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "account_id", accountID, "status", "offline", "connections", 0, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: offline: %w", err)
	}
	return true, nil
}

// SetStatus updates the announced status and refreshes the TTL.
func (s *StatusStore) SetStatus(ctx context.Context, accountID, status string) error {
	key := StatusPrefix + accountID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "account_id", accountID, "status", status, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set status: %w", err)
	}
	return nil
}

// Get returns the presence record of accountID, or nil if none exists.
func (s *StatusStore) Get(ctx context.Context, accountID string) (*Status, error) {
	var st Status
	err := s.client.HGetAll(ctx, StatusPrefix+accountID).Scan(&st)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: get: %w", err)
	}
	if st.AccountID == "" {
		return nil, nil
	}
	return &st, nil
}
