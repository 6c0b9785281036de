package presence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStatusStore requires a running Redis on localhost:6379.
func newTestStatusStore(t *testing.T) *StatusStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, StatusPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStatusStore(client)
}

func TestGet_Missing(t *testing.T) {
	s := newTestStatusStore(t)

	st, err := s.Get(context.Background(), "test_nobody")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil status, got %+v", st)
	}
}

func TestOnlineOffline_CountsConnections(t *testing.T) {
	s := newTestStatusStore(t)
	ctx := context.Background()
	id := "test_two_tabs"

	for i := 0; i < 2; i++ {
		if err := s.Online(ctx, id); err != nil {
			t.Fatalf("Online() error: %v", err)
		}
	}

	offline, err := s.Offline(ctx, id)
	if err != nil {
		t.Fatalf("Offline() error: %v", err)
	}
	if offline {
		t.Fatal("expected account to stay online while a connection remains")
	}

	offline, err = s.Offline(ctx, id)
	if err != nil {
		t.Fatalf("Offline() error: %v", err)
	}
	if !offline {
		t.Fatal("expected account to go offline after last connection")
	}

	st, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if st == nil || st.Status != "offline" || st.Connections != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestSetStatus(t *testing.T) {
	s := newTestStatusStore(t)
	ctx := context.Background()
	id := "test_away"

	if err := s.Online(ctx, id); err != nil {
		t.Fatalf("Online() error: %v", err)
	}
	if err := s.SetStatus(ctx, id, "away"); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}

	st, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if st.Status != "away" || st.Connections != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}
