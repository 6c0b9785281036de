package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/converse/chat-core/internal/account"
	"github.com/converse/chat-core/internal/auth"
	"github.com/converse/chat-core/internal/broadcast"
	"github.com/converse/chat-core/internal/conversation"
	"github.com/converse/chat-core/internal/database"
	"github.com/converse/chat-core/internal/gateway"
	"github.com/converse/chat-core/internal/httpapi"
	"github.com/converse/chat-core/internal/journal"
	"github.com/converse/chat-core/internal/membership"
	"github.com/converse/chat-core/internal/message"
	"github.com/converse/chat-core/internal/messaging"
	"github.com/converse/chat-core/internal/metrics"
	"github.com/converse/chat-core/internal/presence"
	"github.com/converse/chat-core/internal/ratelimit"
	"github.com/converse/chat-core/internal/ws"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			log.Fatalf("token: %v", err)
		}
		return
	}

	config := ws.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	envDuration("READ_TIMEOUT", &config.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.WriteTimeout)

	gwConfig := gateway.DefaultConfig()
	envDuration("TYPING_TTL", &gwConfig.TypingTTL)
	envDuration("STORE_TIMEOUT", &gwConfig.StoreTimeout)

	// --- Postgres ---
	dbConfig := database.DefaultConfig()
	if v := os.Getenv("DATABASE_URL"); v != "" {
		dbConfig.URL = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := database.Open(ctx, dbConfig)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	accounts := account.NewStore(db)
	registry := conversation.NewRegistry(db, accounts)
	messages := message.NewStore(db)
	members := membership.NewStore(db, registry, messages)
	verifier := auth.NewVerifier(authConfig(), accounts)

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()
	limiter := ratelimit.NewLimiter(rdb)

	deps := gateway.Deps{
		Verifier: verifier,
		Members:  members,
		Journal:  journal.New(db, messages, registry),
		Presence: presence.NewStatusStore(rdb),
		Limiter:  limiter,
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	natsURL := os.Getenv("NATS_URL")
	if natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "chatd"
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		deps.Feed = natsClient
	}

	g := gateway.New(gwConfig, broadcast.NewRouter(), deps)

	dispatcher := ws.NewMessageDispatcher()
	g.Register(dispatcher)

	server := ws.NewServer(config, g, dispatcher.Dispatch)
	server.SetConnectLimiter(limiter)
	g.Attach(server)

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/chat/", httpapi.New(httpapi.Deps{
		Verifier:      verifier,
		Conversations: registry,
		Members:       members,
		History:       messages,
		Poster:        g,
	}, gwConfig.StoreTimeout))

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  typing_ttl:      %s", gwConfig.TypingTTL)
	log.Printf("  store_timeout:   %s", gwConfig.StoreTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", orNone(natsURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(server.Start)
	grp.Go(func() error {
		g.RunTypingSweeper(gctx)
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Printf("initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := grp.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}

	if natsClient != nil {
		natsClient.Close()
	}
	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
	log.Printf("chat server stopped")
}

func authConfig() auth.Config {
	c := auth.DefaultConfig()
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Secret = v
	}
	c.Issuer = os.Getenv("JWT_ISSUER")
	return c
}

// issueToken prints an access token for an existing account. It is meant
// for local development and load testing.
func issueToken(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chatd token <account-id>")
	}

	dbConfig := database.DefaultConfig()
	if v := os.Getenv("DATABASE_URL"); v != "" {
		dbConfig.URL = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Open(ctx, dbConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	acc, err := account.NewStore(db).GetActive(ctx, args[0])
	if err != nil {
		return err
	}
	token, err := auth.NewVerifier(authConfig(), nil).Issue(acc)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
