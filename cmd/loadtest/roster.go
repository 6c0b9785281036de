package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/converse/chat-core/internal/account"
	"github.com/converse/chat-core/internal/auth"
	"github.com/converse/chat-core/internal/loadstats"
	"github.com/converse/chat-core/internal/protocol"
	"github.com/converse/chat-core/internal/wsclient"
)

// member is one simulated user: an account, a signed token and the
// conversation it talks in.
type member struct {
	AccountID      string
	ConversationID string
	Token          string
}

// loadRoster reads "<account_id> [conversation_id]" lines from path and
// signs a token for each account with secret.
func loadRoster(path, secret, issuer string) ([]member, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config := auth.DefaultConfig()
	config.Secret = secret
	config.Issuer = issuer
	config.AccessTokenDuration = 24 * time.Hour
	signer := auth.NewVerifier(config, nil)

	var roster []member
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		m := member{AccountID: fields[0]}
		if len(fields) > 1 {
			m.ConversationID = fields[1]
		}
		m.Token, err = signer.Issue(&account.Account{ID: m.AccountID})
		if err != nil {
			return nil, fmt.Errorf("sign token for %s: %w", m.AccountID, err)
		}
		roster = append(roster, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("%s: no accounts", path)
	}
	return roster, nil
}

// rampConfig controls how connections are opened.
type rampConfig struct {
	URL         string
	Count       int
	Ramp        time.Duration
	Concurrency int
}

// connected pairs a live client with the member it plays.
type connected struct {
	member
	client *wsclient.Client
}

// rampUp opens cfg.Count connections, cycling through roster, spread over
// cfg.Ramp with at most cfg.Concurrency handshakes in flight. Each client
// is counted once it has been admitted.
func rampUp(ctx context.Context, cfg rampConfig, roster []member, collector *loadstats.Collector) ([]connected, bool) {
	var mu sync.Mutex
	clients := make([]connected, 0, cfg.Count)

	interval := cfg.Ramp / time.Duration(cfg.Count)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, cfg.Count, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for launched := 0; launched < cfg.Count && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
		case <-ticker.C:
			m := roster[launched%len(roster)]
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := wsclient.Dial(connCtx, cfg.URL, m.Token)
				if err != nil {
					collector.AddError()
					return
				}
				if _, err := c.WaitFor(connCtx, protocol.TypeAuthenticated); err != nil {
					c.Close()
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, connected{member: m, client: c})
				mu.Unlock()
			}()
		}
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return clients, interrupted
}

func closeAll(clients []connected) {
	for _, c := range clients {
		c.client.Close()
	}
}
