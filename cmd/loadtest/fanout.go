package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/converse/chat-core/internal/loadstats"
	"github.com/converse/chat-core/internal/protocol"
	"github.com/converse/chat-core/internal/wsclient"
)

// stampPrefix marks load test messages; the rest of the content up to the
// first ':' is the sender's UnixNano submit time.
const stampPrefix = "lt:"

func stamp(at time.Time, size int) string {
	s := stampPrefix + strconv.FormatInt(at.UnixNano(), 10) + ":"
	if pad := size - len(s); pad > 0 {
		s += strings.Repeat("x", pad)
	}
	return s
}

func parseStamp(content string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(content, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	raw, _, _ := strings.Cut(rest, ":")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// runFanout connects every roster member, joins each to its conversation and
// has everyone send at a fixed interval. Each new_message received by any
// subscriber is one delivery; its latency is measured from the sender's
// submit time.
func runFanout(args []string) {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	accounts := fs.String("accounts", "accounts.txt", "File with '<account_id> <conversation_id>' per line")
	secret := fs.String("secret", "dev-secret-change-me", "JWT signing secret shared with the server")
	issuer := fs.String("issuer", "", "JWT issuer, if the server checks one")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long members exchange messages")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per member")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	roster, err := loadRoster(*accounts, *secret, *issuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roster: %v\n", err)
		os.Exit(1)
	}
	for _, m := range roster {
		if m.ConversationID == "" {
			fmt.Fprintf(os.Stderr, "roster: account %s has no conversation\n", m.AccountID)
			os.Exit(1)
		}
	}

	fmt.Printf("Fan-out test: %d members to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		len(roster), *url, *ramp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all members ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		URL:         *url,
		Count:       len(roster),
		Ramp:        *ramp,
		Concurrency: *concurrency,
	}, roster, collector)
	defer closeAll(clients)

	if !interrupted {
		// -------------------------------------------------------------------
		// Phase 2: join
		// -------------------------------------------------------------------
		fmt.Println("\n--- Phase 2: Join conversations ---")
		for _, c := range clients {
			c.client.On(protocol.TypeNewMessage, func(f wsclient.Frame) {
				var msg protocol.NewMessageMsg
				if err := f.Decode(&msg); err != nil {
					return
				}
				if sent, ok := parseStamp(msg.Content); ok {
					collector.AddDelivery(f.At.Sub(sent))
				}
			})
			c.client.On(protocol.TypeError, func(wsclient.Frame) {
				collector.AddError()
			})
			err := c.client.Send(protocol.JoinConversationMsg{
				Type:           protocol.TypeJoinConversation,
				ConversationID: c.ConversationID,
			})
			if err != nil {
				collector.AddError()
			}
		}

		// -------------------------------------------------------------------
		// Phase 3: exchange messages
		// -------------------------------------------------------------------
		fmt.Printf("\n--- Phase 3: Exchange messages (%s) ---\n", *duration)
		sendCtx, cancel := context.WithTimeout(ctx, *duration)
		var wg sync.WaitGroup
		for _, c := range clients {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				for {
					select {
					case <-sendCtx.Done():
						return
					case <-c.client.Done():
						collector.AddError()
						return
					case now := <-ticker.C:
						err := c.client.Send(protocol.SendMessageMsg{
							Type:           protocol.TypeSendMessage,
							ConversationID: c.ConversationID,
							Content:        stamp(now, *msgSize),
						})
						if err != nil {
							collector.AddError()
							continue
						}
						collector.AddSent()
					}
				}
			}()
		}
		wg.Wait()
		cancel()

		// Let in-flight deliveries land.
		time.Sleep(time.Second)
	}

	scraper.Stop()
	collector.Report(os.Stdout)
}
