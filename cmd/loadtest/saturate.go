package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/converse/chat-core/internal/loadstats"
)

// runSaturate opens many authenticated connections, ramping up over a
// configurable duration, then holds them open and counts drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	accounts := fs.String("accounts", "accounts.txt", "File with one account id per line")
	secret := fs.String("secret", "dev-secret-change-me", "JWT signing secret shared with the server")
	issuer := fs.String("issuer", "", "JWT issuer, if the server checks one")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	roster, err := loadRoster(*accounts, *secret, *issuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roster: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d, accounts=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency, len(roster))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		URL:         *url,
		Count:       *connections,
		Ramp:        *ramp,
		Concurrency: *concurrency,
	}, roster, collector)
	defer closeAll(clients)

	if !interrupted {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)

		var dropped atomic.Int64
		for _, c := range clients {
			c := c
			go func() {
				select {
				case <-c.client.Done():
					dropped.Add(1)
					collector.AddError()
				case <-ctx.Done():
				}
			}()
		}

		select {
		case <-time.After(*hold):
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
		}
		fmt.Printf("  open: %d  dropped during hold: %d\n", len(clients), dropped.Load())
	}

	scraper.Stop()
	collector.Report(os.Stdout)
}
