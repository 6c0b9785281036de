package loadstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Snapshot holds the tracked server metrics at a point in time. Labeled
// series are summed.
type Snapshot struct {
	At            time.Time
	Connections   float64
	Subscriptions float64
	Messages      float64
	Deliveries    float64
	LatencySum    float64
	LatencyCount  float64
	StoreSum      float64
	StoreCount    float64
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps a
// snapshot per scrape.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Snapshots returns a copy of the snapshots taken so far.
func (s *Scraper) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (Snapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("loadstats: metrics status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body, time.Now())
}

func parseSnapshot(r io.Reader, at time.Time) (Snapshot, error) {
	snap := Snapshot{At: at}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "chat_connections_total":
			snap.Connections = value
		case "chat_subscriptions":
			snap.Subscriptions = value
		case "chat_messages_total":
			snap.Messages += value
		case "chat_deliveries_total":
			snap.Deliveries += value
		case "chat_message_latency_seconds_sum":
			snap.LatencySum = value
		case "chat_message_latency_seconds_count":
			snap.LatencyCount = value
		case "chat_store_latency_seconds_sum":
			snap.StoreSum += value
		case "chat_store_latency_seconds_count":
			snap.StoreCount += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition sample into its name, without
// labels, and value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak values of each tracked
// series, plus histogram averages over the run.
func (s *Scraper) Report(w io.Writer) {
	snaps := s.Snapshots()
	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.At.Sub(first.At).Round(time.Second))

	series := []struct {
		label   string
		extract func(Snapshot) float64
	}{
		{"Connections", func(s Snapshot) float64 { return s.Connections }},
		{"Subscriptions", func(s Snapshot) float64 { return s.Subscriptions }},
		{"Messages", func(s Snapshot) float64 { return s.Messages }},
		{"Deliveries", func(s Snapshot) float64 { return s.Deliveries }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, m := range series {
		initial, final := m.extract(first), m.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			m.label, initial, final, final-initial, peakValue(snaps, m.extract))
	}

	fmt.Fprintln(w)
	printHistogramAvg(w, "Msg Latency", first.LatencySum, first.LatencyCount, last.LatencySum, last.LatencyCount)
	printHistogramAvg(w, "Store Latency", first.StoreSum, first.StoreCount, last.StoreSum, last.StoreCount)
}

func printHistogramAvg(w io.Writer, label string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaSum := sumLast - sumFirst
	deltaCount := countLast - countFirst
	if deltaCount > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", label, deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", label)
	}
}

func peakValue(snaps []Snapshot, extract func(Snapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
