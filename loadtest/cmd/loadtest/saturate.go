package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/skillswap/chat-app/loadtest/client"
	"github.com/skillswap/chat-app/loadtest/stats"
)

type saturateOptions struct {
	url         string
	healthURL   string
	connections int
	ramp        time.Duration
	hold        time.Duration
	concurrency int
}

// saturation tracks the admitted connections of one saturate run and the
// presence events they observe.
type saturation struct {
	opts       saturateOptions
	identities []client.Identity
	collector  *stats.Collector

	mu      sync.Mutex
	clients []*client.Client

	onlineSeen  atomic.Int64
	offlineSeen atomic.Int64
}

// runSaturate opens the requested number of admitted WebSocket connections,
// ramping up over a configurable duration, then holds them open while
// watching for drops. Identities are reused round-robin, so one user may own
// many connections.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	var opts saturateOptions
	fs.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.StringVar(&opts.healthURL, "health", "", "Optional /health URL to compare server-side connection counts")
	fs.IntVar(&opts.connections, "connections", 1000, "Number of connections to open")
	fs.DurationVar(&opts.ramp, "ramp", 10*time.Second, "Ramp-up duration")
	fs.DurationVar(&opts.hold, "hold", 30*time.Second, "Hold duration after all connections are open")
	fs.IntVar(&opts.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	tokensPath := fs.String("tokens", "tokens.txt", "File with one \"user-id access-token\" pair per line")
	fs.Parse(args)

	identities, err := client.LoadTokensFile(*tokensPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load tokens: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Saturate test: %d connections as %d users to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		opts.connections, len(identities), opts.url, opts.ramp, opts.hold, opts.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &saturation{
		opts:       opts,
		identities: identities,
		collector:  stats.NewCollector(),
	}

	fmt.Println("\n--- Ramp-up ---")
	if s.ramp(ctx) {
		fmt.Println("\n--- Hold ---")
		s.holdOpen(ctx)
	} else {
		fmt.Println("\nInterrupted during ramp-up.")
	}

	fmt.Println("\n--- Cleanup ---")
	s.closeAll()

	fmt.Printf("\nPresence events observed: user_online=%d user_offline=%d\n",
		s.onlineSeen.Load(), s.offlineSeen.Load())
	s.collector.Report(os.Stdout)
}

// ramp launches connections at an even pace. It reports false when ctx was
// cancelled before every connection was attempted.
func (s *saturation) ramp(ctx context.Context) bool {
	interval := s.opts.ramp / time.Duration(s.opts.connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		s.reportProgress(progressCtx)
	}()

	sem := make(chan struct{}, s.opts.concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	start := time.Now()
	completed := true

launch:
	for i := 0; i < s.opts.connections; i++ {
		select {
		case <-ctx.Done():
			completed = false
			break launch
		case <-ticker.C:
		}
		id := s.identities[i%len(s.identities)]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.connect(ctx, id)
		}()
	}

	ticker.Stop()
	wg.Wait()
	stopProgress()
	<-progressDone

	fmt.Printf("\nRamp-up finished: %d/%d connections in %s (%d errors)\n",
		s.collector.ConnectionCount(), s.opts.connections,
		time.Since(start).Round(time.Millisecond), s.collector.ErrorCount())
	return completed
}

func (s *saturation) connect(ctx context.Context, id client.Identity) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, s.opts.url, id.Token)
	if err != nil {
		s.collector.AddError()
		return
	}
	c.On(client.TypeUserOnline, func(json.RawMessage) { s.onlineSeen.Add(1) })
	c.On(client.TypeUserOffline, func(json.RawMessage) { s.offlineSeen.Add(1) })

	if err := c.WaitAuthenticated(connCtx); err != nil {
		s.collector.AddError()
		c.Close()
		return
	}
	s.collector.AddConnect(c.GetMetrics().ConnectLatency)

	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
}

func (s *saturation) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last, lastAt := 0, time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n := s.collector.ConnectionCount()
			rate := float64(n-last) / now.Sub(lastAt).Seconds()
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
				n, s.opts.connections, s.collector.ErrorCount(), rate)
			last, lastAt = n, now
		}
	}
}

// holdOpen keeps connections open for the hold duration, printing how many
// are still alive and, with -health, what the server reports.
func (s *saturation) holdOpen(ctx context.Context) {
	initial := s.alive()
	fmt.Printf("Holding %d connections for %s...\n", initial, s.opts.hold)

	timer := time.NewTimer(s.opts.hold)
	defer timer.Stop()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	dropped := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
			s.printDropped(dropped)
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			s.printDropped(dropped)
			return
		case <-ticker.C:
			alive := s.alive()
			dropped = initial - alive
			line := fmt.Sprintf("  [hold] alive: %d/%d  dropped: %d", alive, initial, dropped)
			if s.opts.healthURL != "" {
				if n, err := serverConnections(ctx, s.opts.healthURL); err == nil {
					line += fmt.Sprintf("  server: %d", n)
				} else {
					line += "  server: " + err.Error()
				}
			}
			fmt.Println(line)
		}
	}
}

func (s *saturation) printDropped(n int) {
	if n > 0 {
		fmt.Printf("Connections dropped during hold: %d\n", n)
	}
}

func (s *saturation) alive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if !c.GetMetrics().Closed {
			n++
		}
	}
	return n
}

func (s *saturation) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Printf("Closing %d connections...\n", len(s.clients))
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = nil
}

// serverConnections reads the live connection count from the server's
// health endpoint.
func serverConnections(ctx context.Context, healthURL string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health: status %d", resp.StatusCode)
	}
	var body struct {
		Connections int `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("health: %w", err)
	}
	return body.Connections, nil
}
