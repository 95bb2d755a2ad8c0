package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/skillswap/chat-app/loadtest/client"
	"github.com/skillswap/chat-app/loadtest/stats"
)

const (
	payloadPrefix = "lt|"
	maxTextChars  = 5000
)

// payload builds a message body carrying its send time, padded to size.
func payload(sent time.Time, size int) string {
	head := payloadPrefix + strconv.FormatInt(sent.UnixNano(), 10) + "|"
	if size > maxTextChars {
		size = maxTextChars
	}
	if pad := size - len(head); pad > 0 {
		return head + strings.Repeat("x", pad)
	}
	return head
}

// sentAt extracts the send time from a body built by payload.
func sentAt(body string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(body, payloadPrefix)
	if !ok {
		return time.Time{}, false
	}
	raw, _, ok := strings.Cut(rest, "|")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// runChat connects user pairs and has both sides of every pair exchange
// private messages for a fixed duration. Delivery latency is measured from
// the send time embedded in each body to its receive_message on the peer.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	tokensPath := fs.String("tokens", "tokens.txt", "File with one \"user-id access-token\" pair per line")
	pairs := fs.Int("pairs", 0, "Number of user pairs (default: every identity in the tokens file)")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message body in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	drain := fs.Duration("drain", 3*time.Second, "How long to wait for in-flight deliveries")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	identities, err := client.LoadTokensFile(*tokensPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load tokens: %v\n", err)
		os.Exit(1)
	}
	if limit := len(identities) / 2; *pairs <= 0 || *pairs > limit {
		*pairs = limit
	}
	if *pairs == 0 {
		fmt.Fprintln(os.Stderr, "chat test needs at least two identities")
		os.Exit(1)
	}
	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect every user
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	clients := make([]*client.Client, totalClients)
	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	rampTicker := time.NewTicker(interval)

connectLoop:
	for i := 0; i < totalClients; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break connectLoop
		case <-rampTicker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, *url, identities[i].Token)
			if err != nil {
				collector.AddError()
				return
			}
			c.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
				var msg struct {
					Body string `json:"body"`
				}
				if json.Unmarshal(raw, &msg) != nil {
					return
				}
				if at, ok := sentAt(msg.Body); ok {
					collector.AddDelivery(time.Since(at))
				}
			})
			c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })

			if err := c.WaitAuthenticated(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i)
	}
	rampTicker.Stop()
	wg.Wait()

	fmt.Printf("Connected %d/%d clients (%d errors)\n",
		collector.ConnectionCount(), totalClients, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: exchange messages
	// -----------------------------------------------------------------------
	if ctx.Err() == nil {
		fmt.Println("\n--- Phase 2: Exchange messages ---")

		chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
		var chatWg sync.WaitGroup
		for p := 0; p < *pairs; p++ {
			a, b := clients[2*p], clients[2*p+1]
			if a == nil || b == nil {
				continue
			}
			for _, side := range [][2]*client.Client{{a, b}, {b, a}} {
				chatWg.Add(1)
				go func(from, to *client.Client) {
					defer chatWg.Done()
					ticker := time.NewTicker(*msgInterval)
					defer ticker.Stop()
					for {
						select {
						case <-chatCtx.Done():
							return
						case <-ticker.C:
							if err := from.SendPrivate(to.UserID(), payload(time.Now(), *msgSize)); err != nil {
								collector.AddError()
								return
							}
							collector.AddSent()
						}
					}
				}(side[0], side[1])
			}
		}

		progress := time.NewTicker(5 * time.Second)
	progressLoop:
		for {
			select {
			case <-chatCtx.Done():
				break progressLoop
			case <-progress.C:
				sent, delivered := collector.Counts()
				fmt.Printf("  [chat] sent: %d  delivered: %d  errors: %d\n", sent, delivered, collector.ErrorCount())
			}
		}
		progress.Stop()
		chatWg.Wait()
		cancel()

		// Let in-flight deliveries land before closing.
		select {
		case <-ctx.Done():
		case <-time.After(*drain):
		}
	}

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
	scraper.Stop()
	collector.Report(os.Stdout)
}
