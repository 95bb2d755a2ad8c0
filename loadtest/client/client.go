// Package client provides a reusable WebSocket load test client for the chat
// service. It connects using gobwas/ws (the same library the server uses),
// waits for the authenticated confirmation, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypePrivateMessage = "private_message"
	TypeTyping         = "typing"
	TypeStopTyping     = "stop_typing"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated  = "authenticated"
	TypeReceiveMessage = "receive_message"
	TypeMessageSent    = "message_sent"
	TypeUserOnline     = "user_online"
	TypeUserOffline    = "user_offline"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the authenticated frame
	MessagesReceived int
	MessagesSent     int
	RateLimited      int
	Errors           int
	Closed           bool
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is a single simulated user connection. It dispatches incoming
// frames to registered handlers from a background read loop.
type Client struct {
	conn   net.Conn
	rw     io.ReadWriter // reads include handshake leftovers; writes take writeMu
	userID string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	authed    chan struct{}
	authOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	started   time.Time
}

// WithToken appends the access token to a WebSocket URL as the token query
// parameter.
func WithToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New dials the server with the given access token. Admission happens during
// the upgrade, so a rejected token fails here. Frames read before a handler
// is registered with On are counted but not dispatched.
func New(ctx context.Context, rawURL, token string) (*Client, error) {
	target, err := WithToken(rawURL, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		authed:   make(chan struct{}),
		done:     make(chan struct{}),
		started:  start,
	}

	var r io.Reader = conn
	if br != nil {
		// Frames that arrived with the handshake response are still buffered.
		r = io.MultiReader(br, conn)
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c}}

	go c.readLoop()
	return c, nil
}

// lockedWriter serializes control-frame replies from the read loop with Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendPrivate sends a private_message to recipientID.
func (c *Client) SendPrivate(recipientID, content string) error {
	return c.Send(map[string]string{
		"type":        TypePrivateMessage,
		"recipientId": recipientID,
		"content":     content,
	})
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine and must not block. Registering twice replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitAuthenticated blocks until the server confirmed admission or ctx ends.
func (c *Client) WaitAuthenticated(ctx context.Context) error {
	select {
	case <-c.authed:
		return nil
	case <-c.done:
		return errors.New("connection closed before authentication")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user the server admitted, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection closes and dispatches them to
// registered handlers.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			c.mu.Lock()
			select {
			case <-c.done:
				// Closed on purpose; not an error.
			default:
				c.metrics.Errors++
			}
			c.metrics.Closed = true
			c.mu.Unlock()
			c.Close()
			return
		}

		var envelope struct {
			Type   string `json:"type"`
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeAuthenticated:
			if c.userID == "" {
				c.userID = envelope.UserID
				c.metrics.ConnectLatency = time.Since(c.started)
			}
		case TypeRateLimited:
			c.metrics.RateLimited++
		case TypeError:
			c.metrics.Errors++
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if envelope.Type == TypeAuthenticated {
			c.authOnce.Do(func() { close(c.authed) })
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
