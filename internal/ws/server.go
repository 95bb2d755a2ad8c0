// Package ws handles WebSocket connection management: admitting and
// upgrading HTTP connections, maintaining live client connections, and
// dispatching incoming frames to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/delivery"
	"github.com/skillswap/chat-app/internal/protocol"
	"github.com/skillswap/chat-app/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted data frame
	OutboxSize     int           // queued outbound frames per connection
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  64 << 10,
		OutboxSize:     64,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Admitter validates the credentials presented on upgrade.
type Admitter interface {
	Admit(ctx context.Context, c auth.Credentials) (auth.Principal, error)
}

// Registrar owns presence and fan-out for live connections.
type Registrar interface {
	NewConnID() string
	Connect(ctx context.Context, sink delivery.Sink) error
	Disconnect(ctx context.Context, connID string) error
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// admits and upgrades HTTP connections, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	gate       Admitter
	registrar  Registrar
	limiter    ratelimit.Limiter
	workerPool chan struct{}                       // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received. limiter
// may be nil.
func NewServer(config ServerConfig, gate Admitter, registrar Registrar, limiter ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		gate:       gate,
		registrar:  registrar,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance and starts the event loop and the
// heartbeat monitor in the background. Connections are accepted through
// HandleUpgrade, which the caller mounts on its router.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server started (workers=%d, max_conns=%d, outbox=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections, s.config.OutboxSize)
	return nil
}

// HandleUpgrade admits the request, upgrades it to WebSocket and registers
// the connection. Admission failures are answered with a plain HTTP error
// before any upgrade happens.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			w.Header().Set("Retry-After", fmt.Sprint(ratelimit.RuleConnect.RetryAfter()))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many connection attempts")
			return
		}
	}

	principal, err := s.gate.Admit(r.Context(), auth.FromRequest(r, true))
	if err != nil {
		if auth.IsAuthError(err) {
			writeJSONError(w, http.StatusUnauthorized, auth.Code(err), err.Error())
		} else {
			log.Printf("ws: admission error: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "internal", "admission failed")
		}
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", principal.UserID, err)
		return
	}
	netConn = s.epoll.Wrap(netConn)

	c := newConnection(s.registrar.NewConnID(), principal.UserID, netConn, s.config.OutboxSize, s.config.WriteTimeout)

	// The confirmation is queued before registration so it is the first
	// frame the client sees.
	ack, err := protocol.NewServerMessage(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		UserID:      principal.UserID,
		AccessToken: principal.RotatedAccess,
	})
	if err == nil {
		c.Enqueue(ack)
	}

	// Register before the connection becomes removable, so every removal
	// path finds it in the router and unregisters it.
	if err := s.registrar.Connect(context.Background(), c); err != nil {
		log.Printf("ws: presence register failed conn=%s user=%s: %v", c.ID(), c.UserID(), err)
		c.Close()
		return
	}
	s.conns.Add(c)
	select {
	case <-s.done:
		s.RemoveConnection(c)
		return
	default:
	}

	go c.writeLoop(s.writeFailed)
	if err := s.epoll.Add(netConn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID(), err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s (total=%d)", c.ID(), c.UserID(), s.conns.Count())
}

func (s *Server) writeFailed(c *Connection, err error) {
	log.Printf("ws: write failed conn=%s: %v", c.ID(), err)
	s.RemoveConnection(c)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.readFrame(c) {
		s.epoll.Resume(netConn)
	}
}

// readFrame reads and handles one frame. It returns false once the
// connection has been removed.
func (s *Server) readFrame(c *Connection) bool {
	netConn := c.Conn
	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return false
		}
		return true
	}

	if header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s len=%d", c.ID(), header.Length)
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection removes a connection from epoll and the connection
// manager, closes it, and always unregisters it from presence. It is safe to
// call from several goroutines; only the first call does the work.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID()) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.registrar.Disconnect(ctx, c.ID()); err != nil {
		log.Printf("ws: presence unregister failed conn=%s user=%s: %v", c.ID(), c.UserID(), err)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID(), c.UserID(), s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or health checks).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ConnectionCount reports the number of live connections on this process.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown signals the event loop to exit, closes and unregisters all active
// connections, and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}

// clientIP keys connection limits on the peer address. Forwarding headers
// are left to the router's RealIP middleware, which rewrites RemoteAddr
// without a port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
