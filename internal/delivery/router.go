// Package delivery routes server events to every live connection of a user,
// wherever that connection lives.
//
// Each router process owns the sinks of its own connections. Connection ids
// have the form <server>:<uuid>; ids owned by another server are handed to
// the Relay, which forwards the frame to that server's router.
package delivery

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/chat-app/internal/metrics"
	"github.com/skillswap/chat-app/internal/presence"
	"github.com/skillswap/chat-app/internal/protocol"
)

// Sink is one live connection owned by this process.
type Sink interface {
	ID() string
	UserID() string
	// Enqueue hands a frame to the connection's writer without blocking.
	// It returns false when the outbound queue is full or closed.
	Enqueue(frame []byte) bool
}

// Relay forwards frames to connections owned by other router processes.
type Relay interface {
	PublishDeliver(ctx context.Context, server string, connIDs []string, frame []byte) error
	PublishBroadcast(ctx context.Context, frame []byte, exceptUser string) error
}

// TransitionFunc observes presence transitions, e.g. to persist last-seen.
type TransitionFunc func(userID string, online bool, at time.Time)

// Config holds router settings.
type Config struct {
	ServerName    string        // prefix of every connection id owned here
	LeaseRefresh  time.Duration // how often local leases are renewed
	SweepInterval time.Duration // how often expired leases are reaped
}

// DefaultConfig returns defaults; ServerName is the hostname.
func DefaultConfig() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "chat-" + uuid.NewString()[:8]
	}
	return Config{
		ServerName:    name,
		LeaseRefresh:  30 * time.Second,
		SweepInterval: 60 * time.Second,
	}
}

// Router is the delivery router.
type Router struct {
	cfg      Config
	registry presence.Registry
	relay    Relay

	mu    sync.RWMutex
	local map[string]Sink

	onTransition TransitionFunc
}

// NewRouter creates a router. relay may be nil in single-process mode.
func NewRouter(cfg Config, registry presence.Registry, relay Relay) *Router {
	return &Router{
		cfg:      cfg,
		registry: registry,
		relay:    relay,
		local:    make(map[string]Sink),
	}
}

// OnTransition installs a hook called after each online/offline transition
// this router observes. Must be called before serving connections.
func (r *Router) OnTransition(fn TransitionFunc) {
	r.onTransition = fn
}

// ServerName returns the name that prefixes connection ids owned here.
func (r *Router) ServerName() string { return r.cfg.ServerName }

// NewConnID allocates a connection id owned by this router.
func (r *Router) NewConnID() string {
	return r.cfg.ServerName + ":" + uuid.NewString()
}

// ownerOf returns the server encoded in a connection id.
func ownerOf(connID string) string {
	i := strings.LastIndexByte(connID, ':')
	if i < 0 {
		return ""
	}
	return connID[:i]
}

// Connect records sink as live. If the user was offline, every other live
// connection is told the user came online.
func (r *Router) Connect(ctx context.Context, sink Sink) error {
	r.mu.Lock()
	r.local[sink.ID()] = sink
	r.mu.Unlock()
	metrics.ConnectionsTotal.Inc()

	online, err := r.registry.Register(ctx, sink.UserID(), sink.ID())
	if err != nil {
		r.mu.Lock()
		delete(r.local, sink.ID())
		r.mu.Unlock()
		metrics.ConnectionsTotal.Dec()
		return fmt.Errorf("delivery: register %s: %w", sink.ID(), err)
	}

	if online {
		r.announce(ctx, sink.UserID(), true)
	}
	return nil
}

// Disconnect forgets a local connection. Calling it twice is a no-op. If it
// was the user's last connection anywhere, everyone else is told the user
// went offline.
func (r *Router) Disconnect(ctx context.Context, connID string) error {
	r.mu.Lock()
	sink, ok := r.local[connID]
	if ok {
		delete(r.local, connID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.ConnectionsTotal.Dec()

	offline, err := r.registry.Unregister(ctx, sink.UserID(), connID)
	if err != nil {
		return fmt.Errorf("delivery: unregister %s: %w", connID, err)
	}
	if offline {
		r.announce(ctx, sink.UserID(), false)
	}
	return nil
}

func (r *Router) announce(ctx context.Context, userID string, online bool) {
	event, direction := protocol.TypeUserOffline, "offline"
	if online {
		event, direction = protocol.TypeUserOnline, "online"
	}
	metrics.PresenceTransitions.WithLabelValues(direction).Inc()
	log.Printf("delivery: user=%s went %s", userID, direction)

	frame, err := protocol.NewServerMessage(event, protocol.PresenceMsg{UserID: userID})
	if err != nil {
		log.Printf("delivery: encode %s: %v", event, err)
		return
	}
	r.broadcastExcept(ctx, frame, userID)

	if r.onTransition != nil {
		r.onTransition(userID, online, time.Now())
	}
}

// EmitToUser delivers one event to every live connection of userID. An
// offline user is a no-op.
func (r *Router) EmitToUser(ctx context.Context, userID, event string, payload any) error {
	frame, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return fmt.Errorf("delivery: encode %s: %w", event, err)
	}
	return r.EmitFrame(ctx, userID, frame)
}

// EmitFrame is EmitToUser for a pre-encoded frame.
func (r *Router) EmitFrame(ctx context.Context, userID string, frame []byte) error {
	connIDs, err := r.registry.Connections(ctx, userID)
	if err != nil {
		return fmt.Errorf("delivery: connections for %s: %w", userID, err)
	}
	if len(connIDs) == 0 {
		metrics.FanoutFrames.WithLabelValues("offline").Inc()
		return nil
	}

	remote := make(map[string][]string)
	var localIDs []string
	for _, id := range connIDs {
		owner := ownerOf(id)
		if owner == r.cfg.ServerName {
			localIDs = append(localIDs, id)
			continue
		}
		remote[owner] = append(remote[owner], id)
	}

	r.DeliverLocal(localIDs, frame)

	var firstErr error
	for server, ids := range remote {
		if r.relay == nil {
			metrics.FanoutFrames.WithLabelValues("dropped").Add(float64(len(ids)))
			continue
		}
		if err := r.relay.PublishDeliver(ctx, server, ids, frame); err != nil {
			log.Printf("delivery: relay to server=%s failed: %v", server, err)
			metrics.FanoutFrames.WithLabelValues("dropped").Add(float64(len(ids)))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.FanoutFrames.WithLabelValues("remote").Add(float64(len(ids)))
	}
	return firstErr
}

// BroadcastToAll delivers an event to every live connection on every server.
func (r *Router) BroadcastToAll(ctx context.Context, event string, payload any) error {
	frame, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return fmt.Errorf("delivery: encode %s: %w", event, err)
	}
	r.broadcastExcept(ctx, frame, "")
	return nil
}

// broadcastExcept sends frame to every live connection not owned by
// exceptUser, here and through the relay.
func (r *Router) broadcastExcept(ctx context.Context, frame []byte, exceptUser string) {
	r.BroadcastLocal(frame, exceptUser)
	if r.relay == nil {
		return
	}
	if err := r.relay.PublishBroadcast(ctx, frame, exceptUser); err != nil {
		log.Printf("delivery: relay broadcast failed: %v", err)
	}
}

// DeliverLocal enqueues frame on the named local connections and returns
// how many accepted it. Unknown ids are skipped.
func (r *Router) DeliverLocal(connIDs []string, frame []byte) int {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(connIDs))
	for _, id := range connIDs {
		if s, ok := r.local[id]; ok {
			sinks = append(sinks, s)
		}
	}
	r.mu.RUnlock()

	if stale := len(connIDs) - len(sinks); stale > 0 {
		metrics.FanoutFrames.WithLabelValues("dropped").Add(float64(stale))
	}
	return r.enqueue(sinks, frame)
}

// BroadcastLocal enqueues frame on every local connection except those of
// exceptUser.
func (r *Router) BroadcastLocal(frame []byte, exceptUser string) int {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.local))
	for _, s := range r.local {
		if exceptUser != "" && s.UserID() == exceptUser {
			continue
		}
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	return r.enqueue(sinks, frame)
}

func (r *Router) enqueue(sinks []Sink, frame []byte) int {
	delivered := 0
	for _, s := range sinks {
		if s.Enqueue(frame) {
			delivered++
			continue
		}
		log.Printf("delivery: outbox full, dropping frame conn=%s user=%s", s.ID(), s.UserID())
	}
	metrics.FanoutFrames.WithLabelValues("local").Add(float64(delivered))
	if dropped := len(sinks) - delivered; dropped > 0 {
		metrics.FanoutFrames.WithLabelValues("dropped").Add(float64(dropped))
	}
	return delivered
}

// LocalConnIDs lists the connection ids owned by this router.
func (r *Router) LocalConnIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	return ids
}

func (r *Router) localLeases() []presence.Lease {
	r.mu.RLock()
	defer r.mu.RUnlock()
	leases := make([]presence.Lease, 0, len(r.local))
	for id, sink := range r.local {
		leases = append(leases, presence.Lease{UserID: sink.UserID(), ConnID: id})
	}
	return leases
}

// IsOnline reports whether userID has a live connection anywhere.
func (r *Router) IsOnline(ctx context.Context, userID string) (bool, error) {
	return r.registry.IsOnline(ctx, userID)
}
