// Package api serves the REST surface of the chat service and mounts the
// WebSocket upgrade endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/chat"
	"github.com/skillswap/chat-app/internal/metrics"
	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/ratelimit"
)

// Config controls the HTTP layer.
type Config struct {
	// AdminIDs may call the admin broadcast endpoint.
	AdminIDs []string
	// RequestTimeout bounds every REST request. The WebSocket route is exempt.
	RequestTimeout time.Duration
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64
}

// DefaultConfig returns the HTTP defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 15 * time.Second,
		MaxBodyBytes:   64 * 1024,
	}
}

// Gate admits HTTP requests.
type Gate interface {
	Admit(ctx context.Context, c auth.Credentials) (auth.Principal, error)
	Revoke(ctx context.Context, userID string) error
	AccessTTL() time.Duration
}

// ChatService is the conversation and message surface used by the routes.
type ChatService interface {
	Send(ctx context.Context, senderID, receiverID, body string) (*model.Message, error)
	ListConversations(ctx context.Context, userID string) ([]model.ConversationView, error)
	ListMessages(ctx context.Context, conversationID, userID string, p chat.Page) (*chat.MessagePage, error)
	UpdateStatus(ctx context.Context, messageID, status, requesterID string) (*model.Message, error)
	SearchPeers(ctx context.Context, query, excludeID string) ([]model.User, error)
}

// Broadcaster pushes an event to every connected user.
type Broadcaster interface {
	BroadcastToAll(ctx context.Context, event string, payload any) error
}

// Realtime is the WebSocket side of the process.
type Realtime interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
	ConnectionCount() int
	Uptime() time.Duration
}

// API wires the REST handlers to their dependencies.
type API struct {
	cfg         Config
	gate        Gate
	chat        ChatService
	broadcaster Broadcaster
	realtime    Realtime
	limiter     ratelimit.Limiter
	admins      map[string]bool
}

// New validates dependencies and builds an API. limiter may be nil.
func New(cfg Config, gate Gate, chatSvc ChatService, broadcaster Broadcaster, realtime Realtime, limiter ratelimit.Limiter) (*API, error) {
	if gate == nil {
		return nil, errors.New("api: gate is required")
	}
	if chatSvc == nil {
		return nil, errors.New("api: chat service is required")
	}
	if broadcaster == nil {
		return nil, errors.New("api: broadcaster is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	admins := make(map[string]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		if id != "" {
			admins[id] = true
		}
	}

	return &API{
		cfg:         cfg,
		gate:        gate,
		chat:        chatSvc,
		broadcaster: broadcaster,
		realtime:    realtime,
		limiter:     limiter,
		admins:      admins,
	}, nil
}

// Routes builds the chi router with every endpoint.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/health", a.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if a.realtime != nil {
		r.Get("/ws", a.realtime.HandleUpgrade)
	}

	r.Group(func(pr chi.Router) {
		if a.cfg.RequestTimeout > 0 {
			pr.Use(chimw.Timeout(a.cfg.RequestTimeout))
		}
		pr.Use(a.requireAuth)

		pr.Post("/auth/logout", a.logout)

		pr.Route("/chats", func(cr chi.Router) {
			cr.Post("/send/{recipientId}", a.sendMessage)
			cr.Get("/conversations", a.listConversations)
			cr.Patch("/messages/{messageId}/status", a.updateStatus)
			cr.Get("/{conversationId}", a.listMessages)
		})

		pr.Get("/users/search", a.searchUsers)

		pr.With(a.requireAdmin).Post("/admin/broadcast", a.broadcast)
	})

	return r
}
