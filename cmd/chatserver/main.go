package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skillswap/chat-app/internal/api"
	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/chat"
	"github.com/skillswap/chat-app/internal/config"
	"github.com/skillswap/chat-app/internal/delivery"
	"github.com/skillswap/chat-app/internal/messaging"
	"github.com/skillswap/chat-app/internal/presence"
	"github.com/skillswap/chat-app/internal/ratelimit"
	"github.com/skillswap/chat-app/internal/session"
	"github.com/skillswap/chat-app/internal/store"
	"github.com/skillswap/chat-app/internal/store/memstore"
	"github.com/skillswap/chat-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("chatserver: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log.Printf("Chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", cfg.Delivery.ServerName)
	log.Printf("  worker_pool:     %d", cfg.WS.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.WS.MaxConnections)
	log.Printf("  postgres:        %v", cfg.DatabaseURL != "")
	log.Printf("  redis_addr:      %s", orNone(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orNone(cfg.NATSURL))
	log.Printf("  session_store:   %s", cfg.Sessions)

	// --- Store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Redis ---
	var (
		rdb         *redis.Client
		registry    presence.Registry   = presence.NewMemoryRegistry()
		revocations auth.RevocationList = auth.NewMemoryRevocations()
		limiter     ratelimit.Limiter   = ratelimit.NewMemoryLimiter()
		sessions    auth.SessionStore   = st
	)
	if cfg.RedisAddr != "" {
		rdb, err = session.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()

		registry = presence.NewRedisRegistry(rdb, cfg.LeaseTTL)
		revocations = auth.NewRedisRevocations(rdb, cfg.Auth.AccessTTL)
		limiter = ratelimit.NewLimiter(rdb)
		if cfg.Sessions == config.SessionsInRedis {
			sessions = session.NewStore(rdb)
		}
	} else {
		log.Printf("chatserver: REDIS_ADDR not set, presence is local to this process")
	}

	gate, err := auth.NewGate(cfg.Auth, st, sessions, revocations)
	if err != nil {
		return err
	}

	// --- Delivery ---
	var (
		relay      delivery.Relay
		natsClient *messaging.NATSClient
	)
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer natsClient.Close()
		relay = messaging.NewRelay(natsClient, cfg.Delivery.ServerName)
	}

	router := delivery.NewRouter(cfg.Delivery, registry, relay)
	router.OnTransition(func(userID string, online bool, at time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := st.SetPresence(ctx, userID, online, at); err != nil {
			log.Printf("chatserver: persist presence user=%s online=%v: %v", userID, online, err)
		}
	})
	if r, ok := relay.(*messaging.Relay); ok {
		if err := r.Start(router); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}

	maintCtx, cancelMaint := context.WithCancel(context.Background())
	defer cancelMaint()
	router.StartMaintenance(maintCtx)

	// --- Real-time ---
	chatSvc := chat.NewService(chat.DefaultConfig(), st, router, router)

	dispatcher := ws.NewMessageDispatcher(5 * time.Second)
	ws.NewHandlers(chatSvc, router, limiter).Register(dispatcher)

	wsServer := ws.NewServer(cfg.WS, gate, router, limiter, dispatcher.Dispatch)
	if err := wsServer.Start(); err != nil {
		return err
	}

	// --- HTTP ---
	a, err := api.New(cfg.API, gate, chatSvc, router, wsServer, limiter)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("chatserver: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("chatserver: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			wsServer.Shutdown()
			return fmt.Errorf("http: %w", err)
		}
	}

	// Graceful shutdown: stop accepting requests, then drop live connections
	// so every user is unregistered before the backing clients close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("chatserver: http shutdown: %v", err)
	}
	if err := wsServer.Shutdown(); err != nil {
		log.Printf("chatserver: ws shutdown: %v", err)
	}
	cancelMaint()
	if r, ok := relay.(*messaging.Relay); ok {
		if err := r.Stop(); err != nil {
			log.Printf("chatserver: relay stop: %v", err)
		}
	}
	if natsClient != nil {
		if err := natsClient.Flush(); err != nil {
			log.Printf("chatserver: nats flush: %v", err)
		}
	}

	log.Printf("chatserver: stopped")
	return nil
}

// openStore opens Postgres when configured, otherwise an in-memory store.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Printf("chatserver: DATABASE_URL not set, using the in-memory store")
		return memstore.New(), func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(cfg.DatabaseURL, true); err != nil {
			return nil, nil, err
		}
	}
	pg, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			log.Printf("chatserver: close store: %v", err)
		}
	}, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
