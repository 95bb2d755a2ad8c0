// Package config loads process settings from the environment, after an
// optional .env file, on top of each package's defaults.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/skillswap/chat-app/internal/api"
	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/delivery"
	"github.com/skillswap/chat-app/internal/messaging"
	"github.com/skillswap/chat-app/internal/presence"
	"github.com/skillswap/chat-app/internal/ws"
)

// Session backends.
const (
	SessionsInDB    = "db"
	SessionsInRedis = "redis"
)

// Config is everything a chat process needs to start.
type Config struct {
	ListenAddr string

	// DatabaseURL selects Postgres. Empty runs on the in-memory store.
	DatabaseURL string
	AutoMigrate bool

	// RedisAddr selects the shared registry, revocations and limits. Empty
	// keeps all of them in process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LeaseTTL      time.Duration

	// Sessions is SessionsInDB or SessionsInRedis.
	Sessions string

	// NATSURL enables cross-process fan-out. Empty runs a single router.
	NATSURL string
	NATS    messaging.NATSConfig

	Auth     auth.Config
	Delivery delivery.Config
	WS       ws.ServerConfig
	API      api.Config

	ShutdownTimeout time.Duration
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		Sessions:        SessionsInDB,
		LeaseTTL:        presence.DefaultLeaseTTL,
		NATS:            messaging.DefaultNATSConfig(),
		Auth:            auth.DefaultConfig(),
		Delivery:        delivery.DefaultConfig(),
		WS:              ws.DefaultServerConfig(),
		API:             api.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env ignored: %v", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a variable lookup. Unset or unparsable
// values keep their defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	e := env(getenv)

	e.str("LISTEN_ADDR", &c.ListenAddr)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.boolean("AUTO_MIGRATE", &c.AutoMigrate)

	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("REDIS_PASSWORD", &c.RedisPassword)
	e.integer("REDIS_DB", &c.RedisDB)
	e.duration("PRESENCE_LEASE_TTL", &c.LeaseTTL)
	e.str("SESSION_STORE", &c.Sessions)

	e.str("NATS_URL", &c.NATSURL)
	if c.NATSURL != "" {
		c.NATS.URL = c.NATSURL
	}

	if v := getenv("ACCESS_TOKEN_SECRET"); v != "" {
		c.Auth.AccessSecret = []byte(v)
	}
	if v := getenv("REFRESH_TOKEN_SECRET"); v != "" {
		c.Auth.RefreshSecret = []byte(v)
	}
	e.duration("ACCESS_TOKEN_TTL", &c.Auth.AccessTTL)
	e.duration("REFRESH_TOKEN_TTL", &c.Auth.RefreshTTL)
	e.str("TOKEN_ISSUER", &c.Auth.Issuer)

	e.str("SERVER_NAME", &c.Delivery.ServerName)
	e.duration("LEASE_REFRESH", &c.Delivery.LeaseRefresh)
	e.duration("LEASE_SWEEP_INTERVAL", &c.Delivery.SweepInterval)
	c.NATS.Name = "chat-" + c.Delivery.ServerName

	e.integer("WORKER_POOL_SIZE", &c.WS.WorkerPoolSize)
	e.integer("MAX_CONNECTIONS", &c.WS.MaxConnections)
	e.integer("OUTBOX_SIZE", &c.WS.OutboxSize)
	e.duration("READ_TIMEOUT", &c.WS.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &c.WS.WriteTimeout)
	e.duration("HEARTBEAT_INTERVAL", &c.WS.Heartbeat.Interval)
	e.duration("HEARTBEAT_TIMEOUT", &c.WS.Heartbeat.Timeout)

	if v := getenv("ADMIN_IDS"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.API.AdminIDs = append(c.API.AdminIDs, id)
			}
		}
	}
	e.duration("REQUEST_TIMEOUT", &c.API.RequestTimeout)
	e.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	return c, c.validate()
}

func (c Config) validate() error {
	switch c.Sessions {
	case SessionsInDB:
	case SessionsInRedis:
		if c.RedisAddr == "" {
			return errors.New("config: SESSION_STORE=redis requires REDIS_ADDR")
		}
	default:
		return errors.New("config: SESSION_STORE must be db or redis")
	}
	if c.Delivery.ServerName == "" || strings.Contains(c.Delivery.ServerName, ":") {
		return errors.New("config: SERVER_NAME must be non-empty and contain no ':'")
	}
	if c.LeaseTTL <= c.Delivery.LeaseRefresh {
		return fmt.Errorf("config: PRESENCE_LEASE_TTL (%s) must exceed LEASE_REFRESH (%s)", c.LeaseTTL, c.Delivery.LeaseRefresh)
	}
	for _, n := range []struct {
		key string
		v   int
	}{
		{"WORKER_POOL_SIZE", c.WS.WorkerPoolSize},
		{"MAX_CONNECTIONS", c.WS.MaxConnections},
		{"OUTBOX_SIZE", c.WS.OutboxSize},
	} {
		if n.v <= 0 {
			return fmt.Errorf("config: %s must be greater than zero", n.key)
		}
	}
	return nil
}

type env func(string) string

func (e env) str(key string, dst *string) {
	if v := strings.TrimSpace(e(key)); v != "" {
		*dst = v
	}
}

func (e env) integer(key string, dst *int) {
	if v := e(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		} else {
			log.Printf("config: ignoring %s=%q", key, v)
		}
	}
}

func (e env) duration(key string, dst *time.Duration) {
	if v := e(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		} else {
			log.Printf("config: ignoring %s=%q", key, v)
		}
	}
}

func (e env) boolean(key string, dst *bool) {
	if v := e(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			log.Printf("config: ignoring %s=%q", key, v)
		}
	}
}
