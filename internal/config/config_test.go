package config

import (
	"testing"
	"time"
)

func lookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv(lookup(map[string]string{"SERVER_NAME": "node-1"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.ListenAddr != ":8080" || c.Sessions != SessionsInDB {
		t.Errorf("defaults = %+v", c)
	}
	if c.DatabaseURL != "" || c.RedisAddr != "" || c.NATSURL != "" {
		t.Error("backing services should be off by default")
	}
	if c.Auth.AccessTTL != 15*time.Minute {
		t.Errorf("access ttl = %v", c.Auth.AccessTTL)
	}
	if c.NATS.Name != "chat-node-1" {
		t.Errorf("nats name = %q", c.NATS.Name)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	c, err := FromEnv(lookup(map[string]string{
		"LISTEN_ADDR":          ":9000",
		"DATABASE_URL":         "postgres://localhost/chat",
		"AUTO_MIGRATE":         "true",
		"REDIS_ADDR":           "redis:6379",
		"REDIS_DB":             "2",
		"SESSION_STORE":        "redis",
		"NATS_URL":             "nats://nats:4222",
		"ACCESS_TOKEN_SECRET":  "a",
		"REFRESH_TOKEN_SECRET": "r",
		"ACCESS_TOKEN_TTL":     "5m",
		"SERVER_NAME":          "node-2",
		"MAX_CONNECTIONS":      "10",
		"HEARTBEAT_INTERVAL":   "15s",
		"ADMIN_IDS":            " root, ops ,,",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if c.ListenAddr != ":9000" || !c.AutoMigrate || c.RedisDB != 2 || c.Sessions != SessionsInRedis {
		t.Errorf("config = %+v", c)
	}
	if c.NATS.URL != "nats://nats:4222" {
		t.Errorf("nats url = %q", c.NATS.URL)
	}
	if string(c.Auth.AccessSecret) != "a" || c.Auth.AccessTTL != 5*time.Minute {
		t.Errorf("auth = %+v", c.Auth)
	}
	if c.WS.MaxConnections != 10 || c.WS.Heartbeat.Interval != 15*time.Second {
		t.Errorf("ws = %+v", c.WS)
	}
	if len(c.API.AdminIDs) != 2 || c.API.AdminIDs[0] != "root" || c.API.AdminIDs[1] != "ops" {
		t.Errorf("admins = %q", c.API.AdminIDs)
	}
}

func TestFromEnvIgnoresBadValues(t *testing.T) {
	c, err := FromEnv(lookup(map[string]string{
		"SERVER_NAME":      "node-1",
		"MAX_CONNECTIONS":  "lots",
		"ACCESS_TOKEN_TTL": "-1m",
		"AUTO_MIGRATE":     "maybe",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	d := Default()
	if c.WS.MaxConnections != d.WS.MaxConnections || c.Auth.AccessTTL != d.Auth.AccessTTL || c.AutoMigrate {
		t.Errorf("bad values should keep defaults: %+v", c)
	}
}

func TestFromEnvValidation(t *testing.T) {
	tests := map[string]map[string]string{
		"redis sessions without redis": {"SERVER_NAME": "n", "SESSION_STORE": "redis"},
		"unknown session store":        {"SERVER_NAME": "n", "SESSION_STORE": "disk"},
		"colon in server name":         {"SERVER_NAME": "host:1"},
		"lease shorter than refresh":   {"SERVER_NAME": "n", "PRESENCE_LEASE_TTL": "20s", "LEASE_REFRESH": "30s"},
		"lease equal to refresh":       {"SERVER_NAME": "n", "PRESENCE_LEASE_TTL": "30s", "LEASE_REFRESH": "30s"},
		"zero worker pool":             {"SERVER_NAME": "n", "WORKER_POOL_SIZE": "0"},
		"zero outbox":                  {"SERVER_NAME": "n", "OUTBOX_SIZE": "0"},
		"zero max connections":         {"SERVER_NAME": "n", "MAX_CONNECTIONS": "0"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := FromEnv(lookup(vars)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
