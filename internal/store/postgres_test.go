package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/skillswap/chat-app/internal/store"
	"github.com/skillswap/chat-app/internal/store/storetest"
)

// setupPostgres connects to DATABASE_URL, migrates, and empties every table.
// Tests are skipped when no database is configured.
func setupPostgres(t *testing.T) *store.Postgres {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping Postgres tests")
	}
	if err := store.Migrate(dsn, true); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	pg, err := store.Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if _, err := pg.DB().ExecContext(ctx, `TRUNCATE messages, conversations, sessions, users CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	return pg
}

func TestPostgres(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return setupPostgres(t) })
}
