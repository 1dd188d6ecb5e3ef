//go:build integration

package postgres

// go test -tags=integration ./internal/repo/postgres -count=1

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/repo/repotest"
)

func TestPostgresStore_Suite(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	repotest.Run(t, func(t *testing.T) repotest.Store {
		store, err := New(ctx, dsn, zap.NewNop())
		if err != nil {
			t.Fatalf("New store: %v", err)
		}
		t.Cleanup(store.Close)
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if _, err := store.pool.Exec(ctx, `TRUNCATE jobs, job_subscribers, down_incidents, deliveries RESTART IDENTITY CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}
