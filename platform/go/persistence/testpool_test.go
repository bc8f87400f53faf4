package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// mustTestPool returns a pool against a disposable catalog database with the
// registry DDL applied. It prefers TEST_DATABASE_URL and falls back to a
// throwaway Testcontainers Postgres; tests skip when neither is available.
func mustTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()
	url := os.Getenv("TEST_DATABASE_URL")

	if url == "" {
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("catalog"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("postgres"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("postgres unavailable (set TEST_DATABASE_URL or run Docker): %v", err)
		}
		t.Cleanup(func() {
			_ = container.Terminate(context.Background())
		})

		url, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("container connection string: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("create test pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := BootstrapCatalog(ctx, pool); err != nil {
		t.Fatalf("bootstrap catalog: %v", err)
	}

	return pool
}
