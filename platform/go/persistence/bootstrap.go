package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/solusinc/manylead-cloud-sub001/database"
)

// BootstrapCatalog applies the catalog DDL (tenant registry table and indexes)
// in a single transaction. SQL is embedded at build time so binaries stay
// self-contained. The helper is idempotent and intended for startup and tests.
func BootstrapCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("bootstrap catalog: pool is required")
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range SplitStatements(sqlassets.CatalogTenantsSQL) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply catalog ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SplitStatements breaks an embedded SQL asset into individual statements.
// Good enough for our DDL files, which never embed semicolons in literals.
func SplitStatements(sql string) []string {
	raw := strings.Split(sql, ";")
	statements := make([]string, 0, len(raw))
	for _, stmt := range raw {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
