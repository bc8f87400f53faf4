package manager

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/solusinc/manylead-cloud-sub001/platform/go/persistence"
)

// Conn is a live handle onto one tenant's database. *pgxpool.Pool satisfies
// it; tests substitute counting fakes. Handlers never see pool construction
// or DSNs, only this surface.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Opener constructs a Conn for a connection ref (the tenant's physical
// database name).
type Opener interface {
	Open(ctx context.Context, connectionRef string) (Conn, error)
}

// PoolSettings caps per-tenant pools. Each tenant gets its own pool, so these
// stay much smaller than a shared pool's limits.
type PoolSettings struct {
	MaxConns int32
	MinConns int32
}

// PgxOpener builds pgx pools against tenant databases derived from a base
// DSN. The base DSN carries host and credentials; only the database segment
// changes per tenant.
type PgxOpener struct {
	baseDSN string
	cfg     PoolSettings
}

func NewPgxOpener(baseDSN string, cfg PoolSettings) *PgxOpener {
	if baseDSN == "" {
		panic("opener requires base DSN")
	}
	return &PgxOpener{baseDSN: baseDSN, cfg: cfg}
}

func (o *PgxOpener) Open(ctx context.Context, connectionRef string) (Conn, error) {
	dsn, err := persistence.DSNForDatabase(o.baseDSN, connectionRef)
	if err != nil {
		return nil, err
	}
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString: dsn,
		MaxConns:   o.cfg.MaxConns,
		MinConns:   o.cfg.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open tenant pool: %w", err)
	}
	return pool, nil
}
