package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/solusinc/manylead-cloud-sub001/database"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/persistence"
)

// Request identifies the physical database to provision for one tenant.
type Request struct {
	OrganizationID string
	// DatabaseName is the tenant's connection ref.
	DatabaseName string
}

// Result reports whether the tenant database is fully usable.
type Result struct {
	Ready bool
}

// DBProvisioner creates, verifies and drops per-tenant physical databases on
// the shared server. Ensure is mutating/idempotent, Check is read-only.
type DBProvisioner struct {
	adminPool *pgxpool.Pool
	baseDSN   string
	connect   func(ctx context.Context, dsn string) (*pgxpool.Pool, error)
}

// NewDBProvisioner requires a pool connected to the server's maintenance
// database and the base DSN used to derive per-tenant connection strings.
func NewDBProvisioner(adminPool *pgxpool.Pool, baseDSN string) *DBProvisioner {
	if adminPool == nil {
		panic("db provisioner requires admin pool")
	}
	if strings.TrimSpace(baseDSN) == "" {
		panic("db provisioner requires base DSN")
	}

	return &DBProvisioner{
		adminPool: adminPool,
		baseDSN:   baseDSN,
		connect:   pgxpool.New,
	}
}

// Ensure creates the tenant database if missing and applies the tenant-space
// base tables. Safe to re-run: CREATE DATABASE is guarded by an existence
// probe and the DDL is written with IF NOT EXISTS throughout, which is what
// makes duplicate provisioning jobs harmless.
func (p *DBProvisioner) Ensure(ctx context.Context, req Request) (Result, error) {
	if req.DatabaseName == "" {
		return Result{}, errors.New("database name is required")
	}

	exists, err := p.databaseExists(ctx, req.DatabaseName)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		// CREATE DATABASE cannot run inside a transaction.
		createSQL := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{req.DatabaseName}.Sanitize())
		if _, err := p.adminPool.Exec(ctx, createSQL); err != nil {
			return Result{}, fmt.Errorf("create database: %w", err)
		}
	}

	if err := p.applyTenantSpace(ctx, req.DatabaseName); err != nil {
		return Result{}, err
	}

	return Result{Ready: true}, nil
}

// Check verifies the database exists and carries the base tables without
// mutating anything.
func (p *DBProvisioner) Check(ctx context.Context, req Request) (Result, error) {
	if req.DatabaseName == "" {
		return Result{}, errors.New("database name is required")
	}

	exists, err := p.databaseExists(ctx, req.DatabaseName)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		return Result{Ready: false}, nil
	}

	dsn, err := persistence.DSNForDatabase(p.baseDSN, req.DatabaseName)
	if err != nil {
		return Result{}, err
	}
	pool, err := p.connect(ctx, dsn)
	if err != nil {
		return Result{}, fmt.Errorf("connect tenant database: %w", err)
	}
	defer pool.Close()

	var hasContacts bool
	if err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = 'public' AND c.relname = 'contacts'
		)`).Scan(&hasContacts); err != nil {
		return Result{}, fmt.Errorf("check contacts table: %w", err)
	}

	return Result{Ready: hasContacts}, nil
}

// Drop terminates remaining backends and removes the tenant database. Used on
// hard purge after the retention window.
func (p *DBProvisioner) Drop(ctx context.Context, req Request) error {
	if req.DatabaseName == "" {
		return errors.New("database name is required")
	}

	// Open sessions would block DROP DATABASE; the cache entry is already
	// invalidated by the time purge runs, this covers stragglers.
	if _, err := p.adminPool.Exec(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, req.DatabaseName); err != nil {
		return fmt.Errorf("terminate tenant backends: %w", err)
	}

	dropSQL := fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgx.Identifier{req.DatabaseName}.Sanitize())
	if _, err := p.adminPool.Exec(ctx, dropSQL); err != nil {
		return fmt.Errorf("drop database: %w", err)
	}
	return nil
}

func (p *DBProvisioner) databaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := p.adminPool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check database existence: %w", err)
	}
	return exists, nil
}

func (p *DBProvisioner) applyTenantSpace(ctx context.Context, database string) error {
	dsn, err := persistence.DSNForDatabase(p.baseDSN, database)
	if err != nil {
		return err
	}

	pool, err := p.connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect tenant database: %w", err)
	}
	defer pool.Close()

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range persistence.SplitStatements(sqlassets.TenantSpaceSQL) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply tenant space ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}
