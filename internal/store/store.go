// Package store is the tenant-scoped access layer over Postgres. Every
// transaction binds one tenant id into the session via set_config, and
// row-level-security policies on each table make other tenants' rows
// invisible for the transaction's lifetime. Application code never
// filters on tenant_id itself.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pingTimeout = 5 * time.Second
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle. Used by tests that manage their own
// database lifecycle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// WithTenant runs fn inside one transaction scoped to tenantID. The
// scope is bound with a transaction-local setting, so the connection
// returns to the pool clean on commit or rollback and can never carry
// one tenant's scope into another tenant's work.
func (s *Store) WithTenant(ctx context.Context, tenantID string, fn func(tx *TenantTx) error) error {
	if tenantID == "" {
		return fmt.Errorf("empty tenant id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return fmt.Errorf("bind tenant scope: %w", err)
	}

	if err := fn(&TenantTx{tx: tx, tenantID: tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RegisterTenant records a tenant in the registry. The registry carries
// no PHI and no row-level security; the reconciliation sweeps iterate
// it to re-enter each tenant's scope one at a time.
func (s *Store) RegisterTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tenants (id) VALUES ($1) ON CONFLICT (id) DO NOTHING",
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("register tenant: %w", err)
	}
	return nil
}

func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM tenants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
