package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxAdmin implements AdminDB over an admin-privileged pool on the
// shared cluster. adminURL is kept to open short-lived connections into
// freshly provisioned databases.
type PgxAdmin struct {
	pool     *pgxpool.Pool
	adminURL string
}

func NewPgxAdmin(pool *pgxpool.Pool, adminURL string) *PgxAdmin {
	return &PgxAdmin{pool: pool, adminURL: adminURL}
}

var _ AdminDB = (*PgxAdmin)(nil)

// ExecInDatabase opens a one-shot connection to the named database and
// runs the statement there.
func (a *PgxAdmin) ExecInDatabase(ctx context.Context, database, sql string) error {
	cfg, err := pgx.ParseConfig(a.adminURL)
	if err != nil {
		return fmt.Errorf("parsing admin url: %w", err)
	}
	cfg.Database = database

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", database, err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("executing statement in %s: %w", database, err)
	}
	return nil
}

func (a *PgxAdmin) Exec(ctx context.Context, sql string, args ...any) error {
	if _, err := a.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("executing admin statement: %w", err)
	}
	return nil
}

func (a *PgxAdmin) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking database existence: %w", err)
	}
	return exists, nil
}

func (a *PgxAdmin) RoleExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_roles WHERE rolname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking role existence: %w", err)
	}
	return exists, nil
}
