// Package store implements the durable task, instance and result
// repositories over Postgres. Every state transition is a single guarded
// UPDATE; callers treat rows-affected == 0 as a lost race, never as an
// error to retry blindly.
package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"firestige.xyz/triage/internal/config"
)

// Connect opens the Postgres pool and verifies the connection.
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// HealthCheck runs a trivial round-trip on the pool.
func HealthCheck(ctx context.Context, db *sqlx.DB) error {
	var one int
	return db.GetContext(ctx, &one, "SELECT 1")
}
