// SPDX-License-Identifier: MIT

// Package repo is the SQLite system of record for jobs, tenants and blocked
// IPs. Schema versioning rides on PRAGMA user_version; migrations run in a
// single transaction at open.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/log"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("concurrent update conflict")
)

const schemaVersion = 2

var migrations = []string{
	// v1: core tables
	`
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		token TEXT UNIQUE,
		plan TEXT NOT NULL DEFAULT 'free',
		created_ip TEXT,
		plan_expires_at TEXT,
		billing_ref TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		source_lang TEXT NOT NULL DEFAULT 'auto',
		detected_lang TEXT NOT NULL DEFAULT '',
		target_lang TEXT NOT NULL DEFAULT '',
		translate INTEGER NOT NULL DEFAULT 0,
		model_tier TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		class TEXT NOT NULL,
		reservation_id TEXT NOT NULL DEFAULT '',
		duration_sec INTEGER NOT NULL DEFAULT 0,
		audio_key TEXT NOT NULL DEFAULT '',
		artifacts TEXT NOT NULL DEFAULT '{}',
		error TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`,
	// v2: IP blocklist
	`
	CREATE TABLE IF NOT EXISTS blocked_ips (
		ip TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		blocked_until TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`,
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open migrates the schema and returns the store. A database written by a
// newer binary (user_version beyond what this build knows) is refused with
// config.ErrMigrationRequired.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("repo: read user_version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database at schema v%d, binary supports v%d: %w",
			current, schemaVersion, config.ErrMigrationRequired)
	}
	if current == schemaVersion {
		return tx.Commit()
	}

	logger := log.WithComponent("repo")
	for v := current; v < schemaVersion; v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("repo: migration to v%d: %w", v+1, err)
		}
		logger.Info().Int("from", v).Int("to", v+1).Msg("applied schema migration")
	}
	// PRAGMA does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("repo: set user_version: %w", err)
	}
	return tx.Commit()
}
