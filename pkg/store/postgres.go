package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore is a PostgreSQL-backed audit store
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore{db: db, postgres: true}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT,
		status TEXT NOT NULL,
		removed BOOLEAN NOT NULL DEFAULT false,
		credential_hash TEXT NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL,
		data JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		assigned_node_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL,
		data JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS frames (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		frame_index INTEGER NOT NULL,
		data JSONB NOT NULL,
		PRIMARY KEY (job_id, frame_index)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	`
	_, err := s.db.Exec(schema)
	return err
}
