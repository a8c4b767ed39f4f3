// Package storage persists the one thing the scheduler core needs to
// survive a process restart: the worker instance identity index, so a
// control.resume after a restart still resolves to the same
// workerInstanceId rather than being refused as an unknown session.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1   = 1
	schemaChecksumV1  = "worker-instances-v1"
	schemaVersionLatest = schemaVersionV1
)

// Store owns the single-writer SQLite connection backing the worker
// instance index.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// the schema migration ledger. SQLite only tolerates one writer at a time,
// so the pool is pinned to a single connection.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	return nil
}

// initSchema runs the schema_migrations ledger: create the worker_instances
// table and its index if this is a fresh database, refusing to start if an
// existing database reports a newer schema version than this binary knows
// about.
func (s *Store) initSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	var maxVersion int
	var checksum string
	row := tx.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1`)
	switch err := row.Scan(&maxVersion, &checksum); {
	case errors.Is(err, sql.ErrNoRows):
		// Fresh database.
	case err != nil:
		return fmt.Errorf("storage: read schema_migrations: %w", err)
	default:
		if maxVersion > schemaVersionLatest {
			return fmt.Errorf("storage: database schema version %d is newer than this binary supports (%d)", maxVersion, schemaVersionLatest)
		}
		if maxVersion == schemaVersionV1 && checksum != schemaChecksumV1 {
			return fmt.Errorf("storage: schema version %d checksum mismatch: database has %q, binary expects %q", maxVersion, checksum, schemaChecksumV1)
		}
	}

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS worker_instances (
		worker_instance_id TEXT PRIMARY KEY,
		worker_name TEXT NOT NULL,
		tenant TEXT NOT NULL,
		session_id TEXT NOT NULL,
		session_token TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("storage: create worker_instances: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_worker_instances_session_id ON worker_instances(session_id)`); err != nil {
		return fmt.Errorf("storage: create idx_worker_instances_session_id: %w", err)
	}

	if maxVersion < schemaVersionV1 {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
			schemaVersionV1, schemaChecksumV1, time.Now().UTC()); err != nil {
			return fmt.Errorf("storage: record schema_migrations v1: %w", err)
		}
	}

	return tx.Commit()
}

// WorkerInstance is the durable identity record for one worker instance's
// most recent session, as needed to validate a control.resume after a
// scheduler restart.
type WorkerInstance struct {
	WorkerInstanceID string
	WorkerName       string
	Tenant           string
	SessionID        string
	SessionToken     string
	UpdatedAt        time.Time
}

// UpsertWorkerInstance records (or updates) the durable identity for a
// worker instance, called whenever a handshake or resume succeeds.
func (s *Store) UpsertWorkerInstance(ctx context.Context, wi WorkerInstance) error {
	return s.retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO worker_instances
			(worker_instance_id, worker_name, tenant, session_id, session_token, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(worker_instance_id) DO UPDATE SET
				worker_name=excluded.worker_name,
				tenant=excluded.tenant,
				session_id=excluded.session_id,
				session_token=excluded.session_token,
				updated_at=excluded.updated_at`,
			wi.WorkerInstanceID, wi.WorkerName, wi.Tenant, wi.SessionID, wi.SessionToken, wi.UpdatedAt)
		return err
	})
}

// GetWorkerInstance looks up a worker instance's durable identity by id,
// for resolving a control.resume that names a sessionId the in-memory
// registry has forgotten since a restart.
func (s *Store) GetWorkerInstance(ctx context.Context, workerInstanceID string) (WorkerInstance, bool, error) {
	var wi WorkerInstance
	row := s.db.QueryRowContext(ctx, `SELECT worker_instance_id, worker_name, tenant, session_id, session_token, updated_at
		FROM worker_instances WHERE worker_instance_id = ?`, workerInstanceID)
	switch err := row.Scan(&wi.WorkerInstanceID, &wi.WorkerName, &wi.Tenant, &wi.SessionID, &wi.SessionToken, &wi.UpdatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return WorkerInstance{}, false, nil
	case err != nil:
		return WorkerInstance{}, false, fmt.Errorf("storage: get worker instance: %w", err)
	}
	return wi, true, nil
}

// GetWorkerInstanceBySession looks up a worker instance's durable identity
// by its last-known session id, for resolving a control.resume whose
// sessionId the in-memory registry has forgotten since a restart.
func (s *Store) GetWorkerInstanceBySession(ctx context.Context, sessionID string) (WorkerInstance, bool, error) {
	var wi WorkerInstance
	row := s.db.QueryRowContext(ctx, `SELECT worker_instance_id, worker_name, tenant, session_id, session_token, updated_at
		FROM worker_instances WHERE session_id = ?`, sessionID)
	switch err := row.Scan(&wi.WorkerInstanceID, &wi.WorkerName, &wi.Tenant, &wi.SessionID, &wi.SessionToken, &wi.UpdatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return WorkerInstance{}, false, nil
	case err != nil:
		return WorkerInstance{}, false, fmt.Errorf("storage: get worker instance by session: %w", err)
	}
	return wi, true, nil
}

// DeleteWorkerInstance drops a worker instance's durable identity. The
// housekeeping reaper does not call it, so a durable identity outlives the
// eviction of its in-memory session.
func (s *Store) DeleteWorkerInstance(ctx context.Context, workerInstanceID string) error {
	return s.retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM worker_instances WHERE worker_instance_id = ?`, workerInstanceID)
		return err
	})
}

// retryOnBusy retries f with jittered exponential backoff when SQLite
// reports the database is busy or locked, which can happen transiently
// even with a single-connection pool if the OS schedules a checkpoint.
func (s *Store) retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	var err error
	delay := 10 * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusyOrLocked(err) {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

func isBusyOrLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
