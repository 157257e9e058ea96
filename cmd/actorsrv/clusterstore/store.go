// Package clusterstore persists cluster membership and forked/remote
// worker PID bookkeeping for cmd/actorsrv, the external listening-server
// glue around the actor package's core. It exists so a restarted
// actorsrv process can answer ClusterResolver lookups (see
// internal/baselib/actor/clusterpb) without replaying whatever
// actors.json a previous run was launched with, and so it can drop the
// bookkeeping of worker processes an earlier actorsrv instance forked
// whose processes are gone. Live leftover workers are not signalled or
// reaped.
//
// The core package itself stays free of a database dependency; its
// resource loader/DI is an external collaborator, and this store is the
// concrete home the sqlite driver retained in go.mod is given.
package clusterstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a sqlite-backed table of cluster members and worker PIDs.
// A bookkeeping table this small doesn't justify a migration framework,
// so schema creation is a single CREATE TABLE IF NOT EXISTS run at Open
// time instead of versioned migrations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cluster store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cluster store schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS cluster_members (
	cluster_name TEXT NOT NULL,
	host         TEXT NOT NULL,
	registered_at INTEGER NOT NULL,
	PRIMARY KEY (cluster_name, host)
);

CREATE TABLE IF NOT EXISTS worker_pids (
	actor_id   TEXT PRIMARY KEY,
	pid        INTEGER NOT NULL,
	started_at INTEGER NOT NULL
);
`

// Close closes the underlying database handle, satisfying
// actor.System.RegisterResource's io.Closer requirement.
func (s *Store) Close() error { return s.db.Close() }

// AddMember registers host as a member of cluster name, idempotently.
func (s *Store) AddMember(ctx context.Context, name, host string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cluster_members (cluster_name, host, registered_at)
		 VALUES (?, ?, ?)`,
		name, host, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("add cluster member: %w", err)
	}
	return nil
}

// RemoveMember drops host from cluster name.
func (s *Store) RemoveMember(ctx context.Context, name, host string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cluster_members WHERE cluster_name = ? AND host = ?`, name, host,
	)
	if err != nil {
		return fmt.Errorf("remove cluster member: %w", err)
	}
	return nil
}

// Members returns the current host list for cluster name, in the order
// they were registered.
func (s *Store) Members(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host FROM cluster_members WHERE cluster_name = ? ORDER BY registered_at ASC`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("query cluster members: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}

// RecordWorker records the PID of a worker process forked for actorID,
// so a later recoverOrphans run (cmd/actorsrv/commands, after an actorsrv
// restart) can tell a live worker apart from one whose process is gone.
func (s *Store) RecordWorker(ctx context.Context, actorID string, pid int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO worker_pids (actor_id, pid, started_at) VALUES (?, ?, ?)`,
		actorID, pid, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record worker pid: %w", err)
	}
	return nil
}

// ForgetWorker removes the bookkeeping row for actorID. actorsrv calls it
// once the listening server's relay for that worker is torn down (either
// side's bus exited, for whatever reason), and for rows whose process is
// gone at startup.
func (s *Store) ForgetWorker(ctx context.Context, actorID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worker_pids WHERE actor_id = ?`, actorID)
	if err != nil {
		return fmt.Errorf("forget worker: %w", err)
	}
	return nil
}

// WorkerPID is one row of the worker_pids bookkeeping table.
type WorkerPID struct {
	ActorID   string
	PID       int
	StartedAt time.Time
}

// Orphans returns every worker PID row this store knows about, for a
// freshly started actorsrv to check against the live process table and
// forget the rows whose processes are gone after a previous instance's
// unclean exit.
func (s *Store) Orphans(ctx context.Context) ([]WorkerPID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, pid, started_at FROM worker_pids`,
	)
	if err != nil {
		return nil, fmt.Errorf("query worker pids: %w", err)
	}
	defer rows.Close()

	var out []WorkerPID
	for rows.Next() {
		var w WorkerPID
		var startedAt int64
		if err := rows.Scan(&w.ActorID, &w.PID, &startedAt); err != nil {
			return nil, fmt.Errorf("scan worker pid: %w", err)
		}
		w.StartedAt = time.Unix(startedAt, 0)
		out = append(out, w)
	}
	return out, rows.Err()
}
