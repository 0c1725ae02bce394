// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/relay-foundation/relay/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT PRIMARY KEY,
    status          TEXT NOT NULL,
    topic_id        INTEGER,
    terminal_target TEXT NOT NULL DEFAULT '',
    project_dir     TEXT NOT NULL DEFAULT '',
    hostname        TEXT NOT NULL DEFAULT '',
    last_activity   INTEGER NOT NULL,
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_topic ON sessions(topic_id);
`

// Store persists sessions in SQLite. It is a thin data-access layer;
// lifecycle rules live in Registry.
type Store struct {
	pool *sqlitepool.Pool
}

// OpenStore opens (and if needed creates) the session database.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: opening store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Put upserts a full session row. The write is durable when Put
// returns.
func (s *Store) Put(ctx context.Context, session Session) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var topicID any
	if session.TopicBound {
		topicID = session.TopicID
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (id, status, topic_id, terminal_target, project_dir, hostname, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			topic_id = excluded.topic_id,
			terminal_target = excluded.terminal_target,
			last_activity = excluded.last_activity`,
		&sqlitex.ExecOptions{
			Args: []any{
				session.ID,
				string(session.Status),
				topicID,
				session.TerminalTarget,
				session.ProjectDir,
				session.Hostname,
				session.LastActivity.UnixMilli(),
				session.CreatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("session: persisting %s: %w", session.ID, err)
	}
	return nil
}

// selectColumns projects topic_id into a non-null value plus a bound
// flag so scanning never deals with SQL NULL directly.
const selectColumns = `
	SELECT id, status,
	       COALESCE(topic_id, 0) AS topic_id,
	       (topic_id IS NOT NULL) AS topic_bound,
	       terminal_target, project_dir, hostname, last_activity, created_at
	FROM sessions`

// Get returns the session with the given id. The second return is
// false when no row exists.
func (s *Store) Get(ctx context.Context, id string) (Session, bool, error) {
	return s.queryOne(ctx, selectColumns+` WHERE id = ?`, id)
}

// GetByTopic returns the session bound to the given topic thread.
func (s *Store) GetByTopic(ctx context.Context, topicID int64) (Session, bool, error) {
	return s.queryOne(ctx, selectColumns+` WHERE topic_id = ?`, topicID)
}

// List returns all sessions, oldest activity first.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn, selectColumns+` ORDER BY last_activity ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, scanSession(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: listing: %w", err)
	}
	return sessions, nil
}

// Delete removes a session row. Deleting a missing row is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("session: deleting %s: %w", id, err)
	}
	return nil
}

func (s *Store) queryOne(ctx context.Context, query string, arg any) (Session, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, false, err
	}
	defer s.pool.Put(conn)

	var result Session
	found := false
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = scanSession(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("session: querying: %w", err)
	}
	return result, found, nil
}

func scanSession(stmt *sqlite.Stmt) Session {
	return Session{
		ID:             stmt.GetText("id"),
		Status:         Status(stmt.GetText("status")),
		TopicID:        stmt.GetInt64("topic_id"),
		TopicBound:     stmt.GetBool("topic_bound"),
		TerminalTarget: stmt.GetText("terminal_target"),
		ProjectDir:     stmt.GetText("project_dir"),
		Hostname:       stmt.GetText("hostname"),
		LastActivity:   time.UnixMilli(stmt.GetInt64("last_activity")).UTC(),
		CreatedAt:      time.UnixMilli(stmt.GetInt64("created_at")).UTC(),
	}
}
