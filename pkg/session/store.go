package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// FileName is the database file inside the state directory.
const FileName = "sessions.db"

// lockTimeout bounds how long a writer waits for another process.
const lockTimeout = 5 * time.Second

// Store is the SQLite-backed session table. Every read-modify-write runs in
// a BEGIN IMMEDIATE transaction, which takes SQLite's file-level write lock,
// so the foreground CLI and watchdog processes serialize their updates.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)", path, lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			name TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS current_sessions (
			workdir TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return lockErr(err)
		}
	}
	return nil
}

// withLock runs fn inside an immediate transaction on a dedicated connection.
func (s *Store) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return lockErr(fmt.Errorf("failed to lock session store: %w", err))
	}
	if err := fn(conn); err != nil {
		conn.ExecContext(context.Background(), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		conn.ExecContext(context.Background(), "ROLLBACK")
		return lockErr(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func load(ctx context.Context, q querier, name string) (*Session, error) {
	var record string
	err := q.QueryRowContext(ctx, "SELECT record FROM sessions WHERE name = ?", name).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, lockErr(fmt.Errorf("failed to read session %s: %w", name, err))
	}
	return decode(name, record)
}

func decode(name, record string) (*Session, error) {
	var sess Session
	if err := json.Unmarshal([]byte(record), &sess); err != nil {
		return nil, &CorruptError{Name: name, Err: err}
	}
	if sess.Name != name {
		return nil, &CorruptError{Name: name, Err: fmt.Errorf("record names %q", sess.Name)}
	}
	return &sess, nil
}

// Create inserts a new session. ID, CreatedAt and LastActivityAt are filled
// in when zero.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.Name == "" {
		return errors.New("session name is required")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = StatusProvisioning
	}
	record, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	return s.withLock(ctx, func(conn *sql.Conn) error {
		var n int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE name = ?", sess.Name).Scan(&n); err != nil {
			return fmt.Errorf("failed to check session %s: %w", sess.Name, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrExists, sess.Name)
		}
		_, err := conn.ExecContext(ctx,
			"INSERT INTO sessions (name, id, status, record, created_at) VALUES (?, ?, ?, ?, ?)",
			sess.Name, sess.ID, string(sess.Status), string(record), sess.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// Get returns the named session or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*Session, error) {
	return load(ctx, s.db, name)
}

// List returns every session, oldest first. A corrupt record fails the call.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, record FROM sessions")
	if err != nil {
		return nil, lockErr(fmt.Errorf("failed to list sessions: %w", err))
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var name, record string
		if err := rows.Scan(&name, &record); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess, err := decode(name, record)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, lockErr(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update applies fn to the stored record under the lock and writes the
// result back. fn may return an error to abort without writing.
func (s *Store) Update(ctx context.Context, name string, fn func(*Session) error) (*Session, error) {
	var updated *Session
	err := s.withLock(ctx, func(conn *sql.Conn) error {
		sess, err := load(ctx, conn, name)
		if err != nil {
			return err
		}
		before := *sess
		if err := fn(sess); err != nil {
			return err
		}
		if sess.ID != before.ID || sess.Name != before.Name ||
			sess.HourlyCost != before.HourlyCost || !sess.CreatedAt.Equal(before.CreatedAt) {
			return fmt.Errorf("%w: id, name, hourly cost and creation time are fixed", ErrImmutable)
		}
		record, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			"UPDATE sessions SET status = ?, record = ? WHERE name = ?",
			string(sess.Status), string(record), name); err != nil {
			return fmt.Errorf("failed to update session %s: %w", name, err)
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the session and any current-session pointers to it.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.withLock(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, "DELETE FROM sessions WHERE name = ?", name)
		if err != nil {
			return fmt.Errorf("failed to delete session %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if _, err := conn.ExecContext(ctx, "DELETE FROM current_sessions WHERE name = ?", name); err != nil {
			return fmt.Errorf("failed to clear current session: %w", err)
		}
		return nil
	})
}

// SetCurrent makes name the current session for workdir, replacing any other.
func (s *Store) SetCurrent(ctx context.Context, workdir, name string) error {
	return s.withLock(ctx, func(conn *sql.Conn) error {
		if _, err := load(ctx, conn, name); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx,
			"INSERT INTO current_sessions (workdir, name) VALUES (?, ?) ON CONFLICT(workdir) DO UPDATE SET name = excluded.name",
			workdir, name)
		if err != nil {
			return fmt.Errorf("failed to set current session: %w", err)
		}
		return nil
	})
}

// Current returns the current session for workdir, or ErrNoCurrent.
func (s *Store) Current(ctx context.Context, workdir string) (*Session, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM current_sessions WHERE workdir = ?", workdir).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCurrent
	}
	if err != nil {
		return nil, lockErr(fmt.Errorf("failed to read current session: %w", err))
	}
	return s.Get(ctx, name)
}

// ClearCurrent drops the pointer for workdir. Clearing an unset pointer is a no-op.
func (s *Store) ClearCurrent(ctx context.Context, workdir string) error {
	return s.withLock(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "DELETE FROM current_sessions WHERE workdir = ?", workdir)
		return err
	})
}
