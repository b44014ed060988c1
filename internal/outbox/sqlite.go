package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the outbox in a single SQLite table. Writes are
// serialized by mu and run inside transactions.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and reconciles
// entries orphaned in syncing.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open db: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and avoids SQLITE_BUSY
	// between our own writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("outbox: %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}

	res, err := db.Exec(`UPDATE outbox_entries SET status = ? WHERE status = ?`, string(StatusPending), string(StatusSyncing))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: recover syncing entries: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Warn("recovered orphaned outbox entries", "count", n, "path", path)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_entries (
			id          TEXT PRIMARY KEY,
			endpoint    TEXT NOT NULL,
			method      TEXT NOT NULL,
			payload     BLOB NOT NULL,
			created_at  INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			last_error  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox_entries(created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_entries(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// A new rowid is always above every existing one, so it doubles as Seq.
const selectEntry = `SELECT id, endpoint, method, payload, created_at, retry_count, status, last_error, rowid FROM outbox_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var payload []byte
	if err := row.Scan(&e.ID, &e.Endpoint, &e.Method, &payload, &e.CreatedAt, &e.RetryCount, &e.Status, &e.LastError, &e.Seq); err != nil {
		return Entry{}, err
	}
	e.Payload = payload
	return e, nil
}

func (s *SQLiteStore) Add(ctx context.Context, e Entry) error {
	e, err := prepare(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM outbox_entries WHERE id = ?`, e.ID).Scan(&exists)
	if err == nil {
		return ErrDuplicateID
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_entries(id, endpoint, method, payload, created_at, retry_count, status, last_error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Endpoint, string(e.Method), []byte(e.Payload), e.CreatedAt, e.RetryCount, string(e.Status), e.LastError,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := p.apply(&e); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox_entries SET retry_count = ?, status = ?, last_error = ? WHERE id = ?`,
		e.RetryCount, string(e.Status), e.LastError, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+` ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_entries WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusSyncing),
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox_entries`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
