package tool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS registry_entries (
	kind TEXT NOT NULL,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	id TEXT NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (kind, namespace, name)
);
CREATE INDEX IF NOT EXISTS registry_entries_live
	ON registry_entries (kind, namespace, is_deleted);
CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TEXT NOT NULL
);`

const (
	defaultSQLiteStoreDir = ".toolrelay"
	defaultSQLiteStoreDB  = "toolrelay.db"
)

// SQLiteStoreConfig configures the SQLite-backed registry store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists registry entries in SQLite. It suits one relay
// process; fleets share a PostgresStore.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultSQLitePath returns ~/.toolrelay/toolrelay.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tool: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteStoreDir, defaultSQLiteStoreDB), nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("tool: sqlite store dsn is required")
	}
	if dir := filepath.Dir(cfg.DSN); dir != "." && !strings.HasPrefix(cfg.DSN, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tool: sqlite store create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite store open: %w", err)
	}
	// One connection serializes writers and keeps per-connection pragmas.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store create schema: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetEntry implements Store.
func (s *SQLiteStore) GetEntry(ctx context.Context, kind EntryKind, namespace, name string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, errors.New("tool: sqlite store is nil")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT kind, namespace, name, id, is_deleted, payload, created_at, updated_at
FROM registry_entries
WHERE kind = ? AND namespace = ? AND name = ?`, string(kind), namespace, name)

	e, err := scanSQLiteEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("tool: sqlite get %s %q: %w", kind, name, err)
	}
	return e, true, nil
}

// ListEntries implements Store.
func (s *SQLiteStore) ListEntries(ctx context.Context, kind EntryKind, namespace string, includeDeleted bool) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("tool: sqlite store is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, namespace, name, id, is_deleted, payload, created_at, updated_at
FROM registry_entries
WHERE kind = ?
	AND (? = '' OR namespace = ?)
	AND (? OR is_deleted = 0)
ORDER BY namespace ASC, name ASC`, string(kind), namespace, namespace, sqliteBool(includeDeleted))
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("tool: sqlite scan %s: %w", kind, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool: sqlite %s rows: %w", kind, err)
	}
	return out, nil
}

// PutEntry implements Store.
func (s *SQLiteStore) PutEntry(ctx context.Context, entry Entry) (Entry, error) {
	if s == nil || s.db == nil {
		return Entry{}, errors.New("tool: sqlite store is nil")
	}
	return s.upsert(ctx, s.db, entry, entry.IsDeleted)
}

// ApplyDiff implements Store.
func (s *SQLiteStore) ApplyDiff(ctx context.Context, kind EntryKind, namespace string, d Diff[Entry]) error {
	if s == nil || s.db == nil {
		return errors.New("tool: sqlite store is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tool: sqlite begin diff: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, group := range []struct {
		entries []Entry
		deleted bool
	}{{d.ToCreate, false}, {d.ToUpdate, false}, {d.ToDelete, true}} {
		for _, e := range group.entries {
			if e.Kind != kind || e.Namespace != namespace {
				return errors.New("tool: diff entry outside the reconciled namespace")
			}
			if _, err := s.upsert(ctx, tx, e, group.deleted); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tool: sqlite commit diff: %w", err)
	}
	return nil
}

type sqliteQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) upsert(ctx context.Context, q sqliteQueryer, e Entry, deleted bool) (Entry, error) {
	now := s.now().Format(time.RFC3339Nano)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	row := q.QueryRowContext(ctx, `
INSERT INTO registry_entries (kind, namespace, name, id, is_deleted, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(kind, namespace, name) DO UPDATE SET
	is_deleted = excluded.is_deleted,
	payload = excluded.payload,
	updated_at = excluded.updated_at
RETURNING kind, namespace, name, id, is_deleted, payload, created_at, updated_at`,
		string(e.Kind), e.Namespace, e.Name, e.ID, sqliteBool(deleted), e.Payload, now, now)

	stored, err := scanSQLiteEntry(row)
	if err != nil {
		return Entry{}, fmt.Errorf("tool: sqlite upsert %s %q: %w", e.Kind, e.Name, err)
	}
	return stored, nil
}

// GetOrCreateConfig implements vault.KeySource. Racing first calls converge
// on whichever insert lands first.
func (s *SQLiteStore) GetOrCreateConfig(ctx context.Context, key string, generate func() (string, error)) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("tool: sqlite store is nil")
	}
	value, ok, err := s.configValue(ctx, key)
	if err != nil || ok {
		return value, err
	}

	generated, err := generate()
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO system_config (key, value, created_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO NOTHING`, key, generated, s.now().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("tool: sqlite insert config %q: %w", key, err)
	}
	value, _, err = s.configValue(ctx, key)
	return value, err
}

func (s *SQLiteStore) configValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("tool: sqlite get config %q: %w", key, err)
	}
	return value, true, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row sqliteScanner) (Entry, error) {
	var (
		e                  Entry
		kind               string
		deleted            bool
		createdAt, updated string
	)
	if err := row.Scan(&kind, &e.Namespace, &e.Name, &e.ID, &deleted, &e.Payload, &createdAt, &updated); err != nil {
		return Entry{}, err
	}
	e.Kind = EntryKind(kind)
	e.IsDeleted = deleted
	var err error
	if e.CreatedAt, err = parseSQLiteTimeValue(createdAt); err != nil {
		return Entry{}, err
	}
	if e.UpdatedAt, err = parseSQLiteTimeValue(updated); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func sqliteBool(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseSQLiteTimeValue(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

var _ Store = (*SQLiteStore)(nil)
