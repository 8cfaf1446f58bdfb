package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresStoreSchema = `
CREATE TABLE IF NOT EXISTS registry_entries (
	kind TEXT NOT NULL,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	id UUID NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, namespace, name)
);
CREATE INDEX IF NOT EXISTS registry_entries_live
	ON registry_entries (kind, namespace) WHERE NOT is_deleted;
CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore persists registry entries in PostgreSQL so every relay in a
// fleet reconciles against the same rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to dsn and applies the schema.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("tool: postgres parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tool: postgres connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tool: postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresStoreSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tool: postgres create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// GetEntry implements Store.
func (s *PostgresStore) GetEntry(ctx context.Context, kind EntryKind, namespace, name string) (Entry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT kind, namespace, name, id::text, is_deleted, payload, created_at, updated_at
		FROM registry_entries
		WHERE kind = $1 AND namespace = $2 AND name = $3
	`, string(kind), namespace, name)

	e, err := scanPostgresEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("tool: postgres get %s %q: %w", kind, name, err)
	}
	return e, true, nil
}

// ListEntries implements Store.
func (s *PostgresStore) ListEntries(ctx context.Context, kind EntryKind, namespace string, includeDeleted bool) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, namespace, name, id::text, is_deleted, payload, created_at, updated_at
		FROM registry_entries
		WHERE kind = $1
			AND ($2 = '' OR namespace = $2)
			AND ($3 OR NOT is_deleted)
		ORDER BY namespace, name
	`, string(kind), namespace, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("tool: postgres list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("tool: postgres scan %s: %w", kind, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool: postgres %s rows: %w", kind, err)
	}
	return out, nil
}

// PutEntry implements Store.
func (s *PostgresStore) PutEntry(ctx context.Context, entry Entry) (Entry, error) {
	return upsertPostgresEntry(ctx, s.pool, entry, entry.IsDeleted)
}

// ApplyDiff implements Store.
func (s *PostgresStore) ApplyDiff(ctx context.Context, kind EntryKind, namespace string, d Diff[Entry]) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, group := range []struct {
			entries []Entry
			deleted bool
		}{{d.ToCreate, false}, {d.ToUpdate, false}, {d.ToDelete, true}} {
			for _, e := range group.entries {
				if e.Kind != kind || e.Namespace != namespace {
					return errors.New("tool: diff entry outside the reconciled namespace")
				}
				if _, err := upsertPostgresEntry(ctx, tx, e, group.deleted); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

type postgresQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertPostgresEntry(ctx context.Context, q postgresQueryer, e Entry, deleted bool) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	row := q.QueryRow(ctx, `
		INSERT INTO registry_entries (kind, namespace, name, id, is_deleted, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (kind, namespace, name) DO UPDATE SET
			is_deleted = EXCLUDED.is_deleted,
			payload = EXCLUDED.payload,
			updated_at = now()
		RETURNING kind, namespace, name, id::text, is_deleted, payload, created_at, updated_at
	`, string(e.Kind), e.Namespace, e.Name, e.ID, deleted, string(e.Payload))

	stored, err := scanPostgresEntry(row)
	if err != nil {
		return Entry{}, fmt.Errorf("tool: postgres upsert %s %q: %w", e.Kind, e.Name, err)
	}
	return stored, nil
}

// GetOrCreateConfig implements vault.KeySource.
func (s *PostgresStore) GetOrCreateConfig(ctx context.Context, key string, generate func() (string, error)) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM system_config WHERE key = $1`, key).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("tool: postgres get config %q: %w", key, err)
	}

	generated, err := generate()
	if err != nil {
		return "", err
	}
	// The no-op update makes RETURNING yield the winning row on conflict.
	err = s.pool.QueryRow(ctx, `
		INSERT INTO system_config (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET key = EXCLUDED.key
		RETURNING value
	`, key, generated).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("tool: postgres insert config %q: %w", key, err)
	}
	return value, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresEntry(row pgx.Row) (Entry, error) {
	var (
		e       Entry
		kind    string
		payload string
	)
	if err := row.Scan(&kind, &e.Namespace, &e.Name, &e.ID, &e.IsDeleted, &payload, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Kind = EntryKind(kind)
	e.Payload = []byte(payload)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

var _ Store = (*PostgresStore)(nil)
