package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// Get returns the stored entry for a branch, or models.NotFound.
func (s *Store) Get(ctx context.Context, name string) (models.IndexEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, commit_sha, synced_at, record FROM entries WHERE name = ?`, name)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IndexEntry{}, models.NewError(models.ErrNotFound, name, fmt.Errorf("no stored entry"))
	}
	if err != nil {
		return models.IndexEntry{}, storageError(name, fmt.Errorf("failed to get entry: %w", err))
	}
	return e, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Scan calls fn for every stored entry in branch order. It stops at the
// first error fn returns.
func (s *Store) Scan(ctx context.Context, fn func(models.IndexEntry) error) error {
	return scan(ctx, s.db, fn)
}

func scan(ctx context.Context, q querier, fn func(models.IndexEntry) error) error {
	rows, err := q.QueryContext(ctx,
		`SELECT name, commit_sha, synced_at, record FROM entries ORDER BY name`)
	if err != nil {
		return storageError("", fmt.Errorf("failed to scan entries: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return storageError("", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storageError("", fmt.Errorf("failed to iterate entries: %w", err))
	}
	return nil
}

// Generation returns the generation of the last committed sync.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	return generation(ctx, s.db)
}

func generation(ctx context.Context, q querier) (uint64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'generation'`).Scan(&gen)
	if err != nil {
		return 0, storageError("", fmt.Errorf("failed to read generation: %w", err))
	}
	return uint64(gen), nil
}

// Commit applies one sync pass in a single transaction: it writes puts,
// removes deletes and advances the stored generation. A generation that
// does not advance the stored one is refused, since it means another
// process committed first.
func (s *Store) Commit(ctx context.Context, gen uint64, puts []models.IndexEntry, deletes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	current, err := generation(ctx, tx)
	if err != nil {
		return err
	}
	if gen <= current {
		return storageError("", fmt.Errorf("generation %d does not advance stored generation %d", gen, current))
	}

	put, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO entries (name, commit_sha, synced_at, record)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return storageError("", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer put.Close()

	for _, e := range puts {
		if !e.Valid() {
			return storageError(e.State.Name, fmt.Errorf("refusing to store incomplete entry"))
		}
		blob, err := msgpack.Marshal(e.Record)
		if err != nil {
			return storageError(e.State.Name, fmt.Errorf("failed to encode record: %w", err))
		}
		if _, err := put.ExecContext(ctx,
			e.State.Name,
			e.State.HeadCommit,
			e.State.SyncedAt.UTC().Format(time.RFC3339Nano),
			blob,
		); err != nil {
			return storageError(e.State.Name, fmt.Errorf("failed to store entry: %w", err))
		}
	}

	for _, name := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE name = ?`, name); err != nil {
			return storageError(name, fmt.Errorf("failed to delete entry: %w", err))
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = ? WHERE key = 'generation'`, int64(gen)); err != nil {
		return storageError("", fmt.Errorf("failed to advance generation: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return storageError("", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// LoadSnapshot rebuilds the published view from the stored entries. The
// generation and the entries are read in one transaction so a concurrent
// commit cannot mix into the result.
func (s *Store) LoadSnapshot(ctx context.Context) (*index.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError("", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	gen, err := generation(ctx, tx)
	if err != nil {
		return nil, err
	}

	b := index.NewBuilder(gen)
	err = scan(ctx, tx, func(e models.IndexEntry) error {
		return b.Add(e)
	})
	if err != nil {
		return nil, err
	}
	return b.Build(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.IndexEntry, error) {
	var (
		e        models.IndexEntry
		syncedAt string
		blob     []byte
	)
	if err := row.Scan(&e.State.Name, &e.State.HeadCommit, &syncedAt, &blob); err != nil {
		return e, err
	}

	t, err := time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return e, fmt.Errorf("failed to parse synced_at for %s: %w", e.State.Name, err)
	}
	e.State.SyncedAt = t

	e.Record = &models.PackageRecord{}
	if err := msgpack.Unmarshal(blob, e.Record); err != nil {
		return e, fmt.Errorf("failed to decode record for %s: %w", e.State.Name, err)
	}
	return e, nil
}

func storageError(name string, err error) error {
	return models.NewError(models.ErrStorage, name, err)
}
