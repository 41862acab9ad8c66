// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/ManuGH/soundgrab/internal/metrics"
)

// ErrNotFound is returned when a record lookup misses.
var ErrNotFound = errors.New("library: record not found")

// Store provides SQLite persistence for the acquisition catalog.
//
// The underlying *sql.DB hands every calling goroutine its own pooled
// connection; handles never cross goroutines. SQLite in WAL mode serializes
// concurrent writers internally, and busy_timeout keeps writers from
// observing spurious "database is locked" errors.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the catalog database at dbPath and runs
// migrations.
func NewStore(dbPath string) (*Store, error) {
	// busy_timeout avoids "database locked" errors under concurrent writers
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		artist TEXT NOT NULL DEFAULT '',
		album TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		output_path TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertRecord inserts a new record keyed by the normalized output path. If a
// record with that key already exists the write is a no-op: the existing
// record's ID is returned with duplicate=true. Duplicate is not an error.
func (s *Store) UpsertRecord(ctx context.Context, draft Draft) (id string, duplicate bool, err error) {
	key, err := NormalizeKey(draft.OutputPath)
	if err != nil {
		return "", false, fmt.Errorf("normalize key: %w", err)
	}

	id = uuid.NewString()
	query := `
	INSERT INTO records (id, key, title, artist, album, duration_seconds, size_bytes, content_type, output_path, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		id,
		key,
		draft.Title,
		draft.Artist,
		draft.Album,
		draft.DurationSeconds,
		draft.SizeBytes,
		draft.ContentType,
		draft.OutputPath,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected == 0 {
		// Lost the race (or the key was already catalogued): report the
		// winner's ID.
		var existing string
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM records WHERE key = ?`, key).Scan(&existing); err != nil {
			return "", false, fmt.Errorf("lookup duplicate: %w", err)
		}
		metrics.IncRecordUpsert("duplicate")
		return existing, true, nil
	}

	metrics.IncRecordUpsert("inserted")
	return id, false, nil
}

const recordColumns = `id, key, title, artist, album, duration_seconds, size_bytes, content_type, output_path, created_at`

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var r Record
	var createdAt string
	err := scan(
		&r.ID, &r.Key, &r.Title, &r.Artist, &r.Album,
		&r.DurationSeconds, &r.SizeBytes, &r.ContentType, &r.OutputPath, &createdAt,
	)
	if err != nil {
		return Record{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return r, nil
}

// GetAll retrieves every catalog record, newest first.
func (s *Store) GetAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetByID retrieves a single record. Returns ErrNotFound when missing.
func (s *Store) GetByID(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// RemoveByID deletes a record. Returns ErrNotFound when missing.
func (s *Store) RemoveByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExistsByKey reports whether a record exists for the natural key derived
// from path.
func (s *Store) ExistsByKey(ctx context.Context, path string) (bool, error) {
	key, err := NormalizeKey(path)
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE key = ?`, key).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// statConcurrency bounds parallel filesystem probes during reconciliation.
const statConcurrency = 8

// RemoveBrokenRecords scans the catalog and deletes every record whose
// output path no longer resolves to a regular readable file. Returns the
// number of records removed. Not a hot-path operation.
func (s *Store) RemoveBrokenRecords(ctx context.Context) (int, error) {
	records, err := s.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load records: %w", err)
	}

	var (
		mu     sync.Mutex
		broken []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			info, err := os.Stat(rec.OutputPath)
			if err == nil && info.Mode().IsRegular() {
				return nil
			}
			mu.Lock()
			broken = append(broken, rec.ID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if len(broken) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range broken {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete record %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}

	metrics.AddRecordsPruned(len(broken))
	return len(broken), nil
}
