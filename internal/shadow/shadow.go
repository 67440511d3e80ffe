// Package shadow provides a durable sqlite-backed mirror of a mapping
// table's logical-to-physical address mappings, independent of the table's
// own log-structured store — a second witness a cmd/mtcli session can
// replay a scenario against and diff, to catch a bug in the table's own
// persistence path that a plain-map in-memory model (internal/model) never
// would. Grounded on internal/store/index_sqlite.go's open/pragma/schema
// idiom.
package shadow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// ErrClosed indicates an operation on a Shadow after Close.
var ErrClosed = errors.New("shadow: closed")

// Shadow is a durable mirror of logical -> physical mappings, one row per
// logical address, overwritten in place on every Update (unlike
// pkg/mtable, a shadow has no log-structured history to preserve).
type Shadow struct {
	db     *sql.DB
	closed bool
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(ctx context.Context, path string) (*Shadow, error) {
	if path == "" {
		return nil, fmt.Errorf("shadow: open: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("shadow: open %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shadow: ping %s: %w", path, err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Shadow{db: db}, nil
}

// applyPragmas favors durability over throughput: every mutation is meant
// to be a trustworthy cross-check against the table's own writes, not a
// fast-path cache.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("shadow: apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	const stmt = `CREATE TABLE IF NOT EXISTS mappings (
		logical INTEGER PRIMARY KEY,
		physical INTEGER NOT NULL
	) WITHOUT ROWID`

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("shadow: create schema: %w", err)
	}

	return nil
}

// Close closes the underlying database handle.
func (s *Shadow) Close() error {
	if s.closed {
		return ErrClosed
	}

	s.closed = true

	return s.db.Close()
}

// Update durably records logical -> physical, replacing any prior mapping.
func (s *Shadow) Update(ctx context.Context, logical, physical uint64) error {
	if s.closed {
		return ErrClosed
	}

	const stmt = `INSERT INTO mappings (logical, physical) VALUES (?, ?)
		ON CONFLICT(logical) DO UPDATE SET physical = excluded.physical`

	if _, err := s.db.ExecContext(ctx, stmt, int64(logical), int64(physical)); err != nil {
		return fmt.Errorf("shadow: update %d: %w", logical, err)
	}

	return nil
}

// Lookup returns logical's recorded physical address, or ok=false if never
// recorded.
func (s *Shadow) Lookup(ctx context.Context, logical uint64) (physical uint64, ok bool, err error) {
	if s.closed {
		return 0, false, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT physical FROM mappings WHERE logical = ?`, int64(logical))

	var p int64

	if err := row.Scan(&p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("shadow: lookup %d: %w", logical, err)
	}

	return uint64(p), true, nil
}

// Diff reports every logical address where the shadow's recorded physical
// address disagrees with want, a map of live mappings read from the real
// table (e.g. via a full Lookup sweep). Used by cmd/mtcli's shadow verify
// command after replaying a scenario against both.
func (s *Shadow) Diff(ctx context.Context, want map[uint64]uint64) (mismatches map[uint64][2]uint64, err error) {
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT logical, physical FROM mappings`)
	if err != nil {
		return nil, fmt.Errorf("shadow: diff: query: %w", err)
	}

	defer rows.Close()

	have := make(map[uint64]uint64)

	for rows.Next() {
		var logical, physical int64

		if err := rows.Scan(&logical, &physical); err != nil {
			return nil, fmt.Errorf("shadow: diff: scan: %w", err)
		}

		have[uint64(logical)] = uint64(physical)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shadow: diff: rows: %w", err)
	}

	mismatches = make(map[uint64][2]uint64)

	for logical, wantPhysical := range want {
		if havePhysical, ok := have[logical]; !ok || havePhysical != wantPhysical {
			mismatches[logical] = [2]uint64{wantPhysical, havePhysical}
		}
	}

	for logical, havePhysical := range have {
		if _, ok := want[logical]; !ok {
			mismatches[logical] = [2]uint64{0, havePhysical}
		}
	}

	return mismatches, nil
}
