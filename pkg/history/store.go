package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrCorrupt means the history database exists but cannot be read or
// has an incompatible schema. The run must fail rather than silently
// reset history, since a reset would re-tag every known advisory as
// new on the following run.
var ErrCorrupt = errors.New("history store corrupt")

const schemaVersion = "1"

// Records maps a target path to the advisory identifiers seen for it
// in the most recent successfully reported run.
type Records map[string]map[string]struct{}

func (r Records) Known(target, advisory string) bool {
	_, ok := r[target][advisory]
	return ok
}

// Store persists per-target advisory history across runs. One run
// owns the store exclusively; see Acquire.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the history database. A missing file is a
// first run and yields empty history.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	tables := `CREATE TABLE IF NOT EXISTS history (
		"Target" TEXT NOT NULL,
		"Advisory" TEXT NOT NULL,
		"FirstSeen" TEXT,
		"LastSeen" TEXT,
		PRIMARY KEY ("Target", "Advisory"));
	CREATE TABLE IF NOT EXISTS meta (
		"Key" TEXT NOT NULL PRIMARY KEY,
		"Value" TEXT);`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}

	var ver string
	err := s.db.QueryRow(`SELECT "Value" FROM meta WHERE "Key" = 'schema_version'`).Scan(&ver)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO meta ("Key", "Value") VALUES ('schema_version', ?)`,
			schemaVersion)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	case ver != schemaVersion:
		return fmt.Errorf("%w: %s: unsupported schema version %q", ErrCorrupt, s.path, ver)
	}
	return nil
}

// Load reads the full history. Read-only during a run's aggregation.
func (s *Store) Load() (Records, error) {
	rows, err := s.db.Query(`SELECT "Target", "Advisory" FROM history`)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	defer rows.Close()

	records := make(Records)
	for rows.Next() {
		var target, advisory string
		if err := rows.Scan(&target, &advisory); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
		}
		if records[target] == nil {
			records[target] = make(map[string]struct{})
		}
		records[target][advisory] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return records, nil
}

// Commit replaces the stored advisory sets for the given targets in
// one transaction. Targets absent from updates keep their previous
// records, so a failed audit never reads as "zero findings". The
// transaction makes the commit atomic under a process crash.
func (s *Store) Commit(updates map[string][]string, stamp time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history commit: %w", err)
	}
	defer tx.Rollback()

	now := stamp.UTC().Format(time.RFC3339)
	for target, advisories := range updates {
		firstSeen, err := firstSeenTimes(tx, target)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM history WHERE "Target" = ?`, target); err != nil {
			return fmt.Errorf("clear history for %s: %w", target, err)
		}
		for _, advisory := range advisories {
			first := firstSeen[advisory]
			if first == "" {
				first = now
			}
			_, err := tx.Exec(`INSERT INTO history
				("Target", "Advisory", "FirstSeen", "LastSeen")
				VALUES (?, ?, ?, ?)`,
				target, advisory, first, now)
			if err != nil {
				return fmt.Errorf("record %s for %s: %w", advisory, target, err)
			}
		}
	}
	return tx.Commit()
}

func firstSeenTimes(tx *sql.Tx, target string) (map[string]string, error) {
	rows, err := tx.Query(`SELECT "Advisory", "FirstSeen" FROM history WHERE "Target" = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", target, err)
	}
	defer rows.Close()

	first := make(map[string]string)
	for rows.Next() {
		var advisory string
		var seen sql.NullString
		if err := rows.Scan(&advisory, &seen); err != nil {
			return nil, fmt.Errorf("read history for %s: %w", target, err)
		}
		first[advisory] = seen.String
	}
	return first, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
