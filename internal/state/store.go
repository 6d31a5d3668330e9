// Package state implements the durable ledger behind the minute lake: a
// single-file sqlite database holding the per-symbol watermark and the
// per-(symbol, day, hour) partition manifest.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Status is the lifecycle state of a partition ledger entry.
type Status string

const (
	StatusStaged    Status = "STAGED"
	StatusCommitted Status = "COMMITTED"
	StatusFailed    Status = "FAILED"
)

// PartitionEntry is one row of the partitions table. Time fields are
// ISO-8601 UTC strings, matching what is persisted.
type PartitionEntry struct {
	Symbol         string `db:"symbol"`
	Day            string `db:"day"`
	Hour           int    `db:"hour"`
	Path           string `db:"path"`
	RowCount       int64  `db:"row_count"`
	MinTS          string `db:"min_ts"`
	MaxTS          string `db:"max_ts"`
	SchemaHash     string `db:"schema_hash"`
	ContentHash    string `db:"content_hash"`
	Status         Status `db:"status"`
	CommittedAtUTC string `db:"committed_at_utc"`
}

// Store is the sqlite-backed state ledger. Connections are short-lived: each
// operation opens, runs one transaction and closes, so a crashed run never
// pins a lock. At most one writer process per database file is assumed.
type Store struct {
	dbPath string
}

// NewStore creates a store for the given database file, creating parent
// directories as needed.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dbPath: dbPath}, nil
}

// DBPath returns the database file path.
func (s *Store) DBPath() string { return s.dbPath }

func (s *Store) connect() (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db %s: %w", s.dbPath, err)
	}
	return db, nil
}

// Initialize creates the ledger tables when absent.
func (s *Store) Initialize() error {
	db, err := s.connect()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS watermark (
			symbol TEXT PRIMARY KEY,
			last_complete_minute_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create watermark table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS partitions (
			symbol TEXT NOT NULL,
			day TEXT NOT NULL,
			hour INTEGER NOT NULL,
			path TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			min_ts TEXT NOT NULL,
			max_ts TEXT NOT NULL,
			schema_hash TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			committed_at_utc TEXT NOT NULL,
			PRIMARY KEY (symbol, day, hour)
		)`); err != nil {
		return fmt.Errorf("failed to create partitions table: %w", err)
	}
	return nil
}

// GetWatermark returns the last complete minute for symbol, or ok=false when
// no watermark exists yet.
func (s *Store) GetWatermark(symbol string) (time.Time, bool, error) {
	db, err := s.connect()
	if err != nil {
		return time.Time{}, false, err
	}
	defer db.Close()

	var raw string
	err = db.Get(&raw, `SELECT last_complete_minute_utc FROM watermark WHERE symbol = ?`, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read watermark for %s: %w", symbol, err)
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed watermark %q for %s: %w", raw, symbol, err)
	}
	return parsed.UTC(), true, nil
}

// UpsertWatermark durably records the last complete minute for symbol.
func (s *Store) UpsertWatermark(symbol string, minuteUTC time.Time) error {
	db, err := s.connect()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO watermark(symbol, last_complete_minute_utc, updated_at_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			last_complete_minute_utc = excluded.last_complete_minute_utc,
			updated_at_utc = excluded.updated_at_utc`,
		symbol,
		minuteUTC.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert watermark for %s: %w", symbol, err)
	}
	return nil
}

// UpsertPartition inserts or replaces the ledger entry for the entry's
// (symbol, day, hour) key in a single transaction.
func (s *Store) UpsertPartition(entry PartitionEntry) error {
	db, err := s.connect()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.NamedExec(`
		INSERT INTO partitions(
			symbol, day, hour, path, row_count, min_ts, max_ts,
			schema_hash, content_hash, status, committed_at_utc
		)
		VALUES (
			:symbol, :day, :hour, :path, :row_count, :min_ts, :max_ts,
			:schema_hash, :content_hash, :status, :committed_at_utc
		)
		ON CONFLICT(symbol, day, hour) DO UPDATE SET
			path = excluded.path,
			row_count = excluded.row_count,
			min_ts = excluded.min_ts,
			max_ts = excluded.max_ts,
			schema_hash = excluded.schema_hash,
			content_hash = excluded.content_hash,
			status = excluded.status,
			committed_at_utc = excluded.committed_at_utc`,
		entry,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert partition %s/%s/%02d: %w", entry.Symbol, entry.Day, entry.Hour, err)
	}
	return nil
}

// LatestPartition returns the most advanced ledger entry for symbol by
// (day, hour), or ok=false when the ledger has no entry for it.
func (s *Store) LatestPartition(symbol string) (PartitionEntry, bool, error) {
	db, err := s.connect()
	if err != nil {
		return PartitionEntry{}, false, err
	}
	defer db.Close()

	var entry PartitionEntry
	err = db.Get(&entry, `
		SELECT symbol, day, hour, path, row_count, min_ts, max_ts,
		       schema_hash, content_hash, status, committed_at_utc
		FROM partitions
		WHERE symbol = ?
		ORDER BY day DESC, hour DESC
		LIMIT 1`, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PartitionEntry{}, false, nil
		}
		return PartitionEntry{}, false, fmt.Errorf("failed to read latest partition for %s: %w", symbol, err)
	}
	return entry, true, nil
}

// GetPartition returns the ledger entry for an exact (symbol, day, hour) key.
func (s *Store) GetPartition(symbol, day string, hour int) (PartitionEntry, bool, error) {
	db, err := s.connect()
	if err != nil {
		return PartitionEntry{}, false, err
	}
	defer db.Close()

	var entry PartitionEntry
	err = db.Get(&entry, `
		SELECT symbol, day, hour, path, row_count, min_ts, max_ts,
		       schema_hash, content_hash, status, committed_at_utc
		FROM partitions
		WHERE symbol = ? AND day = ? AND hour = ?`, symbol, day, hour)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PartitionEntry{}, false, nil
		}
		return PartitionEntry{}, false, fmt.Errorf("failed to read partition %s/%s/%02d: %w", symbol, day, hour, err)
	}
	return entry, true, nil
}
