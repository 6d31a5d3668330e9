// Package writer commits hour partitions to the lake. Writes are atomic
// (temp file plus rename on the same filesystem), idempotent (merge with any
// existing partition, incoming rows win) and gated by the DQ validator.
package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/sawpanic/minutelake/internal/dq"
	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/metrics"
	"github.com/sawpanic/minutelake/internal/schema"
	"github.com/sawpanic/minutelake/internal/state"
	"github.com/sawpanic/minutelake/internal/timeutil"
)

// PartitionPath returns the hive-style partition path for one symbol hour.
func PartitionPath(rootDir, symbol string, hourStart time.Time) string {
	h := timeutil.FloorHour(hourStart)
	return filepath.Join(rootDir,
		"futures", "um", "minute",
		"symbol="+strings.ToUpper(symbol),
		fmt.Sprintf("year=%04d", h.Year()),
		fmt.Sprintf("month=%02d", int(h.Month())),
		fmt.Sprintf("day=%02d", h.Day()),
		fmt.Sprintf("hour=%02d", h.Hour()),
		"part.parquet",
	)
}

// ReadPartition loads a committed partition back into a frame.
func ReadPartition(path string) (*lake.Frame, error) {
	rows, err := parquet.ReadFile[lake.MinuteRow](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %s: %w", path, err)
	}
	frame := lake.NewFrame(rows)
	frame.SortByTimestamp()
	return frame, nil
}

// Writer owns lake writes and the ledger entries describing them.
type Writer struct {
	rootDir string
	store   *state.Store
	log     zerolog.Logger
}

// NewWriter builds a writer rooted at rootDir recording commits in store.
func NewWriter(rootDir string, store *state.Store, logger zerolog.Logger) *Writer {
	return &Writer{rootDir: rootDir, store: store, log: logger}
}

// WriteHourPartition merges frame with any existing partition for the hour,
// validates the result, writes it atomically and records the COMMITTED ledger
// entry. The returned entry is what was persisted.
func (w *Writer) WriteHourPartition(symbol string, hourStart time.Time, frame *lake.Frame) (state.PartitionEntry, error) {
	hour := timeutil.FloorHour(hourStart)
	path := PartitionPath(w.rootDir, symbol, hour)

	if _, err := os.Stat(path); err == nil {
		existing, err := ReadPartition(path)
		if err != nil {
			return state.PartitionEntry{}, err
		}
		frame = lake.MergeKeepLast(existing, frame)
	} else if !os.IsNotExist(err) {
		return state.PartitionEntry{}, fmt.Errorf("failed to stat partition %s: %w", path, err)
	}

	result, err := dq.Validate(frame)
	if err != nil {
		return state.PartitionEntry{}, err
	}

	tmpPath, err := w.writeTemp(frame)
	if err != nil {
		return state.PartitionEntry{}, err
	}
	defer os.Remove(tmpPath)

	contentHash, err := hashFile(tmpPath)
	if err != nil {
		return state.PartitionEntry{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return state.PartitionEntry{}, fmt.Errorf("failed to create partition directory: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return state.PartitionEntry{}, fmt.Errorf("failed to publish partition %s: %w", path, err)
	}

	entry := state.PartitionEntry{
		Symbol:         strings.ToUpper(symbol),
		Day:            hour.Format("2006-01-02"),
		Hour:           hour.Hour(),
		Path:           path,
		RowCount:       int64(result.RowCount),
		MinTS:          result.MinTimestamp.UTC().Format(time.RFC3339),
		MaxTS:          result.MaxTimestamp.UTC().Format(time.RFC3339),
		SchemaHash:     SchemaHash(),
		ContentHash:    contentHash,
		Status:         state.StatusCommitted,
		CommittedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	if err := w.store.UpsertPartition(entry); err != nil {
		return state.PartitionEntry{}, err
	}

	metrics.PartitionsCommitted.Inc()
	w.log.Info().
		Str("symbol", entry.Symbol).
		Str("day", entry.Day).
		Int("hour", entry.Hour).
		Int64("rows", entry.RowCount).
		Msg("committed hour partition")
	return entry, nil
}

// writeTemp serializes the frame under <root>/.tmp with a unique name. The
// temp directory lives on the lake filesystem so the final rename is atomic.
func (w *Writer) writeTemp(frame *lake.Frame) (string, error) {
	tmpDir := filepath.Join(w.rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	tmpPath := filepath.Join(tmpDir, uuid.NewString()+".parquet")

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temp partition: %w", err)
	}
	pw := parquet.NewGenericWriter[lake.MinuteRow](f,
		parquet.Compression(&parquet.Zstd),
		parquet.DataPageStatistics(true),
	)
	if _, err := pw.Write(frame.Rows()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp partition: %w", err)
	}
	return tmpPath, nil
}

// SchemaHash is the sha-256 of the canonical schema descriptor recorded with
// every ledger entry.
func SchemaHash() string {
	sum := sha256.Sum256([]byte(schema.HashInput()))
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
