// Package engine provides the tabular write engines used to turn a
// materialized table into CSV part-files.
//
// A Session is created once per batch and shared by every conversion. Each
// table handed to a session becomes a Dataset that can be counted, coalesced
// to a number of partitions and written to a directory as one part-file per
// partition.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dbcflow/dbcflow/pkg/errors"
	"github.com/dbcflow/dbcflow/pkg/table"
)

// Engine names.
const (
	EngineDuckDB = "duckdb"
	EngineArrow  = "arrow"
)

// SuccessMarker is written next to the part-files once a write completes.
const SuccessMarker = "_SUCCESS"

// Session is a process-wide write engine handle.
type Session interface {
	// Name identifies the engine implementation.
	Name() string

	// CreateDataset registers a table with the engine.
	CreateDataset(ctx context.Context, tbl *table.Table) (Dataset, error)

	// Close releases the session.
	Close() error
}

// Dataset is a table registered with a Session.
type Dataset interface {
	// Count returns the number of rows.
	Count(ctx context.Context) (int64, error)

	// Coalesce returns a view of the dataset that writes n partitions.
	Coalesce(n int) Dataset

	// WriteCSV writes one part-file per partition into dir.
	WriteCSV(ctx context.Context, dir string, opts CSVOptions) error

	// Release frees engine resources held for the dataset.
	Release() error
}

// CSVOptions controls delimited text output.
type CSVOptions struct {
	Header    bool
	Encoding  string
	Overwrite bool
	Delimiter rune
}

// DefaultCSVOptions returns header-bearing, comma separated UTF-8 output that
// replaces whatever is in the target directory.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Header:    true,
		Encoding:  "utf-8",
		Overwrite: true,
		Delimiter: ',',
	}
}

// Config holds engine configuration.
type Config struct {
	// Name selects the implementation: duckdb or arrow.
	Name string

	// Threads bounds engine parallelism (0 = number of CPUs).
	Threads int

	// MemoryLimit is passed to DuckDB, e.g. "4GB". Empty leaves the default.
	MemoryLimit string
}

// DefaultConfig returns a Config for the DuckDB engine.
func DefaultConfig() Config {
	return Config{Name: EngineDuckDB}
}

func (c Config) threads() int {
	if c.Threads > 0 {
		return c.Threads
	}
	return runtime.NumCPU()
}

// Open creates the session named by cfg.Name.
func Open(cfg Config) (Session, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", EngineDuckDB:
		return OpenDuckDB(cfg)
	case EngineArrow:
		return OpenArrow(cfg), nil
	default:
		return nil, errors.New(errors.CodeEngineInit, "unknown engine").WithContext("engine", cfg.Name)
	}
}

func checkEncoding(enc string) error {
	switch strings.ToLower(strings.ReplaceAll(enc, "_", "-")) {
	case "", "utf-8", "utf8":
		return nil
	default:
		return errors.New(errors.CodeUnsupportedEncoding, "only utf-8 output is supported").WithContext("encoding", enc)
	}
}

// prepareDir makes dir ready for part-files. With overwrite, existing content
// is removed first.
func prepareDir(dir string, overwrite bool) error {
	if overwrite {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrap(err, errors.CodeWriteFailed, "clear output directory").WithContext("dir", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "create output directory").WithContext("dir", dir)
	}
	return nil
}

func writeSuccessMarker(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, SuccessMarker), nil, 0o644); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "write success marker").WithContext("dir", dir)
	}
	return nil
}

// partFileName follows the part-NNNNN-<id>.csv convention.
func partFileName(i int, id string) string {
	return fmt.Sprintf("part-%05d-%s.csv", i, id)
}

type bounds struct {
	lo, hi int64
}

// partitionBounds splits rows into at most n contiguous ranges. There is
// always at least one range so an empty table still yields a part-file.
func partitionBounds(rows int64, n int) []bounds {
	if n < 1 {
		n = 1
	}
	if int64(n) > rows {
		n = int(rows)
	}
	if n < 1 {
		return []bounds{{0, 0}}
	}

	out := make([]bounds, 0, n)
	size := rows / int64(n)
	rem := rows % int64(n)
	var lo int64
	for i := 0; i < n; i++ {
		hi := lo + size
		if int64(i) < rem {
			hi++
		}
		out = append(out, bounds{lo, hi})
		lo = hi
	}
	return out
}
