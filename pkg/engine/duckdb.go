package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/csv"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/dbcflow/dbcflow/pkg/errors"
	"github.com/dbcflow/dbcflow/pkg/table"
)

// ordinalColumn preserves row order inside DuckDB tables. Data columns are
// stored positionally as c0..cN, so record field names never reach the
// catalog and cannot collide with each other or with this column.
const ordinalColumn = "ord"

func columnIdent(i int) string {
	return quoteIdent(fmt.Sprintf("c%d", i))
}

// DuckDBSession runs every dataset of a batch inside one in-memory DuckDB.
type DuckDBSession struct {
	cfg Config
	db  *sql.DB

	mu     sync.Mutex
	closed bool
}

// OpenDuckDB opens an in-memory DuckDB database and applies cfg.
func OpenDuckDB(cfg Config) (*DuckDBSession, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEngineInit, "open duckdb")
	}

	settings := []string{fmt.Sprintf("SET threads = %d", cfg.threads())}
	if cfg.MemoryLimit != "" {
		settings = append(settings, fmt.Sprintf("SET memory_limit = '%s'", escapeLiteral(cfg.MemoryLimit)))
	}
	for _, s := range settings {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.CodeEngineInit, "configure duckdb").WithContext("statement", s)
		}
	}

	return &DuckDBSession{cfg: cfg, db: db}, nil
}

// Name implements Session.
func (s *DuckDBSession) Name() string {
	return EngineDuckDB
}

// CreateDataset loads tbl into a uniquely named DuckDB table.
func (s *DuckDBSession) CreateDataset(ctx context.Context, tbl *table.Table) (Dataset, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New(errors.CodeEngineQuery, "session closed")
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	ds := &duckDataset{
		session:    s,
		id:         id,
		name:       "ds_" + id,
		columns:    tbl.Columns(),
		schema:     tbl.Schema(),
		rows:       tbl.NumRows(),
		partitions: s.cfg.threads(),
	}
	if len(ds.columns) == 0 {
		ds.name = ""
		return ds, nil
	}

	defs := make([]string, 0, len(ds.columns)+1)
	defs = append(defs, quoteIdent(ordinalColumn)+" BIGINT")
	for i := range ds.columns {
		defs = append(defs, columnIdent(i)+" VARCHAR")
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(ds.name), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return nil, errors.Wrap(err, errors.CodeEngineQuery, "create dataset table")
	}

	if err := s.insert(ctx, ds, tbl); err != nil {
		_, _ = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(ds.name))
		return nil, err
	}
	return ds, nil
}

// insert loads all rows in a single transaction.
func (s *DuckDBSession) insert(ctx context.Context, ds *duckDataset, tbl *table.Table) error {
	if ds.rows == 0 {
		return nil
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ds.columns)+1), ", ")
	query := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(ds.name), marks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeEngineQuery, "begin transaction")
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.CodeEngineQuery, "prepare insert")
	}
	defer stmt.Close()

	args := make([]any, len(ds.columns)+1)
	for r := 0; r < int(ds.rows); r++ {
		args[0] = int64(r)
		copy(args[1:], tbl.Row(r))
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.CodeEngineQuery, "insert row").WithContext("row", r)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeEngineQuery, "commit")
	}
	return nil
}

// Close closes the database.
func (s *DuckDBSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type duckDataset struct {
	session    *DuckDBSession
	id         string
	name       string
	columns    []string
	schema     *arrow.Schema
	rows       int64
	partitions int
}

func (d *duckDataset) Count(ctx context.Context) (int64, error) {
	if d.name == "" {
		return d.rows, nil
	}
	var n int64
	q := "SELECT count(*) FROM " + quoteIdent(d.name)
	if err := d.session.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.CodeEngineQuery, "count rows")
	}
	return n, nil
}

func (d *duckDataset) Coalesce(n int) Dataset {
	c := *d
	c.partitions = n
	return &c
}

func (d *duckDataset) WriteCSV(ctx context.Context, dir string, opts CSVOptions) error {
	if err := checkEncoding(opts.Encoding); err != nil {
		return err
	}
	if err := prepareDir(dir, opts.Overwrite); err != nil {
		return err
	}

	delim := opts.Delimiter
	if delim == 0 {
		delim = ','
	}

	// Empty strings become nulls so both engines render them as empty cells.
	cols := make([]string, len(d.columns))
	for i := range d.columns {
		cols[i] = fmt.Sprintf("NULLIF(%s, '')", columnIdent(i))
	}

	for i, b := range partitionBounds(d.rows, d.partitions) {
		path := filepath.Join(dir, partFileName(i, d.id))
		if d.name == "" {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return errors.Wrap(err, errors.CodeEngineWrite, "write empty part-file").WithContext("path", path)
			}
			continue
		}

		body := path + ".body"
		q := fmt.Sprintf(
			"COPY (SELECT %s FROM %s WHERE %s >= %d AND %s < %d ORDER BY %s) TO '%s' (FORMAT CSV, HEADER false, DELIMITER '%s')",
			strings.Join(cols, ", "), quoteIdent(d.name),
			quoteIdent(ordinalColumn), b.lo, quoteIdent(ordinalColumn), b.hi,
			quoteIdent(ordinalColumn),
			escapeLiteral(body), escapeLiteral(string(delim)),
		)
		if _, err := d.session.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, errors.CodeEngineWrite, "copy to csv").WithContext("path", path)
		}
		if err := d.assemble(path, body, opts.Header, delim); err != nil {
			return err
		}
	}

	return writeSuccessMarker(dir)
}

// assemble writes the header for the real column names followed by the rows
// DuckDB copied into body, then removes body.
func (d *duckDataset) assemble(path, body string, header bool, delim rune) error {
	defer os.Remove(body)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeEngineWrite, "create part-file").WithContext("path", path)
	}
	if header {
		if err := writeHeader(f, d.schema, delim); err != nil {
			f.Close()
			return errors.Wrap(err, errors.CodeEngineWrite, "write header").WithContext("path", path)
		}
	}

	src, err := os.Open(body)
	if err != nil {
		f.Close()
		return errors.Wrap(err, errors.CodeEngineWrite, "open copied rows").WithContext("path", body)
	}
	defer src.Close()
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return errors.Wrap(err, errors.CodeEngineWrite, "append rows").WithContext("path", path)
	}
	return closePart(f, path)
}

func (d *duckDataset) Release() error {
	if d.name == "" {
		return nil
	}
	if _, err := d.session.db.Exec("DROP TABLE IF EXISTS " + quoteIdent(d.name)); err != nil {
		return errors.Wrap(err, errors.CodeEngineQuery, "drop dataset table")
	}
	return nil
}

// writeHeader renders the header line through the Arrow CSV writer so it is
// quoted exactly like the Arrow engine's.
func writeHeader(w io.Writer, schema *arrow.Schema, delim rune) error {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	rec := b.NewRecord()
	defer rec.Release()

	cw := csv.NewWriter(w, schema, csv.WithComma(delim), csv.WithHeader(true))
	if err := cw.Write(rec); err != nil {
		return err
	}
	return cw.Flush()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
