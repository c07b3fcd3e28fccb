package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow/csv"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dbcflow/dbcflow/pkg/errors"
	"github.com/dbcflow/dbcflow/pkg/table"
)

// ArrowSession writes datasets straight from their Arrow records, one
// goroutine per partition.
type ArrowSession struct {
	workers int
}

// OpenArrow returns an in-process Arrow session.
func OpenArrow(cfg Config) *ArrowSession {
	return &ArrowSession{workers: cfg.threads()}
}

// Name implements Session.
func (s *ArrowSession) Name() string {
	return EngineArrow
}

// CreateDataset wraps tbl; the table must outlive the dataset.
func (s *ArrowSession) CreateDataset(ctx context.Context, tbl *table.Table) (Dataset, error) {
	return &arrowDataset{
		tbl:        tbl,
		id:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		partitions: s.workers,
		workers:    s.workers,
	}, nil
}

// Close implements Session.
func (s *ArrowSession) Close() error {
	return nil
}

type arrowDataset struct {
	tbl        *table.Table
	id         string
	partitions int
	workers    int
}

func (d *arrowDataset) Count(ctx context.Context) (int64, error) {
	return d.tbl.NumRows(), nil
}

func (d *arrowDataset) Coalesce(n int) Dataset {
	c := *d
	c.partitions = n
	return &c
}

func (d *arrowDataset) WriteCSV(ctx context.Context, dir string, opts CSVOptions) error {
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

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, b := range partitionBounds(d.tbl.NumRows(), d.partitions) {
		path := filepath.Join(dir, partFileName(i, d.id))
		b := b
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return d.writePart(path, b, opts.Header, delim)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return writeSuccessMarker(dir)
}

func (d *arrowDataset) writePart(path string, b bounds, header bool, delim rune) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeEngineWrite, "create part-file").WithContext("path", path)
	}

	if d.tbl.NumCols() == 0 {
		return closePart(f, path)
	}

	rec := d.tbl.Slice(b.lo, b.hi)
	defer rec.Release()

	w := csv.NewWriter(f, d.tbl.Schema(),
		csv.WithComma(delim),
		csv.WithHeader(header),
		csv.WithNullWriter(""),
	)
	if err := w.Write(rec); err != nil {
		f.Close()
		return errors.Wrap(err, errors.CodeEngineWrite, "write part-file").WithContext("path", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, errors.CodeEngineWrite, "flush part-file").WithContext("path", path)
	}
	return closePart(f, path)
}

func closePart(f *os.File, path string) error {
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.CodeEngineWrite, "close part-file").WithContext("path", path)
	}
	return nil
}

func (d *arrowDataset) Release() error {
	return nil
}
