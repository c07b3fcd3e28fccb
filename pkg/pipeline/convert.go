// Package pipeline drives the batch conversion of DBC files to CSV.
//
// A Batch discovers input files and hands each one to a Converter, which runs
// decode → materialize → write → consolidate for that file. Conversions never
// return errors to the batch; every failure ends up in a Result.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbcflow/dbcflow/internal/model"
	"github.com/dbcflow/dbcflow/pkg/dbc"
	"github.com/dbcflow/dbcflow/pkg/engine"
	"github.com/dbcflow/dbcflow/pkg/errors"
	"github.com/dbcflow/dbcflow/pkg/output"
	"github.com/dbcflow/dbcflow/pkg/table"
)

const tracerName = "github.com/dbcflow/dbcflow/pkg/pipeline"

// Decoder opens an input file as a record sequence.
type Decoder interface {
	Open(path string) (dbc.RecordReader, error)
}

// Config holds pipeline configuration.
type Config struct {
	InputDir  string
	OutputDir string

	// Extension selects input files (case-sensitive).
	Extension string
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		InputDir:  "input",
		OutputDir: "output",
		Extension: dbc.Extension,
	}
}

func (c Config) ext() string {
	if c.Extension == "" {
		return dbc.Extension
	}
	return c.Extension
}

// Result is the outcome of converting one file.
type Result struct {
	File     string
	Output   string
	Rows     int64
	Columns  int
	Duration time.Duration
	Err      error
}

// OK reports whether the conversion produced an output file.
func (r Result) OK() bool {
	return r.Err == nil
}

// Converter converts single files using a shared engine session.
type Converter struct {
	cfg     Config
	decoder Decoder
	session engine.Session
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewConverter creates a Converter. The session is borrowed, not owned.
func NewConverter(cfg Config, decoder Decoder, session engine.Session, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		cfg:     cfg,
		decoder: decoder,
		session: session,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// Convert turns <input>/<name> into <output>/<base>.csv.
// Errors and panics are logged and reported through the Result.
func (c *Converter) Convert(ctx context.Context, name string) (res Result) {
	start := time.Now()
	res.File = name
	log := c.logger.With("file", name)

	ctx, span := c.tracer.Start(ctx, "dbcflow.convert",
		trace.WithAttributes(attribute.String("dbcflow.file", name)))

	var scratch string
	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.Panic(r).WithContext("file", name)
		}
		if err := output.Cleanup(scratch); err != nil {
			log.Warn("scratch cleanup failed", "dir", scratch, "error", err)
		}
		res.Duration = time.Since(start)

		if res.Err != nil {
			res.Output = ""
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			log.Error("conversion failed", "code", string(errors.GetCode(res.Err)), "error", res.Err)
			log.Debug("failure stack", "stack", errors.FormatStack(res.Err))
		} else {
			span.SetAttributes(
				attribute.Int64("dbcflow.rows", res.Rows),
				attribute.Int("dbcflow.columns", res.Columns),
			)
			log.Info("conversion complete", "output", res.Output, "rows", res.Rows, "duration", res.Duration)
		}
		span.End()
	}()

	path := filepath.Join(c.cfg.InputDir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			res.Err = errors.FileNotFound(path)
		} else {
			res.Err = errors.Wrap(err, errors.CodeFilePermission, "stat input").WithContext("path", path)
		}
		return res
	}

	records, err := c.decode(path, log)
	if err != nil {
		res.Err = err
		return res
	}
	log.Debug("decoded", "records", len(records))

	tbl, err := table.Materialize(records)
	if err != nil {
		res.Err = errors.Wrap(err, errors.CodeMaterializeFailed, "materialize table").WithContext("path", path)
		return res
	}
	defer tbl.Release()

	ds, err := c.session.CreateDataset(ctx, tbl)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := ds.Release(); err != nil {
			log.Warn("release dataset", "error", err)
		}
	}()

	rows, err := ds.Count(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	res.Rows = rows
	res.Columns = tbl.NumCols()
	log.Info("table materialized", "rows", rows, "columns", res.Columns, "engine", c.session.Name())

	target := output.TargetPath(c.cfg.OutputDir, name, c.cfg.ext())
	scratch = output.ScratchPath(target)
	if err := output.PrepareScratch(scratch); err != nil {
		res.Err = err
		return res
	}

	if err := ds.Coalesce(1).WriteCSV(ctx, scratch, engine.DefaultCSVOptions()); err != nil {
		res.Err = err
		return res
	}

	mv, err := output.Consolidate(scratch, target)
	if err != nil {
		res.Err = err
		return res
	}
	if mv.Candidates > 1 {
		log.Warn("several part-files written, keeping the first", "kept", mv.Part, "found", mv.Candidates)
	}

	res.Output = mv.Target
	return res
}

// decode drains the reader for path into memory.
func (c *Converter) decode(path string, log *slog.Logger) (records []model.Record, err error) {
	rr, err := c.decoder.Open(path)
	if err != nil {
		return nil, asDecodeError(err, path)
	}
	if hr, ok := rr.(dbc.HeaderReader); ok {
		hdr := hr.Header()
		log.Debug("header read", "declared_records", hdr.NumRecords, "fields", len(hdr.Fields), "modified", hdr.Modified.Format(time.DateOnly))
	}
	defer func() {
		if cerr := rr.Close(); cerr != nil && err == nil {
			err = asDecodeError(cerr, path)
		}
	}()

	for {
		rec, err := rr.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, asDecodeError(err, path)
		}
		records = append(records, rec)
	}
}

func asDecodeError(err error, path string) error {
	if errors.GetCode(err) != errors.CodeUnknown {
		return err
	}
	return errors.Wrap(err, errors.CodeDecodeFailed, "decode input").WithContext("path", path)
}
