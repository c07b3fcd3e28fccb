package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbcflow/dbcflow/pkg/errors"
)

// Progress receives per-file progress from a Batch.
type Progress interface {
	Start(total int)
	Advance(name string)
	Finish()
}

// Summary reports the outcome of a batch.
type Summary struct {
	Total     int
	Converted int
	Failed    int
	Results   []Result
	Duration  time.Duration
}

// Err aggregates the per-file failures, or returns nil when there were none.
func (s Summary) Err() error {
	var err error
	for _, r := range s.Results {
		if r.Err != nil {
			err = errors.Append(err, fmt.Errorf("%s: %w", r.File, r.Err))
		}
	}
	return err
}

// FailedFiles lists the files that did not convert, in processing order.
func (s Summary) FailedFiles() []string {
	var out []string
	for _, r := range s.Results {
		if r.Err != nil {
			out = append(out, r.File)
		}
	}
	return out
}

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// WithProgress reports progress to p.
func WithProgress(p Progress) BatchOption {
	return func(b *Batch) {
		b.progress = p
	}
}

// Batch converts every eligible file in the input directory, one at a time.
type Batch struct {
	cfg      Config
	conv     *Converter
	logger   *slog.Logger
	progress Progress
	tracer   trace.Tracer
}

// NewBatch creates a Batch that runs conv over cfg.InputDir.
func NewBatch(cfg Config, conv *Converter, logger *slog.Logger, opts ...BatchOption) *Batch {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Batch{
		cfg:    cfg,
		conv:   conv,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run converts all files. The returned error is reserved for problems that
// stop the batch as a whole (directories that cannot be created or listed);
// per-file failures are only reported in the Summary.
func (b *Batch) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	ctx, span := b.tracer.Start(ctx, "dbcflow.batch",
		trace.WithAttributes(
			attribute.String("dbcflow.input_dir", b.cfg.InputDir),
			attribute.String("dbcflow.output_dir", b.cfg.OutputDir),
		))
	defer span.End()

	for _, dir := range []string{b.cfg.InputDir, b.cfg.OutputDir} {
		created, err := ensureDir(dir)
		if err != nil {
			span.RecordError(err)
			return sum, err
		}
		if created {
			b.logger.Info("created directory", "dir", dir)
		}
	}

	files, err := Discover(b.cfg.InputDir, b.cfg.ext())
	if err != nil {
		span.RecordError(err)
		return sum, err
	}
	sum.Total = len(files)
	span.SetAttributes(attribute.Int("dbcflow.files", len(files)))

	if len(files) == 0 {
		b.logger.Warn("no input files found", "dir", b.cfg.InputDir, "extension", b.cfg.ext())
		sum.Duration = time.Since(start)
		return sum, nil
	}

	b.logger.Info("starting batch", "files", len(files), "input", b.cfg.InputDir, "output", b.cfg.OutputDir)
	if b.progress != nil {
		b.progress.Start(len(files))
	}

	for i, name := range files {
		b.logger.Info(fmt.Sprintf("processing file %d/%d", i+1, len(files)), "file", name)

		res := b.conv.Convert(ctx, name)
		sum.Results = append(sum.Results, res)
		if res.OK() {
			sum.Converted++
		} else {
			sum.Failed++
		}

		if b.progress != nil {
			b.progress.Advance(name)
		}
	}

	if b.progress != nil {
		b.progress.Finish()
	}

	sum.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("dbcflow.converted", sum.Converted),
		attribute.Int("dbcflow.failed", sum.Failed),
	)

	attrs := []any{"total", sum.Total, "converted", sum.Converted, "failed", sum.Failed, "duration", sum.Duration}
	if sum.Failed > 0 {
		attrs = append(attrs, "failed_files", strings.Join(sum.FailedFiles(), ","))
		b.logger.Warn("batch complete with failures", attrs...)
	} else {
		b.logger.Info("batch complete", attrs...)
	}
	return sum, nil
}

// Discover lists dir non-recursively and returns the names of non-directory
// entries ending in ext. Names come back in directory order, which is not
// sorted on most filesystems.
func Discover(dir, ext string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound(dir)
		}
		return nil, errors.Wrap(err, errors.CodeFilePermission, "open input directory").WithContext("dir", dir)
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFilePermission, "list input directory").WithContext("dir", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// ensureDir creates dir if needed and reports whether it had to.
func ensureDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return false, errors.New(errors.CodeWriteFailed, "path exists and is not a directory").WithContext("dir", dir)
		}
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, errors.Wrap(err, errors.CodeFilePermission, "stat directory").WithContext("dir", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, errors.Wrap(err, errors.CodeWriteFailed, "create directory").WithContext("dir", dir)
	}
	return true, nil
}
