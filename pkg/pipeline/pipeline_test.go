package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcflow/dbcflow/internal/model"
	"github.com/dbcflow/dbcflow/pkg/dbc"
	"github.com/dbcflow/dbcflow/pkg/engine"
	"github.com/dbcflow/dbcflow/pkg/errors"
	"github.com/dbcflow/dbcflow/pkg/table"
)

// textDecoder reads fixture files with one record per line written as
// name=value pairs separated by ';'. A file starting with "!" is malformed.
type textDecoder struct{}

func (textDecoder) Open(path string) (dbc.RecordReader, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(b, []byte("!")) {
		return nil, errors.InvalidFormat(path, "unreadable header")
	}
	return &textReader{sc: bufio.NewScanner(bytes.NewReader(b))}, nil
}

type textReader struct {
	sc *bufio.Scanner
}

func (r *textReader) Next() (model.Record, error) {
	for r.sc.Scan() {
		line := strings.TrimSpace(r.sc.Text())
		if line == "" {
			continue
		}
		if line == "PANIC" {
			panic("decoder exploded")
		}
		var rec model.Record
		for _, kv := range strings.Split(line, ";") {
			k, v, _ := strings.Cut(kv, "=")
			rec.Fields = append(rec.Fields, model.Field{Name: k, Value: v})
		}
		return rec, nil
	}
	return model.Record{}, io.EOF
}

func (r *textReader) Close() error { return nil }

type recordingProgress struct {
	total    int
	advanced []string
	finished bool
}

func (p *recordingProgress) Start(total int)     { p.total = total }
func (p *recordingProgress) Advance(name string) { p.advanced = append(p.advanced, name) }
func (p *recordingProgress) Finish()             { p.finished = true }

type harness struct {
	cfg    Config
	logs   *bytes.Buffer
	logger *slog.Logger
	conv   *Converter
}

func newHarness(t *testing.T, engineName string) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		InputDir:  filepath.Join(root, "input"),
		OutputDir: filepath.Join(root, "output"),
		Extension: dbc.Extension,
	}

	session, err := engine.Open(engine.Config{Name: engineName, Threads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return &harness{
		cfg:    cfg,
		logs:   logs,
		logger: logger,
		conv:   NewConverter(cfg, textDecoder{}, session, logger),
	}
}

func (h *harness) input(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.cfg.InputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.cfg.InputDir, name), []byte(content), 0o644))
}

func (h *harness) outputs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.OutputDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func (h *harness) errorLines() []string {
	var out []string
	for _, line := range strings.Split(h.logs.String(), "\n") {
		if strings.Contains(line, "level=ERROR") {
			out = append(out, line)
		}
	}
	return out
}

const threeRecords = "id=1;value=x\nid=2;value=y\nid=3;value=z\n"

func TestBatch_ValidAndMalformed(t *testing.T) {
	for _, name := range []string{engine.EngineDuckDB, engine.EngineArrow} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, name)
			h.input(t, "a.dbc", threeRecords)
			h.input(t, "b.dbc", "!garbage")
			h.input(t, "notes.txt", "ignored")

			sum, err := NewBatch(h.cfg, h.conv, h.logger).Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 2, sum.Total)
			assert.Equal(t, 1, sum.Converted)
			assert.Equal(t, 1, sum.Failed)
			assert.Equal(t, []string{"b.dbc"}, sum.FailedFiles())
			require.Error(t, sum.Err())
			assert.Contains(t, sum.Err().Error(), "b.dbc")

			assert.Equal(t, []string{"a.csv"}, h.outputs(t))

			b, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, "a.csv"))
			require.NoError(t, err)
			assert.Equal(t, "id,value\n1,x\n2,y\n3,z\n", string(b))

			errs := h.errorLines()
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], "b.dbc")
		})
	}
}

func TestBatch_ProgressLinesAreOneBased(t *testing.T) {
	h := newHarness(t, engine.EngineArrow)
	h.input(t, "a.dbc", threeRecords)
	h.input(t, "c.dbc", "id=9\n")

	progress := &recordingProgress{}
	_, err := NewBatch(h.cfg, h.conv, h.logger, WithProgress(progress)).Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, h.logs.String(), "processing file 1/2")
	assert.Contains(t, h.logs.String(), "processing file 2/2")
	assert.NotContains(t, h.logs.String(), "processing file 0/2")

	assert.Equal(t, 2, progress.total)
	assert.ElementsMatch(t, []string{"a.dbc", "c.dbc"}, progress.advanced)
	assert.True(t, progress.finished)
}

func TestBatch_Idempotent(t *testing.T) {
	h := newHarness(t, engine.EngineDuckDB)
	h.input(t, "a.dbc", threeRecords)
	batch := NewBatch(h.cfg, h.conv, h.logger)

	_, err := batch.Run(context.Background())
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, "a.csv"))
	require.NoError(t, err)

	_, err = batch.Run(context.Background())
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, "a.csv"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a.csv"}, h.outputs(t))
}

func TestBatch_EmptyInputDirectory(t *testing.T) {
	h := newHarness(t, engine.EngineArrow)

	sum, err := NewBatch(h.cfg, h.conv, h.logger).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sum.Total)
	assert.NoError(t, sum.Err())
	assert.DirExists(t, h.cfg.InputDir)
	assert.DirExists(t, h.cfg.OutputDir)
	assert.Empty(t, h.outputs(t))
	assert.Contains(t, h.logs.String(), "level=WARN")
	assert.Contains(t, h.logs.String(), "no input files found")
}

func TestBatch_ExtensionIsCaseSensitive(t *testing.T) {
	h := newHarness(t, engine.EngineArrow)
	h.input(t, "UPPER.DBC", threeRecords)
	h.input(t, "lower.dbc", threeRecords)

	sum, err := NewBatch(h.cfg, h.conv, h.logger).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, []string{"lower.csv"}, h.outputs(t))
}

func TestConvert_MissingFile(t *testing.T) {
	h := newHarness(t, engine.EngineArrow)
	require.NoError(t, os.MkdirAll(h.cfg.OutputDir, 0o755))

	res := h.conv.Convert(context.Background(), "ghost.dbc")
	require.Error(t, res.Err)
	assert.True(t, errors.IsCode(res.Err, errors.CodeFileNotFound))
	assert.False(t, res.OK())
	assert.Empty(t, h.outputs(t))
	assert.Contains(t, h.logs.String(), "ghost.dbc")
}

func TestConvert_RemovesStaleScratch(t *testing.T) {
	h := newHarness(t, engine.EngineDuckDB)
	h.input(t, "a.dbc", threeRecords)

	stale := filepath.Join(h.cfg.OutputDir, "a.csv_tmp")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "part-99999-old.csv"), []byte("old\n"), 0o644))

	res := h.conv.Convert(context.Background(), "a.dbc")
	require.NoError(t, res.Err)
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, 2, res.Columns)
	assert.Equal(t, filepath.Join(h.cfg.OutputDir, "a.csv"), res.Output)

	assert.NoDirExists(t, stale)
	b, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "id,value\n1,x\n2,y\n3,z\n", string(b))
}

func TestConvert_HeterogeneousRecords(t *testing.T) {
	h := newHarness(t, engine.EngineDuckDB)
	h.input(t, "mixed.dbc", "id=1;value=x\nvalue=y;extra=q\nid=3\n")
	require.NoError(t, os.MkdirAll(h.cfg.OutputDir, 0o755))

	res := h.conv.Convert(context.Background(), "mixed.dbc")
	require.NoError(t, res.Err)

	b, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "id,value,extra\n1,x,\n,y,q\n3,,\n", string(b))
}

func TestConvert_EmptyInputProducesEmptyOutput(t *testing.T) {
	for _, name := range []string{engine.EngineDuckDB, engine.EngineArrow} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, name)
			h.input(t, "empty.dbc", "")
			require.NoError(t, os.MkdirAll(h.cfg.OutputDir, 0o755))

			res := h.conv.Convert(context.Background(), "empty.dbc")
			require.NoError(t, res.Err)
			assert.Zero(t, res.Rows)

			info, err := os.Stat(filepath.Join(h.cfg.OutputDir, "empty.csv"))
			require.NoError(t, err)
			assert.Zero(t, info.Size())
			assert.NoDirExists(t, filepath.Join(h.cfg.OutputDir, "empty.csv_tmp"))
		})
	}
}

func TestConvert_RecoversPanics(t *testing.T) {
	h := newHarness(t, engine.EngineArrow)
	h.input(t, "boom.dbc", "id=1\nPANIC\n")
	require.NoError(t, os.MkdirAll(h.cfg.OutputDir, 0o755))

	res := h.conv.Convert(context.Background(), "boom.dbc")
	require.Error(t, res.Err)
	assert.True(t, errors.IsCode(res.Err, errors.CodePanic))
	assert.Empty(t, h.outputs(t))
}

func TestConvert_DecodeErrorKeepsPreviousOutput(t *testing.T) {
	h := newHarness(t, engine.EngineArrow)
	h.input(t, "a.dbc", "!broken")
	require.NoError(t, os.MkdirAll(h.cfg.OutputDir, 0o755))
	prev := filepath.Join(h.cfg.OutputDir, "a.csv")
	require.NoError(t, os.WriteFile(prev, []byte("id\n1\n"), 0o644))

	res := h.conv.Convert(context.Background(), "a.dbc")
	require.Error(t, res.Err)
	assert.True(t, errors.IsCode(res.Err, errors.CodeInvalidFormat))

	b, err := os.ReadFile(prev)
	require.NoError(t, err)
	assert.Equal(t, "id\n1\n", string(b))
	assert.Equal(t, []string{"a.csv"}, h.outputs(t))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.dbc", "a.dbc", "c.DBC", "d.dbf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.dbc"), 0o755))

	names, err := Discover(dir, ".dbc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.dbc", "b.dbc"}, names)

	_, err = Discover(filepath.Join(dir, "missing"), ".dbc")
	assert.True(t, errors.IsCode(err, errors.CodeFileNotFound))
}

func TestBatch_FieldNamesDifferingOnlyByCase(t *testing.T) {
	for _, name := range []string{engine.EngineDuckDB, engine.EngineArrow} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, name)
			h.input(t, "a.dbc", "id=1\nID=2\n")
			h.input(t, "b.dbc", "__dbcflow_ordinal=1;ord=2\n")

			sum, err := NewBatch(h.cfg, h.conv, h.logger).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, sum.Converted)

			a, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, "a.csv"))
			require.NoError(t, err)
			assert.Equal(t, "id,ID\n1,\n,2\n", string(a))

			b, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, "b.csv"))
			require.NoError(t, err)
			assert.Equal(t, "__dbcflow_ordinal,ord\n1,2\n", string(b))
		})
	}
}

// failingSession hands out datasets whose WriteCSV runs write instead of
// producing CSV output.
type failingSession struct {
	write func(dir string) error
}

func (s failingSession) Name() string { return "failing" }

func (s failingSession) CreateDataset(ctx context.Context, tbl *table.Table) (engine.Dataset, error) {
	return failingDataset{rows: tbl.NumRows(), write: s.write}, nil
}

func (s failingSession) Close() error { return nil }

type failingDataset struct {
	rows  int64
	write func(dir string) error
}

func (d failingDataset) Count(ctx context.Context) (int64, error) { return d.rows, nil }
func (d failingDataset) Coalesce(n int) engine.Dataset            { return d }
func (d failingDataset) Release() error                           { return nil }

func (d failingDataset) WriteCSV(ctx context.Context, dir string, opts engine.CSVOptions) error {
	return d.write(dir)
}

func newFailingConverter(t *testing.T, write func(dir string) error) (*harness, *Converter) {
	t.Helper()
	h := newHarness(t, engine.EngineArrow)
	h.input(t, "x.dbc", threeRecords)
	require.NoError(t, os.MkdirAll(h.cfg.OutputDir, 0o755))
	return h, NewConverter(h.cfg, textDecoder{}, failingSession{write: write}, h.logger)
}

func TestConvert_WriteFailureRemovesScratch(t *testing.T) {
	h, conv := newFailingConverter(t, func(dir string) error {
		if err := os.WriteFile(filepath.Join(dir, "part-00000-x.csv"), []byte("id\n1\n"), 0o644); err != nil {
			return err
		}
		return errors.New(errors.CodeEngineWrite, "disk went away")
	})

	res := conv.Convert(context.Background(), "x.dbc")
	require.Error(t, res.Err)
	assert.True(t, errors.IsCode(res.Err, errors.CodeEngineWrite))
	assert.NoDirExists(t, filepath.Join(h.cfg.OutputDir, "x.csv_tmp"))
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, "x.csv"))
	assert.Empty(t, h.outputs(t))
}

func TestConvert_NoPartFileRemovesScratch(t *testing.T) {
	h, conv := newFailingConverter(t, func(dir string) error {
		return os.WriteFile(filepath.Join(dir, engine.SuccessMarker), nil, 0o644)
	})

	res := conv.Convert(context.Background(), "x.dbc")
	require.Error(t, res.Err)
	assert.True(t, errors.IsCode(res.Err, errors.CodeNoPartFile))
	assert.NoDirExists(t, filepath.Join(h.cfg.OutputDir, "x.csv_tmp"))
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, "x.csv"))
	assert.Empty(t, h.outputs(t))
}

func TestConvert_ConsolidateFailureRemovesScratch(t *testing.T) {
	h := newHarness(t, engine.EngineArrow)
	h.input(t, "x.dbc", threeRecords)

	// A non-empty directory at the target path makes the final rename fail.
	blocker := filepath.Join(h.cfg.OutputDir, "x.csv")
	require.NoError(t, os.MkdirAll(blocker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "keep"), nil, 0o644))

	res := h.conv.Convert(context.Background(), "x.dbc")
	require.Error(t, res.Err)
	assert.True(t, errors.IsCode(res.Err, errors.CodeConsolidateFailed))
	assert.NoDirExists(t, filepath.Join(h.cfg.OutputDir, "x.csv_tmp"))
	assert.Equal(t, []string{"x.csv"}, h.outputs(t))
	assert.DirExists(t, blocker)
}
