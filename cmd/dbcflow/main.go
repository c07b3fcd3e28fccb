// dbcflow converts a directory of DATASUS .dbc files into CSV files, one
// output per input.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbcflow/dbcflow/pkg/config"
	"github.com/dbcflow/dbcflow/pkg/dbc"
	"github.com/dbcflow/dbcflow/pkg/engine"
	"github.com/dbcflow/dbcflow/pkg/lifecycle"
	"github.com/dbcflow/dbcflow/pkg/logging"
	"github.com/dbcflow/dbcflow/pkg/pipeline"
	"github.com/dbcflow/dbcflow/pkg/telemetry"
	"github.com/dbcflow/dbcflow/pkg/tui"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type options struct {
	configFile string
	verbose    bool
	progress   bool
	strict     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "dbcflow",
		Short: "Convert DATASUS .dbc files to CSV",
		Long: `dbcflow converts every .dbc file in the input directory into a UTF-8 CSV
file with a header row, written to the output directory under the same base
name. A file that fails to convert is logged and skipped.

Configuration is read from /etc/dbcflow/config.yaml, ~/.dbcflow/config.yaml,
./.dbcflow.yaml, the --config file and DBCFLOW_* environment variables, in
that order.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configFile, "config", "", "config file loaded after the default locations")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "show a progress bar on stderr")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit non-zero when any file fails")

	return cmd
}

func run(cmd *cobra.Command, opts *options) (err error) {
	ctx := cmd.Context()

	var mopts []config.Option
	if opts.configFile != "" {
		mopts = append(mopts, config.WithFile(opts.configFile))
	}
	mgr := config.NewManager(mopts...)
	if err := mgr.Load(); err != nil {
		return err
	}
	cfg := mgr.Get()
	if cmd.Flags().Changed("progress") {
		cfg.Batch.Progress = opts.progress
	}
	if opts.strict {
		cfg.Batch.FailOnError = true
	}

	stack := lifecycle.NewStack()
	defer func() {
		if cerr := stack.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	logger, logCloser, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		Verbose: opts.verbose,
	}, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := stack.Push("log file", logCloser); err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "files", mgr.GetPaths(), "version", version, "commit", commit)

	tcfg := telemetry.DefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.Endpoint = cfg.Telemetry.Endpoint
	tcfg.Insecure = cfg.Telemetry.Insecure
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.SamplingRatio = cfg.Telemetry.SamplingRatio
	tp, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	if err := stack.Push("telemetry", tp); err != nil {
		return err
	}
	if tp.Enabled() {
		logger.Info("tracing enabled", "endpoint", tcfg.Endpoint)
	}

	decoder, err := dbc.NewDecoder(dbc.Options{
		Charset:        cfg.Decoder.Charset,
		IncludeDeleted: cfg.Decoder.IncludeDeleted,
	})
	if err != nil {
		return err
	}

	session, err := engine.Open(engine.Config{
		Name:        cfg.Engine.Default,
		Threads:     cfg.Engine.Threads,
		MemoryLimit: cfg.Engine.MemoryLimit,
	})
	if err != nil {
		return err
	}
	if err := stack.Push("engine", lifecycle.CloserFunc(func() error {
		cerr := session.Close()
		logger.Info("engine session released", "engine", session.Name())
		return cerr
	})); err != nil {
		return err
	}
	logger.Debug("engine session opened", "engine", session.Name())

	pcfg := pipeline.Config{
		InputDir:  cfg.Input.Dir,
		OutputDir: cfg.Output.Dir,
		Extension: cfg.Input.Extension,
	}
	var bopts []pipeline.BatchOption
	if cfg.Batch.Progress {
		bopts = append(bopts, pipeline.WithProgress(tui.NewProgress(cmd.ErrOrStderr())))
	}

	conv := pipeline.NewConverter(pcfg, decoder, session, logger)
	sum, err := pipeline.NewBatch(pcfg, conv, logger, bopts...).Run(ctx)
	if err != nil {
		logger.Error("batch aborted", "error", err)
		return err
	}

	// The session goes before the completion line, with or without files.
	if err := stack.Release("engine"); err != nil {
		logger.Warn("engine release failed", "error", err)
	}
	logger.Info("processing completed", "converted", sum.Converted, "failed", sum.Failed, "duration", sum.Duration)

	if cfg.Batch.FailOnError && sum.Failed > 0 {
		return fmt.Errorf("%d of %d files failed: %w", sum.Failed, sum.Total, sum.Err())
	}
	return nil
}
