package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/sandbox"
	"github.com/cryguy/sandbox/internal/metrics"
)

type rootFlags struct {
	configPath  string
	lang        string
	warmup      bool
	libDir      string
	readyAck    bool
	metricsAddr string
	logLevel    string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "sandbox-worker",
		Short: "Run sandboxed script tasks read from stdin",
		Long: `Run sandboxed script tasks read from stdin.

The first line must be an init record unless --warmup is set:
  {"type":"init","allowedModules":["sqlite"]}
Every following line is a task and is answered with one result line.`,
		Example: `  # Starlark worker with a library directory
  sandbox-worker --lib-dir ./libs

  # JavaScript warmup worker that acknowledges startup
  sandbox-worker --lang js --warmup --ready-ack`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.config(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(stderr, cfg.Log.Level)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger, stdin, stdout)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&flags.lang, "lang", sandbox.LanguageStarlark, "task language: starlark or js")
	f.BoolVar(&flags.warmup, "warmup", false, "skip the init record and run unrestricted")
	f.StringVar(&flags.libDir, "lib-dir", "", "directory of preloadable libraries")
	f.BoolVar(&flags.readyAck, "ready-ack", false, `write {"type":"ready"} once started`)
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	return cmd
}

// config loads the file, if any, and applies the flags that were set.
func (f *rootFlags) config(cmd *cobra.Command) (sandbox.Config, error) {
	cfg := sandbox.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = sandbox.LoadConfig(f.configPath); err != nil {
			return cfg, err
		}
	}
	changed := cmd.Flags().Changed
	if changed("lang") || f.configPath == "" {
		cfg.Language = f.lang
	}
	if changed("warmup") {
		cfg.Warmup = f.warmup
	}
	if changed("lib-dir") {
		cfg.Preload.LibDir = f.libDir
	}
	if changed("ready-ack") {
		cfg.ReadyAck = f.readyAck
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if changed("log-level") || f.configPath == "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(w), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// serve runs the worker loop and, when configured, the metrics listener.
// The listener is shut down as soon as the loop returns.
func serve(ctx context.Context, cfg sandbox.Config, logger *zap.Logger, stdin io.Reader, stdout io.Writer) error {
	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	w, err := sandbox.NewWorker(cfg, sandbox.WithLogger(logger), sandbox.WithMetrics(collector))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, loopDone := context.WithCancel(gctx)

	// Cancellation cannot interrupt a blocked read, so close stdin instead.
	if c, ok := stdin.(io.Closer); ok {
		stop := context.AfterFunc(gctx, func() { _ = c.Close() })
		defer stop()
	}

	g.Go(func() error {
		defer loopDone()
		return w.Serve(loopCtx, stdin, stdout)
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-loopCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
