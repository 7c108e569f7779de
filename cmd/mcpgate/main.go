package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/config"
	"mcpgate/internal/infra/gateway"
	"mcpgate/internal/infra/telemetry"
	"mcpgate/internal/infra/transport"
)

var version = "0.1.0"

type runOptions struct {
	configPath  string
	startup     string
	watch       bool
	metricsAddr string
	logLevel    string
	logger      *zap.Logger
}

func main() {
	opts := runOptions{
		logLevel: "info",
		logger:   zap.NewNop(),
	}

	root := &cobra.Command{
		Use:   "mcpgate",
		Short: "Aggregates MCP servers behind one proxy tool per server",
		Long: "mcpgate sits between one MCP client and any number of MCP servers.\n" +
			"Each configured server is exposed as a single use_<name> tool taking\n" +
			"an action name and opaque params, so a client with a limited tool\n" +
			"budget can still reach every capability.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zapcore.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			cfg := zap.NewProductionConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			// stdout carries the MCP stdio framing; logs must stay off it.
			cfg.OutputPaths = []string{"stderr"}
			cfg.ErrorOutputPaths = []string{"stderr"}
			log, err := cfg.Build()
			if err != nil {
				return err
			}
			opts.logger = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = opts.logger.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlagBindings(cmd.Flags(), &opts)
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()
			return run(ctx, opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the gateway config file (required)")
	root.PersistentFlags().StringVar(&opts.startup, "startup", "", "override startup mode: lazy or eager")
	root.PersistentFlags().BoolVar(&opts.watch, "watch", false, "reload the config when the file changes")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz (empty disables)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: debug, info, warn, error")
	_ = root.MarkPersistentFlagRequired("config")

	if err := root.Execute(); err != nil {
		opts.logger.Fatal("command failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts runOptions) error {
	logger := opts.logger
	loader := config.NewLoader(logger)

	cfg, err := loader.Load(ctx, opts.configPath)
	if err != nil {
		return err
	}
	if opts.startup != "" {
		mode := domain.StartupMode(opts.startup)
		if mode != domain.StartupLazy && mode != domain.StartupEager {
			return errors.New("--startup must be lazy or eager")
		}
		cfg.Runtime.Startup = mode
	}
	if opts.metricsAddr != "" {
		cfg.Runtime.Observability.ListenAddress = opts.metricsAddr
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)

	gw := gateway.New(cfg, gateway.Options{
		Logger:  logger,
		Metrics: metrics,
		Dialer:  transport.NewStdioDialer(logger),
		Version: version,
	})

	if addr := cfg.Runtime.Observability.ListenAddress; addr != "" {
		go func() {
			err := telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
				Addr:     addr,
				Registry: registry,
				Status:   gw.States,
			}, logger)
			if err != nil {
				logger.Error("observability server failed", zap.Error(err))
			}
		}()
	}

	if opts.watch {
		watcher := config.NewWatcher(opts.configPath, func() {
			next, err := loader.Load(ctx, opts.configPath)
			if err != nil {
				logger.Warn("config reload failed; keeping previous configuration", zap.Error(err))
				return
			}
			if opts.startup != "" {
				next.Runtime.Startup = domain.StartupMode(opts.startup)
			}
			gw.Reload(ctx, next)
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	return gw.Run(ctx)
}

func applyFlagBindings(flags *pflag.FlagSet, opts *runOptions) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config":
			opts.configPath, _ = flags.GetString("config")
		case "startup":
			opts.startup, _ = flags.GetString("startup")
		case "watch":
			opts.watch, _ = flags.GetBool("watch")
		case "metrics-addr":
			opts.metricsAddr, _ = flags.GetString("metrics-addr")
		case "log-level":
			opts.logLevel, _ = flags.GetString("log-level")
		}
	})
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
