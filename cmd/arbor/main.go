package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/arborpds/arbor/internal/config"
	"github.com/arborpds/arbor/internal/foundation"
	"github.com/arborpds/arbor/internal/metrics"
	"go.opentelemetry.io/otel"
)

var fdbFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "fdb-cluster-file",
		Value: "foundation.cluster",
	},
	&cli.IntFlag{
		Name:  "fdb-api-version",
		Value: 730,
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "Path to a TOML config file (overrides the fdb flags when set)",
	},
}

func main() {
	cmd := &cli.Command{
		Name:  "arbor",
		Usage: "Arbor is a content-addressed repository engine for the atmosphere",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-lvl",
				Usage: "Minimum logging level (debug, info, warn, err)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-fmt",
				Usage: "Log output format (default, json)",
				Value: "json",
			},
			&cli.BoolFlag{
				Name:  "log-src",
				Usage: "Whether or not to include source line numbers in log lines",
				Value: true,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := setDefaultLogger(
				c.String("log-lvl"),
				c.String("log-fmt"),
				c.Bool("log-src"),
			); err != nil {
				return nil, fmt.Errorf("unable to set default logger: %w", err)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			initCmd(),
			putCmd(),
			getCmd(),
			rmCmd(),
			lsCmd(),
			exportCmd(),
			importCmd(),
			snapshotCmd(),
			serveCmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("failed to run command", "err", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration from the --config file or
// the individual flags.
func loadConfig(c *cli.Command) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}

	return &config.Config{
		FDB: config.FDBConfig{
			ClusterFile: c.String("fdb-cluster-file"),
			APIVersion:  c.Int("fdb-api-version"),
		},
		Firehose: config.FirehoseConfig{Addr: "0.0.0.0:2470"},
	}, nil
}

// openDB connects to FoundationDB using the resolved config.
func openDB(ctx context.Context, c *cli.Command) (*foundation.DB, *config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	if err := metrics.InitTracing(ctx, "arbor"); err != nil {
		return nil, nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	db, err := foundation.New(otel.Tracer("arbor"), foundation.Config{
		ClusterFile: cfg.FDB.ClusterFile,
		APIVersion:  cfg.FDB.APIVersion,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open foundation db: %w", err)
	}

	return db, cfg, nil
}

func setDefaultLogger(llevel, lfmt string, addSource bool) error {
	opts := &slog.HandlerOptions{
		AddSource: addSource,
	}

	switch llevel {
	case "d", "dbg", "debug":
		opts.Level = slog.LevelDebug
	case "i", "info":
		opts.Level = slog.LevelInfo
	case "w", "warn", "warning":
		opts.Level = slog.LevelWarn
	case "e", "err", "error":
		opts.Level = slog.LevelError
	}

	var log *slog.Logger
	switch strings.ToLower(lfmt) {
	case "default":
		log = slog.New(slog.NewTextHandler(os.Stdout, opts))
	case "json":
		log = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return fmt.Errorf(`unsupported log format: %s (wanted "default" or "json")`, lfmt)
	}

	slog.SetDefault(slog.New(log.Handler()))
	return nil
}
