// Package main is the entry point for the Vitalis monitoring agent.
// It initializes configuration, sets up collectors, wires the store behind
// the offline-resilient gateway, starts the scheduler, and runs as either a
// Windows service or a standalone foreground process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Guliveer/vitalis/agent/internal/config"
	"github.com/Guliveer/vitalis/agent/internal/queue"
	"github.com/Guliveer/vitalis/agent/internal/service"
)

// version is set at build time via -ldflags.
var version = "dev"

// options holds the parsed command line.
type options struct {
	configPath  string
	showVersion bool
	queueStatus bool
	once        bool
	printConfig bool
	cli         config.CLIOverrides
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("vitalis-agent", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to configuration file (default: search standard locations)")
	flagSet.BoolVar(&opts.showVersion, "version", false, "show version and exit")
	flagSet.BoolVar(&opts.queueStatus, "queue-status", false, "print the offline queue status and exit")
	flagSet.BoolVar(&opts.once, "once", false, "collect and write a single cycle, then exit")
	flagSet.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	flagSet.StringVar(&opts.cli.StorePath, "store", "", "override store.path")
	flagSet.StringVar(&opts.cli.QueueDir, "queue-dir", "", "override queue.dir")
	flagSet.StringVar(&opts.cli.LogLevel, "log-level", "", "override logging.level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if opts.showVersion {
		fmt.Printf("vitalis-agent %s\n", version)
		return nil
	}

	// An explicit --config replaces auto-discovery, even when empty.
	var cfg *config.Config
	var err error
	if flagSet.Changed("config") {
		cfg, err = config.LoadLayered(opts.cli, embeddedConfig, opts.configPath)
	} else {
		cfg, err = config.LoadLayered(opts.cli, embeddedConfig)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if opts.printConfig {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	if opts.queueStatus {
		return printQueueStatus(cfg)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting Vitalis Agent",
		zap.String("version", version),
		zap.String("store", cfg.Store.Path),
		zap.Bool("offline_queue", cfg.Queue.Enabled))

	if opts.once {
		return runOnce(context.Background(), cfg, logger)
	}

	// Check if running as Windows service
	if service.IsWindowsService() {
		logger.Info("Running as Windows service")
		svc := service.New(logger, func(ctx context.Context) error {
			return runAgent(ctx, cfg, logger)
		})
		return svc.Run()
	}

	// Running as standalone foreground process
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runAgent(ctx, cfg, logger); err != nil {
		logger.Error("Agent failed", zap.Error(err))
		return err
	}
	logger.Info("Agent stopped")
	return nil
}

// printQueueStatus reports the pending records of the offline queue.
func printQueueStatus(cfg *config.Config) error {
	if !cfg.Queue.Enabled {
		fmt.Println("offline queue disabled")
		return nil
	}

	q, err := queue.New(cfg.Queue.Dir, cfg.Queue.MaxSizeMB, zap.NewNop())
	if err != nil {
		return err
	}
	records, err := q.ListPending()
	if err != nil {
		return err
	}

	fmt.Printf("queue:   %s\n", q.Dir())
	fmt.Printf("pending: %d\n", len(records))
	for _, r := range records {
		fmt.Printf("  #%d  %s  processes=%d  retries=%d",
			r.LocalSnapshotID, r.CreatedAt.Format("2006-01-02T15:04:05Z"), len(r.Processes), r.RetryCount)
		if r.LastError != "" {
			fmt.Printf("  last_error=%q", r.LastError)
		}
		fmt.Println()
	}
	return nil
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Console output (human-readable)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	// File output (structured JSON, if configured)
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
