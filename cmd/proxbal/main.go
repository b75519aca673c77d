// Package main is the entry point for the proxbal rebalancer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/scheduler"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitOK       = 0
	exitCycle    = 1
	exitConfig   = 2
	exitAuth     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.StringP("config", "c", "", "Path to the configuration file")
	dryRun := flag.BoolP("dry-run", "d", false, "Compute the plan without executing any migration")
	jsonOut := flag.BoolP("json", "j", false, "Emit the plan as JSON on stdout")
	bestNode := flag.BoolP("best-node", "b", false, "Print the best destination node for a new guest and exit")
	maintenance := flag.StringP("maintenance", "m", "", "Drain the named node for this run")
	showVersion := flag.BoolP("version", "v", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("proxbal version %s (commit %s, built %s)\n", version, commit, buildDate)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	logger := setupLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	logger.Info("Starting proxbal",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	opts := scheduler.CycleOptions{
		DryRun: *dryRun,
		JSON:   *jsonOut,
		Out:    os.Stdout,
	}
	if *maintenance != "" {
		opts.MaintenanceNodes = strings.Split(*maintenance, ",")
	}
	cycle := scheduler.NewCycle(opts, logger)

	if *bestNode {
		node, err := cycle.BestNode(ctx, cfg)
		if err != nil {
			logger.Error("Best node lookup failed", zap.Error(err))
			return exitFor(err)
		}
		fmt.Println(node)
		return exitOK
	}

	// Dry runs and JSON plan output are single-pass by nature.
	if *dryRun || *jsonOut {
		cfg.Service.Daemon = false
	}

	loader := func() (*config.Config, error) { return config.Load(*configPath) }
	if err := scheduler.New(cycle, loader, logger).Run(ctx, cfg); err != nil {
		logger.Error("Run failed", zap.Error(err))
		return exitFor(err)
	}

	logger.Info("Goodbye!")
	return exitOK
}

// exitFor maps the error taxonomy to process exit codes.
func exitFor(err error) int {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return exitAuth
	}
	var cfgErr *domain.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitCycle
}

// setupLogger builds the zap logger for the configured level.
func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		zapLevel = zapcore.DebugLevel
	case "WARNING":
		zapLevel = zapcore.WarnLevel
	case "CRITICAL":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapConfig.OutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	return logger
}
