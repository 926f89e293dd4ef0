// Command gateway runs the Kestrel personal-agent process: the core
// pipeline plus the Telegram channel and the loopback IPC surface.
// `gateway repl` swaps the channels for a local console on the same
// pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelrun/kestrel/internal/application"
	"github.com/kestrelrun/kestrel/internal/infrastructure/config"
	"github.com/kestrelrun/kestrel/internal/infrastructure/logger"
	"github.com/kestrelrun/kestrel/internal/interfaces/repl"
	"go.uber.org/zap"
)

const (
	appName    = "kestrel-gateway"
	appVersion = "0.1.0"
)

const shutdownGrace = 30 * time.Second

func main() {
	mode := parseMode()
	switch mode {
	case "version":
		fmt.Printf("%s v%s\n", appName, appVersion)
		return
	case "help":
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	log, err := buildLogger(cfg, mode)
	if err != nil {
		fatalf("Failed to initialize logger: %v", err)
	}
	defer log.Sync()

	log.Info("Starting Kestrel",
		zap.String("name", appName),
		zap.String("version", appVersion),
		zap.String("mode", mode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if mode == "repl" {
		runConsole(ctx, app, cfg)
		return
	}
	runGateway(ctx, app, log)
}

func parseMode() string {
	if len(os.Args) < 2 {
		return "gateway"
	}
	switch os.Args[1] {
	case "repl", "version":
		return os.Args[1]
	case "help", "--help", "-h":
		return "help"
	default:
		return "gateway"
	}
}

// buildLogger derives the logger from config, quieting down for the
// interactive console.
func buildLogger(cfg *config.Config, mode string) (*zap.Logger, error) {
	level, format := cfg.Log.Level, cfg.Log.Format
	if mode == "repl" {
		level, format = "warn", "console"
	}
	return logger.NewLogger(logger.Config{
		Level:      level,
		Format:     format,
		OutputPath: "stdout",
	})
}

// runGateway serves until SIGINT/SIGTERM, then drains.
func runGateway(ctx context.Context, app *application.App, log *zap.Logger) {
	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Application stopped successfully")
}

// runConsole drives the same Core pipeline from stdin.
func runConsole(ctx context.Context, app *application.App, cfg *config.Config) {
	r := repl.New(
		app.Core(),
		app.Logger(),
		repl.Config{
			DefaultModel: cfg.Agent.DefaultModel,
			UserName:     os.Getenv("USER"),
		},
	)
	if err := r.Run(ctx); err != nil {
		fatalf("Console error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.Stop(shutdownCtx)
}

func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func printUsage() {
	fmt.Printf(`%s v%s

Usage:
  gateway           Start the gateway (Telegram + IPC + crons/workflows)
  gateway repl      Drive the same pipeline from a local console
  gateway version   Show version
  gateway help      Show this help

Environment:
  KESTREL_*         Configuration overrides (see ~/.kestrel/config.yaml)
`, appName, appVersion)
}
