// Команда ankisyncd запускает сервер синхронизации.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iudanet/ankisyncd/internal/auth"
	"github.com/iudanet/ankisyncd/internal/collection"
	"github.com/iudanet/ankisyncd/internal/config"
	"github.com/iudanet/ankisyncd/internal/media"
	"github.com/iudanet/ankisyncd/internal/server"
	"github.com/iudanet/ankisyncd/internal/session"
	"github.com/iudanet/ankisyncd/internal/syncer"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting sync server", "version", Version, "data_root", cfg.DataRoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, closeGateway, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGateway()

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create data root: %w", err)
	}

	sessions, err := session.NewRegistry(cfg.SessionDBPath, gateway, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = sessions.Close()
	}()

	store := collection.NewStore(cfg.DataRoot, logger)
	mediaMgr := media.NewManager(store, sessions, cfg.MaxMediaPayloadBytes, logger)
	defer func() {
		_ = mediaMgr.Close()
	}()

	engine := syncer.NewEngine(store, sessions, mediaMgr, logger)

	srv, err := server.New(cfg, sessions, engine, mediaMgr, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// newGateway выбирает провайдера идентификации по конфигурации.
func newGateway(ctx context.Context, cfg *config.Config) (auth.Gateway, func(), error) {
	switch cfg.AuthProvider {
	case config.AuthSQLite:
		store, err := auth.NewSQLiteStore(ctx, cfg.AuthDBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.AuthJWT:
		gw, err := auth.NewJWTGateway(cfg.JWTSecret)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth provider: %q", cfg.AuthProvider)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func printVersion() {
	fmt.Printf("ankisyncd\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
