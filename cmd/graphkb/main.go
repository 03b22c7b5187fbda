// Package main is the entry point for the knowledge base server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/graphkb/graphkb/internal/api"
	"github.com/graphkb/graphkb/internal/auth"
	"github.com/graphkb/graphkb/internal/config"
	"github.com/graphkb/graphkb/internal/gdb"
	"github.com/graphkb/graphkb/internal/metrics"
	"github.com/graphkb/graphkb/internal/repo"
	"github.com/graphkb/graphkb/internal/schema"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("graphkb %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting graphkb",
		slog.String("version", version),
		slog.String("database", cfg.Database.Name),
		slog.String("address", cfg.Address()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	sc := schema.Builtin()

	if cfg.Database.Create {
		if err := ensureDatabase(ctx, cfg, logger); err != nil {
			logger.Error("failed to create database", slog.String("error", err.Error()))
			cancel()
			os.Exit(1)
		}
	}

	pool := gdb.NewOrientPool(cfg.GDB())

	if cfg.Database.Migrate {
		if err := bootstrap(ctx, cfg, pool, sc, logger); err != nil {
			logger.Error("failed to bootstrap database", slog.String("error", err.Error()))
			cancel()
			os.Exit(1)
		}
	}
	cancel()

	tokens, err := auth.NewTokenManager(cfg.Auth.KeyFile, cfg.Auth.Issuer, cfg.TokenTTL())
	if err != nil {
		logger.Error("failed to load signing key", slog.String("error", err.Error()))
		os.Exit(1)
	}
	stopWatch, err := auth.WatchKey(tokens, cfg.Auth.KeyFile, logger)
	if err != nil {
		logger.Error("failed to watch signing key", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	rp := repo.New(sc, m.InstrumentStore(pool), logger)
	server := api.NewServer(cfg, rp, tokens, m, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}

		stopWatch()

		if err := pool.Close(); err != nil {
			logger.Error("pool close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
}

// buildLogger assembles the process logger: JSON or text, rotated files when
// a log directory is configured.
func buildLogger(cfg *config.Config) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Logging.Dir != "" {
		out = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Logging.Dir, "graphkb.log"),
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// ensureDatabase creates the configured database on the server when missing.
func ensureDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	server := gdb.NewServerClient(cfg.GDB(), cfg.Database.RootUser, cfg.Database.RootPassword)
	exists, err := server.DatabaseExists(ctx, cfg.Database.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	logger.Info("creating database", slog.String("name", cfg.Database.Name))
	return server.CreateDatabase(ctx, cfg.Database.Name)
}

// bootstrap reconciles the stored schema with the class model and seeds the
// admin user and default groups.
func bootstrap(ctx context.Context, cfg *config.Config, pool *gdb.Pool, sc *schema.Schema, logger *slog.Logger) error {
	session, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(session)

	if err := gdb.Migrate(ctx, session, sc, logger); err != nil {
		return err
	}
	if err := gdb.VerifySchema(ctx, session, sc); err != nil {
		return err
	}

	username := cfg.Auth.AdminUser
	if username == "" {
		current, err := user.Current()
		if err != nil {
			return err
		}
		username = current.Username
	}
	if cfg.Auth.AdminPassword == "" {
		logger.Warn("no admin password configured, skipping admin seeding")
		return nil
	}
	return gdb.SeedAdmin(ctx, session, sc, username, cfg.Auth.AdminPassword, logger)
}
