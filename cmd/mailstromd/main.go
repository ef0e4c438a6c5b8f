// Command mailstromd is a demonstration host for the mailstrom package:
// it wires a Status Store (in-memory or PostgreSQL) to a Mailstrom
// handle and exposes nothing beyond what the library itself defines —
// it exists to prove the module runs as a real process, not as an
// application in its own right.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailstrom-dev/mailstrom"
	"github.com/mailstrom-dev/mailstrom/internal/config"
	"github.com/mailstrom-dev/mailstrom/status"
	"github.com/mailstrom-dev/mailstrom/status/memory"
	storepostgres "github.com/mailstrom-dev/mailstrom/status/postgres"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		serveCmd.StringVar(&configPath, "config", "config/mailstromd.yaml", "config file path")
		_ = serveCmd.Parse(os.Args[2:])
		runServe(configPath)
	case "migrate":
		migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateCmd.StringVar(&configPath, "config", "config/mailstromd.yaml", "config file path")
		up := migrateCmd.Bool("up", false, "run migrations up")
		down := migrateCmd.Bool("down", false, "roll back last migration")
		_ = migrateCmd.Parse(os.Args[2:])
		runMigrate(configPath, *up, *down)
	case "version":
		fmt.Printf("mailstromd %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mailstromd - standalone host for the mailstrom delivery engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mailstromd serve   [--config path]             Start the delivery engine")
	fmt.Println("  mailstromd migrate [--config path] --up/--down Run status store migrations")
	fmt.Println("  mailstromd version                             Print version")
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting mailstromd", "version", Version, "store_backend", cfg.Engine.StoreBackend)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("opening status store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	m, err := mailstrom.New(mailstrom.Config{
		HeloName:                cfg.Engine.HeloName,
		BaseBackoff:             cfg.Engine.BaseBackoff,
		SMTPTimeout:             cfg.Engine.SMTPTimeout,
		RequireStartTLS:         cfg.Engine.RequireStartTLS,
		Jitter:                  cfg.Engine.Jitter,
		DNSNameserver:           cfg.Engine.DNSNameserver,
		CircuitBreakerThreshold: cfg.Engine.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  cfg.Engine.CircuitBreakerCooldown,
		RedisAddr:               cfg.Redis.Addr,
		RedisPassword:           cfg.Redis.Password,
		Logger:                  logger,
	}, store)
	if err != nil {
		logger.Error("starting delivery engine", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down...")
	if err := m.Die(); err != nil {
		logger.Error("delivery engine shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("mailstromd stopped")
}

// openStore constructs the configured status.Store and a cleanup func.
func openStore(ctx context.Context, cfg *config.Config) (status.Store, func(), error) {
	switch cfg.Engine.StoreBackend {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("invalid database config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pinging database: %w", err)
		}

		if cfg.Database.AutoMigrate {
			if err := runMigrations(cfg.Database.DSN()); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}

		return storepostgres.New(pool), pool.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func runMigrations(dsn string) error {
	m, err := migrate.New("file://status/postgres/migrations", dsn)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func runMigrate(configPath string, up, down bool) {
	if !up && !down {
		fmt.Fprintln(os.Stderr, "Error: specify --up or --down")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://status/postgres/migrations", cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing migrations: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if up {
		fmt.Println("Running migrations up...")
		if err := m.Up(); err != nil {
			if err == migrate.ErrNoChange {
				fmt.Println("No new migrations to apply.")
				return
			}
			fmt.Fprintf(os.Stderr, "Error running migrations up: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully.")
	}

	if down {
		fmt.Println("Rolling back last migration...")
		if err := m.Steps(-1); err != nil {
			fmt.Fprintf(os.Stderr, "Error rolling back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migration rolled back successfully.")
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
