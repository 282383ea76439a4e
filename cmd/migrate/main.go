package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/af-corp/llm-relay/internal/config"
)

// Applies the kv_documents schema used by the postgres storage backend.
func main() {
	command := flag.String("direction", "up", "up, down, version or force")
	steps := flag.Int("steps", 0, "number of steps for up/down (0 = all)")
	forceVersion := flag.Int("version", -1, "version to record when -direction=force")
	dbURL := flag.String("db-url", "", "database URL (overrides DATABASE_URL and config)")
	configDir := flag.String("config", "configs", "path to configuration directory")
	source := flag.String("path", "migrations", "path to migrations directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dsn, err := resolveDSN(*dbURL, *configDir)
	if err != nil {
		logger.Error("failed to resolve database url", "error", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://"+*source, dsn)
	if err != nil {
		logger.Error("failed to create migrator", "path", *source, "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := run(m, *command, *steps, *forceVersion); err != nil {
		logger.Error("migration failed", "direction", *command, "error", err)
		os.Exit(1)
	}

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("no migrations applied")
	case err != nil:
		logger.Error("failed to read schema version", "error", err)
		os.Exit(1)
	default:
		fmt.Printf("schema version %d (dirty: %v)\n", v, dirty)
	}
}

func run(m *migrate.Migrate, command string, steps, forceVersion int) error {
	var err error
	switch command {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "force":
		if forceVersion < 0 {
			return errors.New("force requires -version")
		}
		err = m.Force(forceVersion)
	case "version":
		return nil
	default:
		return fmt.Errorf("unknown direction %q", command)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func resolveDSN(flagValue, configDir string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		return env, nil
	}
	cfg, _, err := config.LoadGateway(configDir)
	if err != nil {
		return "", fmt.Errorf("load gateway config: %w", err)
	}
	return cfg.Storage.Database.DSN(), nil
}
