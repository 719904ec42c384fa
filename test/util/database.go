// Package util provides database helpers for integration tests.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quorumhq/quorum/pkg/database"
)

var (
	sharedCfg    database.Config
	sharedReady  bool
	containerErr error
	containerOne sync.Once
)

// SetupTestDatabase returns a migrated database client on a dedicated
// database inside a shared pgvector container. Skips the test when
// neither Docker nor CI_DATABASE_URL is available.
func SetupTestDatabase(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseCfg := sharedDatabase(t)

	// One database per test keeps migrations and data isolated.
	dbName := generateDatabaseName(t)
	admin, err := stdsql.Open("pgx", baseCfg.DSN())
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	cfg := baseCfg
	cfg.Database = dbName
	cfg.MaxConns = 5
	cfg.MinConns = 1
	cfg.ConnMaxLifetime = 5 * time.Minute
	cfg.ConnMaxIdleTime = time.Minute

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// sharedDatabase returns connection settings for the shared server:
// CI_DATABASE_URL in CI, otherwise a testcontainer started once per
// package.
func sharedDatabase(t *testing.T) database.Config {
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		cfg, err := parseURL(url)
		require.NoError(t, err)
		return cfg
	}

	containerOne.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"pgvector/pgvector:pg17",
			postgres.WithDatabase("quorum"),
			postgres.WithUsername("quorum"),
			postgres.WithPassword("quorum"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			containerErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			containerErr = err
			return
		}
		sharedCfg = database.Config{
			Host:     host,
			Port:     port.Int(),
			User:     "quorum",
			Password: "quorum",
			Database: "quorum",
			SSLMode:  "disable",
		}
		sharedReady = true
	})

	if !sharedReady {
		t.Skipf("postgres unavailable, skipping integration test: %v", containerErr)
	}
	return sharedCfg
}

// parseURL converts a postgres URL into connection settings.
func parseURL(url string) (database.Config, error) {
	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return database.Config{}, fmt.Errorf("invalid CI_DATABASE_URL: %w", err)
	}
	return database.Config{
		Host:     pc.ConnConfig.Host,
		Port:     int(pc.ConnConfig.Port),
		User:     pc.ConnConfig.User,
		Password: pc.ConnConfig.Password,
		Database: pc.ConnConfig.Database,
		SSLMode:  "disable",
	}, nil
}

// generateDatabaseName creates a unique, PostgreSQL-safe name for the
// test's dedicated database.
func generateDatabaseName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		t.Fatalf("failed to generate database name suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}
