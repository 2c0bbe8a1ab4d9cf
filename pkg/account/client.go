// Package account provides the user metadata store: users, their target
// database configurations, query quotas, and usage audit rows. Backed by
// PostgreSQL with migrations embedded into the binary.
package account

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the accounts database connection.
type Client struct {
	db *stdsql.DB
}

// DB returns the underlying connection for health checks.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the accounts database, configures pooling, and applies
// pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// NewClientFromDB wraps an existing connection (useful for testing).
func NewClientFromDB(db *stdsql.DB) *Client {
	return &Client{db: db}
}

// runMigrations applies embedded migrations with golang-migrate.
func runMigrations(db *stdsql.DB, cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return errors.New("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver: m.Close() would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// hasEmbeddedMigrations reports whether any .sql files were embedded.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return true, nil
		}
	}
	return false, nil
}
