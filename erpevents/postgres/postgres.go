// Package postgres provides the shared PostgreSQL connection hub used by the
// outbox and processed-event stores.
//
// It owns pooling defaults, primary/replica resolution, and schema migrations
// on connect, so every service wires its event tables the same way.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNotConnected is returned when a primary handle is requested before Connect.
	ErrNotConnected = errors.New("postgres connection is not established")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection manages primary and replica database handles for one service.
type Connection struct {
	PrimaryDSN           string
	ReplicaDSN           string
	DatabaseName         string
	MigrationsPath       string
	AllowMultiStatements bool
	Logger               log.Logger
	MaxOpenConnections   int
	MaxIdleConnections   int

	mu        sync.RWMutex
	resolver  dbresolver.DB
	primary   *sql.DB
	connected bool
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens primary and replica pools, runs migrations on the primary,
// and pings through the resolver.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.resolver != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := sql.Open("pgx", conn.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to open primary database: %s", sanitizeDSNError(err))
	}

	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	applyPoolDefaults(primary, conn.MaxOpenConnections, conn.MaxIdleConnections)

	replicaDSN := conn.ReplicaDSN
	if replicaDSN == "" {
		replicaDSN = conn.PrimaryDSN
	}

	replica, err := sql.Open("pgx", replicaDSN)
	if err != nil {
		return fmt.Errorf("failed to open replica database: %s", sanitizeDSNError(err))
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	applyPoolDefaults(replica, conn.MaxOpenConnections, conn.MaxIdleConnections)

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if conn.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(conn.MigrationsPath)
		if pathErr != nil {
			return pathErr
		}

		if err := runMigrations(primary, migrationsPath, conn.DatabaseName, conn.AllowMultiStatements, conn.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.resolver = resolver
	conn.primary = primary
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver, connecting lazily if needed.
func (conn *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	conn.mu.RLock()

	if conn.resolver != nil {
		db := conn.resolver
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.resolver != nil {
		return conn.resolver, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.resolver, nil
}

// PrimaryDB returns the primary pool for transactional writes. Outbox and
// ledger transactions must not round-robin onto a replica.
func (conn *Connection) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	if _, err := conn.GetDB(ctx); err != nil {
		return nil, err
	}

	conn.mu.RLock()
	defer conn.mu.RUnlock()

	if conn.primary == nil {
		return nil, ErrNotConnected
	}

	return conn.primary, nil
}

// IsConnected reports whether the resolver is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

// Close releases database resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.resolver == nil {
		return nil
	}

	err := conn.resolver.Close()
	conn.resolver = nil
	conn.primary = nil
	conn.connected = false

	return err
}

func applyPoolDefaults(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeDSNError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(primary *sql.DB, migrationsPath, dbName string, allowMultiStatements bool, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          dbName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(context.Background(), log.LevelInfo, "no new migrations found")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(context.Background(), log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
