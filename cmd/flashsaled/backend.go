package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/flashsale/internal/config"
	"github.com/MarkoPoloResearchLab/flashsale/internal/migrations"
	"github.com/MarkoPoloResearchLab/flashsale/internal/outbox"
	"github.com/MarkoPoloResearchLab/flashsale/internal/seed"
	"github.com/MarkoPoloResearchLab/flashsale/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/flashsale/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// storeBackend is what both store implementations provide to the commands.
type storeBackend interface {
	inventory.Store
	seed.ProductUpserter
	outbox.Store
	Ping(ctx context.Context) error
}

type backend struct {
	Store   inventory.Store
	Seeder  seed.ProductUpserter
	Outbox  outbox.Store
	Ping    func(ctx context.Context) error
	cleanup func()
}

func (b *backend) Close() {
	if b.cleanup != nil {
		b.cleanup()
	}
}

func newBackend(store storeBackend, cleanup func()) *backend {
	return &backend{
		Store:   store,
		Seeder:  store,
		Outbox:  store,
		Ping:    store.Ping,
		cleanup: cleanup,
	}
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver == config.DriverPgx {
		if driver != driverPostgres {
			return nil, fmt.Errorf("store driver %q requires postgres", config.DriverPgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		return newBackend(pgstore.New(pool), pool.Close), nil
	}

	db, closeDB, err := openGorm(ctx, driver, cfg.DatabaseURL, sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if driver == driverSQLite {
		if err := db.AutoMigrate(gormstore.Models()...); err != nil {
			closeDB()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return newBackend(gormstore.New(db), closeDB), nil
}

func openGorm(ctx context.Context, driver string, dsn string, sqlitePath string) (*gorm.DB, func(), error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// SQLite allows one writer; a single connection serialises transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() { _ = sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

// migrateSchema applies the embedded SQL on PostgreSQL and AutoMigrate on SQLite.
func migrateSchema(ctx context.Context, cfg config.Config) ([]string, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if driver == driverPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		defer pool.Close()
		return migrations.Apply(ctx, pool)
	}
	db, closeDB, err := openGorm(ctx, driver, cfg.DatabaseURL, sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	defer closeDB()
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return []string{"automigrate"}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "flashsale.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
