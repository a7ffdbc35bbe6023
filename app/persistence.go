package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	dispatchmigrations "github.com/goliatone/go-dispatch/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

type persistenceConfig struct {
	cfg core.DatabaseConfig
}

func (c persistenceConfig) GetDebug() bool {
	return c.cfg.Debug
}

func (c persistenceConfig) GetDriver() string {
	return driverName(c.cfg.Driver)
}

func (c persistenceConfig) GetServer() string {
	return c.cfg.DSN
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return core.ParseDurationOr(c.cfg.PingTimeout, 5*time.Second)
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "go-dispatch"
}

// driverName maps configured driver aliases to registered database/sql names.
func driverName(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return "postgres"
	}
}

// OpenPersistence opens the database, verifies it answers, and registers the
// embedded migrations for its dialect. Storage that cannot be reached is
// reported as StorageUnavailable.
func OpenPersistence(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver := driverName(cfg.Driver)
	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, core.StorageUnavailable(fmt.Errorf("open %s: %w", driver, err))
	}

	var dialect schema.Dialect
	switch driver {
	case "sqlite3":
		sqlDB.SetMaxOpenConns(1)
		dialect = sqlitedialect.New()
	default:
		dialect = pgdialect.New()
	}

	settings := persistenceConfig{cfg: cfg}
	pingCtx, cancel := context.WithTimeout(ctx, settings.GetPingTimeout())
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, core.StorageUnavailable(fmt.Errorf("ping %s: %w", driver, err))
	}

	client, err := persistence.New(settings, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, core.StorageUnavailable(fmt.Errorf("persistence client: %w", err))
	}

	migrationDialect, err := dispatchmigrations.DialectForDriver(driver)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := dispatchmigrations.RegisterWith(ctx, client, migrationDialect); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
