package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/replaysMike/binner-auth/internal/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects gorm to the configured driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql db: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// IsolationFor returns the transaction isolation used for credential
// transactions on driver.
func IsolationFor(driver string) sql.IsolationLevel {
	if driver == DriverPostgres {
		return sql.LevelSerializable
	}
	// mattn/go-sqlite3 rejects explicit levels; sqlite is serializable anyway.
	return sql.LevelDefault
}

// Migrate brings the schema up to date. Postgres runs the embedded goose
// migrations; sqlite, used for local installs and tests, uses AutoMigrate.
func Migrate(ctx context.Context, db *gorm.DB, driver string, log *slog.Logger) error {
	switch driver {
	case DriverPostgres:
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("sql db: %w", err)
		}
		goose.SetBaseFS(migrationsFS)
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("goose dialect: %w", err)
		}
		if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
			return fmt.Errorf("goose up: %w", err)
		}
	case DriverSQLite:
		if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if log != nil {
		log.Info("database migrated", "driver", driver)
	}
	return nil
}

// Models lists every persisted type in dependency order.
func Models() []any {
	return []any{
		&domain.Organization{},
		&domain.User{},
		&domain.RefreshToken{},
		&domain.ImagesToken{},
		&domain.PasswordResetToken{},
		&domain.LoginAttempt{},
	}
}

// NewRedisClient creates a redis client and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
