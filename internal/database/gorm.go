// Package database opens the GORM record store used for users, plans, quota
// counters and n8n instances.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/config"
	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Type names a supported SQL dialect
type Type string

const (
	TypePostgres  Type = "postgres"
	TypeMySQL     Type = "mysql"
	TypeSQLServer Type = "sqlserver"
	TypeSQLite    Type = "sqlite"
)

// Options tune Open beyond the connection settings
type Options struct {
	// Tracing installs the otelgorm plugin
	Tracing bool
	Logger  *slogging.Logger
}

// DB wraps a GORM handle with lifecycle helpers
type DB struct {
	db     *gorm.DB
	kind   Type
	logger *slogging.Logger
}

// Open connects to the configured database and verifies it with a ping
func Open(ctx context.Context, cfg config.DatabaseConfig, opts Options) (*DB, error) {
	log := opts.Logger
	if log == nil {
		log = slogging.Get()
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	kind := Type(cfg.Type)
	log.Debug("Opening %s record store", kind)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      &gormLogger{log: log},
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}

	if opts.Tracing {
		if err := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName(string(kind)))); err != nil {
			return nil, fmt.Errorf("failed to install otelgorm plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if kind == TypeSQLite {
		// every new connection to ":memory:" is a separate empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(4 * time.Minute)
		sqlDB.SetConnMaxIdleTime(30 * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db: db, kind: kind, logger: log}, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch Type(cfg.Type) {
	case TypePostgres:
		p := cfg.Postgres
		return postgres.Open(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)), nil
	case TypeMySQL:
		m := cfg.MySQL
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
			m.User, m.Password, m.Host, m.Port, m.Database)), nil
	case TypeSQLServer:
		s := cfg.SQLServer
		return sqlserver.Open(fmt.Sprintf("sqlserver://%s:%s@%s:%s?database=%s",
			s.User, s.Password, s.Host, s.Port, s.Database)), nil
	case TypeSQLite:
		return sqlite.Open(cfg.SQLitePath), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// Gorm returns the underlying handle
func (d *DB) Gorm() *gorm.DB {
	return d.db
}

func (d *DB) Type() Type {
	return d.kind
}

// Migrate creates or updates every model table
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.db.WithContext(ctx).AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	d.logger.Debug("Auto-migration completed for %d models", len(models.AllModels()))
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// gormLogger routes GORM output through slogging. Missing rows are expected
// lookups, not errors.
type gormLogger struct {
	log *slogging.Logger
}

func (l *gormLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	l.log.Info(msg, data...)
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	l.log.Warn(msg, data...)
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	l.log.Error(msg, data...)
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	sql, rows := fc()
	elapsed := time.Since(begin)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.Error("GORM query error: %v [%s] (%d rows, %s)", err, sql, rows, elapsed)
		return
	}
	l.log.Debug("GORM query: %s (%d rows, %s)", sql, rows, elapsed)
}
