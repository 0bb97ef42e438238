// Command check-db verifies the record store schema and the key-value store.
// With -migrate it applies the schema and seeds the plan catalog first.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/config"
	"github.com/flowdash-app/flowdash-backend/internal/database"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"gorm.io/gorm"
)

func main() {
	envFile := flag.String("env", ".env", "Path to environment file")
	configFile := flag.String("config", "", "Path to configuration file")
	migrate := flag.Bool("migrate", false, "Apply the schema and seed plans before checking")
	flag.Parse()

	ok, err := run(*envFile, *configFile, *migrate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(2)
	}
}

func run(envFile, configFile string, migrate bool) (bool, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return false, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return false, err
	}
	logger, err := slogging.NewLogger(slogging.Config{Level: slogging.LogLevelWarn, ConsoleOnly: true, Output: os.Stderr})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database, database.Options{Logger: logger})
	if err != nil {
		return false, err
	}
	defer func() { _ = db.Close() }()
	fmt.Printf("Connected to %s record store\n\n", db.Type())

	if migrate {
		if err := db.Migrate(ctx); err != nil {
			return false, err
		}
		if err := plans.NewGormCatalog(db.Gorm()).Seed(ctx, plans.Defaults()); err != nil {
			return false, err
		}
		fmt.Print("Schema migrated and plans seeded\n\n")
	}

	schemaOK := checkTables(ctx, os.Stdout, db.Gorm())

	store := kvstore.NewRedisStore(kvstore.Config{
		Addr:        cfg.RedisAddr(),
		Password:    cfg.Database.Redis.Password,
		DB:          cfg.Database.Redis.DB,
		DialTimeout: cfg.Database.Redis.DialTimeout,
		OpTimeout:   cfg.Database.Redis.OpTimeout,
	}, logger)
	defer func() { _ = store.Close() }()
	storeOK := checkStore(ctx, os.Stdout, kvstore.NewHealthChecker(store))

	switch {
	case schemaOK && storeOK:
		fmt.Println("\nRecord store and key-value store are ready")
	case schemaOK:
		fmt.Println("\nKey-value store is unavailable; quotas and rate limits will fail open")
	default:
		fmt.Println("\nSchema is incomplete. Run with -migrate to apply it.")
	}
	return schemaOK, nil
}

func checkTables(ctx context.Context, out io.Writer, db *gorm.DB) bool {
	fmt.Fprintln(out, "Checking tables:")
	migrator := db.WithContext(ctx).Migrator()
	complete := true
	for _, model := range models.AllModels() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(model); err != nil {
			fmt.Fprintf(out, "  x Unable to parse model %T: %v\n", model, err)
			complete = false
			continue
		}
		table := stmt.Schema.Table
		if !migrator.HasTable(model) {
			fmt.Fprintf(out, "  x Table '%s' does not exist\n", table)
			complete = false
			continue
		}
		var count int64
		if err := db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
			fmt.Fprintf(out, "  x Table '%s' exists but cannot be read: %v\n", table, err)
			complete = false
			continue
		}
		fmt.Fprintf(out, "  ok Table '%s' exists (rows: %d)\n", table, count)
	}
	return complete
}

func checkStore(ctx context.Context, out io.Writer, health *kvstore.HealthChecker) bool {
	result := health.CheckHealth(ctx)
	fmt.Fprintf(out, "\nKey-value store: %s (%dms)\n", result.Message, result.PerformanceMs)
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  x %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  ! %s\n", w)
	}
	return result.Healthy
}
