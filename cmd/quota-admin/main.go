// Command quota-admin inspects and resets user quotas and manages testers.
//
//	quota-admin [-config file] reset --user ID [--quota-type T] [--date YYYY-MM-DD] (--dry-run | --confirm)
//	quota-admin [-config file] status --user ID
//	quota-admin [-config file] tester (--list | --user ID [--set | --remove])
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/config"
	"github.com/flowdash-app/flowdash-backend/internal/database"
	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/quota"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/users"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: quota-admin [-config file] <reset|status|tester> [flags]")
}

func run(args []string) error {
	global := flag.NewFlagSet("quota-admin", flag.ContinueOnError)
	configFile := global.String("config", "", "Path to configuration file")
	envFile := global.String("env", ".env", "Path to environment file")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}
	command, rest := global.Arg(0), global.Args()[1:]

	var exec func(ctx context.Context, a *admin) error
	switch command {
	case "reset":
		fs := flag.NewFlagSet("reset", flag.ContinueOnError)
		var opts resetOptions
		fs.StringVar(&opts.UserID, "user", "", "User id")
		fs.StringVar(&opts.QuotaType, "quota-type", "", "Quota type to reset (toggles, refreshes, error_views); all when empty")
		fs.StringVar(&opts.Date, "date", "", "Quota date (YYYY-MM-DD), defaults to today")
		fs.BoolVar(&opts.DryRun, "dry-run", false, "Show the rows that would be reset")
		fs.BoolVar(&opts.Confirm, "confirm", false, "Perform the reset")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		exec = func(ctx context.Context, a *admin) error { return a.reset(ctx, opts) }
	case "status":
		fs := flag.NewFlagSet("status", flag.ContinueOnError)
		userID := fs.String("user", "", "User id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		exec = func(ctx context.Context, a *admin) error { return a.status(ctx, *userID) }
	case "tester":
		fs := flag.NewFlagSet("tester", flag.ContinueOnError)
		var opts testerOptions
		fs.StringVar(&opts.UserID, "user", "", "User id")
		fs.BoolVar(&opts.Set, "set", false, "Grant tester status")
		fs.BoolVar(&opts.Remove, "remove", false, "Revoke tester status")
		fs.BoolVar(&opts.List, "list", false, "List all testers")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		exec = func(ctx context.Context, a *admin) error { return a.tester(ctx, opts) }
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	logger, err := slogging.NewLogger(slogging.Config{Level: slogging.LogLevelWarn, ConsoleOnly: true, Output: os.Stderr})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database, database.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store := kvstore.NewRedisStore(kvstore.Config{
		Addr:        cfg.RedisAddr(),
		Password:    cfg.Database.Redis.Password,
		DB:          cfg.Database.Redis.DB,
		DialTimeout: cfg.Database.Redis.DialTimeout,
		OpTimeout:   cfg.Database.Redis.OpTimeout,
	}, logger)
	defer func() { _ = store.Close() }()

	acct := quota.NewAccountant(users.NewGormResolver(db.Gorm()), plans.NewGormCatalog(db.Gorm()),
		quota.NewGormCounterStore(db.Gorm()), store, distlock.New(store, logger), logger,
		quota.WithHourlyFraction(cfg.Quota.HourlyFraction))

	return exec(ctx, &admin{db: db.Gorm(), acct: acct, out: os.Stdout, now: time.Now})
}
