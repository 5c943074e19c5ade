package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrateMain(ctx, args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		if errors.Is(err, migration.ErrUnknownCommand) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// migrateFlags 是 migrate 的连接参数；位于子命令之前
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
	verbose    bool
}

func parseMigrateFlags(args []string, out io.Writer) (migrateFlags, []string, error) {
	var f migrateFlags
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
	fs.BoolVar(&f.verbose, "verbose", false, "Log migrate progress")
	fs.Usage = func() {
		fmt.Fprintln(out, "usage: handoffd migrate [--config path | --db-type t --db-url u] <command> [arg]")
		fs.PrintDefaults()
		fmt.Fprintln(out, migration.Usage)
	}
	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	if (f.dbType == "") != (f.dbURL == "") {
		return f, nil, fmt.Errorf("--db-type and --db-url must be used together")
	}
	return f, fs.Args(), nil
}

func migrateMain(ctx context.Context, args []string, out io.Writer) error {
	flags, rest, err := parseMigrateFlags(args, out)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("%w: missing command\n%s", migration.ErrUnknownCommand, migration.Usage)
	}

	logger := zap.NewNop()
	if flags.verbose {
		logger, _ = zap.NewDevelopment()
		defer func() { _ = logger.Sync() }()
	}

	m, err := openMigrator(flags, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)
	return cli.Run(ctx, rest)
}

// openMigrator 优先使用 --db-type/--db-url，否则读取配置文件中的 database 段
func openMigrator(flags migrateFlags, logger *zap.Logger) (*migration.DefaultMigrator, error) {
	if flags.dbType != "" {
		return migration.NewMigratorFromURL(flags.dbType, flags.dbURL, logger)
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}
