package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/config"
	"github.com/BaSui01/voxagent/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	if err := migrate(context.Background(), args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, sub string, args []string) error {
	var positional string
	switch sub {
	case "help", "-h", "--help":
		printMigrateUsage()
		return nil
	case "steps", "force":
		if len(args) < 1 {
			return fmt.Errorf("usage: voxagent migrate %s <n>", sub)
		}
		positional, args = args[0], args[1:]
	case "up", "down", "status", "version":
	default:
		printMigrateUsage()
		return fmt.Errorf("unknown subcommand")
	}

	migrator, err := createMigrator(flag.NewFlagSet("migrate "+sub, flag.ExitOnError), args)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()
	cli := migration.NewCLI(migrator)

	switch sub {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		return cli.RunDown(ctx)
	case "status":
		return cli.RunStatus(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "steps":
		n, err := strconv.Atoi(positional)
		if err != nil {
			return fmt.Errorf("invalid step count: %s", positional)
		}
		return cli.RunSteps(ctx, n)
	default: // force
		v, err := strconv.Atoi(positional)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", positional)
		}
		return cli.RunForce(ctx, v)
	}
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件与环境变量读取
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	envPath := fs.String("env", ".env", "Path to a .env file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	verbose := fs.Bool("verbose", false, "Log migration progress")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	}

	loader := config.NewLoader().WithDotEnv(*envPath)
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromConfig(cfg, logger)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  voxagent migrate <subcommand> [options]

Subcommands:
  up           Apply all pending migrations
  down         Roll back the last migration
  steps <n>    Apply (n > 0) or roll back (n < 0) n migrations
  force <v>    Force set migration version (use with caution)
  status       Show migration status
  version      Show current migration version
  help         Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --env <path>        Path to a .env file (default: .env)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --verbose           Log migration progress

Examples:
  voxagent migrate up --config /etc/voxagent/config.yaml
  voxagent migrate steps -1
  voxagent migrate status --db-type sqlite --db-url "file:voxagent.db?mode=rwc"`)
}
