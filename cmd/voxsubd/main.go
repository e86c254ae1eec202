// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/daemon"
	"github.com/voxsub/voxsub/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

const usage = `voxsubd - subtitle pipeline daemon

Usage:
  voxsubd <command> [flags]

Commands:
  serve    run the API ingress together with workers and the cleaner
  worker   run only the job workers and the cleaner
  clean    run a single retention sweep and exit

Flags:
  --config PATH   path to the YAML config file
  --version       print version and exit
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	command := args[0]

	fs := flag.NewFlagSet("voxsubd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	showVersion := fs.Bool("version", false, "print version and exit")

	if command == "--version" || command == "-version" {
		*showVersion = true
	} else if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	// Safe defaults until the real config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "voxsub",
		Version: version,
	})
	logger := log.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
		return 1
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "voxsub",
		Version: version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("event", "startup").
		Str("command", command).
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("starting voxsubd")

	app, err := daemon.NewApp(ctx, cfg, version)
	if err != nil {
		return exitError(err)
	}
	defer app.Close()

	switch command {
	case "serve":
		err = app.Serve(ctx)
	case "worker":
		err = app.Worker(ctx)
	case "clean":
		err = app.CleanOnce(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 1
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitError(err)
	}

	logger.Info().Msg("voxsubd exiting")
	return 0
}

// exitError logs the failure and maps it to the process exit code. A schema
// mismatch gets its own code so operators can tell it apart from runtime
// failures.
func exitError(err error) int {
	logger := log.WithComponent("main")
	if errors.Is(err, config.ErrMigrationRequired) {
		logger.Error().Err(err).Msg("database migration required")
		return 2
	}
	logger.Error().Err(err).Msg("voxsubd failed")
	return 1
}
