// Command oracle runs one scheduler invocation and exits, for external cron.
//
// Usage:
//
//	oracle auto-release     # Release DELIVERED transactions past their dispute window
//	oracle jobs [name]      # Run every locked job, or only the named one
//	oracle reconcile        # Compare the ledger with on-chain escrows
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/alancoin-escrow/internal/config"
	"github.com/mbd888/alancoin-escrow/internal/jobs"
	"github.com/mbd888/alancoin-escrow/internal/logging"
	"github.com/mbd888/alancoin-escrow/internal/oracle"
	"github.com/mbd888/alancoin-escrow/internal/reconcile"
	"github.com/mbd888/alancoin-escrow/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: oracle <command>")
		fmt.Println("Commands: auto-release, jobs [name], reconcile")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := server.NewComponents(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	code := run(ctx, comps, os.Args[1], os.Args[2:])
	comps.Close()
	os.Exit(code)
}

func run(ctx context.Context, comps *server.Components, command string, args []string) int {
	switch command {
	case "auto-release":
		r, err := comps.Releaser.Run(ctx)
		if errors.Is(err, oracle.ErrDisabled) {
			fmt.Fprintln(os.Stderr, "auto-release is disabled (AUTO_RELEASE_ENABLED=false)")
			return 0
		}
		if r != nil {
			printJSON(r)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "auto-release failed: %v\n", err)
			return 1
		}
		if r.FailureCount > 0 {
			return 1
		}
		return 0

	case "jobs":
		var results []jobs.Result
		if len(args) > 0 {
			res, err := comps.Jobs.RunOne(ctx, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v (known jobs: %v)\n", err, comps.Jobs.Jobs())
				return 2
			}
			results = []jobs.Result{res}
		} else {
			results = comps.Jobs.RunAll(ctx)
		}
		printJSON(results)
		return exitCode(results)

	case "reconcile":
		res, err := comps.Jobs.RunOne(ctx, reconcile.JobName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
			return 1
		}
		printJSON(res)
		return exitCode([]jobs.Result{res})

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return 2
	}
}

func exitCode(results []jobs.Result) int {
	for _, r := range results {
		if r.Error != "" {
			return 1
		}
	}
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
