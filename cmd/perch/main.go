package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "perch",
		Usage: "P2P transfer service CLI",
		Description: `A command-line tool for managing and debugging the perch transfer service.

Use this CLI to inspect the ledger, reconcile ambiguous transactions, and
exercise the HTTP API.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					initSchemaCommand(),
					createAccountCommand(),
					listTransactionsCommand(),
					getTransactionCommand(),
					listAmbiguousCommand(),
				},
			},
			// Admin API commands
			{
				Name:  "admin",
				Usage: "Admin API commands",
				Subcommands: []*cli.Command{
					adminListTransactionsCommand(),
				},
			},
			// Reconciliation commands
			{
				Name:  "reconcile",
				Usage: "Reconciliation workflow commands",
				Subcommands: []*cli.Command{
					reconcileRunCommand(),
					reconcileSweepCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue for reconciliation workflows",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "perch-reconcile",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL for API commands",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "account-id",
				Usage:   "Account id sent as the verified-account header on API commands",
				EnvVars: []string{"PERCH_ACCOUNT_ID"},
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
