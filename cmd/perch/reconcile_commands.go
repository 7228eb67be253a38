package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perchpay/perch/service/temporal"
)

func reconcileRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Start a reconciliation workflow for an unsettled transaction",
		ArgsUsage: "<transaction-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Block until the workflow completes and print the result",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}
			transactionID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			runID, err := tc.StartReconciliation(context.Background(), transactionID)
			if err != nil {
				return err
			}
			fmt.Printf("reconciliation started: transaction=%s run=%s\n", transactionID, runID)

			if !c.Bool("wait") {
				return nil
			}

			result, err := tc.AwaitReconciliation(context.Background(), transactionID, runID)
			if err != nil {
				return err
			}
			return outputJSON(result)
		},
	}
}

func reconcileSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Start reconciliation workflows for every unsettled transaction (failed_ambiguous, plus stale charging/reconciling rows)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of transactions to sweep",
				Value:   100,
			},
			&cli.DurationFlag{
				Name:  "stale-after",
				Usage: "How long a charging/reconciling row must be untouched before it is considered orphaned",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			transactions, err := store.ListUnsettledTransactions(context.Background(),
				c.Duration("stale-after"), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list unsettled transactions: %w", err)
			}
			if len(transactions) == 0 {
				fmt.Println("no unsettled transactions")
				return nil
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			started := 0
			for _, txn := range transactions {
				runID, err := tc.StartReconciliation(context.Background(), txn.ID.String())
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to start reconciliation for %s: %v\n", txn.ID, err)
					continue
				}
				fmt.Printf("reconciliation started: transaction=%s run=%s\n", txn.ID, runID)
				started++
			}

			fmt.Fprintf(os.Stderr, "\nStarted %d of %d reconciliations\n", started, len(transactions))
			return nil
		},
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
