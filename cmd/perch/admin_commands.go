package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/perchpay/perch/client"
)

func adminListTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List transactions via the admin API",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Pagination offset",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression a transaction must satisfy (can be specified multiple times, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			accountID := c.String("account-id")
			if accountID == "" {
				return fmt.Errorf("account-id is required (set PERCH_ACCOUNT_ID env var or use --account-id)")
			}

			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))
			cl := client.NewClient(c.String("server-url"), accountID, nil, logger)

			transactions, err := cl.ListTransactions(context.Background(), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			matched := make([]*client.AdminTransaction, 0, len(transactions))
			for _, txn := range transactions {
				ok, err := matchesJQFilters(filters, txn)
				if err != nil {
					return err
				}
				if ok {
					matched = append(matched, txn)
				}
			}

			if c.Bool("json") {
				return outputJSON(matched)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSENDER\tRECIPIENT\tAMOUNT\tCURRENCY\tSTATUS")
			for _, txn := range matched {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					txn.ID,
					txn.SenderEmail,
					txn.RecipientEmail,
					txn.Amount,
					txn.Currency,
					txn.Status,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions (%d after filtering)\n", len(transactions), len(matched))
			return nil
		},
	}
}

// compileJQFilters parses and compiles the --must-jq expressions.
func compileJQFilters(exprs []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return compiled, nil
}

// matchesJQFilters reports whether every compiled filter evaluates to a truthy
// value against the transaction's JSON form.
func matchesJQFilters(filters []*gojq.Code, txn *client.AdminTransaction) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	// Round-trip through JSON so jq sees the wire representation.
	raw, err := json.Marshal(txn)
	if err != nil {
		return false, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if _, isErr := v.(error); isErr {
			return false, nil
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq's truthiness: false and null are falsy, everything else
// is truthy.
func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}
