package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/perchpay/perch/service/db"
	"github.com/perchpay/perch/service/money"
	"github.com/perchpay/perch/service/transfer"
)

func initSchemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.InitSchema(context.Background()); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func createAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-account",
		Usage:     "Create an account",
		ArgsUsage: "<email> <name>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: email and name")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			account, err := store.CreateAccount(context.Background(), c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(account)
			}
			fmt.Printf("Account:  %s\n", account.ID)
			fmt.Printf("Email:    %s\n", account.Email)
			fmt.Printf("Name:     %s\n", account.Name)
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List ledger transactions",
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
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			transactions, err := store.ListTransactions(context.Background(), int32(c.Int("limit")), int32(c.Int("offset")))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(transactions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSENDER\tRECIPIENT\tAMOUNT\tSTATUS\tCREATED")
			for _, txn := range transactions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					txn.ID,
					txn.SenderEmail,
					txn.RecipientEmail,
					formatAmount(txn.AmountMinor, txn.Currency),
					txn.Status,
					txn.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(transactions))
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Get transaction details",
		Aliases:   []string{"get"},
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			id, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid transaction id: %w", err)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txn, err := store.GetTransaction(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txn)
			}

			fmt.Printf("ID:              %s\n", txn.ID)
			fmt.Printf("Sender:          %s\n", txn.SenderID)
			fmt.Printf("Recipient:       %s\n", txn.RecipientID)
			fmt.Printf("Amount:          %s\n", formatAmount(txn.AmountMinor, txn.Currency))
			fmt.Printf("Status:          %s\n", txn.Status)
			fmt.Printf("Payment Method:  %s\n", txn.PaymentMethodID)
			if txn.ProcessorChargeID != nil {
				fmt.Printf("Charge:          %s\n", *txn.ProcessorChargeID)
			} else {
				fmt.Printf("Charge:          (none)\n")
			}
			fmt.Printf("Idempotency Key: %s\n", txn.IdempotencyKey)
			fmt.Printf("Created:         %s\n", txn.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:         %s\n", txn.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func listAmbiguousCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-ambiguous",
		Usage: "List transactions parked as failed_ambiguous",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   100,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			transactions, err := store.ListTransactionsByStatus(context.Background(),
				string(transfer.StatusFailedAmbiguous), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list ambiguous transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(transactions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAMOUNT\tCREATED")
			for _, txn := range transactions {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					txn.ID,
					formatAmount(txn.AmountMinor, txn.Currency),
					txn.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d ambiguous transactions\n", len(transactions))
			return nil
		},
	}
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatAmount renders minor units as a decimal string with the currency code.
func formatAmount(minorUnits int64, currency string) string {
	amount, err := money.FromMinorUnits(minorUnits, currency)
	if err != nil {
		return fmt.Sprintf("%d %s", minorUnits, currency)
	}
	return amount.String()
}
