package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/durango/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listNoncesCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-nonces",
		Usage:     "List an owner's nonce accounts straight from the database",
		Aliases:   []string{"nonces"},
		ArgsUsage: "<owner>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, usable, reserved, closed)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: owner address")
			}
			owner := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			nonces, err := store.ListNoncesByOwner(context.Background(), owner, c.String("status"))
			if err != nil {
				return fmt.Errorf("failed to list nonces: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(nonces)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PUBLIC KEY\tSTATUS\tVALUE\tCREATED\tUPDATED")
			for _, n := range nonces {
				value := "(none)"
				if n.NonceValue != nil {
					value = *n.NonceValue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					n.PublicKey,
					n.Status,
					value,
					n.CreatedAt.Format(time.RFC3339),
					n.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d nonces\n", len(nonces))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-transactions",
		Usage:     "List an owner's durable transactions straight from the database",
		Aliases:   []string{"txs"},
		ArgsUsage: "<owner>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: json (default) or human",
				Value: "json",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: owner address")
			}
			owner := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			transactions, err := store.ListDurableTransactionsByOwner(context.Background(), owner)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			// Default to JSON output (following project philosophy: stdout = JSON)
			if c.String("format") == "json" {
				return outputJSON(transactions)
			}

			if len(transactions) == 0 {
				fmt.Println("No transactions found")
				return nil
			}

			for i, txn := range transactions {
				if i > 0 {
					fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				}

				fmt.Printf("ID:          %d\n", txn.ID)
				fmt.Printf("Kind:        %s\n", txn.PayloadKind)
				fmt.Printf("Status:      %s\n", txn.Status)
				fmt.Printf("Nonce:       %s\n", txn.NoncePublicKey)
				if txn.Signature != nil && *txn.Signature != "" {
					fmt.Printf("Signature:   %s\n", *txn.Signature)
				} else {
					fmt.Printf("Signature:   (none)\n")
				}
				fmt.Printf("Created At:  %s\n", txn.CreatedAt.Format(time.RFC3339))
				fmt.Printf("Updated At:  %s\n", txn.UpdatedAt.Format(time.RFC3339))
			}

			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(transactions))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	// Try to get from parent context first (for global flags)
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		// Try environment variable directly if flag not found
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

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
