package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/brojonat/durango/client"
	"github.com/urfave/cli/v2"
)

func transferCommands() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Durable transfer commands",
		Subcommands: []*cli.Command{
			transferSendCommand(),
			transferListCommand(),
			transferExecuteCommand(),
		},
	}
}

func transferSendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Build, sign, and execute a durable transfer",
		ArgsUsage: "RECIPIENT_ADDRESS AMOUNT_SOL",
		Description: `Reserves a usable nonce, builds a durable transfer anchored to it,
counter-signs with the owner keypair, and submits it for confirmation.

Example:
  durango transfer send 7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2 0.25`,
		Flags: []cli.Flag{
			serverFlag(),
			keypairFlag(),
			&cli.BoolFlag{
				Name:  "no-execute",
				Usage: "Stage the transaction without submitting it",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("recipient address and amount are required")
			}
			recipient := c.Args().Get(0)
			amount := c.Args().Get(1)

			key, err := loadKeypair(c)
			if err != nil {
				return err
			}
			owner := key.PublicKey().String()
			jsonOutput := c.Bool("json")

			cl := newServiceClient(c)
			ctx := context.Background()

			txn, err := cl.BuildTransfer(ctx, owner, recipient, amount)
			if err != nil {
				return fmt.Errorf("failed to build transfer: %w", err)
			}

			if c.Bool("no-execute") {
				if jsonOutput {
					return outputJSON(txn)
				}
				fmt.Printf("Staged transaction %d on nonce %s (sign and execute later)\n", txn.ID, txn.NoncePublicKey)
				return nil
			}

			signed, err := counterSign(txn.UnsignedTx, key)
			if err != nil {
				return fmt.Errorf("failed to sign transfer: %w", err)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Submitting transaction %d...\n", txn.ID)
			}

			confirmed, err := cl.ExecuteTransaction(ctx, txn.ID, signed)
			if err != nil {
				return fmt.Errorf("failed to execute transfer: %w", err)
			}

			if jsonOutput {
				return outputJSON(confirmed)
			}
			fmt.Printf("✓ Transfer confirmed\n")
			fmt.Printf("  Transaction: %d\n", confirmed.ID)
			fmt.Printf("  Signature:   %s\n", confirmed.Signature)
			fmt.Printf("  Nonce:       %s\n", confirmed.NoncePublicKey)
			return nil
		},
	}
}

func transferExecuteCommand() *cli.Command {
	return &cli.Command{
		Name:      "execute",
		Usage:     "Sign and submit a previously staged transaction",
		ArgsUsage: "TRANSACTION_ID",
		Flags: []cli.Flag{
			serverFlag(),
			keypairFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("transaction id is required")
			}
			var id int64
			if _, err := fmt.Sscan(c.Args().Get(0), &id); err != nil {
				return fmt.Errorf("invalid transaction id: %w", err)
			}

			key, err := loadKeypair(c)
			if err != nil {
				return err
			}

			cl := newServiceClient(c)
			ctx := context.Background()

			txns, err := cl.ListTransactions(ctx, key.PublicKey().String())
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			var staged *client.Transaction
			for _, txn := range txns {
				if txn.ID == id {
					staged = txn
					break
				}
			}
			if staged == nil {
				return fmt.Errorf("transaction %d not found for this keypair", id)
			}

			signed, err := counterSign(staged.UnsignedTx, key)
			if err != nil {
				return fmt.Errorf("failed to sign transaction: %w", err)
			}

			confirmed, err := cl.ExecuteTransaction(ctx, id, signed)
			if err != nil {
				return fmt.Errorf("failed to execute transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(confirmed)
			}
			fmt.Printf("✓ Transaction %d confirmed (signature: %s)\n", confirmed.ID, confirmed.Signature)
			return nil
		},
	}
}

func transferListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List an owner's durable transactions",
		ArgsUsage: "OWNER_ADDRESS",
		Flags: []cli.Flag{
			serverFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("owner address is required")
			}
			owner := c.Args().Get(0)

			cl := newServiceClient(c)
			txns, err := cl.ListTransactions(context.Background(), owner)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tNONCE\tSIGNATURE")
			for _, txn := range txns {
				sig := txn.Signature
				if sig == "" {
					sig = "(unsigned)"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", txn.ID, txn.PayloadKind, txn.Status, txn.NoncePublicKey, sig)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}
