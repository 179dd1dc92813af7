package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/brojonat/durango/client"
	"github.com/urfave/cli/v2"
)

func nonceCommands() *cli.Command {
	return &cli.Command{
		Name:  "nonce",
		Usage: "Durable nonce account management commands",
		Subcommands: []*cli.Command{
			nonceProvisionCommand(),
			nonceListCommand(),
			nonceCloseCommand(),
		},
	}
}

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Value:   "http://localhost:8080",
		Usage:   "HTTP server URL",
		EnvVars: []string{"DURANGO_SERVER_URL"},
	}
}

func newServiceClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server"), nil, logger)
}

func nonceProvisionCommand() *cli.Command {
	return &cli.Command{
		Name:    "provision",
		Aliases: []string{"create"},
		Usage:   "Create nonce accounts: build, counter-sign, and activate in one step",
		Description: `Asks the server to build nonce-account creation transactions, signs
them with the owner keypair, and submits them back for activation. The
command blocks until each nonce value has materialized on chain.

Example:
  durango nonce provision --count 3 --keypair ~/.config/solana/id.json`,
		Flags: []cli.Flag{
			serverFlag(),
			keypairFlag(),
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Value:   1,
				Usage:   "Number of nonce accounts to create",
			},
		},
		Action: func(c *cli.Context) error {
			key, err := loadKeypair(c)
			if err != nil {
				return err
			}
			owner := key.PublicKey().String()
			count := c.Int("count")
			jsonOutput := c.Bool("json")

			cl := newServiceClient(c)
			ctx := context.Background()

			creations, err := cl.CreateNonces(ctx, owner, count)
			if err != nil {
				return fmt.Errorf("failed to build nonce creations: %w", err)
			}

			var activations []client.Activation
			for _, creation := range creations {
				if creation.Error != "" {
					fmt.Fprintf(os.Stderr, "build failed: %s\n", creation.Error)
					continue
				}
				signed, err := counterSign(creation.Transaction, key)
				if err != nil {
					return fmt.Errorf("failed to sign creation for %s: %w", creation.NoncePublicKey, err)
				}
				activations = append(activations, client.Activation{
					NoncePublicKey: creation.NoncePublicKey,
					SignedTx:       signed,
				})
			}
			if len(activations) == 0 {
				return fmt.Errorf("no nonce creations to activate")
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Submitting %d creation transaction(s), waiting for nonce values...\n", len(activations))
			}

			results, err := cl.ActivateNonces(ctx, activations)
			if err != nil {
				return fmt.Errorf("failed to activate nonces: %w", err)
			}

			if jsonOutput {
				return outputJSON(results)
			}

			for _, res := range results {
				if res.Error != "" {
					fmt.Printf("✗ %s: %s\n", res.NoncePublicKey, res.Error)
					continue
				}
				fmt.Printf("✓ %s  %s  value=%s\n", res.NoncePublicKey, res.Status, res.NonceValue)
			}
			return nil
		},
	}
}

func nonceListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List an owner's nonce accounts",
		ArgsUsage: "OWNER_ADDRESS",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, usable, reserved, closed)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("owner address is required")
			}
			owner := c.Args().Get(0)

			cl := newServiceClient(c)
			nonces, err := cl.ListNonces(context.Background(), owner, c.String("status"))
			if err != nil {
				return fmt.Errorf("failed to list nonces: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(nonces)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PUBLIC KEY\tSTATUS\tVALUE\tAUTHORITY")
			for _, n := range nonces {
				value := n.NonceValue
				if value == "" {
					value = "(pending)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.PublicKey, n.Status, value, n.AuthorityPublicKey)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d nonces\n", len(nonces))
			return nil
		},
	}
}

func nonceCloseCommand() *cli.Command {
	return &cli.Command{
		Name:      "close",
		Usage:     "Close a nonce account and reclaim its lamports",
		ArgsUsage: "NONCE_PUBLIC_KEY",
		Description: `Builds a withdraw-all transaction for the nonce account, signs it
with the owner keypair, and submits it. All lamports return to the
owner and the nonce is marked closed.`,
		Flags: []cli.Flag{
			serverFlag(),
			keypairFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("nonce public key is required")
			}
			noncePub := c.Args().Get(0)

			key, err := loadKeypair(c)
			if err != nil {
				return err
			}
			owner := key.PublicKey().String()

			cl := newServiceClient(c)
			ctx := context.Background()

			tx, err := cl.BuildCloseNonce(ctx, owner, noncePub)
			if err != nil {
				return fmt.Errorf("failed to build closure: %w", err)
			}

			signed, err := counterSign(tx, key)
			if err != nil {
				return fmt.Errorf("failed to sign closure: %w", err)
			}

			nonce, err := cl.SubmitCloseNonce(ctx, noncePub, signed)
			if err != nil {
				return fmt.Errorf("failed to submit closure: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(nonce)
			}
			fmt.Printf("✓ Nonce %s closed\n", nonce.PublicKey)
			return nil
		},
	}
}
