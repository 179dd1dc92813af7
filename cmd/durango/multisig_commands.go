package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
)

func multisigCommands() *cli.Command {
	return &cli.Command{
		Name:  "multisig",
		Usage: "Multisig group coordination commands",
		Subcommands: []*cli.Command{
			multisigCreateCommand(),
			multisigListCommand(),
			multisigProposeCommand(),
			multisigApproveCommand(),
		},
	}
}

func multisigCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a multisig group and execute the durable creation transaction",
		Description: `Stages a group-creation transaction on a reserved nonce, signs it with
the owner keypair, and submits it. Additional signers become members
alongside the owner.

Example:
  durango multisig create --signer ADDR1 --signer ADDR2 --threshold 2`,
		Flags: []cli.Flag{
			serverFlag(),
			keypairFlag(),
			&cli.StringSliceFlag{
				Name:  "signer",
				Usage: "Member address (can be specified multiple times)",
			},
			&cli.IntFlag{
				Name:    "threshold",
				Aliases: []string{"t"},
				Usage:   "Approvals required to execute (0 = all members)",
			},
			&cli.BoolFlag{
				Name:  "no-execute",
				Usage: "Stage the creation transaction without submitting it",
			},
		},
		Action: func(c *cli.Context) error {
			key, err := loadKeypair(c)
			if err != nil {
				return err
			}
			owner := key.PublicKey().String()
			jsonOutput := c.Bool("json")

			cl := newServiceClient(c)
			ctx := context.Background()

			result, err := cl.CreateGroup(ctx, owner, c.StringSlice("signer"), c.Int("threshold"))
			if err != nil {
				return fmt.Errorf("failed to create multisig group: %w", err)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Group %s staged (threshold %d, members: %s)\n",
					result.Group.Address,
					result.Group.Threshold,
					strings.Join(result.Group.Members, ", "),
				)
			}

			if c.Bool("no-execute") {
				if jsonOutput {
					return outputJSON(result)
				}
				fmt.Printf("Transaction %d awaiting signature\n", result.Transaction.ID)
				return nil
			}

			signed, err := counterSign(result.Transaction.UnsignedTx, key)
			if err != nil {
				return fmt.Errorf("failed to sign group creation: %w", err)
			}

			confirmed, err := cl.ExecuteTransaction(ctx, result.Transaction.ID, signed)
			if err != nil {
				return fmt.Errorf("failed to execute group creation: %w", err)
			}

			if jsonOutput {
				return outputJSON(map[string]interface{}{
					"group":       result.Group,
					"transaction": confirmed,
				})
			}
			fmt.Printf("✓ Multisig group created\n")
			fmt.Printf("  Address:   %s\n", result.Group.Address)
			fmt.Printf("  Signature: %s\n", confirmed.Signature)
			return nil
		},
	}
}

func multisigListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List an owner's multisig groups",
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
			groups, err := cl.ListGroups(context.Background(), owner)
			if err != nil {
				return fmt.Errorf("failed to list groups: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(groups)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tTHRESHOLD\tMEMBERS")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%d\t%s\n", g.Address, g.Threshold, strings.Join(g.Members, ","))
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d groups\n", len(groups))
			return nil
		},
	}
}

func multisigProposeCommand() *cli.Command {
	return &cli.Command{
		Name:      "propose",
		Usage:     "Propose a vault transfer and execute the durable proposal",
		ArgsUsage: "GROUP_ADDRESS RECIPIENT_ADDRESS AMOUNT_SOL",
		Flags: []cli.Flag{
			serverFlag(),
			keypairFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("group address, recipient, and amount are required")
			}
			group := c.Args().Get(0)
			recipient := c.Args().Get(1)
			amount := c.Args().Get(2)

			key, err := loadKeypair(c)
			if err != nil {
				return err
			}

			cl := newServiceClient(c)
			ctx := context.Background()

			result, err := cl.ProposeVaultTransfer(ctx, group, key.PublicKey().String(), recipient, amount)
			if err != nil {
				return fmt.Errorf("failed to build proposal: %w", err)
			}

			signed, err := counterSign(result.Transaction.UnsignedTx, key)
			if err != nil {
				return fmt.Errorf("failed to sign proposal: %w", err)
			}

			confirmed, err := cl.ExecuteTransaction(ctx, result.Transaction.ID, signed)
			if err != nil {
				return fmt.Errorf("failed to execute proposal: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"transaction":       confirmed,
					"transaction_index": result.TransactionIndex,
				})
			}
			fmt.Printf("✓ Proposal %d recorded (signature: %s)\n", result.TransactionIndex, confirmed.Signature)
			return nil
		},
	}
}

func multisigApproveCommand() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve the group's latest proposal",
		ArgsUsage: "GROUP_ADDRESS",
		Flags: []cli.Flag{
			serverFlag(),
			keypairFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("group address is required")
			}
			group := c.Args().Get(0)

			key, err := loadKeypair(c)
			if err != nil {
				return err
			}

			cl := newServiceClient(c)
			ctx := context.Background()

			result, err := cl.ApproveProposal(ctx, group, key.PublicKey().String())
			if err != nil {
				return fmt.Errorf("failed to build approval: %w", err)
			}

			signed, err := counterSign(result.Transaction.UnsignedTx, key)
			if err != nil {
				return fmt.Errorf("failed to sign approval: %w", err)
			}

			confirmed, err := cl.ExecuteTransaction(ctx, result.Transaction.ID, signed)
			if err != nil {
				return fmt.Errorf("failed to execute approval: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"transaction":       confirmed,
					"transaction_index": result.TransactionIndex,
				})
			}
			fmt.Printf("✓ Approved proposal %d (signature: %s)\n", result.TransactionIndex, confirmed.Signature)
			return nil
		},
	}
}
