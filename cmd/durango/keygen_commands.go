package main

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a new Solana keypair",
		Description: `Generate a keypair for local testing. The secret key is printed to
stdout as base58, suitable for DURANGO_KEYPAIR.

Example:
  durango keygen --json`,
		Action: func(c *cli.Context) error {
			wallet := solana.NewWallet()

			if c.Bool("json") {
				return outputJSON(map[string]string{
					"public_key": wallet.PublicKey().String(),
					"secret_key": wallet.PrivateKey.String(),
				})
			}

			fmt.Printf("Public Key: %s\n", wallet.PublicKey().String())
			fmt.Printf("Secret Key: %s\n", wallet.PrivateKey.String())
			return nil
		},
	}
}
