package main

import (
	"fmt"
	"os"

	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

// keypairFlag is shared by every command that counter-signs transactions.
func keypairFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "keypair",
		Aliases: []string{"k"},
		Usage:   "Signing keypair: path to a solana-keygen JSON file, or a base58 secret key",
		EnvVars: []string{"DURANGO_KEYPAIR"},
	}
}

// loadKeypair resolves the --keypair flag to a private key. A value that
// names an existing file is parsed as a solana-keygen JSON array;
// anything else is treated as a base58 secret key.
func loadKeypair(c *cli.Context) (solana.PrivateKey, error) {
	value := c.String("keypair")
	if value == "" {
		return nil, fmt.Errorf("keypair is required (set DURANGO_KEYPAIR env var or use --keypair)")
	}

	if _, err := os.Stat(value); err == nil {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read keypair file %s: %w", value, err)
		}
		return key, nil
	}

	key, err := solana.PrivateKeyFromBase58(value)
	if err != nil {
		return nil, fmt.Errorf("invalid keypair: not a file and not a base58 secret key")
	}
	return key, nil
}

// counterSign adds key's signature to a base64-encoded transaction,
// preserving signatures already applied by the server.
func counterSign(encoded string, key solana.PrivateKey) (string, error) {
	tx, err := solanasvc.Deserialize(encoded)
	if err != nil {
		return "", err
	}

	_, err = tx.PartialSign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	return solanasvc.Serialize(tx)
}
