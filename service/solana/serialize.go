package solana

import (
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Serialize encodes a transaction to the base64 wire format. This is the
// sole interchange format between the service and any client-side signer;
// partial signature sets survive the round trip exactly as applied.
func Serialize(tx *solana.Transaction) (string, error) {
	out, err := tx.ToBase64()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return out, nil
}

// Deserialize decodes a base64 wire-format transaction.
func Deserialize(encoded string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}

// DecodeRaw decodes the base64 wire format to raw transaction bytes for
// submission, without parsing the transaction structure.
func DecodeRaw(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction bytes: %w", err)
	}
	return raw, nil
}
