package txbuilder

import (
	"errors"
	"fmt"
	"log/slog"

	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// ErrMissingNonce is returned when a durable transaction is requested
// without a nonce account or a materialized nonce value. Building
// anyway would anchor the transaction to a recent blockhash and defeat
// the point of a durable transaction, so this fails fast.
var ErrMissingNonce = errors.New("durable transaction requires a nonce account with a materialized value")

// Builder constructs durable transactions. Every transaction it builds
// leads with a nonce-advance instruction and uses the nonce's stored
// value as its recent blockhash, so it stays valid until the nonce is
// advanced rather than expiring with the blockhash window.
type Builder struct {
	feePrice uint64
	feeLimit uint32
	logger   *slog.Logger
}

// NewBuilder creates a durable transaction builder with the given
// priority fee settings.
func NewBuilder(feePrice uint64, feeLimit uint32, logger *slog.Logger) *Builder {
	return &Builder{
		feePrice: feePrice,
		feeLimit: feeLimit,
		logger:   logger,
	}
}

// DurableParams anchors a transaction to a reserved nonce.
type DurableParams struct {
	NoncePublicKey     string
	NonceValue         string
	AuthoritySecretKey string
	FeePayer           string
}

// Built holds a constructed durable transaction in both native and
// base64-encoded form. The encoded form carries the authority's partial
// signature; the fee payer signs client-side.
type Built struct {
	Tx      *solana.Transaction
	Encoded string
}

// BuildDurable assembles a durable transaction around the given payload
// instructions: nonce-advance first, then the payload, then the priority
// fee pair. The recent blockhash is the nonce's stored value, never a
// fetched one. The result is partially signed by the nonce authority and
// any extra signers whose keys the server holds (e.g. a multisig create
// key); the fee payer signs client-side.
func (b *Builder) BuildDurable(params DurableParams, payload []solana.Instruction, extraSigners ...solana.PrivateKey) (*Built, error) {
	if params.NoncePublicKey == "" || params.NonceValue == "" {
		return nil, ErrMissingNonce
	}
	nonceKey, err := solana.PublicKeyFromBase58(params.NoncePublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce public key: %w", err)
	}
	nonceValue, err := solana.HashFromBase58(params.NonceValue)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce value: %w", err)
	}
	authorityKey, err := solana.PrivateKeyFromBase58(params.AuthoritySecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode authority key: %w", err)
	}
	feePayer, err := solana.PublicKeyFromBase58(params.FeePayer)
	if err != nil {
		return nil, fmt.Errorf("invalid fee payer: %w", err)
	}

	ixs := make([]solana.Instruction, 0, len(payload)+3)
	ixs = append(ixs, system.NewAdvanceNonceAccountInstruction(
		nonceKey,
		solana.SysVarRecentBlockHashesPubkey,
		authorityKey.PublicKey(),
	).Build())
	ixs = append(ixs, payload...)
	ixs = append(ixs, solanasvc.PriorityFeeInstructions(b.feePrice, b.feeLimit)...)

	tx, err := solana.NewTransaction(ixs, nonceValue, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to build durable transaction: %w", err)
	}
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(authorityKey.PublicKey()) {
			return &authorityKey
		}
		for i := range extraSigners {
			if key.Equals(extraSigners[i].PublicKey()) {
				return &extraSigners[i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign durable transaction: %w", err)
	}

	encoded, err := solanasvc.Serialize(tx)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("built durable transaction",
		"nonce", params.NoncePublicKey,
		"fee_payer", params.FeePayer,
		"payload_instructions", len(payload),
	)
	return &Built{Tx: tx, Encoded: encoded}, nil
}

// BuildAdvanceTransfer builds a durable lamport transfer from sender to
// recipient.
func (b *Builder) BuildAdvanceTransfer(params DurableParams, sender, recipient string, lamports uint64) (*Built, error) {
	senderKey, err := solana.PublicKeyFromBase58(sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	recipientKey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if lamports == 0 {
		return nil, errors.New("transfer amount must be positive")
	}

	transfer := system.NewTransferInstruction(lamports, senderKey, recipientKey).Build()
	return b.BuildDurable(params, []solana.Instruction{transfer})
}
