package txbuilder

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder() *Builder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBuilder(250_000, 200_000, logger)
}

func durableParams(t *testing.T) (DurableParams, *solana.Wallet, *solana.Wallet) {
	t.Helper()
	authority := solana.NewWallet()
	owner := solana.NewWallet()
	nonce := solana.NewWallet()

	var value solana.Hash
	copy(value[:], []byte("stored nonce value, not a block "))

	return DurableParams{
		NoncePublicKey:     nonce.PublicKey().String(),
		NonceValue:         value.String(),
		AuthoritySecretKey: authority.PrivateKey.String(),
		FeePayer:           owner.PublicKey().String(),
	}, authority, owner
}

// systemInstructionIndex extracts the u32 discriminator of a compiled
// system-program instruction.
func systemInstructionIndex(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[:4])
}

func TestBuildAdvanceTransfer_InstructionOrder(t *testing.T) {
	params, authority, owner := durableParams(t)
	recipient := solana.NewWallet().PublicKey()

	built, err := newTestBuilder().BuildAdvanceTransfer(params, params.FeePayer, recipient.String(), 1_000_000)
	require.NoError(t, err)

	tx := built.Tx
	require.Len(t, tx.Message.Instructions, 4)

	programAt := func(i int) solana.PublicKey {
		pk, err := tx.Message.Program(tx.Message.Instructions[i].ProgramIDIndex)
		require.NoError(t, err)
		return pk
	}

	// Nonce advance must come first or the chain rejects the stored
	// value as a stale blockhash.
	assert.Equal(t, solana.SystemProgramID, programAt(0))
	assert.EqualValues(t, 4, systemInstructionIndex(tx.Message.Instructions[0].Data), "AdvanceNonceAccount")

	assert.Equal(t, solana.SystemProgramID, programAt(1))
	assert.EqualValues(t, 2, systemInstructionIndex(tx.Message.Instructions[1].Data), "Transfer")

	assert.Equal(t, solana.ComputeBudget, programAt(2))
	assert.Equal(t, solana.ComputeBudget, programAt(3))

	assert.Equal(t, params.NonceValue, tx.Message.RecentBlockhash.String(),
		"recent blockhash is the stored nonce value")
	assert.Equal(t, owner.PublicKey(), tx.Message.AccountKeys[0], "fee payer leads the account list")

	// Authority has signed; the fee payer's slot awaits the client.
	signers := tx.Message.Signers()
	var authoritySigned, ownerSigned bool
	for i, signer := range signers {
		if signer.Equals(authority.PublicKey()) {
			authoritySigned = !tx.Signatures[i].IsZero()
		}
		if signer.Equals(owner.PublicKey()) {
			ownerSigned = !tx.Signatures[i].IsZero()
		}
	}
	assert.True(t, authoritySigned)
	assert.False(t, ownerSigned)
}

func TestBuildAdvanceTransfer_RoundTripsEncoded(t *testing.T) {
	params, _, _ := durableParams(t)
	recipient := solana.NewWallet().PublicKey()

	built, err := newTestBuilder().BuildAdvanceTransfer(params, params.FeePayer, recipient.String(), 5_000)
	require.NoError(t, err)

	decoded, err := solanasvc.Deserialize(built.Encoded)
	require.NoError(t, err)
	assert.Equal(t, built.Tx.Message.RecentBlockhash, decoded.Message.RecentBlockhash)
	assert.Equal(t, len(built.Tx.Signatures), len(decoded.Signatures))
}

func TestBuildAdvanceTransfer_MissingNonce(t *testing.T) {
	params, _, _ := durableParams(t)
	recipient := solana.NewWallet().PublicKey().String()
	b := newTestBuilder()

	missing := params
	missing.NoncePublicKey = ""
	_, err := b.BuildAdvanceTransfer(missing, params.FeePayer, recipient, 1_000)
	assert.ErrorIs(t, err, ErrMissingNonce)

	missing = params
	missing.NonceValue = ""
	_, err = b.BuildAdvanceTransfer(missing, params.FeePayer, recipient, 1_000)
	assert.ErrorIs(t, err, ErrMissingNonce)
}

func TestBuildAdvanceTransfer_ZeroAmount(t *testing.T) {
	params, _, _ := durableParams(t)
	recipient := solana.NewWallet().PublicKey().String()

	_, err := newTestBuilder().BuildAdvanceTransfer(params, params.FeePayer, recipient, 0)
	assert.Error(t, err)
}

func TestBuildDurable_CustomPayload(t *testing.T) {
	params, _, _ := durableParams(t)
	memo := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{},
		[]byte("durable memo"),
	)

	built, err := newTestBuilder().BuildDurable(params, []solana.Instruction{memo})
	require.NoError(t, err)
	require.Len(t, built.Tx.Message.Instructions, 4)

	pk, err := built.Tx.Message.Program(built.Tx.Message.Instructions[1].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, solana.MemoProgramID, pk)
}
