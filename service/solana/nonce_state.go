package solana

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// NonceAccountSize is the on-chain size of a system-program nonce account in
// bytes: version (u32) + state (u32) + authority (32) + durable nonce (32) +
// fee calculator (u64).
const NonceAccountSize = 80

// Nonce account state discriminants as stored on-chain.
const (
	nonceStateUninitialized = 0
	nonceStateInitialized   = 1
)

// NonceAccountState is the decoded content of a durable-nonce account.
// Nonce is the opaque durable value substituted for a recent blockhash; it
// changes every time the nonce is advanced.
type NonceAccountState struct {
	Version              uint32
	Authority            solana.PublicKey
	Nonce                solana.Hash
	LamportsPerSignature uint64
}

// DecodeNonceAccount decodes raw nonce account data fetched via
// getAccountInfo. It rejects truncated data and accounts that were created
// but never initialized as nonces.
func DecodeNonceAccount(data []byte) (*NonceAccountState, error) {
	if len(data) < NonceAccountSize {
		return nil, fmt.Errorf("nonce account data too short: got %d bytes, want %d", len(data), NonceAccountSize)
	}

	dec := bin.NewBinDecoder(data)

	version, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce version: %w", err)
	}

	state, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce state: %w", err)
	}
	if state != nonceStateInitialized {
		return nil, fmt.Errorf("nonce account not initialized (state %d)", state)
	}

	authorityBytes, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce authority: %w", err)
	}

	nonceBytes, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode durable nonce value: %w", err)
	}

	lamportsPerSig, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fee calculator: %w", err)
	}

	out := &NonceAccountState{
		Version:              version,
		Authority:            solana.PublicKeyFromBytes(authorityBytes),
		LamportsPerSignature: lamportsPerSig,
	}
	copy(out.Nonce[:], nonceBytes)

	return out, nil
}

// EncodeNonceAccount is the inverse of DecodeNonceAccount. It exists for the
// simulated gateway used in tests; production code never writes account data.
func EncodeNonceAccount(state *NonceAccountState) []byte {
	data := make([]byte, 0, NonceAccountSize)
	data = appendUint32LE(data, state.Version)
	data = appendUint32LE(data, nonceStateInitialized)
	data = append(data, state.Authority[:]...)
	data = append(data, state.Nonce[:]...)
	data = appendUint64LE(data, state.LamportsPerSignature)
	return data
}

func appendUint32LE(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64LE(b []byte, v uint64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
