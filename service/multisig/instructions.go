package multisig

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the Squads v4 program on mainnet and devnet. The
// coordinator accepts an override for local validators running a forked
// deployment.
const DefaultProgramID = "SQDS4ep65T869zMMBKyuUq6aD6EgTu8psMjkvj52pCf"

// PDA seed prefixes, matching the on-chain program.
var (
	seedPrefix      = []byte("multisig")
	seedVault       = []byte("vault")
	seedTransaction = []byte("transaction")
	seedProposal    = []byte("proposal")
)

// anchorDiscriminator returns the 8-byte instruction discriminator for an
// Anchor program method.
func anchorDiscriminator(name string) []byte {
	h := sha256.Sum256([]byte("global:" + name))
	return h[:8]
}

// accountDiscriminator returns the 8-byte discriminator for an Anchor
// account type.
func accountDiscriminator(name string) []byte {
	h := sha256.Sum256([]byte("account:" + name))
	return h[:8]
}

// DeriveMultisigAddress derives the multisig config PDA for a create key.
func DeriveMultisigAddress(programID, createKey solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{seedPrefix, seedPrefix, createKey.Bytes()},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive multisig address: %w", err)
	}
	return addr, nil
}

// DeriveVaultAddress derives the vault PDA that holds the group's funds.
func DeriveVaultAddress(programID, multisig solana.PublicKey, index uint8) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{seedPrefix, multisig.Bytes(), seedVault, {index}},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive vault address: %w", err)
	}
	return addr, nil
}

// DeriveTransactionAddress derives the PDA for transaction index.
// The derivation is collision-free per index, which is what turns a
// concurrent double-propose into an on-chain account-exists rejection.
func DeriveTransactionAddress(programID, multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{seedPrefix, multisig.Bytes(), seedTransaction, uint64LE(index)},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive transaction address: %w", err)
	}
	return addr, nil
}

// DeriveProposalAddress derives the proposal PDA for transaction index.
func DeriveProposalAddress(programID, multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{seedPrefix, multisig.Bytes(), seedTransaction, uint64LE(index), seedProposal},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive proposal address: %w", err)
	}
	return addr, nil
}

func uint64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func appendUint16LE(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendUint32LE(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendUint64LE(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// appendOptionNone appends a borsh Option::None tag.
func appendOptionNone(b []byte) []byte {
	return append(b, 0)
}

// appendVecBytes appends a borsh Vec<u8>: u32 length prefix + bytes.
func appendVecBytes(b, v []byte) []byte {
	b = appendUint32LE(b, uint32(len(v)))
	return append(b, v...)
}

// newMultisigCreateInstruction initializes a multisig config account.
// Args are borsh-encoded: config_authority Option<Pubkey>, threshold u16,
// members Vec<Member>, time_lock u32, rent_collector Option<Pubkey>,
// memo Option<String>.
func newMultisigCreateInstruction(programID, multisig, createKey, creator solana.PublicKey, threshold uint16, members []Member) solana.Instruction {
	data := anchorDiscriminator("multisig_create")
	data = appendOptionNone(data) // autonomous group, no config authority
	data = appendUint16LE(data, threshold)
	data = appendUint32LE(data, uint32(len(members)))
	for _, m := range members {
		data = append(data, m.Key.Bytes()...)
		data = append(data, m.Permissions)
	}
	data = appendUint32LE(data, 0) // time_lock
	data = appendOptionNone(data)  // rent_collector
	data = appendOptionNone(data)  // memo

	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.Meta(multisig).WRITE(),
		solana.Meta(createKey).SIGNER(),
		solana.Meta(creator).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, data)
}

// newVaultTransactionCreateInstruction records the payload a vault will
// execute once its proposal passes. Args: vault_index u8,
// ephemeral_signers u8, transaction_message Vec<u8>, memo Option<String>.
func newVaultTransactionCreateInstruction(programID, multisig, transaction, creator solana.PublicKey, vaultIndex uint8, message []byte) solana.Instruction {
	data := anchorDiscriminator("vault_transaction_create")
	data = append(data, vaultIndex)
	data = append(data, 0) // ephemeral_signers
	data = appendVecBytes(data, message)
	data = appendOptionNone(data) // memo

	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.Meta(multisig).WRITE(),
		solana.Meta(transaction).WRITE(),
		solana.Meta(creator).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, data)
}

// newProposalCreateInstruction opens voting on a transaction index.
// Args: transaction_index u64, draft bool.
func newProposalCreateInstruction(programID, multisig, proposal, creator solana.PublicKey, index uint64, draft bool) solana.Instruction {
	data := anchorDiscriminator("proposal_create")
	data = appendUint64LE(data, index)
	if draft {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}

	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.Meta(multisig),
		solana.Meta(proposal).WRITE(),
		solana.Meta(creator).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, data)
}

// newProposalApproveInstruction records a member's approval vote.
// Args: memo Option<String>.
func newProposalApproveInstruction(programID, multisig, proposal, member solana.PublicKey) solana.Instruction {
	data := anchorDiscriminator("proposal_approve")
	data = appendOptionNone(data) // memo

	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.Meta(multisig),
		solana.Meta(member).WRITE().SIGNER(),
		solana.Meta(proposal).WRITE(),
	}, data)
}
