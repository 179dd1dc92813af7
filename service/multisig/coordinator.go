package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/durango/service/db"
	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/brojonat/durango/service/txbuilder"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// ErrProposalConflict is returned when a vault-transfer proposal loses a
// race for its transaction index: another proposal claimed the same index
// PDA first. The losing transaction is never retried automatically; the
// caller must re-propose against the fresh index.
var ErrProposalConflict = errors.New("proposal transaction index already claimed")

// GroupStore is the subset of ledger operations the coordinator needs.
// *db.Store satisfies it.
type GroupStore interface {
	CreateMultisigGroup(ctx context.Context, params db.CreateMultisigGroupParams) (*db.MultisigGroup, error)
	GetMultisigGroup(ctx context.Context, address string) (*db.MultisigGroup, error)
	ListMultisigGroupsByOwner(ctx context.Context, owner string) ([]*db.MultisigGroup, error)
}

// Coordinator builds durable multisig transactions: group creation, vault
// transfer proposals, and approval votes. Every transaction it builds
// consumes its own reserved nonce, so signers can collect signatures at
// their own pace without blockhash expiry.
type Coordinator struct {
	store     GroupStore
	chain     *solanasvc.Client
	builder   *txbuilder.Builder
	programID solana.PublicKey
	logger    *slog.Logger
}

// NewCoordinator creates a multisig coordinator. programID may be empty,
// in which case the canonical deployment is used.
func NewCoordinator(store GroupStore, chain *solanasvc.Client, builder *txbuilder.Builder, programID string, logger *slog.Logger) (*Coordinator, error) {
	if programID == "" {
		programID = DefaultProgramID
	}
	pk, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid multisig program id: %w", err)
	}
	return &Coordinator{
		store:     store,
		chain:     chain,
		builder:   builder,
		programID: pk,
		logger:    logger,
	}, nil
}

// CreateGroupResult pairs the recorded group with its unsigned (well,
// server-side partially signed) creation transaction.
type CreateGroupResult struct {
	Group *db.MultisigGroup
	Tx    *txbuilder.Built
}

// CreateGroup builds a durable group-creation transaction. The owner is
// always a member and is deduplicated out of the signer list. A zero
// threshold means unanimous: every member must approve.
func (c *Coordinator) CreateGroup(ctx context.Context, nonce txbuilder.DurableParams, owner string, signers []string, threshold int) (*CreateGroupResult, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}

	memberAddrs := []string{owner}
	seen := map[string]bool{owner: true}
	for _, s := range signers {
		if seen[s] {
			continue
		}
		if _, err := solana.PublicKeyFromBase58(s); err != nil {
			return nil, fmt.Errorf("invalid signer %s: %w", s, err)
		}
		seen[s] = true
		memberAddrs = append(memberAddrs, s)
	}

	if threshold == 0 {
		threshold = len(memberAddrs)
	}
	if threshold < 1 || threshold > len(memberAddrs) {
		return nil, fmt.Errorf("threshold %d out of range for %d members", threshold, len(memberAddrs))
	}

	members := make([]Member, len(memberAddrs))
	for i, addr := range memberAddrs {
		members[i] = Member{Key: solana.MustPublicKeyFromBase58(addr), Permissions: PermissionsAll}
	}

	createKey := solana.NewWallet()
	address, err := DeriveMultisigAddress(c.programID, createKey.PublicKey())
	if err != nil {
		return nil, err
	}

	ix := newMultisigCreateInstruction(c.programID, address, createKey.PublicKey(), ownerKey, uint16(threshold), members)
	built, err := c.builder.BuildDurable(nonce, []solana.Instruction{ix}, createKey.PrivateKey)
	if err != nil {
		return nil, err
	}

	group, err := c.store.CreateMultisigGroup(ctx, db.CreateMultisigGroupParams{
		Address:   address.String(),
		Owner:     owner,
		CreateKey: createKey.PublicKey().String(),
		Threshold: int32(threshold),
		Members:   memberAddrs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record multisig group: %w", err)
	}

	c.logger.Info("built multisig group creation",
		"owner", owner,
		"address", group.Address,
		"members", len(memberAddrs),
		"threshold", threshold,
	)
	return &CreateGroupResult{Group: group, Tx: built}, nil
}

// ProposalResult pairs a built proposal or approval transaction with the
// transaction index it targets.
type ProposalResult struct {
	Tx               *txbuilder.Built
	TransactionIndex uint64
}

// ProposeVaultTransfer builds a durable transaction that records a lamport
// transfer out of the group's vault and opens voting on it. The group's
// transaction index is read fresh from chain; the proposal claims
// index+1. If a concurrent proposal wins that index the submission fails
// on-chain and surfaces as ErrProposalConflict via MapSubmissionError.
func (c *Coordinator) ProposeVaultTransfer(ctx context.Context, nonce txbuilder.DurableParams, groupAddress, proposer, recipient string, lamports uint64) (*ProposalResult, error) {
	proposerKey, err := solana.PublicKeyFromBase58(proposer)
	if err != nil {
		return nil, fmt.Errorf("invalid proposer: %w", err)
	}
	recipientKey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if lamports == 0 {
		return nil, errors.New("transfer amount must be positive")
	}

	group, multisigKey, err := c.loadGroup(ctx, groupAddress)
	if err != nil {
		return nil, err
	}

	state, err := c.readState(ctx, multisigKey)
	if err != nil {
		return nil, err
	}
	newIndex := state.TransactionIndex + 1

	vault, err := DeriveVaultAddress(c.programID, multisigKey, 0)
	if err != nil {
		return nil, err
	}
	txAddr, err := DeriveTransactionAddress(c.programID, multisigKey, newIndex)
	if err != nil {
		return nil, err
	}
	proposalAddr, err := DeriveProposalAddress(c.programID, multisigKey, newIndex)
	if err != nil {
		return nil, err
	}

	message, err := vaultTransferMessage(vault, recipientKey, lamports)
	if err != nil {
		return nil, err
	}

	ixs := []solana.Instruction{
		newVaultTransactionCreateInstruction(c.programID, multisigKey, txAddr, proposerKey, 0, message),
		newProposalCreateInstruction(c.programID, multisigKey, proposalAddr, proposerKey, newIndex, false),
	}
	built, err := c.builder.BuildDurable(nonce, ixs)
	if err != nil {
		return nil, err
	}

	c.logger.Info("built vault transfer proposal",
		"group", group.Address,
		"proposer", proposer,
		"transaction_index", newIndex,
		"lamports", lamports,
	)
	return &ProposalResult{Tx: built, TransactionIndex: newIndex}, nil
}

// ApproveProposal builds a durable approval vote on the group's latest
// proposal. The index is read fresh and is not incremented: approvals
// target the proposal that exists, never create one.
func (c *Coordinator) ApproveProposal(ctx context.Context, nonce txbuilder.DurableParams, groupAddress, approver string) (*ProposalResult, error) {
	approverKey, err := solana.PublicKeyFromBase58(approver)
	if err != nil {
		return nil, fmt.Errorf("invalid approver: %w", err)
	}

	group, multisigKey, err := c.loadGroup(ctx, groupAddress)
	if err != nil {
		return nil, err
	}

	state, err := c.readState(ctx, multisigKey)
	if err != nil {
		return nil, err
	}
	if state.TransactionIndex == 0 {
		return nil, errors.New("group has no proposals to approve")
	}

	proposalAddr, err := DeriveProposalAddress(c.programID, multisigKey, state.TransactionIndex)
	if err != nil {
		return nil, err
	}

	ix := newProposalApproveInstruction(c.programID, multisigKey, proposalAddr, approverKey)
	built, err := c.builder.BuildDurable(nonce, []solana.Instruction{ix})
	if err != nil {
		return nil, err
	}

	c.logger.Info("built proposal approval",
		"group", group.Address,
		"approver", approver,
		"transaction_index", state.TransactionIndex,
	)
	return &ProposalResult{Tx: built, TransactionIndex: state.TransactionIndex}, nil
}

func (c *Coordinator) loadGroup(ctx context.Context, address string) (*db.MultisigGroup, solana.PublicKey, error) {
	group, err := c.store.GetMultisigGroup(ctx, address)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("unknown multisig group %s: %w", address, err)
	}
	key, err := solana.PublicKeyFromBase58(group.Address)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("invalid group address: %w", err)
	}
	return group, key, nil
}

func (c *Coordinator) readState(ctx context.Context, multisigKey solana.PublicKey) (*Account, error) {
	data, err := c.chain.GetAccountData(ctx, multisigKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read multisig account: %w", err)
	}
	return DecodeAccount(data)
}

// vaultTransferMessage compiles the inner transfer the vault executes
// once the proposal passes.
func vaultTransferMessage(vault, recipient solana.PublicKey, lamports uint64) ([]byte, error) {
	transfer := system.NewTransferInstruction(lamports, vault, recipient).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{transfer}, solana.Hash{}, solana.TransactionPayer(vault))
	if err != nil {
		return nil, fmt.Errorf("failed to compile vault message: %w", err)
	}
	return tx.Message.MarshalBinary()
}

// MapSubmissionError translates a chain rejection into the proposal
// conflict error for proposal payloads. Other payload kinds and transport
// failures pass through unchanged.
func MapSubmissionError(payloadKind string, err error) error {
	if err == nil {
		return nil
	}
	var rejected *solanasvc.TransactionRejectedError
	if payloadKind == db.PayloadVaultTransferPropose && errors.As(err, &rejected) {
		return fmt.Errorf("%w: %s", ErrProposalConflict, rejected.Reason)
	}
	return err
}
