package multisig

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/durango/service/db"
	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/brojonat/durango/service/txbuilder"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroupStore struct {
	mu     sync.Mutex
	groups map[string]*db.MultisigGroup
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: make(map[string]*db.MultisigGroup)}
}

func (f *fakeGroupStore) CreateMultisigGroup(ctx context.Context, params db.CreateMultisigGroupParams) (*db.MultisigGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &db.MultisigGroup{
		Address:   params.Address,
		Owner:     params.Owner,
		CreateKey: params.CreateKey,
		Threshold: params.Threshold,
		Members:   params.Members,
		CreatedAt: time.Now(),
	}
	f.groups[params.Address] = g
	return g, nil
}

func (f *fakeGroupStore) GetMultisigGroup(ctx context.Context, address string) (*db.MultisigGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[address]
	if !ok {
		return nil, db.ErrNotFound
	}
	return g, nil
}

func (f *fakeGroupStore) ListMultisigGroupsByOwner(ctx context.Context, owner string) ([]*db.MultisigGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.MultisigGroup
	for _, g := range f.groups {
		if g.Owner == owner {
			out = append(out, g)
		}
	}
	return out, nil
}

// chainStub serves one account's data for GetAccountInfo and fails
// everything else.
type chainStub struct {
	accountData []byte
	accountErr  error
}

func (c *chainStub) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if c.accountErr != nil {
		return nil, c.accountErr
	}
	payload := fmt.Sprintf(
		`{"context":{"slot":1},"value":{"lamports":5000000,"data":[%q,"base64"],"owner":"SQDS4ep65T869zMMBKyuUq6aD6EgTu8psMjkvj52pCf","executable":false,"rentEpoch":0}}`,
		base64.StdEncoding.EncodeToString(c.accountData),
	)
	var out rpc.GetAccountInfoResult
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *chainStub) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return nil, errors.New("not implemented")
}

func (c *chainStub) GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (c *chainStub) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return nil, errors.New("not implemented")
}

func (c *chainStub) SendRawTransaction(ctx context.Context, serialized []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	return solana.Signature{}, errors.New("not implemented")
}

func (c *chainStub) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return nil, errors.New("not implemented")
}

func newTestCoordinator(t *testing.T, store GroupStore, stub *chainStub) *Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chain := solanasvc.NewClient(stub, nil, logger)
	builder := txbuilder.NewBuilder(250_000, 200_000, logger)
	coord, err := NewCoordinator(store, chain, builder, "", logger)
	require.NoError(t, err)
	return coord
}

func testNonceParams(t *testing.T) (txbuilder.DurableParams, *solana.Wallet) {
	t.Helper()
	authority := solana.NewWallet()
	owner := solana.NewWallet()
	nonce := solana.NewWallet()
	var value solana.Hash
	copy(value[:], []byte("durable nonce value for multisig"))
	return txbuilder.DurableParams{
		NoncePublicKey:     nonce.PublicKey().String(),
		NonceValue:         value.String(),
		AuthoritySecretKey: authority.PrivateKey.String(),
		FeePayer:           owner.PublicKey().String(),
	}, owner
}

func TestCreateGroup_DeduplicatesOwner(t *testing.T) {
	params, owner := testNonceParams(t)
	a := solana.NewWallet().PublicKey().String()
	b := solana.NewWallet().PublicKey().String()
	store := newFakeGroupStore()
	coord := newTestCoordinator(t, store, &chainStub{})

	// Owner appears in the signer list and one signer repeats.
	signers := []string{a, owner.PublicKey().String(), b, a}
	result, err := coord.CreateGroup(context.Background(), params, owner.PublicKey().String(), signers, 0)
	require.NoError(t, err)

	assert.Len(t, result.Group.Members, 3)
	assert.Equal(t, owner.PublicKey().String(), result.Group.Members[0])
	assert.EqualValues(t, 3, result.Group.Threshold, "unanimous by default: 3 members, not 4")
}

func TestCreateGroup_ExplicitThreshold(t *testing.T) {
	params, owner := testNonceParams(t)
	a := solana.NewWallet().PublicKey().String()
	b := solana.NewWallet().PublicKey().String()
	coord := newTestCoordinator(t, newFakeGroupStore(), &chainStub{})

	result, err := coord.CreateGroup(context.Background(), params, owner.PublicKey().String(), []string{a, b}, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Group.Threshold)

	_, err = coord.CreateGroup(context.Background(), params, owner.PublicKey().String(), []string{a}, 5)
	assert.Error(t, err, "threshold cannot exceed member count")
}

func TestCreateGroup_TransactionShape(t *testing.T) {
	params, owner := testNonceParams(t)
	coord := newTestCoordinator(t, newFakeGroupStore(), &chainStub{})

	result, err := coord.CreateGroup(context.Background(), params, owner.PublicKey().String(), nil, 0)
	require.NoError(t, err)

	tx := result.Tx.Tx
	// advance, multisig create, priority fee pair
	require.Len(t, tx.Message.Instructions, 4)

	first, err := tx.Message.Program(tx.Message.Instructions[0].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, solana.SystemProgramID, first, "nonce advance leads")

	second, err := tx.Message.Program(tx.Message.Instructions[1].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, solana.MustPublicKeyFromBase58(DefaultProgramID), second)

	assert.Equal(t, params.NonceValue, tx.Message.RecentBlockhash.String())

	// Authority and create key have signed; owner's slot is empty.
	var filled int
	for _, sig := range tx.Signatures {
		if !sig.IsZero() {
			filled++
		}
	}
	assert.Equal(t, 2, filled)
}

func TestDeriveMultisigAddress_Deterministic(t *testing.T) {
	programID := solana.MustPublicKeyFromBase58(DefaultProgramID)
	createKey := solana.NewWallet().PublicKey()

	a, err := DeriveMultisigAddress(programID, createKey)
	require.NoError(t, err)
	b, err := DeriveMultisigAddress(programID, createKey)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := DeriveMultisigAddress(programID, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func seedGroup(t *testing.T, store *fakeGroupStore, owner string) *db.MultisigGroup {
	t.Helper()
	createKey := solana.NewWallet().PublicKey()
	address, err := DeriveMultisigAddress(solana.MustPublicKeyFromBase58(DefaultProgramID), createKey)
	require.NoError(t, err)
	g, err := store.CreateMultisigGroup(context.Background(), db.CreateMultisigGroupParams{
		Address:   address.String(),
		Owner:     owner,
		CreateKey: createKey.String(),
		Threshold: 2,
		Members:   []string{owner},
	})
	require.NoError(t, err)
	return g
}

func TestProposeVaultTransfer_ClaimsNextIndex(t *testing.T) {
	params, owner := testNonceParams(t)
	store := newFakeGroupStore()
	group := seedGroup(t, store, owner.PublicKey().String())

	stub := &chainStub{accountData: EncodeAccount(&Account{
		CreateKey:        solana.MustPublicKeyFromBase58(group.CreateKey),
		Threshold:        2,
		TransactionIndex: 7,
		Members:          []Member{{Key: owner.PublicKey(), Permissions: PermissionsAll}},
	})}
	coord := newTestCoordinator(t, store, stub)

	recipient := solana.NewWallet().PublicKey().String()
	result, err := coord.ProposeVaultTransfer(context.Background(), params, group.Address, owner.PublicKey().String(), recipient, 1_000_000)
	require.NoError(t, err)

	assert.EqualValues(t, 8, result.TransactionIndex, "claims current index + 1")

	tx := result.Tx.Tx
	// advance, vault tx create, proposal create, priority fee pair
	require.Len(t, tx.Message.Instructions, 5)

	// The proposal-create args carry the new index right after the
	// 8-byte discriminator.
	data := tx.Message.Instructions[2].Data
	assert.EqualValues(t, 8, binary.LittleEndian.Uint64(data[8:16]))
}

func TestApproveProposal_UsesLatestIndex(t *testing.T) {
	params, owner := testNonceParams(t)
	store := newFakeGroupStore()
	group := seedGroup(t, store, owner.PublicKey().String())

	stub := &chainStub{accountData: EncodeAccount(&Account{
		CreateKey:        solana.MustPublicKeyFromBase58(group.CreateKey),
		Threshold:        2,
		TransactionIndex: 8,
	})}
	coord := newTestCoordinator(t, store, stub)

	result, err := coord.ApproveProposal(context.Background(), params, group.Address, owner.PublicKey().String())
	require.NoError(t, err)
	assert.EqualValues(t, 8, result.TransactionIndex, "approves the existing proposal, no increment")

	// advance, proposal approve, priority fee pair
	require.Len(t, result.Tx.Tx.Message.Instructions, 4)
}

func TestApproveProposal_NoProposals(t *testing.T) {
	params, owner := testNonceParams(t)
	store := newFakeGroupStore()
	group := seedGroup(t, store, owner.PublicKey().String())

	stub := &chainStub{accountData: EncodeAccount(&Account{TransactionIndex: 0})}
	coord := newTestCoordinator(t, store, stub)

	_, err := coord.ApproveProposal(context.Background(), params, group.Address, owner.PublicKey().String())
	assert.Error(t, err)
}

func TestDecodeAccount_RoundTrip(t *testing.T) {
	rc := solana.NewWallet().PublicKey()
	acct := &Account{
		CreateKey:             solana.NewWallet().PublicKey(),
		ConfigAuthority:       solana.NewWallet().PublicKey(),
		Threshold:             3,
		TimeLock:              60,
		TransactionIndex:      42,
		StaleTransactionIndex: 40,
		RentCollector:         &rc,
		Bump:                  254,
		Members: []Member{
			{Key: solana.NewWallet().PublicKey(), Permissions: PermissionsAll},
			{Key: solana.NewWallet().PublicKey(), Permissions: 3},
		},
	}

	decoded, err := DecodeAccount(EncodeAccount(acct))
	require.NoError(t, err)
	assert.Equal(t, acct, decoded)
}

func TestDecodeAccount_RejectsWrongDiscriminator(t *testing.T) {
	_, err := DecodeAccount([]byte("definitely not a multisig account"))
	assert.Error(t, err)
}

func TestMapSubmissionError(t *testing.T) {
	rejection := &solanasvc.TransactionRejectedError{Reason: "account already in use"}

	err := MapSubmissionError(db.PayloadVaultTransferPropose, rejection)
	assert.ErrorIs(t, err, ErrProposalConflict)

	err = MapSubmissionError(db.PayloadTransfer, rejection)
	assert.NotErrorIs(t, err, ErrProposalConflict)

	assert.NoError(t, MapSubmissionError(db.PayloadVaultTransferPropose, nil))
}
