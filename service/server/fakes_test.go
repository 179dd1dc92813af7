package server

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/durango/service/db"
	solanasvc "github.com/brojonat/durango/service/solana"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// memStore is an in-memory stand-in for *db.Store covering the nonce
// ledger, durable transactions, and multisig groups.
type memStore struct {
	mu          sync.Mutex
	authorities map[string]*db.Authority
	nonces      map[string]*db.NonceAccount
	txns        map[int64]*db.DurableTransaction
	groups      map[string]*db.MultisigGroup
	nextTxnID   int64
	seq         int
}

func newMemStore() *memStore {
	return &memStore{
		authorities: make(map[string]*db.Authority),
		nonces:      make(map[string]*db.NonceAccount),
		txns:        make(map[int64]*db.DurableTransaction),
		groups:      make(map[string]*db.MultisigGroup),
	}
}

func (f *memStore) GetAuthority(ctx context.Context, owner string) (*db.Authority, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.authorities[owner]
	if !ok {
		return nil, db.ErrNotFound
	}
	return a, nil
}

func (f *memStore) CreateAuthority(ctx context.Context, owner, publicKey, secretKey string) (*db.Authority, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &db.Authority{Owner: owner, PublicKey: publicKey, SecretKey: secretKey, CreatedAt: time.Now()}
	f.authorities[owner] = a
	return a, nil
}

func (f *memStore) CreateNonce(ctx context.Context, publicKey, owner, authorityPublicKey string) (*db.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	n := &db.NonceAccount{
		PublicKey:          publicKey,
		Owner:              owner,
		AuthorityPublicKey: authorityPublicKey,
		Status:             db.NonceStatusPending,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now().Add(time.Duration(f.seq) * time.Microsecond),
	}
	f.nonces[publicKey] = n
	return n, nil
}

func (f *memStore) GetNonce(ctx context.Context, publicKey string) (*db.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nonces[publicKey]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (f *memStore) ListNoncesByOwner(ctx context.Context, owner, status string) ([]*db.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.NonceAccount
	for _, n := range f.nonces {
		if n.Owner != owner {
			continue
		}
		if status != "" && n.Status != status {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (f *memStore) MarkNonceUsable(ctx context.Context, publicKey, nonceValue string) (*db.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nonces[publicKey]
	if !ok {
		return nil, db.ErrNotFound
	}
	n.NonceValue = &nonceValue
	n.Status = db.NonceStatusUsable
	n.UpdatedAt = time.Now()
	cp := *n
	return &cp, nil
}

func (f *memStore) UpdateNonceStatus(ctx context.Context, publicKey, status string) (*db.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nonces[publicKey]
	if !ok {
		return nil, db.ErrNotFound
	}
	n.Status = status
	n.UpdatedAt = time.Now()
	cp := *n
	return &cp, nil
}

func (f *memStore) SetNonceCreationSignature(ctx context.Context, publicKey, signature string) (*db.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nonces[publicKey]
	if !ok {
		return nil, db.ErrNotFound
	}
	n.CreationSignature = &signature
	cp := *n
	return &cp, nil
}

func (f *memStore) ReserveUsableNonce(ctx context.Context, owner string) (*db.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidates []*db.NonceAccount
	for _, n := range f.nonces {
		if n.Owner == owner && n.Status == db.NonceStatusUsable && n.NonceValue != nil {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, db.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })
	n := candidates[0]
	n.Status = db.NonceStatusReserved
	cp := *n
	return &cp, nil
}

func (f *memStore) DeleteStalePendingNonces(ctx context.Context, owner string, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for key, n := range f.nonces {
		if n.Owner == owner && n.Status == db.NonceStatusPending && n.CreationSignature == nil && n.CreatedAt.Before(before) {
			delete(f.nonces, key)
			deleted++
		}
	}
	return deleted, nil
}

func (f *memStore) CreateDurableTransaction(ctx context.Context, params db.CreateDurableTransactionParams) (*db.DurableTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTxnID++
	txn := &db.DurableTransaction{
		ID:             f.nextTxnID,
		Owner:          params.Owner,
		PayloadKind:    params.PayloadKind,
		NoncePublicKey: params.NoncePublicKey,
		UnsignedTx:     params.UnsignedTx,
		Status:         params.Status,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.txns[txn.ID] = txn
	cp := *txn
	return &cp, nil
}

func (f *memStore) GetDurableTransaction(ctx context.Context, id int64) (*db.DurableTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (f *memStore) ListDurableTransactionsByOwner(ctx context.Context, owner string) ([]*db.DurableTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.DurableTransaction
	for _, txn := range f.txns {
		if txn.Owner == owner {
			cp := *txn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *memStore) UpdateDurableTransactionStatus(ctx context.Context, id int64, status string, signedTx, signature *string) (*db.DurableTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	txn.Status = status
	if signedTx != nil {
		txn.SignedTx = signedTx
	}
	if signature != nil {
		txn.Signature = signature
	}
	txn.UpdatedAt = time.Now()
	cp := *txn
	return &cp, nil
}

func (f *memStore) CreateMultisigGroup(ctx context.Context, params db.CreateMultisigGroupParams) (*db.MultisigGroup, error) {
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

func (f *memStore) GetMultisigGroup(ctx context.Context, address string) (*db.MultisigGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[address]
	if !ok {
		return nil, db.ErrNotFound
	}
	return g, nil
}

func (f *memStore) ListMultisigGroupsByOwner(ctx context.Context, owner string) ([]*db.MultisigGroup, error) {
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

// simChain is a simulated Solana gateway. It understands just enough of
// the system program to run the nonce lifecycle: creation transactions
// register a nonce account (which materializes only after a read miss,
// modeling confirmation lag), advance-led transactions verify the
// recent blockhash against the current nonce value and rotate it, and
// withdraw transactions delete the account.
type simChain struct {
	mu          sync.Mutex
	rent        uint64
	blockhash   solana.Hash
	states      map[solana.PublicKey]*solanasvc.NonceAccountState
	lagReads    map[solana.PublicKey]int
	balances    map[solana.PublicKey]uint64
	rawAccounts map[solana.PublicKey][]byte
	sigCounter  uint64
	rotationSeq uint64
}

func newSimChain() *simChain {
	var blockhash solana.Hash
	copy(blockhash[:], []byte("simulated cluster blockhash 32by"))
	return &simChain{
		rent:        1_447_680,
		blockhash:   blockhash,
		states:      make(map[solana.PublicKey]*solanasvc.NonceAccountState),
		lagReads:    make(map[solana.PublicKey]int),
		balances:    make(map[solana.PublicKey]uint64),
		rawAccounts: make(map[solana.PublicKey][]byte),
	}
}

func (c *simChain) nextValue() solana.Hash {
	c.rotationSeq++
	var h solana.Hash
	copy(h[:], []byte("rotated durable nonce value     "))
	binary.LittleEndian.PutUint64(h[24:], c.rotationSeq)
	return h
}

func (c *simChain) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if raw, ok := c.rawAccounts[account]; ok {
		return c.accountResult(raw, c.balances[account])
	}
	state, ok := c.states[account]
	if !ok || state == nil {
		return nil, rpc.ErrNotFound
	}
	if c.lagReads[account] > 0 {
		c.lagReads[account]--
		return nil, rpc.ErrNotFound
	}

	return c.accountResult(solanasvc.EncodeNonceAccount(state), c.balances[account])
}

func (c *simChain) accountResult(data []byte, lamports uint64) (*rpc.GetAccountInfoResult, error) {
	payload := fmt.Sprintf(
		`{"context":{"slot":1},"value":{"lamports":%d,"data":[%q,"base64"],"owner":"11111111111111111111111111111111","executable":false,"rentEpoch":0}}`,
		lamports,
		base64.StdEncoding.EncodeToString(data),
	)
	var out rpc.GetAccountInfoResult
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *simChain) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &rpc.GetBalanceResult{Value: c.balances[account]}, nil
}

func (c *simChain) GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error) {
	return c.rent, nil
}

func (c *simChain) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: c.blockhash, LastValidBlockHeight: 1000},
	}, nil
}

// System program instruction discriminators.
const (
	sysCreateAccount   = 0
	sysTransfer        = 2
	sysAdvanceNonce    = 4
	sysWithdrawNonce   = 5
	sysInitializeNonce = 6
)

func (c *simChain) SendRawTransaction(ctx context.Context, serialized []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(serialized))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("Transaction simulation failed: invalid transaction: %w", err)
	}
	msg := &tx.Message

	for i, ix := range msg.Instructions {
		program, err := msg.Program(ix.ProgramIDIndex)
		if err != nil {
			return solana.Signature{}, err
		}
		if !program.Equals(solana.SystemProgramID) || len(ix.Data) < 4 {
			continue
		}

		switch binary.LittleEndian.Uint32(ix.Data[:4]) {
		case sysCreateAccount:
			newAccount := msg.AccountKeys[ix.Accounts[1]]
			c.states[newAccount] = nil // allocated, initialized below
			c.balances[newAccount] = c.rent

		case sysInitializeNonce:
			account := msg.AccountKeys[ix.Accounts[0]]
			c.states[account] = &solanasvc.NonceAccountState{
				Version:              1,
				Nonce:                c.nextValue(),
				LamportsPerSignature: 5000,
			}
			// The account exists but lags reads for one poll, like a
			// freshly confirmed account at a follower node.
			c.lagReads[account] = 1

		case sysAdvanceNonce:
			account := msg.AccountKeys[ix.Accounts[0]]
			state, ok := c.states[account]
			if !ok || state == nil {
				return solana.Signature{}, errors.New("Transaction simulation failed: InstructionError: nonce account not found")
			}
			if i != 0 {
				return solana.Signature{}, errors.New("Transaction simulation failed: InstructionError: advance must lead")
			}
			if msg.RecentBlockhash != state.Nonce {
				return solana.Signature{}, errors.New("Transaction simulation failed: BlockhashNotFound")
			}
			state.Nonce = c.nextValue()

		case sysWithdrawNonce:
			account := msg.AccountKeys[ix.Accounts[0]]
			delete(c.states, account)
			delete(c.balances, account)
		}
	}

	c.sigCounter++
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:8], c.sigCounter)
	return sig, nil
}

func (c *simChain) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{
			{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		},
	}, nil
}
