package nonce

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/durango/service/db"
	"github.com/brojonat/durango/service/metrics"
	"github.com/brojonat/durango/service/nats"
	"github.com/brojonat/durango/service/retry"
	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// Ledger is the subset of database operations the manager needs.
// *db.Store satisfies it.
type Ledger interface {
	GetAuthority(ctx context.Context, owner string) (*db.Authority, error)
	CreateAuthority(ctx context.Context, owner, publicKey, secretKey string) (*db.Authority, error)

	CreateNonce(ctx context.Context, publicKey, owner, authorityPublicKey string) (*db.NonceAccount, error)
	GetNonce(ctx context.Context, publicKey string) (*db.NonceAccount, error)
	ListNoncesByOwner(ctx context.Context, owner, status string) ([]*db.NonceAccount, error)
	MarkNonceUsable(ctx context.Context, publicKey, nonceValue string) (*db.NonceAccount, error)
	UpdateNonceStatus(ctx context.Context, publicKey, status string) (*db.NonceAccount, error)
	SetNonceCreationSignature(ctx context.Context, publicKey, signature string) (*db.NonceAccount, error)
	ReserveUsableNonce(ctx context.Context, owner string) (*db.NonceAccount, error)
	DeleteStalePendingNonces(ctx context.Context, owner string, before time.Time) (int64, error)
}

// Manager owns the durable-nonce account lifecycle: creation, activation,
// reservation for payload transactions, recycling after use, and closure.
type Manager struct {
	ledger  Ledger
	chain   *solanasvc.Client
	events  nats.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	feePrice        uint64
	feeLimit        uint32
	batchMax        int
	retryAttempts   int
	retryDelay      time.Duration
	stalePendingAge time.Duration
}

// Options configures a Manager. Zero values fall back to sensible defaults.
type Options struct {
	PriorityFeePrice uint64
	PriorityFeeLimit uint32
	BatchMax         int
	RetryAttempts    int
	RetryDelay       time.Duration
	// StalePendingAge is how old an unsigned pending nonce row must be
	// before a new creation batch sweeps it. Must comfortably exceed the
	// blockhash validity window so only truly abandoned batches are swept.
	StalePendingAge time.Duration
}

// NewManager creates a nonce lifecycle manager.
// events and m may be nil, in which case no events or metrics are emitted.
func NewManager(ledger Ledger, chain *solanasvc.Client, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger, opts Options) *Manager {
	if opts.PriorityFeePrice == 0 {
		opts.PriorityFeePrice = 250_000
	}
	if opts.PriorityFeeLimit == 0 {
		opts.PriorityFeeLimit = 200_000
	}
	if opts.BatchMax == 0 {
		opts.BatchMax = 10
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.StalePendingAge == 0 {
		opts.StalePendingAge = 10 * time.Minute
	}
	return &Manager{
		ledger:          ledger,
		chain:           chain,
		events:          events,
		metrics:         m,
		logger:          logger,
		feePrice:        opts.PriorityFeePrice,
		feeLimit:        opts.PriorityFeeLimit,
		batchMax:        opts.BatchMax,
		retryAttempts:   opts.RetryAttempts,
		retryDelay:      opts.RetryDelay,
		stalePendingAge: opts.StalePendingAge,
	}
}

// CreationResult is the per-element outcome of CreateNonceAccounts.
// A failed element carries Err; the rest of the batch is unaffected.
type CreationResult struct {
	NoncePublicKey string
	Transaction    string
	Err            error
}

// CreateNonceAccounts builds count nonce-account creation transactions for
// owner. Each transaction allocates and initializes one nonce account, is
// partially signed by the new nonce keypair and the owner's authority, and
// must be counter-signed by the owner (the fee payer) before submission
// via ActivateNonce. Abandoned pending rows older than the stale-pending
// age are cleared first; younger batches may still be out for
// counter-signing and are left alone.
func (mgr *Manager) CreateNonceAccounts(ctx context.Context, owner string, count int) ([]CreationResult, error) {
	if count < 1 || count > mgr.batchMax {
		return nil, fmt.Errorf("count must be between 1 and %d, got %d", mgr.batchMax, count)
	}
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner public key: %w", err)
	}

	deleted, err := mgr.ledger.DeleteStalePendingNonces(ctx, owner, time.Now().Add(-mgr.stalePendingAge))
	if err != nil {
		return nil, fmt.Errorf("failed to clear stale pending nonces: %w", err)
	}
	if deleted > 0 {
		mgr.logger.Info("cleared stale pending nonces", "owner", owner, "count", deleted)
	}

	authority, err := mgr.loadOrCreateAuthority(ctx, owner)
	if err != nil {
		return nil, err
	}
	authorityKey, err := solana.PrivateKeyFromBase58(authority.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode authority key: %w", err)
	}

	rent, err := mgr.chain.NonceRentExemptMinimum(ctx)
	if err != nil {
		return nil, err
	}
	blockhash, err := mgr.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]CreationResult, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = mgr.buildCreation(ctx, owner, ownerKey, authorityKey, rent, blockhash)
		}(i)
	}
	wg.Wait()

	if mgr.metrics != nil {
		mgr.metrics.RecordNonceCreationBatch(count)
	}
	return results, nil
}

func (mgr *Manager) buildCreation(ctx context.Context, owner string, ownerKey solana.PublicKey, authorityKey solana.PrivateKey, rent uint64, blockhash solana.Hash) CreationResult {
	nonceWallet := solana.NewWallet()
	noncePub := nonceWallet.PublicKey()

	ixs := []solana.Instruction{
		system.NewCreateAccountInstruction(
			rent,
			solanasvc.NonceAccountSize,
			system.ProgramID,
			ownerKey,
			noncePub,
		).Build(),
		system.NewInitializeNonceAccountInstruction(
			authorityKey.PublicKey(),
			noncePub,
			solana.SysVarRecentBlockHashesPubkey,
			solana.SysVarRentPubkey,
		).Build(),
	}
	ixs = append(ixs, solanasvc.PriorityFeeInstructions(mgr.feePrice, mgr.feeLimit)...)

	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(ownerKey))
	if err != nil {
		return CreationResult{Err: fmt.Errorf("failed to build creation transaction: %w", err)}
	}
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(noncePub) {
			return &nonceWallet.PrivateKey
		}
		if key.Equals(authorityKey.PublicKey()) {
			return &authorityKey
		}
		return nil
	})
	if err != nil {
		return CreationResult{Err: fmt.Errorf("failed to sign creation transaction: %w", err)}
	}

	encoded, err := solanasvc.Serialize(tx)
	if err != nil {
		return CreationResult{Err: err}
	}

	record, err := mgr.ledger.CreateNonce(ctx, noncePub.String(), owner, authorityKey.PublicKey().String())
	if err != nil {
		return CreationResult{Err: fmt.Errorf("failed to record nonce account: %w", err)}
	}
	mgr.recordTransition(db.NonceStatusPending)
	mgr.publish(ctx, nats.NonceEvent(nats.EventNonceCreated, record))

	mgr.logger.Info("built nonce creation transaction",
		"owner", owner,
		"nonce", noncePub.String(),
	)
	return CreationResult{NoncePublicKey: noncePub.String(), Transaction: encoded}
}

func (mgr *Manager) loadOrCreateAuthority(ctx context.Context, owner string) (*db.Authority, error) {
	authority, err := mgr.ledger.GetAuthority(ctx, owner)
	if err == nil {
		return authority, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to load authority: %w", err)
	}

	wallet := solana.NewWallet()
	authority, err = mgr.ledger.CreateAuthority(ctx, owner, wallet.PublicKey().String(), wallet.PrivateKey.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create authority: %w", err)
	}
	mgr.logger.Info("created nonce authority", "owner", owner, "authority", authority.PublicKey)
	return authority, nil
}

// ReadNonceValue fetches and decodes the on-chain nonce value, retrying
// on a fixed cadence. Freshly confirmed accounts can lag reads by a few
// seconds, so a miss inside the retry budget is not terminal; after the
// budget it is.
func (mgr *Manager) ReadNonceValue(ctx context.Context, publicKey string) (string, error) {
	key, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return "", fmt.Errorf("invalid nonce public key: %w", err)
	}
	start := time.Now()
	attempt := 0
	state, err := retry.DoLogged(ctx, mgr.logger, "read_nonce_value", mgr.retryAttempts, mgr.retryDelay,
		func(ctx context.Context) (*solanasvc.NonceAccountState, error) {
			attempt++
			if attempt > 1 && mgr.metrics != nil {
				mgr.metrics.RecordRPCRetry("get_nonce_account")
			}
			return mgr.chain.GetNonceAccount(ctx, key)
		})
	if err != nil {
		return "", err
	}
	if mgr.metrics != nil {
		mgr.metrics.RecordMaterializationDelay(time.Since(start).Seconds())
	}
	return state.Nonce.String(), nil
}

// ActivationRequest pairs a pending nonce with its counter-signed
// creation transaction.
type ActivationRequest struct {
	NoncePublicKey string
	SignedTx       string
}

// ActivationResult is the per-element outcome of ActivateNonces.
type ActivationResult struct {
	Nonce *db.NonceAccount
	Err   error
}

// ActivateNonce submits a counter-signed creation transaction, waits for
// confirmation, polls until the nonce value materializes, and marks the
// ledger row usable.
func (mgr *Manager) ActivateNonce(ctx context.Context, publicKey, signedTx string) (*db.NonceAccount, error) {
	record, err := mgr.ledger.GetNonce(ctx, publicKey)
	if err != nil {
		return nil, fmt.Errorf("unknown nonce account %s: %w", publicKey, err)
	}
	if record.Status != db.NonceStatusPending {
		return nil, fmt.Errorf("nonce %s is %s, expected %s", publicKey, record.Status, db.NonceStatusPending)
	}

	raw, err := solanasvc.DecodeRaw(signedTx)
	if err != nil {
		return nil, fmt.Errorf("invalid signed transaction: %w", err)
	}
	sig, err := mgr.chain.SendAndConfirmRawTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}
	if _, err := mgr.ledger.SetNonceCreationSignature(ctx, publicKey, sig.String()); err != nil {
		return nil, err
	}

	value, err := mgr.ReadNonceValue(ctx, publicKey)
	if err != nil {
		return nil, fmt.Errorf("nonce account %s did not materialize: %w", publicKey, err)
	}

	updated, err := mgr.ledger.MarkNonceUsable(ctx, publicKey, value)
	if err != nil {
		return nil, err
	}
	mgr.recordTransition(db.NonceStatusUsable)
	mgr.publish(ctx, nats.NonceEvent(nats.EventNonceUsable, updated))

	mgr.logger.Info("nonce account activated",
		"nonce", publicKey,
		"signature", sig.String(),
	)
	return updated, nil
}

// ActivateNonces activates a batch concurrently, reporting per-element
// outcomes.
func (mgr *Manager) ActivateNonces(ctx context.Context, reqs []ActivationRequest) []ActivationResult {
	results := make([]ActivationResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req ActivationRequest) {
			defer wg.Done()
			record, err := mgr.ActivateNonce(ctx, req.NoncePublicKey, req.SignedTx)
			results[i] = ActivationResult{Nonce: record, Err: err}
		}(i, req)
	}
	wg.Wait()
	return results
}

// CloseNonceAccount builds a withdraw-all transaction that drains the
// nonce account back to the owner. The balance check runs before any
// transaction is built. The returned transaction is signed by the
// authority and must be counter-signed by the owner (fee payer), then
// submitted via SubmitCloseTransaction.
func (mgr *Manager) CloseNonceAccount(ctx context.Context, publicKey, owner string) (string, error) {
	record, err := mgr.ledger.GetNonce(ctx, publicKey)
	if err != nil {
		return "", fmt.Errorf("unknown nonce account %s: %w", publicKey, err)
	}
	if record.Owner != owner {
		return "", ErrOwnerMismatch
	}
	nonceKey, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return "", fmt.Errorf("invalid nonce public key: %w", err)
	}
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("invalid owner public key: %w", err)
	}

	balance, err := mgr.chain.GetBalance(ctx, nonceKey)
	if err != nil {
		return "", err
	}
	rent, err := mgr.chain.NonceRentExemptMinimum(ctx)
	if err != nil {
		return "", err
	}
	if balance < rent {
		return "", fmt.Errorf("%w: balance %d, rent-exempt minimum %d", ErrInsufficientBalance, balance, rent)
	}

	authority, err := mgr.ledger.GetAuthority(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("failed to load authority: %w", err)
	}
	authorityKey, err := solana.PrivateKeyFromBase58(authority.SecretKey)
	if err != nil {
		return "", fmt.Errorf("failed to decode authority key: %w", err)
	}

	blockhash, err := mgr.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}

	ixs := []solana.Instruction{
		system.NewWithdrawNonceAccountInstruction(
			balance,
			nonceKey,
			ownerKey,
			solana.SysVarRecentBlockHashesPubkey,
			solana.SysVarRentPubkey,
			authorityKey.PublicKey(),
		).Build(),
	}
	ixs = append(ixs, solanasvc.PriorityFeeInstructions(mgr.feePrice, mgr.feeLimit)...)

	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(ownerKey))
	if err != nil {
		return "", fmt.Errorf("failed to build close transaction: %w", err)
	}
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(authorityKey.PublicKey()) {
			return &authorityKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign close transaction: %w", err)
	}

	mgr.logger.Info("built nonce close transaction",
		"owner", owner,
		"nonce", publicKey,
		"lamports", balance,
	)
	return solanasvc.Serialize(tx)
}

// SubmitCloseTransaction submits a counter-signed close transaction and
// marks the nonce closed on confirmation. The submitted bytes must contain
// a withdraw draining the named nonce account; anything else would flip a
// ledger row closed while the account stays live on chain.
func (mgr *Manager) SubmitCloseTransaction(ctx context.Context, publicKey, signedTx string) (*db.NonceAccount, error) {
	record, err := mgr.ledger.GetNonce(ctx, publicKey)
	if err != nil {
		return nil, fmt.Errorf("unknown nonce account %s: %w", publicKey, err)
	}
	if record.Status == db.NonceStatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrNonceClosed, publicKey)
	}
	nonceKey, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce public key: %w", err)
	}

	tx, err := solanasvc.Deserialize(signedTx)
	if err != nil {
		return nil, fmt.Errorf("invalid signed transaction: %w", err)
	}
	if !withdrawsNonceAccount(tx, nonceKey) {
		return nil, fmt.Errorf("%w: %s", ErrNotCloseTransaction, publicKey)
	}

	raw, err := solanasvc.DecodeRaw(signedTx)
	if err != nil {
		return nil, fmt.Errorf("invalid signed transaction: %w", err)
	}
	sig, err := mgr.chain.SendAndConfirmRawTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}

	updated, err := mgr.ledger.UpdateNonceStatus(ctx, publicKey, db.NonceStatusClosed)
	if err != nil {
		return nil, err
	}
	mgr.recordTransition(db.NonceStatusClosed)
	mgr.publish(ctx, nats.NonceEvent(nats.EventNonceClosed, updated))

	mgr.logger.Info("nonce account closed",
		"nonce", publicKey,
		"signature", sig.String(),
	)
	return updated, nil
}

// withdrawsNonceAccount reports whether tx carries a system-program
// WithdrawNonceAccount instruction whose nonce account is key.
func withdrawsNonceAccount(tx *solana.Transaction, key solana.PublicKey) bool {
	for _, ix := range tx.Message.Instructions {
		prog, err := tx.Message.Program(ix.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.SystemProgramID) {
			continue
		}
		if len(ix.Data) < 4 || binary.LittleEndian.Uint32(ix.Data[:4]) != system.Instruction_WithdrawNonceAccount {
			continue
		}
		if len(ix.Accounts) == 0 {
			continue
		}
		account, err := tx.Message.Account(ix.Accounts[0])
		if err == nil && account.Equals(key) {
			return true
		}
	}
	return false
}

// ReserveNonce atomically claims one usable nonce for owner. Exactly one
// caller wins a given nonce under concurrency.
func (mgr *Manager) ReserveNonce(ctx context.Context, owner string) (*db.NonceAccount, error) {
	record, err := mgr.ledger.ReserveUsableNonce(ctx, owner)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			if mgr.metrics != nil {
				mgr.metrics.RecordReservationConflict()
			}
			return nil, ErrNoUsableNonce
		}
		return nil, err
	}
	mgr.recordTransition(db.NonceStatusReserved)
	mgr.publish(ctx, nats.NonceEvent(nats.EventNonceReserved, record))
	return record, nil
}

// ReleaseNonce returns a reserved nonce to the usable pool. Used when a
// transaction built against it fails before submission; the on-chain
// value is unchanged so the stored value is still valid.
func (mgr *Manager) ReleaseNonce(ctx context.Context, publicKey string) (*db.NonceAccount, error) {
	updated, err := mgr.ledger.UpdateNonceStatus(ctx, publicKey, db.NonceStatusUsable)
	if err != nil {
		return nil, err
	}
	mgr.recordTransition(db.NonceStatusUsable)
	mgr.publish(ctx, nats.NonceEvent(nats.EventNonceReleased, updated))
	return updated, nil
}

// RetireNonce recycles a reserved nonce after its transaction was
// submitted. The advance instruction rotated the on-chain value, so the
// fresh value is read back and the nonce returns to the usable pool. If
// the account no longer exists the row is marked closed instead.
func (mgr *Manager) RetireNonce(ctx context.Context, publicKey string) (*db.NonceAccount, error) {
	value, err := mgr.ReadNonceValue(ctx, publicKey)
	if err != nil {
		if errors.Is(err, solanasvc.ErrAccountNotFound) {
			updated, uerr := mgr.ledger.UpdateNonceStatus(ctx, publicKey, db.NonceStatusClosed)
			if uerr != nil {
				return nil, uerr
			}
			mgr.recordTransition(db.NonceStatusClosed)
			mgr.publish(ctx, nats.NonceEvent(nats.EventNonceClosed, updated))
			return updated, nil
		}
		return nil, err
	}

	updated, err := mgr.ledger.MarkNonceUsable(ctx, publicKey, value)
	if err != nil {
		return nil, err
	}
	mgr.recordTransition(db.NonceStatusUsable)
	mgr.publish(ctx, nats.NonceEvent(nats.EventNonceUsable, updated))
	return updated, nil
}

// ListNonces returns the owner's nonces, optionally filtered by status.
func (mgr *Manager) ListNonces(ctx context.Context, owner, status string) ([]*db.NonceAccount, error) {
	return mgr.ledger.ListNoncesByOwner(ctx, owner, status)
}

func (mgr *Manager) recordTransition(toStatus string) {
	if mgr.metrics == nil {
		return
	}
	mgr.metrics.RecordNonceTransition(toStatus)
}

func (mgr *Manager) publish(ctx context.Context, event *nats.LifecycleEvent) {
	if mgr.events == nil {
		return
	}
	if err := mgr.events.PublishEvent(ctx, event); err != nil {
		mgr.logger.Warn("failed to publish lifecycle event",
			"kind", event.Kind,
			"error", err,
		)
	}
}
