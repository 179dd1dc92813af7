package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/durango/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// How long and how often SendAndConfirmRawTransaction polls signature
// statuses before giving up on the confirmation (the transaction may still
// land; callers see a ChainUnavailableError and must check before reusing
// the nonce).
const (
	confirmPollInterval = 2 * time.Second
	confirmPollAttempts = 30
)

// Client is the chain gateway. It wraps the RPC client with the typed
// operations the nonce manager, transaction builder, and multisig
// coordinator need, and maps transport errors into the service's error
// taxonomy.
type Client struct {
	rpc     RPCClient
	logger  *slog.Logger
	metrics *metrics.Metrics

	confirmInterval time.Duration
	confirmAttempts int
}

// NewClient creates a new Solana gateway client.
// If m is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:             rpcClient,
		logger:          logger,
		metrics:         m,
		confirmInterval: confirmPollInterval,
		confirmAttempts: confirmPollAttempts,
	}
}

// SetConfirmPolling overrides the confirmation poll cadence.
func (c *Client) SetConfirmPolling(interval time.Duration, attempts int) {
	c.confirmInterval = interval
	c.confirmAttempts = attempts
}

// GetNonceAccount reads and decodes the durable-nonce account at pubkey.
// Returns ErrAccountNotFound when the chain has no such account; freshly
// created accounts lag confirmation, so callers use the retry engine rather
// than treating an immediate miss as permanent.
func (c *Client) GetNonceAccount(ctx context.Context, pubkey solana.PublicKey) (*NonceAccountState, error) {
	start := time.Now()
	result, err := c.rpc.GetAccountInfo(ctx, pubkey)
	c.record("GetAccountInfo", start, err)

	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("nonce account %s: %w", pubkey, ErrAccountNotFound)
		}
		return nil, &ChainUnavailableError{Op: "GetAccountInfo", Err: err}
	}
	if result == nil || result.Value == nil {
		return nil, fmt.Errorf("nonce account %s: %w", pubkey, ErrAccountNotFound)
	}

	data := result.Value.Data.GetBinary()
	state, err := DecodeNonceAccount(data)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", pubkey, err)
	}
	return state, nil
}

// GetAccountData returns the raw data of an arbitrary account. Used for
// program accounts whose layout the caller decodes itself.
func (c *Client) GetAccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error) {
	start := time.Now()
	result, err := c.rpc.GetAccountInfo(ctx, pubkey)
	c.record("GetAccountInfo", start, err)

	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", pubkey, ErrAccountNotFound)
		}
		return nil, &ChainUnavailableError{Op: "GetAccountInfo", Err: err}
	}
	if result == nil || result.Value == nil {
		return nil, fmt.Errorf("account %s: %w", pubkey, ErrAccountNotFound)
	}
	return result.Value.Data.GetBinary(), nil
}

// GetBalance returns the lamport balance of the account at pubkey.
func (c *Client) GetBalance(ctx context.Context, pubkey solana.PublicKey) (uint64, error) {
	start := time.Now()
	result, err := c.rpc.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	c.record("GetBalance", start, err)

	if err != nil {
		return 0, &ChainUnavailableError{Op: "GetBalance", Err: err}
	}
	return result.Value, nil
}

// NonceRentExemptMinimum returns the minimum lamport balance a nonce
// account must hold to persist on-chain indefinitely.
func (c *Client) NonceRentExemptMinimum(ctx context.Context) (uint64, error) {
	start := time.Now()
	rent, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, NonceAccountSize, rpc.CommitmentConfirmed)
	c.record("GetMinimumBalanceForRentExemption", start, err)

	if err != nil {
		return 0, &ChainUnavailableError{Op: "GetMinimumBalanceForRentExemption", Err: err}
	}
	return rent, nil
}

// LatestBlockhash fetches a fresh blockhash. Only nonce-account creation and
// closure use this; payload transactions anchor to a durable nonce value.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	result, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	c.record("GetLatestBlockhash", start, err)

	if err != nil {
		return solana.Hash{}, &ChainUnavailableError{Op: "GetLatestBlockhash", Err: err}
	}
	return result.Value.Blockhash, nil
}

// SendAndConfirmRawTransaction submits raw signed transaction bytes and
// polls until the signature reaches confirmed commitment. A chain-side
// rejection (failed preflight, nonce already advanced, bad signature)
// surfaces as *TransactionRejectedError and is terminal: the caller must
// rebuild against a fresh nonce value, never resubmit the same bytes.
func (c *Client) SendAndConfirmRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendRawTransaction(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	c.record("SendRawTransaction", start, err)

	if err != nil {
		if isRejection(err) {
			c.recordSubmission("rejected", start)
			return solana.Signature{}, &TransactionRejectedError{Reason: err.Error()}
		}
		c.recordSubmission("error", start)
		return solana.Signature{}, &ChainUnavailableError{Op: "SendRawTransaction", Err: err}
	}

	c.logger.DebugContext(ctx, "transaction submitted, awaiting confirmation",
		"signature", sig.String(),
	)

	if err := c.awaitConfirmation(ctx, sig); err != nil {
		c.recordSubmission("rejected", start)
		return sig, err
	}

	c.recordSubmission("confirmed", start)
	c.logger.InfoContext(ctx, "transaction confirmed", "signature", sig.String())
	return sig, nil
}

// awaitConfirmation polls signature statuses until the transaction is
// confirmed or finalized, or the poll budget is exhausted.
func (c *Client) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	for attempt := 0; attempt < c.confirmAttempts; attempt++ {
		select {
		case <-time.After(c.confirmInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		start := time.Now()
		statuses, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		c.record("GetSignatureStatuses", start, err)
		if err != nil {
			// Transient read failure; keep polling within the budget.
			continue
		}
		if len(statuses.Value) == 0 || statuses.Value[0] == nil {
			continue
		}

		status := statuses.Value[0]
		if status.Err != nil {
			return &TransactionRejectedError{
				Signature: sig.String(),
				Reason:    fmt.Sprintf("%v", status.Err),
			}
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}

	return &ChainUnavailableError{
		Op:  "confirmTransaction",
		Err: fmt.Errorf("signature %s not confirmed after %d polls", sig, c.confirmAttempts),
	}
}

// isRejection distinguishes "the chain said no" from transport failures on
// the send path. Preflight simulation failures and instruction errors come
// back as JSON-RPC errors with recognizable messages.
func isRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Transaction simulation failed") ||
		strings.Contains(msg, "InstructionError") ||
		strings.Contains(msg, "BlockhashNotFound") ||
		strings.Contains(msg, "signature verification failure")
}

func (c *Client) record(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
}

func (c *Client) recordSubmission(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordSubmission(status, time.Since(start).Seconds())
}
