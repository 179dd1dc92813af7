package solana

import (
	"errors"
	"fmt"
)

// ErrAccountNotFound indicates a chain read found no account at the queried
// address. For freshly created nonce accounts this is expected for a few
// seconds after confirmation and is retried a bounded number of times;
// anywhere else it is terminal.
var ErrAccountNotFound = errors.New("account not found")

// TransactionRejectedError indicates the chain refused a submitted
// transaction: the nonce was already advanced by someone else, a signature
// was invalid, or the program rejected an instruction. Terminal for that
// attempt. Callers must re-derive a fresh nonce value and rebuild rather
// than resubmit the same bytes.
type TransactionRejectedError struct {
	Signature string
	Reason    string
}

func (e *TransactionRejectedError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("transaction rejected: %s", e.Reason)
	}
	return fmt.Sprintf("transaction %s rejected: %s", e.Signature, e.Reason)
}

// ChainUnavailableError wraps transport-level RPC failures (timeouts,
// connection errors, rate limiting) so callers can distinguish "the chain
// said no" from "we could not ask the chain".
type ChainUnavailableError struct {
	Op  string
	Err error
}

func (e *ChainUnavailableError) Error() string {
	return fmt.Sprintf("chain unavailable during %s: %v", e.Op, e.Err)
}

func (e *ChainUnavailableError) Unwrap() error {
	return e.Err
}
