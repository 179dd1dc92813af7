package nonce

import "errors"

// ErrNoUsableNonce is returned by ReserveNonce when the owner has no
// usable nonce with a materialized value.
var ErrNoUsableNonce = errors.New("no usable nonce available")

// ErrInsufficientBalance is returned by CloseNonceAccount when the
// account balance is below the rent-exempt minimum. No withdraw
// transaction is built in that case.
var ErrInsufficientBalance = errors.New("nonce account balance below rent-exempt minimum")

// ErrOwnerMismatch is returned when a nonce operation names an owner
// that does not match the nonce's ledger record.
var ErrOwnerMismatch = errors.New("nonce does not belong to owner")

// ErrNonceClosed is returned by SubmitCloseTransaction when the ledger
// row is already closed.
var ErrNonceClosed = errors.New("nonce account is already closed")

// ErrNotCloseTransaction is returned by SubmitCloseTransaction when the
// submitted transaction does not withdraw the named nonce account.
var ErrNotCloseTransaction = errors.New("transaction does not withdraw the nonce account")
