package nats

import (
	"time"

	"github.com/brojonat/durango/service/db"
)

// Lifecycle event kinds published to JetStream.
const (
	EventNonceCreated  = "nonce.created"
	EventNonceUsable   = "nonce.usable"
	EventNonceReserved = "nonce.reserved"
	EventNonceReleased = "nonce.released"
	EventNonceClosed   = "nonce.closed"

	EventTxStaged    = "tx.staged"
	EventTxSubmitted = "tx.submitted"
	EventTxConfirmed = "tx.confirmed"
	EventTxFailed    = "tx.failed"
)

// LifecycleEvent represents a nonce or durable-transaction lifecycle event.
// Events are published to the subject "lifecycle.{owner}" in JetStream.
// Secret key material never appears here.
type LifecycleEvent struct {
	Kind  string `json:"kind"`
	Owner string `json:"owner"`

	// Nonce fields (set for nonce.* events)
	NoncePublicKey string `json:"nonce_public_key,omitempty"`
	NonceValue     string `json:"nonce_value,omitempty"`
	NonceStatus    string `json:"nonce_status,omitempty"`

	// Transaction fields (set for tx.* events)
	TransactionID int64  `json:"transaction_id,omitempty"`
	PayloadKind   string `json:"payload_kind,omitempty"`
	Signature     string `json:"signature,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// NonceEvent builds a lifecycle event from a ledger nonce record.
func NonceEvent(kind string, n *db.NonceAccount) *LifecycleEvent {
	event := &LifecycleEvent{
		Kind:           kind,
		Owner:          n.Owner,
		NoncePublicKey: n.PublicKey,
		NonceStatus:    n.Status,
		PublishedAt:    time.Now().UTC(),
	}
	if n.NonceValue != nil {
		event.NonceValue = *n.NonceValue
	}
	return event
}

// TransactionEvent builds a lifecycle event from a ledger durable-transaction record.
func TransactionEvent(kind string, txn *db.DurableTransaction) *LifecycleEvent {
	event := &LifecycleEvent{
		Kind:           kind,
		Owner:          txn.Owner,
		NoncePublicKey: txn.NoncePublicKey,
		TransactionID:  txn.ID,
		PayloadKind:    txn.PayloadKind,
		PublishedAt:    time.Now().UTC(),
	}
	if txn.Signature != nil {
		event.Signature = *txn.Signature
	}
	return event
}
