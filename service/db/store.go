package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/durango/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a query matches no rows. The nonce manager
// maps it onto its own taxonomy (e.g. no usable nonce to reserve).
var ErrNotFound = errors.New("not found")

// Nonce account lifecycle statuses.
const (
	NonceStatusPending  = "pending"
	NonceStatusUsable   = "usable"
	NonceStatusReserved = "reserved"
	NonceStatusClosed   = "closed"
)

// Durable transaction statuses.
const (
	TxStatusBuilt             = "built"
	TxStatusAwaitingSignature = "awaiting_signature"
	TxStatusSubmitted         = "submitted"
	TxStatusConfirmed         = "confirmed"
	TxStatusFailed            = "failed"
)

// Durable transaction payload kinds.
const (
	PayloadTransfer             = "transfer"
	PayloadMultisigCreate       = "multisig_create"
	PayloadVaultTransferPropose = "vault_transfer_propose"
	PayloadProposalApprove      = "proposal_approve"
)

// Store provides database operations for the service. SQL is hand-written;
// inserts use RETURNING so generated values are immediately usable.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Authority is a server-custodied nonce authority keypair for one owner.
// SecretKey is base58-encoded signing material and must never be logged.
type Authority struct {
	Owner     string
	PublicKey string
	SecretKey string
	CreatedAt time.Time
}

// NonceAccount represents one durable-nonce account on-chain.
// NonceValue is nil until the account materializes after its creation
// transaction is confirmed.
type NonceAccount struct {
	PublicKey          string
	Owner              string
	AuthorityPublicKey string
	NonceValue         *string
	Status             string
	CreationSignature  *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DurableTransaction is a constructed, nonce-anchored transaction staged for
// client signing and eventual submission.
type DurableTransaction struct {
	ID             int64
	Owner          string
	PayloadKind    string
	NoncePublicKey string
	UnsignedTx     string
	SignedTx       *string
	Signature      *string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MultisigGroup records a created on-chain multisig account.
type MultisigGroup struct {
	Address   string
	Owner     string
	CreateKey string
	Threshold int32
	Members   []string
	CreatedAt time.Time
}

// --- authorities ---

// CreateAuthority inserts a new server-custodied authority for an owner.
func (s *Store) CreateAuthority(ctx context.Context, owner, publicKey, secretKey string) (*Authority, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO authorities (owner, public_key, secret_key)
		VALUES ($1, $2, $3)
		RETURNING owner, public_key, secret_key, created_at`,
		owner, publicKey, secretKey,
	)
	return s.scanAuthority(row, "CreateAuthority")
}

// GetAuthority retrieves the authority for an owner.
// Returns ErrNotFound if the owner has no authority yet.
func (s *Store) GetAuthority(ctx context.Context, owner string) (*Authority, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT owner, public_key, secret_key, created_at
		FROM authorities
		WHERE owner = $1`,
		owner,
	)
	return s.scanAuthority(row, "GetAuthority")
}

func (s *Store) scanAuthority(row pgx.Row, op string) (*Authority, error) {
	var a Authority
	err := row.Scan(&a.Owner, &a.PublicKey, &a.SecretKey, &a.CreatedAt)
	if err != nil {
		s.record(op, "error")
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.record(op, "success")
	return &a, nil
}

// --- nonces ---

const nonceColumns = `public_key, owner, authority_public_key, nonce_value, status, creation_signature, created_at, updated_at`

// CreateNonce inserts a new nonce account record in pending status.
func (s *Store) CreateNonce(ctx context.Context, publicKey, owner, authorityPublicKey string) (*NonceAccount, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO nonces (public_key, owner, authority_public_key, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING `+nonceColumns,
		publicKey, owner, authorityPublicKey,
	)
	return s.scanNonce(row, "CreateNonce")
}

// GetNonce retrieves a nonce account by its public key.
func (s *Store) GetNonce(ctx context.Context, publicKey string) (*NonceAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+nonceColumns+`
		FROM nonces
		WHERE public_key = $1`,
		publicKey,
	)
	return s.scanNonce(row, "GetNonce")
}

// ListNoncesByOwner retrieves an owner's nonce accounts, optionally filtered
// by status. An empty status returns all of them.
func (s *Store) ListNoncesByOwner(ctx context.Context, owner, status string) ([]*NonceAccount, error) {
	query := `SELECT ` + nonceColumns + ` FROM nonces WHERE owner = $1`
	args := []interface{}{owner}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.record("ListNoncesByOwner", "error")
		return nil, fmt.Errorf("ListNoncesByOwner: %w", err)
	}
	defer rows.Close()

	var out []*NonceAccount
	for rows.Next() {
		n, err := s.scanNonce(rows, "ListNoncesByOwner")
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	s.record("ListNoncesByOwner", "success")
	return out, rows.Err()
}

// MarkNonceUsable records the materialized durable value and flips the nonce
// to usable. Used both after creation and after a payload advances the nonce
// to a new value.
func (s *Store) MarkNonceUsable(ctx context.Context, publicKey, nonceValue string) (*NonceAccount, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE nonces
		SET nonce_value = $2, status = 'usable', updated_at = now()
		WHERE public_key = $1
		RETURNING `+nonceColumns,
		publicKey, nonceValue,
	)
	return s.scanNonce(row, "MarkNonceUsable")
}

// UpdateNonceStatus sets the status of a nonce account.
func (s *Store) UpdateNonceStatus(ctx context.Context, publicKey, status string) (*NonceAccount, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE nonces
		SET status = $2, updated_at = now()
		WHERE public_key = $1
		RETURNING `+nonceColumns,
		publicKey, status,
	)
	return s.scanNonce(row, "UpdateNonceStatus")
}

// SetNonceCreationSignature records the confirmed creation transaction
// signature for a pending nonce.
func (s *Store) SetNonceCreationSignature(ctx context.Context, publicKey, signature string) (*NonceAccount, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE nonces
		SET creation_signature = $2, updated_at = now()
		WHERE public_key = $1
		RETURNING `+nonceColumns,
		publicKey, signature,
	)
	return s.scanNonce(row, "SetNonceCreationSignature")
}

// ReserveUsableNonce atomically selects one usable nonce for the owner and
// marks it reserved. This conditional update is the locking mechanism behind
// the "one in-flight payload transaction per nonce" invariant: two
// concurrent reservations can never pick the same row.
// Returns ErrNotFound when the owner has no usable nonce.
func (s *Store) ReserveUsableNonce(ctx context.Context, owner string) (*NonceAccount, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE nonces
		SET status = 'reserved', updated_at = now()
		WHERE public_key = (
			SELECT public_key FROM nonces
			WHERE owner = $1 AND status = 'usable' AND nonce_value IS NOT NULL
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+nonceColumns,
		owner,
	)
	return s.scanNonce(row, "ReserveUsableNonce")
}

// DeleteNonce removes a nonce account record.
func (s *Store) DeleteNonce(ctx context.Context, publicKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nonces WHERE public_key = $1`, publicKey)
	if err != nil {
		s.record("DeleteNonce", "error")
		return fmt.Errorf("DeleteNonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.record("DeleteNonce", "error")
		return ErrNotFound
	}
	s.record("DeleteNonce", "success")
	return nil
}

// DeleteStalePendingNonces removes an owner's nonces whose creation
// transaction was never counter-signed and submitted, but only rows created
// before the cutoff. The age gate keeps a batch that is still being
// counter-signed alive while an older abandoned batch is swept: a pending
// row younger than the cutoff may simply not have been activated yet.
func (s *Store) DeleteStalePendingNonces(ctx context.Context, owner string, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM nonces
		WHERE owner = $1 AND status = 'pending' AND creation_signature IS NULL
		  AND created_at < $2`,
		owner, before,
	)
	if err != nil {
		s.record("DeleteStalePendingNonces", "error")
		return 0, fmt.Errorf("DeleteStalePendingNonces: %w", err)
	}
	s.record("DeleteStalePendingNonces", "success")
	return tag.RowsAffected(), nil
}

func (s *Store) scanNonce(row pgx.Row, op string) (*NonceAccount, error) {
	var n NonceAccount
	var value, sig pgtype.Text
	err := row.Scan(&n.PublicKey, &n.Owner, &n.AuthorityPublicKey, &value, &n.Status, &sig, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		s.record(op, "error")
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	n.NonceValue = stringPtrFromPgtext(value)
	n.CreationSignature = stringPtrFromPgtext(sig)
	s.record(op, "success")
	return &n, nil
}

// --- durable transactions ---

const txColumns = `id, owner, payload_kind, nonce_public_key, unsigned_tx, signed_tx, signature, status, created_at, updated_at`

// CreateDurableTransactionParams contains the parameters for staging a
// durable transaction.
type CreateDurableTransactionParams struct {
	Owner          string
	PayloadKind    string
	NoncePublicKey string
	UnsignedTx     string
	Status         string
}

// CreateDurableTransaction inserts a new durable transaction record.
func (s *Store) CreateDurableTransaction(ctx context.Context, params CreateDurableTransactionParams) (*DurableTransaction, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO durable_transactions (owner, payload_kind, nonce_public_key, unsigned_tx, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+txColumns,
		params.Owner, params.PayloadKind, params.NoncePublicKey, params.UnsignedTx, params.Status,
	)
	return s.scanDurableTransaction(row, "CreateDurableTransaction")
}

// GetDurableTransaction retrieves a durable transaction by id.
func (s *Store) GetDurableTransaction(ctx context.Context, id int64) (*DurableTransaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM durable_transactions
		WHERE id = $1`,
		id,
	)
	return s.scanDurableTransaction(row, "GetDurableTransaction")
}

// ListDurableTransactionsByOwner retrieves an owner's durable transactions,
// newest first.
func (s *Store) ListDurableTransactionsByOwner(ctx context.Context, owner string) ([]*DurableTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM durable_transactions
		WHERE owner = $1
		ORDER BY created_at DESC`,
		owner,
	)
	if err != nil {
		s.record("ListDurableTransactionsByOwner", "error")
		return nil, fmt.Errorf("ListDurableTransactionsByOwner: %w", err)
	}
	defer rows.Close()

	var out []*DurableTransaction
	for rows.Next() {
		txn, err := s.scanDurableTransaction(rows, "ListDurableTransactionsByOwner")
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	s.record("ListDurableTransactionsByOwner", "success")
	return out, rows.Err()
}

// UpdateDurableTransactionStatus updates the status and, when provided, the
// signed form and on-chain signature of a durable transaction.
func (s *Store) UpdateDurableTransactionStatus(ctx context.Context, id int64, status string, signedTx, signature *string) (*DurableTransaction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE durable_transactions
		SET status = $2,
		    signed_tx = COALESCE($3, signed_tx),
		    signature = COALESCE($4, signature),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+txColumns,
		id, status, pgtextFromStringPtr(signedTx), pgtextFromStringPtr(signature),
	)
	return s.scanDurableTransaction(row, "UpdateDurableTransactionStatus")
}

func (s *Store) scanDurableTransaction(row pgx.Row, op string) (*DurableTransaction, error) {
	var txn DurableTransaction
	var signed, sig pgtype.Text
	err := row.Scan(&txn.ID, &txn.Owner, &txn.PayloadKind, &txn.NoncePublicKey, &txn.UnsignedTx, &signed, &sig, &txn.Status, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		s.record(op, "error")
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	txn.SignedTx = stringPtrFromPgtext(signed)
	txn.Signature = stringPtrFromPgtext(sig)
	s.record(op, "success")
	return &txn, nil
}

// --- multisig groups ---

// CreateMultisigGroupParams contains the parameters for recording a multisig group.
type CreateMultisigGroupParams struct {
	Address   string
	Owner     string
	CreateKey string
	Threshold int32
	Members   []string
}

// CreateMultisigGroup inserts a new multisig group record.
func (s *Store) CreateMultisigGroup(ctx context.Context, params CreateMultisigGroupParams) (*MultisigGroup, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO multisig_groups (address, owner, create_key, threshold, members)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING address, owner, create_key, threshold, members, created_at`,
		params.Address, params.Owner, params.CreateKey, params.Threshold, params.Members,
	)
	return s.scanMultisigGroup(row, "CreateMultisigGroup")
}

// GetMultisigGroup retrieves a multisig group by its on-chain address.
func (s *Store) GetMultisigGroup(ctx context.Context, address string) (*MultisigGroup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT address, owner, create_key, threshold, members, created_at
		FROM multisig_groups
		WHERE address = $1`,
		address,
	)
	return s.scanMultisigGroup(row, "GetMultisigGroup")
}

// ListMultisigGroupsByOwner retrieves the multisig groups created by an owner.
func (s *Store) ListMultisigGroupsByOwner(ctx context.Context, owner string) ([]*MultisigGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, owner, create_key, threshold, members, created_at
		FROM multisig_groups
		WHERE owner = $1
		ORDER BY created_at DESC`,
		owner,
	)
	if err != nil {
		s.record("ListMultisigGroupsByOwner", "error")
		return nil, fmt.Errorf("ListMultisigGroupsByOwner: %w", err)
	}
	defer rows.Close()

	var out []*MultisigGroup
	for rows.Next() {
		g, err := s.scanMultisigGroup(rows, "ListMultisigGroupsByOwner")
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	s.record("ListMultisigGroupsByOwner", "success")
	return out, rows.Err()
}

func (s *Store) scanMultisigGroup(row pgx.Row, op string) (*MultisigGroup, error) {
	var g MultisigGroup
	err := row.Scan(&g.Address, &g.Owner, &g.CreateKey, &g.Threshold, &g.Members, &g.CreatedAt)
	if err != nil {
		s.record(op, "error")
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.record(op, "success")
	return &g, nil
}

// --- helpers ---

func (s *Store) record(operation, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDBOperation(operation, status)
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
