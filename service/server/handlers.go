package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"unicode"

	"github.com/brojonat/durango/service/db"
	"github.com/brojonat/durango/service/metrics"
	"github.com/brojonat/durango/service/multisig"
	"github.com/brojonat/durango/service/nats"
	"github.com/brojonat/durango/service/nonce"
	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/brojonat/durango/service/txbuilder"
	"github.com/mr-tron/base58"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a batch of base64 transactions
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// transactionStore is the subset of ledger operations the transaction
// handlers need. *db.Store satisfies it.
type transactionStore interface {
	GetAuthority(ctx context.Context, owner string) (*db.Authority, error)
	CreateDurableTransaction(ctx context.Context, params db.CreateDurableTransactionParams) (*db.DurableTransaction, error)
	GetDurableTransaction(ctx context.Context, id int64) (*db.DurableTransaction, error)
	ListDurableTransactionsByOwner(ctx context.Context, owner string) ([]*db.DurableTransaction, error)
	UpdateDurableTransactionStatus(ctx context.Context, id int64, status string, signedTx, signature *string) (*db.DurableTransaction, error)
	ListMultisigGroupsByOwner(ctx context.Context, owner string) ([]*db.MultisigGroup, error)
}

type nonceResponse struct {
	PublicKey          string `json:"public_key"`
	Owner              string `json:"owner"`
	AuthorityPublicKey string `json:"authority_public_key"`
	NonceValue         string `json:"nonce_value,omitempty"`
	Status             string `json:"status"`
	CreationSignature  string `json:"creation_signature,omitempty"`
}

func nonceToResponse(n *db.NonceAccount) nonceResponse {
	resp := nonceResponse{
		PublicKey:          n.PublicKey,
		Owner:              n.Owner,
		AuthorityPublicKey: n.AuthorityPublicKey,
		Status:             n.Status,
	}
	if n.NonceValue != nil {
		resp.NonceValue = *n.NonceValue
	}
	if n.CreationSignature != nil {
		resp.CreationSignature = *n.CreationSignature
	}
	return resp
}

type transactionResponse struct {
	ID             int64  `json:"id"`
	Owner          string `json:"owner"`
	PayloadKind    string `json:"payload_kind"`
	NoncePublicKey string `json:"nonce_public_key"`
	UnsignedTx     string `json:"unsigned_tx"`
	Signature      string `json:"signature,omitempty"`
	Status         string `json:"status"`
}

func transactionToResponse(txn *db.DurableTransaction) transactionResponse {
	resp := transactionResponse{
		ID:             txn.ID,
		Owner:          txn.Owner,
		PayloadKind:    txn.PayloadKind,
		NoncePublicKey: txn.NoncePublicKey,
		UnsignedTx:     txn.UnsignedTx,
		Status:         txn.Status,
	}
	if txn.Signature != nil {
		resp.Signature = *txn.Signature
	}
	return resp
}

type groupResponse struct {
	Address   string   `json:"address"`
	Owner     string   `json:"owner"`
	CreateKey string   `json:"create_key"`
	Threshold int32    `json:"threshold"`
	Members   []string `json:"members"`
}

func groupToResponse(g *db.MultisigGroup) groupResponse {
	return groupResponse{
		Address:   g.Address,
		Owner:     g.Owner,
		CreateKey: g.CreateKey,
		Threshold: g.Threshold,
		Members:   g.Members,
	}
}

// handleListNonces returns a handler that lists an owner's nonce accounts.
// GET /api/v1/nonces?owner={owner}&status={status}
func handleListNonces(nonces *nonce.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		status := r.URL.Query().Get("status")

		if err := validateAddress(owner); err != nil {
			logger.Debug("invalid owner", "owner", owner, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if status != "" && !validNonceStatus(status) {
			writeError(w, "invalid status filter", http.StatusBadRequest)
			return
		}

		records, err := nonces.ListNonces(r.Context(), owner, status)
		if err != nil {
			logger.Error("failed to list nonces", "owner", owner, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]nonceResponse, len(records))
		for i, n := range records {
			resp[i] = nonceToResponse(n)
		}
		writeJSON(w, map[string]interface{}{"nonces": resp}, http.StatusOK)
	})
}

type createNoncesRequest struct {
	Owner string `json:"owner"`
	Count int    `json:"count"`
}

type creationResponse struct {
	NoncePublicKey string `json:"nonce_public_key,omitempty"`
	Transaction    string `json:"transaction,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleCreateNonces returns a handler that builds nonce-account creation
// transactions. The caller counter-signs each one and submits it back via
// PATCH /api/v1/nonces.
// POST /api/v1/nonces
func handleCreateNonces(nonces *nonce.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createNoncesRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.Owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Count == 0 {
			req.Count = 1
		}

		results, err := nonces.CreateNonceAccounts(r.Context(), req.Owner, req.Count)
		if err != nil {
			logger.Error("failed to build nonce creations", "owner", req.Owner, "error", err)
			writeError(w, err.Error(), statusForError(err))
			return
		}

		resp := make([]creationResponse, len(results))
		for i, res := range results {
			if res.Err != nil {
				resp[i] = creationResponse{Error: res.Err.Error()}
				continue
			}
			resp[i] = creationResponse{
				NoncePublicKey: res.NoncePublicKey,
				Transaction:    res.Transaction,
			}
		}
		writeJSON(w, map[string]interface{}{"nonces": resp}, http.StatusCreated)
	})
}

type activateNoncesRequest struct {
	Activations []struct {
		NoncePublicKey string `json:"nonce_public_key"`
		SignedTx       string `json:"signed_tx"`
	} `json:"activations"`
}

type activationResponse struct {
	NoncePublicKey string `json:"nonce_public_key"`
	Status         string `json:"status,omitempty"`
	NonceValue     string `json:"nonce_value,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleActivateNonces returns a handler that submits counter-signed
// creation transactions and waits for the nonce values to materialize.
// PATCH /api/v1/nonces
func handleActivateNonces(nonces *nonce.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req activateNoncesRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if len(req.Activations) == 0 {
			writeError(w, "activations are required", http.StatusBadRequest)
			return
		}

		reqs := make([]nonce.ActivationRequest, len(req.Activations))
		for i, a := range req.Activations {
			if err := validateAddress(a.NoncePublicKey); err != nil {
				writeError(w, fmt.Sprintf("activation %d: %s", i, err), http.StatusBadRequest)
				return
			}
			if a.SignedTx == "" {
				writeError(w, fmt.Sprintf("activation %d: signed_tx is required", i), http.StatusBadRequest)
				return
			}
			reqs[i] = nonce.ActivationRequest{NoncePublicKey: a.NoncePublicKey, SignedTx: a.SignedTx}
		}

		results := nonces.ActivateNonces(r.Context(), reqs)
		resp := make([]activationResponse, len(results))
		for i, res := range results {
			resp[i] = activationResponse{NoncePublicKey: reqs[i].NoncePublicKey}
			if res.Err != nil {
				resp[i].Error = res.Err.Error()
				continue
			}
			resp[i].Status = res.Nonce.Status
			if res.Nonce.NonceValue != nil {
				resp[i].NonceValue = *res.Nonce.NonceValue
			}
		}
		writeJSON(w, map[string]interface{}{"nonces": resp}, http.StatusOK)
	})
}

type closeNonceRequest struct {
	Owner          string `json:"owner"`
	NoncePublicKey string `json:"nonce_public_key"`
	SignedTx       string `json:"signed_tx,omitempty"`
}

// handleCloseNonce returns a handler for the two-phase nonce closure. A
// request without signed_tx builds the withdraw-all transaction for the
// owner to counter-sign; a request with signed_tx submits it and marks
// the nonce closed.
// DELETE /api/v1/nonces
func handleCloseNonce(nonces *nonce.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req closeNonceRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.NoncePublicKey); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.SignedTx != "" {
			record, err := nonces.SubmitCloseTransaction(r.Context(), req.NoncePublicKey, req.SignedTx)
			if err != nil {
				logger.Error("failed to submit nonce close", "nonce", req.NoncePublicKey, "error", err)
				writeError(w, err.Error(), statusForError(err))
				return
			}
			writeJSON(w, nonceToResponse(record), http.StatusOK)
			return
		}

		if err := validateAddress(req.Owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		tx, err := nonces.CloseNonceAccount(r.Context(), req.NoncePublicKey, req.Owner)
		if err != nil {
			logger.Error("failed to build nonce close", "nonce", req.NoncePublicKey, "error", err)
			writeError(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, map[string]string{
			"nonce_public_key": req.NoncePublicKey,
			"transaction":      tx,
		}, http.StatusOK)
	})
}

type buildTransferRequest struct {
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	// Amount is a decimal SOL string, e.g. "0.25".
	Amount string `json:"amount"`
}

// handleBuildTransfer returns a handler that reserves a nonce and builds a
// durable transfer anchored to it. The staged transaction awaits the
// owner's signature; nothing touches the chain here.
// POST /api/v1/transactions/transfer
func handleBuildTransfer(store transactionStore, nonces *nonce.Manager, builder *txbuilder.Builder, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req buildTransferRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.Owner); err != nil {
			writeError(w, "owner: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateAddress(req.Recipient); err != nil {
			writeError(w, "recipient: "+err.Error(), http.StatusBadRequest)
			return
		}
		lamports, err := solanasvc.ToLamports(req.Amount)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if lamports == 0 {
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		}

		params, reserved, err := reserveDurableParams(r.Context(), store, nonces, req.Owner)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}

		built, err := builder.BuildAdvanceTransfer(params, req.Owner, req.Recipient, lamports)
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			logger.Error("failed to build transfer", "owner", req.Owner, "error", err)
			writeError(w, err.Error(), statusForError(err))
			return
		}

		txn, err := stageTransaction(r.Context(), store, events, m, logger, db.CreateDurableTransactionParams{
			Owner:          req.Owner,
			PayloadKind:    db.PayloadTransfer,
			NoncePublicKey: reserved.PublicKey,
			UnsignedTx:     built.Encoded,
			Status:         db.TxStatusAwaitingSignature,
		})
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("staged durable transfer",
			"owner", req.Owner,
			"transaction_id", txn.ID,
			"nonce", reserved.PublicKey,
			"lamports", lamports,
		)
		writeJSON(w, transactionToResponse(txn), http.StatusCreated)
	})
}

type executeRequest struct {
	TransactionID int64  `json:"transaction_id"`
	SignedTx      string `json:"signed_tx"`
}

// handleExecuteTransaction returns a handler that submits a fully signed
// durable transaction. On confirmation the nonce recycles with its
// advanced value; on rejection the transaction is marked failed and the
// nonce re-syncs from chain. Rejections are terminal: the same bytes are
// never resubmitted.
// POST /api/v1/transactions/execute
func handleExecuteTransaction(store transactionStore, nonces *nonce.Manager, chain *solanasvc.Client, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if req.SignedTx == "" {
			writeError(w, "signed_tx is required", http.StatusBadRequest)
			return
		}

		txn, err := store.GetDurableTransaction(r.Context(), req.TransactionID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "transaction not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to load transaction", "id", req.TransactionID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		switch txn.Status {
		case db.TxStatusBuilt, db.TxStatusAwaitingSignature:
		default:
			writeError(w, fmt.Sprintf("transaction is %s", txn.Status), http.StatusConflict)
			return
		}

		raw, err := solanasvc.DecodeRaw(req.SignedTx)
		if err != nil {
			writeError(w, "invalid signed transaction encoding", http.StatusBadRequest)
			return
		}

		sig, err := chain.SendAndConfirmRawTransaction(r.Context(), raw)
		if err != nil {
			var rejected *solanasvc.TransactionRejectedError
			if errors.As(err, &rejected) {
				if _, uerr := store.UpdateDurableTransactionStatus(r.Context(), txn.ID, db.TxStatusFailed, &req.SignedTx, nil); uerr != nil {
					logger.Error("failed to mark transaction failed", "id", txn.ID, "error", uerr)
				}
				// The advance never landed, so re-sync the nonce from
				// chain and return it to the pool.
				if _, rerr := nonces.RetireNonce(r.Context(), txn.NoncePublicKey); rerr != nil {
					logger.Error("failed to re-sync nonce after rejection", "nonce", txn.NoncePublicKey, "error", rerr)
				}
				recordTransaction(m, txn.PayloadKind, "failed")
				publishTransaction(r.Context(), events, nats.EventTxFailed, txn, logger)

				mapped := multisig.MapSubmissionError(txn.PayloadKind, err)
				status := http.StatusUnprocessableEntity
				if errors.Is(mapped, multisig.ErrProposalConflict) {
					status = http.StatusConflict
				}
				logger.Warn("transaction rejected",
					"id", txn.ID,
					"kind", txn.PayloadKind,
					"reason", rejected.Reason,
				)
				writeError(w, mapped.Error(), status)
				return
			}

			logger.Error("submission failed", "id", txn.ID, "error", err)
			writeError(w, "chain unavailable, transaction not confirmed", http.StatusBadGateway)
			return
		}

		sigStr := sig.String()
		updated, err := store.UpdateDurableTransactionStatus(r.Context(), txn.ID, db.TxStatusConfirmed, &req.SignedTx, &sigStr)
		if err != nil {
			logger.Error("failed to mark transaction confirmed", "id", txn.ID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if _, err := nonces.RetireNonce(r.Context(), txn.NoncePublicKey); err != nil {
			logger.Error("failed to recycle nonce", "nonce", txn.NoncePublicKey, "error", err)
		}
		recordTransaction(m, txn.PayloadKind, "confirmed")
		publishTransaction(r.Context(), events, nats.EventTxConfirmed, updated, logger)

		logger.Info("transaction confirmed",
			"id", txn.ID,
			"kind", txn.PayloadKind,
			"signature", sigStr,
		)
		writeJSON(w, transactionToResponse(updated), http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists an owner's durable
// transactions, newest first.
// GET /api/v1/transactions?owner={owner}
func handleListTransactions(store transactionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records, err := store.ListDurableTransactionsByOwner(r.Context(), owner)
		if err != nil {
			logger.Error("failed to list transactions", "owner", owner, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]transactionResponse, len(records))
		for i, txn := range records {
			resp[i] = transactionToResponse(txn)
		}
		writeJSON(w, map[string]interface{}{"transactions": resp}, http.StatusOK)
	})
}

// handleListMultisigGroups returns a handler that lists an owner's groups.
// GET /api/v1/multisig?owner={owner}
func handleListMultisigGroups(store transactionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		groups, err := store.ListMultisigGroupsByOwner(r.Context(), owner)
		if err != nil {
			logger.Error("failed to list multisig groups", "owner", owner, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]groupResponse, len(groups))
		for i, g := range groups {
			resp[i] = groupToResponse(g)
		}
		writeJSON(w, map[string]interface{}{"groups": resp}, http.StatusOK)
	})
}

type createGroupRequest struct {
	Owner     string   `json:"owner"`
	Signers   []string `json:"signers"`
	Threshold int      `json:"threshold"`
}

// handleCreateMultisigGroup returns a handler that builds a durable
// group-creation transaction on a freshly reserved nonce.
// POST /api/v1/multisig
func handleCreateMultisigGroup(store transactionStore, nonces *nonce.Manager, coordinator *multisig.Coordinator, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createGroupRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.Owner); err != nil {
			writeError(w, "owner: "+err.Error(), http.StatusBadRequest)
			return
		}

		params, reserved, err := reserveDurableParams(r.Context(), store, nonces, req.Owner)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}

		result, err := coordinator.CreateGroup(r.Context(), params, req.Owner, req.Signers, req.Threshold)
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			logger.Error("failed to build multisig creation", "owner", req.Owner, "error", err)
			writeError(w, err.Error(), statusForError(err))
			return
		}

		txn, err := stageTransaction(r.Context(), store, events, m, logger, db.CreateDurableTransactionParams{
			Owner:          req.Owner,
			PayloadKind:    db.PayloadMultisigCreate,
			NoncePublicKey: reserved.PublicKey,
			UnsignedTx:     result.Tx.Encoded,
			Status:         db.TxStatusAwaitingSignature,
		})
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"group":       groupToResponse(result.Group),
			"transaction": transactionToResponse(txn),
		}, http.StatusCreated)
	})
}

type proposeRequest struct {
	Proposer  string `json:"proposer"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// handleProposeVaultTransfer returns a handler that builds a durable
// vault-transfer proposal for the group at {address}.
// POST /api/v1/multisig/{address}/proposals
func handleProposeVaultTransfer(store transactionStore, nonces *nonce.Manager, coordinator *multisig.Coordinator, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, "address: "+err.Error(), http.StatusBadRequest)
			return
		}

		var req proposeRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.Proposer); err != nil {
			writeError(w, "proposer: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateAddress(req.Recipient); err != nil {
			writeError(w, "recipient: "+err.Error(), http.StatusBadRequest)
			return
		}
		lamports, err := solanasvc.ToLamports(req.Amount)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		params, reserved, err := reserveDurableParams(r.Context(), store, nonces, req.Proposer)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}

		result, err := coordinator.ProposeVaultTransfer(r.Context(), params, address, req.Proposer, req.Recipient, lamports)
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			logger.Error("failed to build proposal", "group", address, "error", err)
			writeError(w, err.Error(), statusForError(err))
			return
		}

		txn, err := stageTransaction(r.Context(), store, events, m, logger, db.CreateDurableTransactionParams{
			Owner:          req.Proposer,
			PayloadKind:    db.PayloadVaultTransferPropose,
			NoncePublicKey: reserved.PublicKey,
			UnsignedTx:     result.Tx.Encoded,
			Status:         db.TxStatusAwaitingSignature,
		})
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"transaction":       transactionToResponse(txn),
			"transaction_index": result.TransactionIndex,
		}, http.StatusCreated)
	})
}

type approveRequest struct {
	Approver string `json:"approver"`
}

// handleApproveProposal returns a handler that builds a durable approval
// vote on the latest proposal of the group at {address}. Each approver's
// transaction consumes its own nonce, so signatures can be collected over
// days without expiry.
// POST /api/v1/multisig/{address}/approvals
func handleApproveProposal(store transactionStore, nonces *nonce.Manager, coordinator *multisig.Coordinator, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, "address: "+err.Error(), http.StatusBadRequest)
			return
		}

		var req approveRequest
		if !decodeJSONBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.Approver); err != nil {
			writeError(w, "approver: "+err.Error(), http.StatusBadRequest)
			return
		}

		params, reserved, err := reserveDurableParams(r.Context(), store, nonces, req.Approver)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}

		result, err := coordinator.ApproveProposal(r.Context(), params, address, req.Approver)
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			logger.Error("failed to build approval", "group", address, "error", err)
			writeError(w, err.Error(), statusForError(err))
			return
		}

		txn, err := stageTransaction(r.Context(), store, events, m, logger, db.CreateDurableTransactionParams{
			Owner:          req.Approver,
			PayloadKind:    db.PayloadProposalApprove,
			NoncePublicKey: reserved.PublicKey,
			UnsignedTx:     result.Tx.Encoded,
			Status:         db.TxStatusAwaitingSignature,
		})
		if err != nil {
			releaseAfterFailure(r.Context(), nonces, reserved, logger)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"transaction":       transactionToResponse(txn),
			"transaction_index": result.TransactionIndex,
		}, http.StatusCreated)
	})
}

// reserveDurableParams claims a nonce for owner and assembles the builder
// params from it and the owner's authority.
func reserveDurableParams(ctx context.Context, store transactionStore, nonces *nonce.Manager, owner string) (txbuilder.DurableParams, *db.NonceAccount, error) {
	reserved, err := nonces.ReserveNonce(ctx, owner)
	if err != nil {
		return txbuilder.DurableParams{}, nil, err
	}
	authority, err := store.GetAuthority(ctx, owner)
	if err != nil {
		if _, rerr := nonces.ReleaseNonce(ctx, reserved.PublicKey); rerr != nil {
			return txbuilder.DurableParams{}, nil, rerr
		}
		return txbuilder.DurableParams{}, nil, fmt.Errorf("failed to load authority: %w", err)
	}
	if reserved.NonceValue == nil {
		// Should be unreachable: the reservation query requires a value.
		if _, rerr := nonces.ReleaseNonce(ctx, reserved.PublicKey); rerr != nil {
			return txbuilder.DurableParams{}, nil, rerr
		}
		return txbuilder.DurableParams{}, nil, txbuilder.ErrMissingNonce
	}
	return txbuilder.DurableParams{
		NoncePublicKey:     reserved.PublicKey,
		NonceValue:         *reserved.NonceValue,
		AuthoritySecretKey: authority.SecretKey,
		FeePayer:           owner,
	}, reserved, nil
}

func releaseAfterFailure(ctx context.Context, nonces *nonce.Manager, reserved *db.NonceAccount, logger *slog.Logger) {
	if _, err := nonces.ReleaseNonce(ctx, reserved.PublicKey); err != nil {
		logger.Error("failed to release nonce", "nonce", reserved.PublicKey, "error", err)
	}
}

func stageTransaction(ctx context.Context, store transactionStore, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger, params db.CreateDurableTransactionParams) (*db.DurableTransaction, error) {
	txn, err := store.CreateDurableTransaction(ctx, params)
	if err != nil {
		logger.Error("failed to stage transaction", "owner", params.Owner, "kind", params.PayloadKind, "error", err)
		return nil, err
	}
	recordTransaction(m, params.PayloadKind, "staged")
	publishTransaction(ctx, events, nats.EventTxStaged, txn, logger)
	return txn, nil
}

func recordTransaction(m *metrics.Metrics, kind, status string) {
	if m == nil {
		return
	}
	m.RecordDurableTransaction(kind, status)
}

func publishTransaction(ctx context.Context, events nats.Publisher, kind string, txn *db.DurableTransaction, logger *slog.Logger) {
	if events == nil {
		return
	}
	if err := events.PublishEvent(ctx, nats.TransactionEvent(kind, txn)); err != nil {
		logger.Warn("failed to publish transaction event", "kind", kind, "error", err)
	}
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, nonce.ErrNoUsableNonce):
		return http.StatusConflict
	case errors.Is(err, nonce.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, nonce.ErrOwnerMismatch):
		return http.StatusForbidden
	case errors.Is(err, nonce.ErrNonceClosed):
		return http.StatusConflict
	case errors.Is(err, nonce.ErrNotCloseTransaction):
		return http.StatusBadRequest
	case errors.Is(err, multisig.ErrProposalConflict):
		return http.StatusConflict
	case errors.Is(err, txbuilder.ErrMissingNonce):
		return http.StatusConflict
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, solanasvc.ErrAccountNotFound):
		return http.StatusNotFound
	}
	var rejected *solanasvc.TransactionRejectedError
	if errors.As(err, &rejected) {
		return http.StatusUnprocessableEntity
	}
	var unavailable *solanasvc.ChainUnavailableError
	if errors.As(err, &unavailable) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func validNonceStatus(status string) bool {
	switch status {
	case db.NonceStatusPending, db.NonceStatusUsable, db.NonceStatusReserved, db.NonceStatusClosed:
		return true
	}
	return false
}

// decodeJSONBody decodes a size-capped JSON request body. Writes the
// error response itself and returns false on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Debug("failed to decode request body", "error", err)
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a public key parameter for format and size.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	decoded, err := base58.Decode(address)
	if err != nil {
		return errorf("invalid address format: %v", err)
	}
	if len(decoded) != 32 {
		return errorf("invalid address: decodes to %d bytes, want 32", len(decoded))
	}

	return nil
}

func errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
