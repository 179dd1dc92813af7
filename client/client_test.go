package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateNonces_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/nonces", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		err := json.NewDecoder(r.Body).Decode(&body)
		require.NoError(t, err)

		assert.Equal(t, "owner123", body["owner"])
		assert.Equal(t, float64(2), body["count"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"nonces": []map[string]string{
				{"nonce_public_key": "nonceA", "transaction": "dHgx"},
				{"nonce_public_key": "nonceB", "transaction": "dHgy"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	creations, err := client.CreateNonces(context.Background(), "owner123", 2)
	require.NoError(t, err)
	require.Len(t, creations, 2)
	assert.Equal(t, "nonceA", creations[0].NoncePublicKey)
	assert.Equal(t, "dHgy", creations[1].Transaction)
}

func TestCreateNonces_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "count must be between 1 and 10",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.CreateNonces(context.Background(), "owner123", 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count must be between 1 and 10")
}

func TestActivateNonces_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PATCH", r.Method)
		assert.Equal(t, "/api/v1/nonces", r.URL.Path)

		var body struct {
			Activations []Activation `json:"activations"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Activations, 1)
		assert.Equal(t, "nonceA", body.Activations[0].NoncePublicKey)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"nonces": []map[string]string{
				{"nonce_public_key": "nonceA", "status": "usable", "nonce_value": "valueA"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	results, err := client.ActivateNonces(context.Background(), []Activation{
		{NoncePublicKey: "nonceA", SignedTx: "dHgx"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "usable", results[0].Status)
	assert.Equal(t, "valueA", results[0].NonceValue)
}

func TestListNonces_StatusFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/nonces", r.URL.Path)
		assert.Equal(t, "owner123", r.URL.Query().Get("owner"))
		assert.Equal(t, "usable", r.URL.Query().Get("status"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"nonces": []map[string]string{
				{"public_key": "nonceA", "owner": "owner123", "status": "usable"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	nonces, err := client.ListNonces(context.Background(), "owner123", "usable")
	require.NoError(t, err)
	require.Len(t, nonces, 1)
	assert.Equal(t, "nonceA", nonces[0].PublicKey)
}

func TestBuildTransfer_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/transactions/transfer", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0.25", body["amount"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":               7,
			"owner":            "owner123",
			"payload_kind":     "transfer",
			"nonce_public_key": "nonceA",
			"unsigned_tx":      "dHgx",
			"status":           "awaiting_signature",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	txn, err := client.BuildTransfer(context.Background(), "owner123", "recipient456", "0.25")
	require.NoError(t, err)
	assert.EqualValues(t, 7, txn.ID)
	assert.Equal(t, "awaiting_signature", txn.Status)
	assert.Equal(t, "nonceA", txn.NoncePublicKey)
}

func TestBuildTransfer_NoUsableNonce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "no usable nonce available",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.BuildTransfer(context.Background(), "owner123", "recipient456", "0.25")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable nonce")
}

func TestExecuteTransaction_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions/execute", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(7), body["transaction_id"])
		assert.Equal(t, "c2lnbmVk", body["signed_tx"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":        7,
			"status":    "confirmed",
			"signature": "sig789",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	txn, err := client.ExecuteTransaction(context.Background(), 7, "c2lnbmVk")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", txn.Status)
	assert.Equal(t, "sig789", txn.Signature)
}

func TestCloseNonce_TwoPhase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "/api/v1/nonces", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")

		if body["signed_tx"] == "" {
			json.NewEncoder(w).Encode(map[string]string{
				"nonce_public_key": body["nonce_public_key"],
				"transaction":      "d2l0aGRyYXc=",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"public_key": body["nonce_public_key"],
			"status":     "closed",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	tx, err := client.BuildCloseNonce(context.Background(), "owner123", "nonceA")
	require.NoError(t, err)
	assert.Equal(t, "d2l0aGRyYXc=", tx)

	nonce, err := client.SubmitCloseNonce(context.Background(), "nonceA", tx)
	require.NoError(t, err)
	assert.Equal(t, "closed", nonce.Status)
}

func TestCreateGroup_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/multisig", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"group": map[string]interface{}{
				"address":   "groupAddr",
				"owner":     "owner123",
				"threshold": 2,
				"members":   []string{"owner123", "signerA"},
			},
			"transaction": map[string]interface{}{
				"id":           9,
				"payload_kind": "multisig_create",
				"status":       "awaiting_signature",
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	result, err := client.CreateGroup(context.Background(), "owner123", []string{"signerA"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "groupAddr", result.Group.Address)
	assert.EqualValues(t, 2, result.Group.Threshold)
	assert.Equal(t, "multisig_create", result.Transaction.PayloadKind)
}

func TestProposeVaultTransfer_PathAndIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/multisig/groupAddr/proposals", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transaction":       map[string]interface{}{"id": 11, "payload_kind": "vault_transfer_propose"},
			"transaction_index": 4,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	result, err := client.ProposeVaultTransfer(context.Background(), "groupAddr", "owner123", "recipient456", "1.5")
	require.NoError(t, err)
	assert.EqualValues(t, 4, result.TransactionIndex)
}

func TestApproveProposal_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/multisig/groupAddr/approvals", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "approver123", body["approver"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transaction":       map[string]interface{}{"id": 12, "payload_kind": "proposal_approve"},
			"transaction_index": 4,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	result, err := client.ApproveProposal(context.Background(), "groupAddr", "approver123")
	require.NoError(t, err)
	assert.EqualValues(t, 4, result.TransactionIndex)
}

func TestParseErrorResponse_NonJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.ListNonces(context.Background(), "owner123", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream exploded")
}
