package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Nonce is a managed durable-nonce account.
type Nonce struct {
	PublicKey          string `json:"public_key"`
	Owner              string `json:"owner"`
	AuthorityPublicKey string `json:"authority_public_key"`
	NonceValue         string `json:"nonce_value,omitempty"`
	Status             string `json:"status"` // pending, usable, reserved, closed
	CreationSignature  string `json:"creation_signature,omitempty"`
}

// Transaction is a staged or submitted durable transaction.
type Transaction struct {
	ID             int64  `json:"id"`
	Owner          string `json:"owner"`
	PayloadKind    string `json:"payload_kind"`
	NoncePublicKey string `json:"nonce_public_key"`
	UnsignedTx     string `json:"unsigned_tx"`
	Signature      string `json:"signature,omitempty"`
	Status         string `json:"status"`
}

// Group is a recorded multisig group.
type Group struct {
	Address   string   `json:"address"`
	Owner     string   `json:"owner"`
	CreateKey string   `json:"create_key"`
	Threshold int32    `json:"threshold"`
	Members   []string `json:"members"`
}

// NonceCreation is one element of a nonce-creation batch: either a
// transaction awaiting the owner's counter-signature, or an error.
type NonceCreation struct {
	NoncePublicKey string `json:"nonce_public_key,omitempty"`
	Transaction    string `json:"transaction,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NonceActivation is one element of an activation batch.
type NonceActivation struct {
	NoncePublicKey string `json:"nonce_public_key"`
	Status         string `json:"status,omitempty"`
	NonceValue     string `json:"nonce_value,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Activation pairs a pending nonce with its counter-signed creation
// transaction.
type Activation struct {
	NoncePublicKey string `json:"nonce_public_key"`
	SignedTx       string `json:"signed_tx"`
}

// GroupCreation is the result of building a multisig group: the recorded
// group plus the staged creation transaction.
type GroupCreation struct {
	Group       Group       `json:"group"`
	Transaction Transaction `json:"transaction"`
}

// Proposal is the result of building a vault-transfer proposal or an
// approval vote.
type Proposal struct {
	Transaction      Transaction `json:"transaction"`
	TransactionIndex uint64      `json:"transaction_index"`
}

// Client is the HTTP client for the durango nonce service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new nonce service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ListNonces retrieves the owner's nonce accounts, optionally filtered by
// status.
func (c *Client) ListNonces(ctx context.Context, owner, status string) ([]*Nonce, error) {
	q := url.Values{"owner": {owner}}
	if status != "" {
		q.Set("status", status)
	}

	var response struct {
		Nonces []*Nonce `json:"nonces"`
	}
	if err := c.do(ctx, "GET", "/api/v1/nonces?"+q.Encode(), nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Nonces, nil
}

// CreateNonces asks the server to build count nonce-account creation
// transactions. Each returned transaction must be counter-signed by the
// owner and submitted back via ActivateNonces.
func (c *Client) CreateNonces(ctx context.Context, owner string, count int) ([]*NonceCreation, error) {
	reqBody := map[string]interface{}{
		"owner": owner,
		"count": count,
	}

	var response struct {
		Nonces []*NonceCreation `json:"nonces"`
	}
	if err := c.do(ctx, "POST", "/api/v1/nonces", reqBody, http.StatusCreated, &response); err != nil {
		return nil, err
	}

	c.logger.Debug("built nonce creations", "owner", owner, "count", len(response.Nonces))
	return response.Nonces, nil
}

// ActivateNonces submits counter-signed creation transactions and waits
// for the nonce values to materialize on chain.
func (c *Client) ActivateNonces(ctx context.Context, activations []Activation) ([]*NonceActivation, error) {
	reqBody := map[string]interface{}{
		"activations": activations,
	}

	var response struct {
		Nonces []*NonceActivation `json:"nonces"`
	}
	if err := c.do(ctx, "PATCH", "/api/v1/nonces", reqBody, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Nonces, nil
}

// BuildCloseNonce asks the server to build a withdraw-all transaction
// closing the nonce account. The owner counter-signs and submits it via
// SubmitCloseNonce.
func (c *Client) BuildCloseNonce(ctx context.Context, owner, noncePublicKey string) (string, error) {
	reqBody := map[string]interface{}{
		"owner":            owner,
		"nonce_public_key": noncePublicKey,
	}

	var response struct {
		Transaction string `json:"transaction"`
	}
	if err := c.do(ctx, "DELETE", "/api/v1/nonces", reqBody, http.StatusOK, &response); err != nil {
		return "", err
	}
	return response.Transaction, nil
}

// SubmitCloseNonce submits a counter-signed closure transaction and marks
// the nonce closed.
func (c *Client) SubmitCloseNonce(ctx context.Context, noncePublicKey, signedTx string) (*Nonce, error) {
	reqBody := map[string]interface{}{
		"nonce_public_key": noncePublicKey,
		"signed_tx":        signedTx,
	}

	var nonce Nonce
	if err := c.do(ctx, "DELETE", "/api/v1/nonces", reqBody, http.StatusOK, &nonce); err != nil {
		return nil, err
	}

	c.logger.Debug("nonce closed", "nonce", noncePublicKey)
	return &nonce, nil
}

// BuildTransfer reserves a nonce and stages a durable lamport transfer.
// amount is a decimal SOL string, e.g. "0.25".
func (c *Client) BuildTransfer(ctx context.Context, owner, recipient, amount string) (*Transaction, error) {
	reqBody := map[string]interface{}{
		"owner":     owner,
		"recipient": recipient,
		"amount":    amount,
	}

	var txn Transaction
	if err := c.do(ctx, "POST", "/api/v1/transactions/transfer", reqBody, http.StatusCreated, &txn); err != nil {
		return nil, err
	}

	c.logger.Debug("staged transfer", "owner", owner, "transaction_id", txn.ID)
	return &txn, nil
}

// ExecuteTransaction submits a fully signed durable transaction and waits
// for confirmation.
func (c *Client) ExecuteTransaction(ctx context.Context, transactionID int64, signedTx string) (*Transaction, error) {
	reqBody := map[string]interface{}{
		"transaction_id": transactionID,
		"signed_tx":      signedTx,
	}

	var txn Transaction
	if err := c.do(ctx, "POST", "/api/v1/transactions/execute", reqBody, http.StatusOK, &txn); err != nil {
		return nil, err
	}

	c.logger.Debug("transaction confirmed", "transaction_id", txn.ID, "signature", txn.Signature)
	return &txn, nil
}

// ListTransactions retrieves the owner's durable transactions, newest
// first.
func (c *Client) ListTransactions(ctx context.Context, owner string) ([]*Transaction, error) {
	q := url.Values{"owner": {owner}}

	var response struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.do(ctx, "GET", "/api/v1/transactions?"+q.Encode(), nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Transactions, nil
}

// ListGroups retrieves the owner's multisig groups.
func (c *Client) ListGroups(ctx context.Context, owner string) ([]*Group, error) {
	q := url.Values{"owner": {owner}}

	var response struct {
		Groups []*Group `json:"groups"`
	}
	if err := c.do(ctx, "GET", "/api/v1/multisig?"+q.Encode(), nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Groups, nil
}

// CreateGroup stages a durable multisig group creation. A zero threshold
// means every member must approve.
func (c *Client) CreateGroup(ctx context.Context, owner string, signers []string, threshold int) (*GroupCreation, error) {
	reqBody := map[string]interface{}{
		"owner":     owner,
		"signers":   signers,
		"threshold": threshold,
	}

	var result GroupCreation
	if err := c.do(ctx, "POST", "/api/v1/multisig", reqBody, http.StatusCreated, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("staged multisig creation", "owner", owner, "address", result.Group.Address)
	return &result, nil
}

// ProposeVaultTransfer stages a durable proposal to transfer lamports out
// of the group's vault. amount is a decimal SOL string.
func (c *Client) ProposeVaultTransfer(ctx context.Context, groupAddress, proposer, recipient, amount string) (*Proposal, error) {
	reqBody := map[string]interface{}{
		"proposer":  proposer,
		"recipient": recipient,
		"amount":    amount,
	}

	path := fmt.Sprintf("/api/v1/multisig/%s/proposals", url.PathEscape(groupAddress))
	var result Proposal
	if err := c.do(ctx, "POST", path, reqBody, http.StatusCreated, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("staged vault transfer proposal",
		"group", groupAddress,
		"transaction_index", result.TransactionIndex,
	)
	return &result, nil
}

// ApproveProposal stages a durable approval vote on the group's latest
// proposal.
func (c *Client) ApproveProposal(ctx context.Context, groupAddress, approver string) (*Proposal, error) {
	reqBody := map[string]interface{}{
		"approver": approver,
	}

	path := fmt.Sprintf("/api/v1/multisig/%s/approvals", url.PathEscape(groupAddress))
	var result Proposal
	if err := c.do(ctx, "POST", path, reqBody, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do issues a JSON request and decodes the response into out when the
// status matches wantStatus.
func (c *Client) do(ctx context.Context, method, path string, reqBody interface{}, wantStatus int, out interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		body, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
