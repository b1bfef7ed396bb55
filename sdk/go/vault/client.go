package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentVault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	sessionToken string
}

// SessionRequest represents the payload required to open an agent session.
type SessionRequest struct {
	AgentID    string   `json:"agent_id"`
	WalletIDs  []string `json:"wallet_ids"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

// Session describes an issued session. The bearer token is only returned at
// creation time and is stored on the client automatically.
type Session struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agent_id"`
	WalletIDs []string `json:"wallet_ids"`
	ExpiresAt int64    `json:"expires_at"`
	CreatedAt int64    `json:"created_at"`
}

// TransactionRequest represents the payload required to submit a transaction
// through the authorization pipeline.
type TransactionRequest struct {
	WalletID     string `json:"wallet_id"`
	Kind         string `json:"kind"`
	Chain        string `json:"chain,omitempty"`
	Destination  string `json:"destination"`
	TokenAddress string `json:"token_address,omitempty"`
	Amount       string `json:"amount"`
	Data         string `json:"data,omitempty"`
}

// Transaction mirrors the server side transaction snapshot.
type Transaction struct {
	ID           string `json:"id"`
	WalletID     string `json:"wallet_id"`
	Kind         string `json:"kind"`
	Chain        string `json:"chain"`
	Destination  string `json:"destination"`
	TokenAddress string `json:"token_address,omitempty"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Tier         string `json:"tier,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ConfirmedAt  int64  `json:"confirmed_at,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// SubmitResult is returned by SubmitTransaction. Parked indicates the
// transaction is waiting on a timelock or a manual approval.
type SubmitResult struct {
	Tx         *Transaction `json:"transaction"`
	Parked     bool         `json:"parked"`
	ApprovalID string       `json:"approval_id,omitempty"`
}

// Approval describes a pending manual approval.
type Approval struct {
	ID        string `json:"id"`
	TxID      string `json:"tx_id"`
	WalletID  string `json:"wallet_id"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

// KillSwitchState mirrors the daemon's kill switch snapshot.
type KillSwitchState struct {
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	ActivatedBy string `json:"activated_by,omitempty"`
	ActivatedAt int64  `json:"activated_at,omitempty"`
	EscalatedBy string `json:"escalated_by,omitempty"`
	EscalatedAt int64  `json:"escalated_at,omitempty"`
	RecoveredBy string `json:"recovered_by,omitempty"`
	RecoveredAt int64  `json:"recovered_at,omitempty"`
}

// RecoveryProof carries an owner's personal_sign proof for recovery from the
// LOCKED state.
type RecoveryProof struct {
	OwnerAddress string `json:"owner_address"`
	Message      string `json:"message"`
	Signature    string `json:"signature"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("vault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("vault api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentVault API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// OpenSession creates a session for the given agent and wallet grants, stores
// the issued bearer token for subsequent calls, and returns the session view.
func (c *Client) OpenSession(ctx context.Context, req SessionRequest) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
		Token   string  `json:"token"`
	}
	if err := c.post(ctx, "/api/v1/sessions", req, &resp, false); err != nil {
		return Session{}, err
	}
	c.mu.Lock()
	c.sessionToken = resp.Token
	c.mu.Unlock()
	return resp.Session, nil
}

// RevokeSession revokes a session by identifier.
func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	return c.delete(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID))
}

// SubmitTransaction submits a transaction through the authorization pipeline
// using the stored session token. A parked result is not an error; poll the
// transaction or wait for the approval to resolve.
func (c *Client) SubmitTransaction(ctx context.Context, req TransactionRequest) (SubmitResult, error) {
	var result SubmitResult
	if err := c.post(ctx, "/api/v1/transactions", req, &result, true); err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// GetTransaction fetches a transaction snapshot by identifier.
func (c *Client) GetTransaction(ctx context.Context, txID string) (Transaction, error) {
	var tx Transaction
	endpoint := "/api/v1/transactions/" + url.PathEscape(txID)
	if err := c.get(ctx, endpoint, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// WaitForTransaction polls a transaction until it leaves the active statuses
// or the context is cancelled.
func (c *Client) WaitForTransaction(ctx context.Context, txID string, interval time.Duration) (Transaction, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tx, err := c.GetTransaction(ctx, txID)
		if err != nil {
			return Transaction{}, err
		}
		switch tx.Status {
		case "CONFIRMED", "FAILED", "CANCELLED", "EXPIRED", "PARTIAL_FAILURE":
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return Transaction{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelTransaction cancels a still-active transaction.
func (c *Client) CancelTransaction(ctx context.Context, txID, reason string) (Transaction, error) {
	var tx Transaction
	endpoint := "/api/v1/transactions/" + url.PathEscape(txID) + "/cancel"
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, endpoint, body, &tx, false); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// ListApprovals returns pending manual approvals.
func (c *Client) ListApprovals(ctx context.Context) ([]Approval, error) {
	var resp struct {
		Approvals []Approval `json:"approvals"`
	}
	if err := c.get(ctx, "/api/v1/approvals", &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// Approve resolves a pending approval and resumes the parked transaction.
func (c *Client) Approve(ctx context.Context, approvalID, actor string) (Transaction, error) {
	var resp struct {
		Transaction Transaction `json:"transaction"`
	}
	endpoint := "/api/v1/approvals/" + url.PathEscape(approvalID) + "/approve"
	if err := c.post(ctx, endpoint, map[string]string{"actor": actor}, &resp, false); err != nil {
		return Transaction{}, err
	}
	return resp.Transaction, nil
}

// Reject resolves a pending approval and cancels the parked transaction.
func (c *Client) Reject(ctx context.Context, approvalID, actor, reason string) (Transaction, error) {
	var resp struct {
		Transaction Transaction `json:"transaction"`
	}
	endpoint := "/api/v1/approvals/" + url.PathEscape(approvalID) + "/reject"
	body := map[string]string{"actor": actor, "reason": reason}
	if err := c.post(ctx, endpoint, body, &resp, false); err != nil {
		return Transaction{}, err
	}
	return resp.Transaction, nil
}

// KillSwitch returns the current kill switch snapshot.
func (c *Client) KillSwitch(ctx context.Context) (KillSwitchState, error) {
	var snap KillSwitchState
	if err := c.get(ctx, "/api/v1/killswitch", &snap); err != nil {
		return KillSwitchState{}, err
	}
	return snap, nil
}

// ActivateKillSwitch suspends the daemon and triggers the shutdown cascade.
func (c *Client) ActivateKillSwitch(ctx context.Context, actor, reason string) (KillSwitchState, error) {
	var snap KillSwitchState
	body := map[string]string{"actor": actor, "reason": reason}
	if err := c.post(ctx, "/api/v1/killswitch/activate", body, &snap, false); err != nil {
		return KillSwitchState{}, err
	}
	return snap, nil
}

// RecoverKillSwitch returns the daemon to normal operation. Recovery from the
// LOCKED state requires an owner proof when verified owners exist.
func (c *Client) RecoverKillSwitch(ctx context.Context, actor string, proof *RecoveryProof) (KillSwitchState, error) {
	var snap KillSwitchState
	body := struct {
		Actor string         `json:"actor"`
		Proof *RecoveryProof `json:"proof,omitempty"`
	}{Actor: actor, Proof: proof}
	if err := c.post(ctx, "/api/v1/killswitch/recover", body, &snap, false); err != nil {
		return KillSwitchState{}, err
	}
	return snap, nil
}

// SessionToken returns the currently stored token string.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// SetSessionToken overrides the stored session token.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.SessionToken()
		if token == "" {
			return nil, errors.New("vault: session token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
