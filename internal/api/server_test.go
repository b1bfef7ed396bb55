package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentVault/internal/audit"
	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/keystore"
	"AgentVault/internal/killswitch"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"

	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type stubAdapter struct{}

func (stubAdapter) Name() string                 { return "testchain" }
func (stubAdapter) ValidateAddress(string) error { return nil }
func (stubAdapter) Close()                       {}

func (stubAdapter) SimulateTransaction(context.Context, *chain.UnsignedTx) error {
	return nil
}

func (stubAdapter) BuildTransaction(_ context.Context, req chain.BuildRequest) (*chain.UnsignedTx, error) {
	to := req.To
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: req.Value, Data: req.Data,
	})
	return &chain.UnsignedTx{ChainID: big.NewInt(1), Tx: tx, From: req.From}, nil
}

func (stubAdapter) SignTransaction(utx *chain.UnsignedTx, key *ecdsa.PrivateKey) (*chain.SignedTx, error) {
	signed, err := coretypes.SignTx(utx.Tx, coretypes.LatestSignerForChainID(utx.ChainID), key)
	if err != nil {
		return nil, err
	}
	return &chain.SignedTx{Tx: signed, Hash: signed.Hash().Hex()}, nil
}

func (stubAdapter) SubmitTransaction(_ context.Context, stx *chain.SignedTx) (string, error) {
	return stx.Hash, nil
}

func (stubAdapter) WaitForConfirmation(_ context.Context, hash string, _ time.Duration) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: hash, Success: true}, nil
}

type stubSource struct{}

func (stubSource) Adapter(context.Context, string) (chain.Adapter, error) {
	return stubAdapter{}, nil
}

func (stubSource) DefaultChain() string { return "testchain" }

type serverEnv struct {
	srv      *httptest.Server
	token    string
	walletID string
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	ctx := context.Background()

	txs := txn.NewMemoryStore()
	approvals := txn.NewMemoryApprovalStore()
	wallets := wallet.NewMemoryStore()
	policies := policy.NewMemoryStore()
	auditor := audit.NewMemoryRecorder()
	bus := events.NewMemoryBus()
	keys := keystore.NewMemoryStore()
	sessions := session.NewService(session.NewMemoryStore(), time.Hour)

	const walletID = "w1"
	address, err := keys.Generate(walletID)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := wallets.Create(ctx, &wallet.Wallet{
		ID: walletID, Name: "treasury", Chain: "testchain",
		Address: address, Status: wallet.StatusActive,
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	sess, err := sessions.Create(ctx, "agent-1", []string{walletID}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	engine := policy.NewEngine(policies, txs)
	pipeline := txn.NewPipeline(txs, approvals, wallets, sessions, engine,
		stubSource{}, keys, bus, auditor, nil,
		txn.PipelineConfig{ConfirmTimeout: 5 * time.Second, ConfirmInterval: time.Millisecond})
	workflow := txn.NewApprovalWorkflow(approvals, txs, pipeline, auditor, bus)
	ks := killswitch.NewService(killswitch.NewMemoryStore(),
		session.NewMemoryStore(), txs, wallets, nil, nil, auditor, bus,
		killswitch.WithSyncCascade())

	server := NewServer("", pipeline, workflow, txs, approvals, policies, wallets, sessions, ks, auditor)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &serverEnv{srv: srv, token: sess.Token, walletID: walletID}
}

func (e *serverEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	e := newServerEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitTransactionEndToEnd(t *testing.T) {
	e := newServerEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/transactions", e.token, map[string]any{
		"wallet_id":   e.walletID,
		"kind":        "TRANSFER",
		"destination": "0x2222222222222222222222222222222222222222",
		"amount":      "100",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	result := decode[txn.SubmitResult](t, resp)
	if result.Tx.Status != txn.StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", result.Tx.Status)
	}

	// 单笔查询返回同一快照。
	resp = e.do(t, http.MethodGet, "/api/v1/transactions/"+result.Tx.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", resp.StatusCode)
	}
	got := decode[txn.Transaction](t, resp)
	if got.ID != result.Tx.ID || got.TxHash == "" {
		t.Fatalf("unexpected transaction: %+v", got)
	}
}

func TestSubmitWithoutTokenRejected(t *testing.T) {
	e := newServerEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/transactions", "", map[string]any{
		"wallet_id":   e.walletID,
		"kind":        "TRANSFER",
		"destination": "0x2222222222222222222222222222222222222222",
		"amount":      "1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPolicyDenialReturnsForbidden(t *testing.T) {
	e := newServerEnv(t)

	rule, _ := json.Marshal(policy.WhitelistRule{
		Addresses: []string{"0x9999999999999999999999999999999999999999"},
	})
	resp := e.do(t, http.MethodPost, "/api/v1/policies", "", map[string]any{
		"wallet_id": e.walletID,
		"type":      "WHITELIST",
		"enabled":   true,
		"rule":      json.RawMessage(rule),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating policy, got %d", resp.StatusCode)
	}
	created := decode[policy.Policy](t, resp)

	submit := func() *http.Response {
		return e.do(t, http.MethodPost, "/api/v1/transactions", e.token, map[string]any{
			"wallet_id":   e.walletID,
			"kind":        "TRANSFER",
			"destination": "0x2222222222222222222222222222222222222222",
			"amount":      "1",
		})
	}

	resp = submit()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for whitelist violation, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// 停用规则后放行。
	resp = e.do(t, http.MethodPatch, "/api/v1/policies/"+created.ID, "", map[string]any{"enabled": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 disabling policy, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = submit()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after disabling policy, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestKillSwitchGateOverAPI(t *testing.T) {
	e := newServerEnv(t)

	resp := e.do(t, http.MethodPost, "/api/v1/killswitch/activate", "", map[string]any{
		"actor": "ops", "reason": "incident",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 activating, got %d", resp.StatusCode)
	}
	snap := decode[killswitch.Snapshot](t, resp)
	if snap.State != killswitch.StateSuspended {
		t.Fatalf("expected SUSPENDED, got %s", snap.State)
	}

	// 业务接口被冻结。
	resp = e.do(t, http.MethodGet, "/api/v1/transactions", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while engaged, got %d", resp.StatusCode)
	}
	body := decode[map[string]map[string]string](t, resp)
	if body["error"]["code"] != string(xerrors.CodeServiceLocked) {
		t.Fatalf("expected SERVICE_LOCKED, got %+v", body)
	}

	// 开关自身的接口保持可用。
	resp = e.do(t, http.MethodGet, "/api/v1/killswitch", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill switch state must stay reachable, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// 重复触发返回 409。
	resp = e.do(t, http.MethodPost, "/api/v1/killswitch/activate", "", map[string]any{
		"actor": "ops", "reason": "again",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double activate, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// 恢复后业务接口重新放行。
	resp = e.do(t, http.MethodPost, "/api/v1/killswitch/recover", "", map[string]any{"actor": "ops"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 recovering, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/transactions", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after recovery, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestApprovalFlowOverAPI(t *testing.T) {
	e := newServerEnv(t)

	rule, _ := json.Marshal(policy.SpendingLimitRule{
		InstantMax: "10", NotifyMax: "20", DelayMax: "30", DelaySeconds: 60,
	})
	resp := e.do(t, http.MethodPost, "/api/v1/policies", "", map[string]any{
		"wallet_id": e.walletID,
		"type":      "SPENDING_LIMIT",
		"enabled":   true,
		"rule":      json.RawMessage(rule),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/v1/transactions", e.token, map[string]any{
		"wallet_id":   e.walletID,
		"kind":        "TRANSFER",
		"destination": "0x2222222222222222222222222222222222222222",
		"amount":      "100",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for parked transaction, got %d", resp.StatusCode)
	}
	result := decode[txn.SubmitResult](t, resp)
	if !result.Parked || result.ApprovalID == "" {
		t.Fatalf("expected parked result with approval, got %+v", result)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/approvals", "", nil)
	pending := decode[map[string][]txn.PendingApproval](t, resp)
	if len(pending["approvals"]) != 1 {
		t.Fatalf("expected one pending approval, got %+v", pending)
	}

	resp = e.do(t, http.MethodPost, "/api/v1/approvals/"+result.ApprovalID+"/reject", "", map[string]any{
		"actor": "ops", "reason": "not today",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 rejecting, got %d", resp.StatusCode)
	}
	verdict := decode[map[string]txn.Transaction](t, resp)
	if verdict["transaction"].Status != txn.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", verdict["transaction"].Status)
	}
}
