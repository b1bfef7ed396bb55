package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenSessionStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.AgentID != "agent-1" {
			t.Fatalf("unexpected agent id: %s", req.AgentID)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": Session{ID: "sess-1", AgentID: req.AgentID, WalletIDs: req.WalletIDs},
			"token":   "tok-abc",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	sess, err := client.OpenSession(context.Background(), SessionRequest{
		AgentID:   "agent-1",
		WalletIDs: []string{"wallet-1"},
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Fatalf("unexpected session id: %s", sess.ID)
	}
	if got := client.SessionToken(); got != "tok-abc" {
		t.Fatalf("expected token tok-abc, got %q", got)
	}
}

func TestSubmitTransactionRequiresToken(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"session": Session{ID: "sess-1"},
				"token":   "tok",
			})
		case "/api/v1/transactions":
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			submitted = true
			_ = json.NewEncoder(w).Encode(SubmitResult{
				Tx: &Transaction{ID: "tx-1", Status: "CONFIRMED"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	if _, err := client.SubmitTransaction(context.Background(), TransactionRequest{}); err == nil {
		t.Fatal("expected error without session token")
	}

	if _, err := client.OpenSession(context.Background(), SessionRequest{AgentID: "a"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	result, err := client.SubmitTransaction(context.Background(), TransactionRequest{
		WalletID:    "wallet-1",
		Kind:        "NATIVE_TRANSFER",
		Destination: "0xdead",
		Amount:      "1",
	})
	if err != nil {
		t.Fatalf("submit transaction: %v", err)
	}
	if !submitted {
		t.Fatal("transaction was not submitted")
	}
	if result.Tx == nil || result.Tx.ID != "tx-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmitTransactionParkedIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(SubmitResult{
			Tx:         &Transaction{ID: "tx-1", Status: "PENDING"},
			Parked:     true,
			ApprovalID: "appr-1",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetSessionToken("tok")

	result, err := client.SubmitTransaction(context.Background(), TransactionRequest{})
	if err != nil {
		t.Fatalf("submit transaction: %v", err)
	}
	if !result.Parked || result.ApprovalID != "appr-1" {
		t.Fatalf("expected parked result, got %+v", result)
	}
}

func TestWaitForTransactionPollsUntilTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "SUBMITTED"
		if calls >= 3 {
			status = "CONFIRMED"
		}
		_ = json.NewEncoder(w).Encode(Transaction{ID: "tx-1", Status: status})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	tx, err := client.WaitForTransaction(context.Background(), "tx-1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait for transaction: %v", err)
	}
	if tx.Status != "CONFIRMED" {
		t.Fatalf("unexpected status: %s", tx.Status)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestGetTransactionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/transactions/tx-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "TX_NOT_FOUND", Message: "missing"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetTransaction(context.Background(), "tx-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TX_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestKillSwitchLifecycle(t *testing.T) {
	state := "ACTIVE"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/killswitch":
			_ = json.NewEncoder(w).Encode(KillSwitchState{State: state})
		case "/api/v1/killswitch/activate":
			state = "SUSPENDED"
			_ = json.NewEncoder(w).Encode(KillSwitchState{State: state, ActivatedBy: "ops"})
		case "/api/v1/killswitch/recover":
			var body struct {
				Actor string         `json:"actor"`
				Proof *RecoveryProof `json:"proof"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode recover body: %v", err)
			}
			state = "ACTIVE"
			_ = json.NewEncoder(w).Encode(KillSwitchState{State: state, RecoveredBy: body.Actor})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	snap, err := client.ActivateKillSwitch(context.Background(), "ops", "key leak")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if snap.State != "SUSPENDED" {
		t.Fatalf("unexpected state: %s", snap.State)
	}

	snap, err = client.RecoverKillSwitch(context.Background(), "ops", nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if snap.State != "ACTIVE" || snap.RecoveredBy != "ops" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
