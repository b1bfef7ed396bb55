package killswitch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentVault/internal/audit"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/session"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeEvictor struct{ evicted int }

func (f *fakeEvictor) Evict() { f.evicted++ }

type env struct {
	svc      *Service
	store    *MemoryStore
	sessions session.Store
	txs      *txn.MemoryStore
	wallets  *wallet.MemoryStore
	evictor  *fakeEvictor
	auditor  *audit.MemoryRecorder
	bus      *events.MemoryBus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := NewMemoryStore()
	sessions := session.NewMemoryStore()
	txs := txn.NewMemoryStore()
	wallets := wallet.NewMemoryStore()
	evictor := &fakeEvictor{}
	auditor := audit.NewMemoryRecorder()
	bus := events.NewMemoryBus()
	svc := NewService(store, sessions, txs, wallets, evictor, nil, auditor, bus, WithSyncCascade())
	return &env{svc: svc, store: store, sessions: sessions, txs: txs,
		wallets: wallets, evictor: evictor, auditor: auditor, bus: bus}
}

func TestStateMachineTransitions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// 未触发时不允许升级与恢复，且两者的冲突码不同：
	// 升级是非法的状态机边，恢复是"无事可恢复"。
	if _, err := e.svc.Escalate(ctx, "ops", ""); !xerrors.IsCode(err, CodeInvalidTransition) {
		t.Fatalf("escalate from ACTIVE: expected INVALID_STATE_TRANSITION, got %v", err)
	}
	if _, err := e.svc.Recover(ctx, "ops", nil); !xerrors.IsCode(err, CodeNotActive) {
		t.Fatalf("recover from ACTIVE: expected KILL_SWITCH_NOT_ACTIVE, got %v", err)
	}

	snap, err := e.svc.Activate(ctx, "ops", "suspicious activity")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if snap.State != StateSuspended || snap.ActivatedBy != "ops" {
		t.Fatalf("unexpected snapshot after activate: %+v", snap)
	}

	// 重复触发被拒绝。
	if _, err := e.svc.Activate(ctx, "ops", "again"); !xerrors.IsCode(err, CodeInvalidTransition) {
		t.Fatalf("double activate: expected INVALID_STATE_TRANSITION, got %v", err)
	}

	snap, err = e.svc.Escalate(ctx, "ops", "confirmed compromise")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if snap.State != StateLocked {
		t.Fatalf("expected LOCKED, got %s", snap.State)
	}
	if _, err := e.svc.Escalate(ctx, "ops", ""); !xerrors.IsCode(err, CodeInvalidTransition) {
		t.Fatalf("escalate from LOCKED: expected INVALID_STATE_TRANSITION, got %v", err)
	}

	// 没有已验证所有者时，LOCKED 也可以直接恢复。
	snap, err = e.svc.Recover(ctx, "ops", nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if snap.State != StateActive || snap.RecoveredBy != "ops" {
		t.Fatalf("unexpected snapshot after recover: %+v", snap)
	}
}

func TestActivateRunsFullCascade(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if err := e.sessions.Create(ctx, &session.Session{
		ID: "s1", Token: "tok-1", AgentID: "a1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := e.wallets.Create(ctx, &wallet.Wallet{
		ID: "w1", Name: "main", Chain: "eth",
		Address: "0x1111111111111111111111111111111111111111",
		Status:  wallet.StatusActive,
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	tx := &txn.Transaction{ID: "t1", WalletID: "w1", Kind: txn.KindTransfer,
		Chain: "eth", Destination: "0xabc", Amount: "1"}
	if err := e.txs.Create(ctx, tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	if _, err := e.svc.Activate(ctx, "ops", "drain detected"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// 步骤一：会话全部撤销。
	if _, err := session.NewService(e.sessions, time.Hour).Validate(ctx, "tok-1"); !xerrors.IsCode(err, session.CodeSessionRevoked) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	// 步骤二：在途交易取消，携带标准原因。
	got, _ := e.txs.Get(ctx, "t1")
	if got.Status != txn.StatusCancelled || got.LastError != "Kill switch activated" {
		t.Fatalf("expected cascade cancellation, got %+v", got)
	}
	// 步骤三:钱包暂停。
	w, _ := e.wallets.Get(ctx, "w1")
	if w.Status != wallet.StatusSuspended {
		t.Fatalf("expected suspended wallet, got %s", w.Status)
	}
	// 步骤四:链连接驱逐。
	if e.evictor.evicted != 1 {
		t.Fatalf("expected one eviction, got %d", e.evictor.evicted)
	}
	// 步骤六：恰好一条 CRITICAL 审计。
	entries := e.auditor.ByEvent(audit.EventKillSwitchActivated)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one activation audit entry, got %d", len(entries))
	}
	if entries[0].Severity != audit.SeverityCritical {
		t.Fatalf("expected CRITICAL severity, got %s", entries[0].Severity)
	}
	if entries[0].Details["transactions_cancelled"] != "1" {
		t.Fatalf("expected cancellation count in details, got %+v", entries[0].Details)
	}

	// 状态事件已发布。
	if len(e.bus.ByTopic(events.TopicKillSwitch)) == 0 {
		t.Fatal("expected kill switch state event")
	}
}

func TestRecoverFromLockedRequiresOwnerProof(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if err := e.wallets.Create(ctx, &wallet.Wallet{
		ID: "w1", Name: "main", Chain: "eth",
		Address:       "0x1111111111111111111111111111111111111111",
		OwnerAddress:  owner,
		OwnerVerified: true,
		Status:        wallet.StatusActive,
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	if _, err := e.svc.Activate(ctx, "ops", "incident"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := e.svc.Escalate(ctx, "ops", ""); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	// 无证明被拒。
	if _, err := e.svc.Recover(ctx, "ops", nil); !xerrors.IsCode(err, xerrors.CodeInvalidSignature) {
		t.Fatalf("expected INVALID_SIGNATURE without proof, got %v", err)
	}

	message := "recover vault 2026-08-31"
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// 伪造签名被拒。
	bad := append([]byte(nil), sig...)
	bad[0] ^= 0xff
	_, err = e.svc.Recover(ctx, "ops", &RecoveryProof{
		OwnerAddress: owner, Message: message, Signature: hexutil.Encode(bad),
	})
	if !xerrors.IsCode(err, xerrors.CodeInvalidSignature) {
		t.Fatalf("expected INVALID_SIGNATURE for tampered proof, got %v", err)
	}

	// 有效证明放行（同时验证 27/28 的 V 值也被接受）。
	legacy := append([]byte(nil), sig...)
	legacy[crypto.RecoveryIDOffset] += 27
	snap, err := e.svc.Recover(ctx, "ops", &RecoveryProof{
		OwnerAddress: owner, Message: message, Signature: hexutil.Encode(legacy),
	})
	if err != nil {
		t.Fatalf("recover with valid proof: %v", err)
	}
	if snap.State != StateActive {
		t.Fatalf("expected ACTIVE after recovery, got %s", snap.State)
	}
}

func TestRecoverFromSuspendedNeedsNoProof(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	key, _ := crypto.GenerateKey()
	_ = e.wallets.Create(ctx, &wallet.Wallet{
		ID: "w1", Name: "main", Chain: "eth",
		Address:       "0x1111111111111111111111111111111111111111",
		OwnerAddress:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		OwnerVerified: true,
		Status:        wallet.StatusActive,
	})

	if _, err := e.svc.Activate(ctx, "ops", "incident"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	snap, err := e.svc.Recover(ctx, "ops", nil)
	if err != nil {
		t.Fatalf("recover from SUSPENDED must not require proof: %v", err)
	}
	if snap.State != StateActive {
		t.Fatalf("expected ACTIVE, got %s", snap.State)
	}
}

func TestGateBlocksWhenEngaged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	handler := e.svc.Gate(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/api/v1/transactions"); rec.Code != http.StatusOK {
		t.Fatalf("active switch must pass requests, got %d", rec.Code)
	}

	if _, err := e.svc.Activate(ctx, "ops", "incident"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	rec := get("/api/v1/transactions")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("engaged switch must block, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(xerrors.CodeServiceLocked)) {
		t.Fatalf("expected SERVICE_LOCKED body, got %s", rec.Body.String())
	}

	// 豁免路径始终放行。
	for _, path := range []string{"/healthz", "/metrics", "/api/v1/killswitch/recover"} {
		if rec := get(path); rec.Code != http.StatusOK {
			t.Fatalf("exempt path %s must pass, got %d", path, rec.Code)
		}
	}
}
