package txn

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"AgentVault/internal/audit"
	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/keystore"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// fakeAdapter 在内存中模拟链适配器，可配置在各阶段注入失败。
type fakeAdapter struct {
	failBuild    error
	failSimulate error
	failSubmit   error
	failConfirm  error
	revert       bool
	submitted    int
}

func (f *fakeAdapter) Name() string { return "testchain" }

func (f *fakeAdapter) ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return xerrors.New(xerrors.CodeInvalidArgument, "bad address")
	}
	return nil
}

func (f *fakeAdapter) BuildTransaction(_ context.Context, req chain.BuildRequest) (*chain.UnsignedTx, error) {
	if f.failBuild != nil {
		return nil, chain.Classify(f.failBuild)
	}
	to := req.To
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    uint64(f.submitted),
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &to,
		Value:    req.Value,
		Data:     req.Data,
	})
	return &chain.UnsignedTx{ChainID: big.NewInt(1), Tx: tx, From: req.From}, nil
}

func (f *fakeAdapter) SimulateTransaction(_ context.Context, _ *chain.UnsignedTx) error {
	if f.failSimulate != nil {
		return chain.Classify(f.failSimulate)
	}
	return nil
}

func (f *fakeAdapter) SignTransaction(utx *chain.UnsignedTx, key *ecdsa.PrivateKey) (*chain.SignedTx, error) {
	signer := coretypes.LatestSignerForChainID(utx.ChainID)
	signed, err := coretypes.SignTx(utx.Tx, signer, key)
	if err != nil {
		return nil, err
	}
	return &chain.SignedTx{Tx: signed, Hash: signed.Hash().Hex()}, nil
}

func (f *fakeAdapter) SubmitTransaction(_ context.Context, stx *chain.SignedTx) (string, error) {
	if f.failSubmit != nil {
		return "", chain.Classify(f.failSubmit)
	}
	f.submitted++
	return stx.Tx.Hash().Hex(), nil
}

func (f *fakeAdapter) WaitForConfirmation(_ context.Context, txHash string, _ time.Duration) (*chain.Receipt, error) {
	if f.failConfirm != nil {
		return nil, chain.Classify(f.failConfirm)
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: 1, GasUsed: 21000, Success: !f.revert}, nil
}

func (f *fakeAdapter) Close() {}

type fakeSource struct{ adapter chain.Adapter }

func (s *fakeSource) Adapter(_ context.Context, _ string) (chain.Adapter, error) {
	return s.adapter, nil
}

func (s *fakeSource) DefaultChain() string { return "testchain" }

// testEnv 汇集一套内存实现的流水线及其协作者。
type testEnv struct {
	pipeline  *Pipeline
	workflow  *ApprovalWorkflow
	txs       *MemoryStore
	approvals *MemoryApprovalStore
	wallets   *wallet.MemoryStore
	policies  *policy.MemoryStore
	sessions  *session.Service
	keys      *keystore.MemoryStore
	auditor   *audit.MemoryRecorder
	bus       *events.MemoryBus
	adapter   *fakeAdapter
	token     string
	walletID  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	txs := NewMemoryStore()
	approvals := NewMemoryApprovalStore()
	wallets := wallet.NewMemoryStore()
	policies := policy.NewMemoryStore()
	auditor := audit.NewMemoryRecorder()
	bus := events.NewMemoryBus()
	adapter := &fakeAdapter{}
	keys := keystore.NewMemoryStore()

	const walletID = "w1"
	address, err := keys.Generate(walletID)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := wallets.Create(ctx, &wallet.Wallet{
		ID:      walletID,
		Name:    "agent treasury",
		Chain:   "testchain",
		Address: address,
		Status:  wallet.StatusActive,
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	sessions := session.NewService(session.NewMemoryStore(), time.Hour)
	sess, err := sessions.Create(ctx, "agent-1", []string{walletID}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	engine := policy.NewEngine(policies, txs)
	pipeline := NewPipeline(txs, approvals, wallets, sessions, engine,
		&fakeSource{adapter: adapter}, keys, bus, auditor, nil,
		PipelineConfig{
			ConfirmTimeout:  5 * time.Second,
			ConfirmInterval: time.Millisecond,
			DefaultDelay:    50 * time.Millisecond,
			ApprovalTTL:     time.Hour,
		})
	workflow := NewApprovalWorkflow(approvals, txs, pipeline, auditor, bus)

	return &testEnv{
		pipeline:  pipeline,
		workflow:  workflow,
		txs:       txs,
		approvals: approvals,
		wallets:   wallets,
		policies:  policies,
		sessions:  sessions,
		keys:      keys,
		auditor:   auditor,
		bus:       bus,
		adapter:   adapter,
		token:     sess.Token,
		walletID:  walletID,
	}
}

func (e *testEnv) addSpendingLimit(t *testing.T, instant, notify, delay string) {
	t.Helper()
	raw, _ := json.Marshal(policy.SpendingLimitRule{
		InstantMax:   instant,
		NotifyMax:    notify,
		DelayMax:     delay,
		DelaySeconds: 1,
	})
	err := e.policies.Create(context.Background(), &policy.Policy{
		ID:       "limit",
		WalletID: e.walletID,
		Type:     policy.TypeSpendingLimit,
		Enabled:  true,
		Rule:     raw,
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
}

func transferReq(e *testEnv, amount string) SubmitRequest {
	return SubmitRequest{
		SessionToken: e.token,
		WalletID:     e.walletID,
		Kind:         KindTransfer,
		Destination:  "0x2222222222222222222222222222222222222222",
		Amount:       amount,
	}
}

func TestSubmitInstantConfirms(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Parked {
		t.Fatal("instant transaction should not park")
	}
	if result.Tx.Status != StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", result.Tx.Status)
	}
	if result.Tx.TxHash == "" {
		t.Fatal("expected tx hash recorded")
	}
	if result.Tx.ReservedAmount != "" {
		t.Fatal("reservation must be cleared on confirmation")
	}
}

func TestSubmitPolicyDenialCancels(t *testing.T) {
	env := newTestEnv(t)
	raw, _ := json.Marshal(policy.WhitelistRule{Addresses: []string{"0x9999999999999999999999999999999999999999"}})
	if err := env.policies.Create(context.Background(), &policy.Policy{
		ID: "wl", WalletID: env.walletID, Type: policy.TypeWhitelist, Enabled: true, Rule: raw,
	}); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	_, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err == nil {
		t.Fatal("expected policy denial")
	}
	if xerrors.CodeOf(err) != xerrors.CodePolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %s", xerrors.CodeOf(err))
	}

	txs, _ := env.txs.List(context.Background(), env.walletID, 0)
	if len(txs) != 1 || txs[0].Status != StatusCancelled {
		t.Fatalf("expected cancelled transaction, got %+v", txs)
	}
	if txs[0].LastError == "" {
		t.Fatal("denial reason must be recorded on the transaction")
	}
	if len(env.auditor.ByEvent(audit.EventPolicyDenied)) != 1 {
		t.Fatal("expected one policy denial audit entry")
	}
}

func TestSubmitBadTokenCancels(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		SessionToken: "no-such-token",
		WalletID:     env.walletID,
		Kind:         KindTransfer,
		Destination:  "0x2222222222222222222222222222222222222222",
		Amount:       "1",
	})
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	txs, _ := env.txs.List(context.Background(), env.walletID, 0)
	if len(txs) != 1 || txs[0].Status != StatusCancelled {
		t.Fatalf("unauthenticated transaction must be cancelled, got %+v", txs)
	}
}

func TestSubmitExecuteFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	env.addSpendingLimit(t, "1000", "5000", "20000")
	env.adapter.failSubmit = errors.New("insufficient funds for transfer")

	result, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err == nil {
		t.Fatal("expected submit failure")
	}
	if xerrors.CodeOf(err) != xerrors.CodeChainPermanent {
		t.Fatalf("expected CHAIN_PERMANENT, got %s", xerrors.CodeOf(err))
	}
	if result == nil || result.Tx.Status != StatusFailed {
		t.Fatalf("expected FAILED snapshot, got %+v", result)
	}
	if result.Tx.ReservedAmount != "" {
		t.Fatal("reservation must be cleared on failure")
	}
	sum, _ := env.txs.SumReserved(context.Background(), env.walletID)
	if sum.Sign() != 0 {
		t.Fatalf("expected zero outstanding reservation, got %s", sum)
	}
}

func TestSubmitRevertedTransactionFails(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.revert = true

	result, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err == nil {
		t.Fatal("expected failure for reverted transaction")
	}
	if result.Tx.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Tx.Status)
	}
}

func TestSubmitDelayParksAndResumes(t *testing.T) {
	env := newTestEnv(t)
	env.addSpendingLimit(t, "10", "20", "20000")

	result, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Parked || result.Tx.Status != StatusQueued {
		t.Fatalf("delay-tier transaction must park in QUEUED, got %+v", result)
	}
	if result.Tx.Tier != policy.TierDelay {
		t.Fatalf("expected DELAY tier, got %s", result.Tx.Tier)
	}

	// 计时器到期后自动恢复执行。
	deadline := time.Now().Add(5 * time.Second)
	for {
		tx, err := env.txs.Get(context.Background(), result.Tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if tx.Terminal() {
			if tx.Status != StatusConfirmed {
				t.Fatalf("expected CONFIRMED after delay, got %s (%s)", tx.Status, tx.LastError)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delayed transaction never resumed, status %s", tx.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitApprovalParksUntilApproved(t *testing.T) {
	env := newTestEnv(t)
	env.addSpendingLimit(t, "10", "20", "30")

	result, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Parked || result.ApprovalID == "" {
		t.Fatalf("approval-tier transaction must park with approval, got %+v", result)
	}
	if result.Tx.Status != StatusQueued || result.Tx.Tier != policy.TierApproval {
		t.Fatalf("unexpected parked state: %+v", result.Tx)
	}

	// Resume 是幂等的恢复调用：审批通过后交易走完执行与确认。
	if err := env.approvals.Approve(context.Background(), result.ApprovalID, "ops"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	tx, err := env.pipeline.Resume(context.Background(), result.Tx.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if tx.Status != StatusConfirmed {
		t.Fatalf("expected CONFIRMED after approval, got %s", tx.Status)
	}

	// 重复 Resume 不产生额外效果。
	again, err := env.pipeline.Resume(context.Background(), result.Tx.ID)
	if err != nil {
		t.Fatalf("idempotent resume: %v", err)
	}
	if again.Status != StatusConfirmed {
		t.Fatalf("resume must be idempotent, got %s", again.Status)
	}
}

func TestRejectCancelsParkedTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.addSpendingLimit(t, "10", "20", "30")

	result, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	tx, err := env.workflow.Reject(context.Background(), result.ApprovalID, "ops", "looks wrong")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if tx.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED after rejection, got %s", tx.Status)
	}
	if tx.ReservedAmount != "" {
		t.Fatal("reservation must be released on rejection")
	}
	if len(env.auditor.ByEvent(audit.EventApprovalRejected)) != 1 {
		t.Fatal("expected rejection audit entry")
	}

	// 已裁决的审批不接受二次裁决。
	if _, err := env.workflow.Approve(context.Background(), result.ApprovalID, "ops"); err == nil {
		t.Fatal("expected resolved approval to refuse further verdicts")
	}
}

func TestSweepExpiredApprovals(t *testing.T) {
	env := newTestEnv(t)
	env.addSpendingLimit(t, "10", "20", "30")

	result, err := env.pipeline.Submit(context.Background(), transferReq(env, "100"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	count, err := env.workflow.SweepExpired(context.Background(), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired approval, got %d", count)
	}

	tx, _ := env.txs.Get(context.Background(), result.Tx.ID)
	if tx.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", tx.Status)
	}
	if tx.ReservedAmount != "" {
		t.Fatal("reservation must be released on expiry")
	}

	// 再次扫描为空。
	count, err = env.workflow.SweepExpired(context.Background(), time.Now().Add(2*time.Hour))
	if err != nil || count != 0 {
		t.Fatalf("second sweep should find nothing, got %d, %v", count, err)
	}
}

func TestTerminalImmutability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := &Transaction{ID: "t1", WalletID: env.walletID, Kind: KindTransfer,
		Chain: "testchain", Destination: "0xabc", Amount: "1"}
	if err := env.txs.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.txs.Cancel(ctx, "t1", "operator cancelled"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := env.txs.MarkConfirmed(ctx, "t1"); !xerrors.IsCode(err, CodeTxTerminal) {
		t.Fatalf("expected TX_TERMINAL, got %v", err)
	}
	if err := env.txs.MarkFailed(ctx, "t1", "nope"); !xerrors.IsCode(err, CodeTxTerminal) {
		t.Fatalf("expected TX_TERMINAL, got %v", err)
	}
	if err := env.txs.Reserve(ctx, "t1", big.NewInt(5)); !xerrors.IsCode(err, CodeTxTerminal) {
		t.Fatalf("terminal rows must refuse reservation writes, got %v", err)
	}
}

func TestCancelActiveSkipsSubmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mk := func(id string, status Status) {
		tx := &Transaction{ID: id, WalletID: env.walletID, Kind: KindTransfer,
			Chain: "testchain", Destination: "0xabc", Amount: "1"}
		if err := env.txs.Create(ctx, tx); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		switch status {
		case StatusQueued:
			_ = env.txs.Transition(ctx, id, StatusPending, StatusQueued)
		case StatusExecuting:
			_ = env.txs.Transition(ctx, id, StatusPending, StatusExecuting)
		case StatusSubmitted:
			_ = env.txs.Transition(ctx, id, StatusPending, StatusExecuting)
			_ = env.txs.SetSubmitted(ctx, id, "0xhash")
		}
	}
	mk("p", StatusPending)
	mk("q", StatusQueued)
	mk("e", StatusExecuting)
	mk("s", StatusSubmitted)

	count, err := env.txs.CancelActive(ctx, "kill switch activated")
	if err != nil {
		t.Fatalf("cancel active: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 cancellations, got %d", count)
	}
	s, _ := env.txs.Get(ctx, "s")
	if s.Status != StatusSubmitted {
		t.Fatalf("submitted transaction must survive cascade, got %s", s.Status)
	}
	q, _ := env.txs.Get(ctx, "q")
	if q.Status != StatusCancelled || q.LastError != "kill switch activated" {
		t.Fatalf("expected cascade cancellation reason, got %+v", q)
	}
}

func TestSubmitTokenTransferRequiresAllowedTokens(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		SessionToken: env.token,
		WalletID:     env.walletID,
		Kind:         KindTokenTransfer,
		Destination:  "0x2222222222222222222222222222222222222222",
		TokenAddress: "0x3333333333333333333333333333333333333333",
		Amount:       "100",
	})
	if err == nil {
		t.Fatal("token transfer without allowed-tokens rule must be denied")
	}
	if xerrors.CodeOf(err) != xerrors.CodePolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %s", xerrors.CodeOf(err))
	}
}

func TestSubmitApproveIgnoresAllowedTokens(t *testing.T) {
	// APPROVE 的代币地址是调用目标而非转账代币，
	// 没有 ALLOWED_TOKENS 规则的钱包也能授权。
	env := newTestEnv(t)
	result, err := env.pipeline.Submit(context.Background(), SubmitRequest{
		SessionToken: env.token,
		WalletID:     env.walletID,
		Kind:         KindApprove,
		Destination:  "0x2222222222222222222222222222222222222222",
		TokenAddress: "0x3333333333333333333333333333333333333333",
		Amount:       "100",
	})
	if err != nil {
		t.Fatalf("approve submit: %v", err)
	}
	if result.Tx.Status != StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s (%s)", result.Tx.Status, result.Tx.LastError)
	}
}

// failingPolicyStore 在评估时报存储错误。
type failingPolicyStore struct{ *policy.MemoryStore }

func (s *failingPolicyStore) ListEnabled(context.Context, string) ([]*policy.Policy, error) {
	return nil, xerrors.New(xerrors.CodeStorageFailure, "policies unavailable")
}

func TestSubmitPolicyStoreErrorCancels(t *testing.T) {
	env := newTestEnv(t)
	engine := policy.NewEngine(&failingPolicyStore{policy.NewMemoryStore()}, env.txs)
	pipeline := NewPipeline(env.txs, env.approvals, env.wallets, env.sessions, engine,
		&fakeSource{adapter: env.adapter}, env.keys, env.bus, env.auditor, nil,
		PipelineConfig{})

	_, err := pipeline.Submit(context.Background(), transferReq(env, "100"))
	if !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}

	// 持久化的 PENDING 记录不能悬空，评估失败同样取消。
	txs, _ := env.txs.List(context.Background(), env.walletID, 0)
	if len(txs) != 1 || txs[0].Status != StatusCancelled {
		t.Fatalf("expected cancelled transaction, got %+v", txs)
	}
	if txs[0].LastError == "" {
		t.Fatal("cancellation reason must be recorded")
	}
}
