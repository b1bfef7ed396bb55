package txn

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"AgentVault/internal/audit"
	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/keystore"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AdapterSource 提供链适配器；由 chain/provider.Registry 实现。
type AdapterSource interface {
	Adapter(ctx context.Context, name string) (chain.Adapter, error)
	DefaultChain() string
}

// PipelineConfig 汇总流水线使用的各类时限。
type PipelineConfig struct {
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
	DefaultDelay    time.Duration
	ApprovalTTL     time.Duration
}

// SubmitRequest 是调用方发起一笔托管交易的请求。
type SubmitRequest struct {
	SessionToken string `json:"-"`
	WalletID     string `json:"wallet_id"`
	Kind         Kind   `json:"kind"`
	Chain        string `json:"chain,omitempty"`
	Destination  string `json:"destination"`
	TokenAddress string `json:"token_address,omitempty"`
	Amount       string `json:"amount"`
	Data         string `json:"data,omitempty"`
}

// SubmitResult 是提交调用的结论。Parked 为真表示交易已持久化但
// 停靠等待（DELAY 计时或 APPROVAL 审批），最终结果以交易状态为准。
type SubmitResult struct {
	Tx         *Transaction `json:"transaction"`
	Parked     bool         `json:"parked"`
	ApprovalID string       `json:"approval_id,omitempty"`
}

// batchItem 是 BATCH 交易 Data 字段中的单笔子转账。
type batchItem struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// Pipeline 实现六阶段交易授权流水线：
// 校验 → 认证 → 策略 → 分层等待 → 执行 → 确认。
// 每个阶段在返回前持久化自己的状态变更，崩溃后交易总是停在
// 一个可检视的确定状态上。
type Pipeline struct {
	txs       Store
	approvals ApprovalStore
	wallets   wallet.Store
	sessions  *session.Service
	engine    *policy.Engine
	chains    AdapterSource
	keys      keystore.Store
	bus       events.Bus
	auditor   audit.Recorder
	notifier  alerting.Dispatcher
	cfg       PipelineConfig
}

// NewPipeline 组装流水线。
func NewPipeline(
	txs Store,
	approvals ApprovalStore,
	wallets wallet.Store,
	sessions *session.Service,
	engine *policy.Engine,
	chains AdapterSource,
	keys keystore.Store,
	bus events.Bus,
	auditor audit.Recorder,
	notifier alerting.Dispatcher,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 2 * time.Second
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = 5 * time.Minute
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = time.Hour
	}
	return &Pipeline{
		txs:       txs,
		approvals: approvals,
		wallets:   wallets,
		sessions:  sessions,
		engine:    engine,
		chains:    chains,
		keys:      keys,
		bus:       bus,
		auditor:   auditor,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// Submit 把一笔交易送入流水线。同步层级（INSTANT/NOTIFY）直接执行到
// 终态；DELAY 与 APPROVAL 层级持久化后停靠，调用方通过交易状态跟踪结果。
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	// 阶段一：校验请求并持久化 PENDING 记录。
	tx, amount, err := p.validate(ctx, req)
	if err != nil {
		metrics.ObservePipelineStage("validate", "rejected")
		return nil, err
	}
	if err := p.txs.Create(ctx, tx); err != nil {
		return nil, err
	}
	metrics.ObservePipelineStage("validate", "ok")

	// 阶段二：认证会话并确认其授权访问目标钱包。
	sess, err := p.sessions.Authorize(ctx, req.SessionToken, req.WalletID)
	if err != nil {
		metrics.ObservePipelineStage("authenticate", "rejected")
		if cancelErr := p.txs.Cancel(ctx, tx.ID, "authentication failed: "+xerrors.MessageOf(err)); cancelErr != nil {
			logger.L().Error("取消未认证交易失败", "tx_id", tx.ID, "error", cancelErr)
		}
		return nil, err
	}
	tx.SessionID = sess.ID
	metrics.ObservePipelineStage("authenticate", "ok")

	// 阶段三：原子化的策略评估与额度预留。
	cand := policy.Candidate{
		Destination: req.Destination,
		Amount:      amount,
	}
	// ALLOWED_TOKENS 只约束代币转账；APPROVE 的代币地址是调用目标，
	// 不参与该规则的匹配。
	if tx.Kind == KindTokenTransfer {
		cand.TokenAddress = req.TokenAddress
	}
	decision, err := p.engine.EvaluateAndReserve(ctx, req.WalletID, tx.ID, cand)
	if err != nil {
		metrics.ObservePipelineStage("policy", "error")
		if cancelErr := p.txs.Cancel(ctx, tx.ID, "policy evaluation failed: "+xerrors.MessageOf(err)); cancelErr != nil {
			logger.L().Error("取消策略评估失败的交易失败", "tx_id", tx.ID, "error", cancelErr)
		}
		return nil, err
	}
	if !decision.Allowed {
		metrics.ObservePolicyDecision("DENIED")
		metrics.ObservePipelineStage("policy", "denied")
		if cancelErr := p.txs.Cancel(ctx, tx.ID, decision.Reason); cancelErr != nil {
			logger.L().Error("取消被拒交易失败", "tx_id", tx.ID, "error", cancelErr)
		}
		p.record(ctx, audit.Entry{
			Actor:    sess.AgentID,
			Event:    audit.EventPolicyDenied,
			Severity: audit.SeverityWarning,
			WalletID: req.WalletID,
			TxID:     tx.ID,
			Details:  map[string]string{"reason": decision.Reason},
		})
		p.notify(ctx, "POLICY_VIOLATION", req.WalletID, tx.ID, decision.Reason)
		// 拒绝原因原样返回，调用方可据此调整请求。
		return nil, xerrors.New(xerrors.CodePolicyDenied, decision.Reason)
	}
	if err := p.txs.SetTier(ctx, tx.ID, decision.Tier); err != nil {
		return nil, err
	}
	tx.Tier = decision.Tier
	metrics.ObservePolicyDecision(string(decision.Tier))
	metrics.ObservePipelineStage("policy", "ok")

	// 阶段四：按层级分流。
	switch decision.Tier {
	case policy.TierInstant:
		return p.finishSync(ctx, tx.ID)

	case policy.TierNotify:
		p.notify(ctx, "LARGE_TRANSACTION", req.WalletID, tx.ID,
			"notify-tier transaction executing: "+req.Amount)
		return p.finishSync(ctx, tx.ID)

	case policy.TierDelay:
		delay := decision.Delay
		if delay <= 0 {
			delay = p.cfg.DefaultDelay
		}
		if err := p.txs.Transition(ctx, tx.ID, StatusPending, StatusQueued); err != nil {
			return nil, err
		}
		p.notify(ctx, "DELAYED_TRANSACTION", req.WalletID, tx.ID,
			"transaction delayed for "+delay.String())
		go p.resumeAfter(tx.ID, delay)
		parked, err := p.txs.Get(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Tx: parked, Parked: true}, nil

	case policy.TierApproval:
		approval := &PendingApproval{
			ID:        uuid.NewString(),
			TxID:      tx.ID,
			WalletID:  req.WalletID,
			ExpiresAt: time.Now().Add(p.cfg.ApprovalTTL).Unix(),
		}
		if err := p.approvals.Create(ctx, approval); err != nil {
			return nil, err
		}
		if err := p.txs.Transition(ctx, tx.ID, StatusPending, StatusQueued); err != nil {
			return nil, err
		}
		p.notify(ctx, "APPROVAL_REQUIRED", req.WalletID, tx.ID,
			"transaction awaits manual approval")
		p.emit(ctx, events.Event{
			Topic:    events.TopicApproval,
			WalletID: req.WalletID,
			TxID:     tx.ID,
			State:    "REQUESTED",
		})
		parked, err := p.txs.Get(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Tx: parked, Parked: true, ApprovalID: approval.ID}, nil

	default:
		return nil, xerrors.New(xerrors.CodeUnknown, "未知的审批层级: "+string(decision.Tier))
	}
}

// Resume 推进一笔停靠中的交易（DELAY 计时到期或审批通过）。
// 调用是幂等的：已在执行或已到终态的交易直接返回当前快照。
func (p *Pipeline) Resume(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := p.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case StatusQueued, StatusPending:
		result, err := p.finishSync(ctx, txID)
		if err != nil {
			return nil, err
		}
		return result.Tx, nil
	default:
		// 执行中、已广播或已到终态：无事可做。
		return tx, nil
	}
}

// finishSync 同步走完执行与确认两个阶段，返回终态快照。
func (p *Pipeline) finishSync(ctx context.Context, txID string) (*SubmitResult, error) {
	if err := p.execute(ctx, txID); err != nil {
		final, getErr := p.txs.Get(ctx, txID)
		if getErr != nil {
			return nil, err
		}
		return &SubmitResult{Tx: final}, err
	}
	final, err := p.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Tx: final}, nil
}

// execute 是阶段五与阶段六：构建 → 预演 → 签名 → 广播 → 确认。
// 解密后的私钥只在签名步骤存续，无论成败都会被释放。
func (p *Pipeline) execute(ctx context.Context, txID string) error {
	tx, err := p.txs.Get(ctx, txID)
	if err != nil {
		return err
	}
	if err := p.txs.Transition(ctx, txID, tx.Status, StatusExecuting); err != nil {
		// 级联取消可能先我们一步；把冲突如实上抛。
		return err
	}

	w, err := p.wallets.Get(ctx, tx.WalletID)
	if err != nil {
		return p.fail(ctx, txID, err)
	}

	adapter, err := p.chains.Adapter(ctx, tx.Chain)
	if err != nil {
		return p.fail(ctx, txID, err)
	}

	if tx.Kind == KindBatch {
		return p.executeBatch(ctx, tx, w, adapter)
	}

	req, err := buildRequest(tx, w)
	if err != nil {
		return p.fail(ctx, txID, err)
	}

	utx, err := adapter.BuildTransaction(ctx, req)
	if err != nil {
		metrics.ObservePipelineStage("execute", "build_failed")
		return p.fail(ctx, txID, err)
	}
	if err := adapter.SimulateTransaction(ctx, utx); err != nil {
		metrics.ObservePipelineStage("execute", "simulate_failed")
		return p.fail(ctx, txID, err)
	}

	hash, err := p.signAndSubmit(ctx, tx, adapter, utx)
	if err != nil {
		metrics.ObservePipelineStage("execute", "submit_failed")
		return p.fail(ctx, txID, err)
	}
	if err := p.txs.SetSubmitted(ctx, txID, hash); err != nil {
		return err
	}
	metrics.ObservePipelineStage("execute", "ok")
	p.emit(ctx, events.Event{
		Topic:    events.TopicTransaction,
		WalletID: tx.WalletID,
		TxID:     txID,
		State:    string(StatusSubmitted),
		Metadata: map[string]string{"tx_hash": hash},
	})

	return p.confirm(ctx, txID, adapter, hash)
}

// signAndSubmit 解密私钥、签名并广播。defer 保证私钥在所有退出路径上释放。
func (p *Pipeline) signAndSubmit(ctx context.Context, tx *Transaction, adapter chain.Adapter, utx *chain.UnsignedTx) (string, error) {
	material, err := p.keys.DecryptPrivateKey(ctx, tx.WalletID)
	if err != nil {
		return "", err
	}
	defer material.Release()

	stx, err := adapter.SignTransaction(utx, material.Key())
	if err != nil {
		return "", err
	}
	return adapter.SubmitTransaction(ctx, stx)
}

// confirm 是阶段六：等待上链确认。
func (p *Pipeline) confirm(ctx context.Context, txID string, adapter chain.Adapter, hash string) error {
	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := adapter.WaitForConfirmation(confirmCtx, hash, p.cfg.ConfirmInterval)
	if err != nil {
		metrics.ObservePipelineStage("confirm", "failed")
		return p.fail(ctx, txID, err)
	}
	if !receipt.Success {
		metrics.ObservePipelineStage("confirm", "reverted")
		return p.fail(ctx, txID, xerrors.New(xerrors.CodeChainPermanent, "交易在链上回滚"))
	}

	if err := p.txs.MarkConfirmed(ctx, txID); err != nil {
		if xerrors.IsCode(err, CodeTxTerminal) {
			// 交易在确认途中被级联取消，但链上已经落块。
			// 记录不一致供人工对账，而不是悄悄吞掉。
			p.reconcile(ctx, txID, hash)
			return nil
		}
		return err
	}
	metrics.ObservePipelineStage("confirm", "ok")
	p.emit(ctx, events.Event{
		Topic: events.TopicTransaction,
		TxID:  txID,
		State: string(StatusConfirmed),
	})
	return nil
}

// executeBatch 顺序执行 BATCH 的子转账；部分成功落 PARTIAL_FAILURE。
func (p *Pipeline) executeBatch(ctx context.Context, tx *Transaction, w *wallet.Wallet, adapter chain.Adapter) error {
	var items []batchItem
	if err := json.Unmarshal([]byte(tx.Data), &items); err != nil || len(items) == 0 {
		return p.fail(ctx, tx.ID, xerrors.New(xerrors.CodeInvalidArgument, "BATCH 交易的子转账列表无法解析"))
	}

	from := common.HexToAddress(w.Address)
	submitted := 0
	var lastHash string
	for i, item := range items {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(item.Amount), 10)
		if !ok || amount.Sign() < 0 {
			return p.batchOutcome(ctx, tx.ID, submitted, lastHash,
				xerrors.New(xerrors.CodeInvalidArgument, "子转账金额无效"))
		}
		utx, err := adapter.BuildTransaction(ctx, chain.BuildRequest{
			From:  from,
			To:    common.HexToAddress(item.Destination),
			Value: amount,
		})
		if err != nil {
			return p.batchOutcome(ctx, tx.ID, submitted, lastHash, err)
		}
		hash, err := p.signAndSubmit(ctx, tx, adapter, utx)
		if err != nil {
			return p.batchOutcome(ctx, tx.ID, submitted, lastHash, err)
		}
		submitted++
		lastHash = hash
		logger.L().Debug("batch leg submitted", "tx_id", tx.ID, "leg", i, "hash", hash)
	}

	if err := p.txs.SetSubmitted(ctx, tx.ID, lastHash); err != nil {
		return err
	}
	return p.confirm(ctx, tx.ID, adapter, lastHash)
}

// batchOutcome 把批量执行的中途失败落为 FAILED 或 PARTIAL_FAILURE。
func (p *Pipeline) batchOutcome(ctx context.Context, txID string, submitted int, lastHash string, cause error) error {
	if submitted == 0 {
		return p.fail(ctx, txID, cause)
	}
	reason := "partial failure after " + lastHash + ": " + xerrors.MessageOf(cause)
	if err := p.txs.MarkPartialFailure(ctx, txID, reason); err != nil {
		if xerrors.IsCode(err, CodeTxTerminal) {
			p.reconcile(ctx, txID, lastHash)
			return cause
		}
		return err
	}
	metrics.ObservePipelineStage("execute", "partial_failure")
	return cause
}

// fail 把交易落为 FAILED 并上抛原始错误；预留额度由存储层一并清除。
func (p *Pipeline) fail(ctx context.Context, txID string, cause error) error {
	if err := p.txs.MarkFailed(ctx, txID, xerrors.MessageOf(cause)); err != nil {
		if xerrors.IsCode(err, CodeTxTerminal) {
			// 级联取消与执行失败赛跑：交易已是终态，保留级联的结论。
			return cause
		}
		logger.L().Error("标记交易失败失败", "tx_id", txID, "error", err)
	}
	p.emit(ctx, events.Event{
		Topic: events.TopicTransaction,
		TxID:  txID,
		State: string(StatusFailed),
	})
	return cause
}

// reconcile 记录"已取消却在链上落块"的不一致。
func (p *Pipeline) reconcile(ctx context.Context, txID, hash string) {
	logger.L().Warn("transaction confirmed on-chain after terminal transition",
		"tx_id", txID, "tx_hash", hash)
	p.record(ctx, audit.Entry{
		Actor:    "pipeline",
		Event:    audit.EventReconciliation,
		Severity: audit.SeverityCritical,
		TxID:     txID,
		Details:  map[string]string{"tx_hash": hash},
	})
}

// resumeAfter 是 DELAY 层级的计时恢复；到期后重查状态，
// 被级联取消或审批拒绝抢先取消的交易不再执行。
func (p *Pipeline) resumeAfter(txID string, delay time.Duration) {
	time.Sleep(delay)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConfirmTimeout+time.Minute)
	defer cancel()
	if _, err := p.Resume(ctx, txID); err != nil {
		logger.L().Error("延迟交易恢复执行失败", "tx_id", txID, "error", err)
	}
}

// validate 是阶段一的纯校验部分，返回待持久化的交易记录。
func (p *Pipeline) validate(ctx context.Context, req SubmitRequest) (*Transaction, *big.Int, error) {
	if !IsValidKind(req.Kind) {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的交易种类: "+string(req.Kind))
	}
	if strings.TrimSpace(req.WalletID) == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	if req.Kind != KindBatch && strings.TrimSpace(req.Destination) == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "目的地址不能为空")
	}
	if (req.Kind == KindTokenTransfer || req.Kind == KindApprove) && strings.TrimSpace(req.TokenAddress) == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "代币交易必须提供代币合约地址")
	}

	amount := new(big.Int)
	if strings.TrimSpace(req.Amount) != "" {
		v, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
		if !ok || v.Sign() < 0 {
			return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "交易金额必须是非负十进制整数")
		}
		amount = v
	}

	w, err := p.wallets.Get(ctx, req.WalletID)
	if err != nil {
		return nil, nil, err
	}
	if w.Status != wallet.StatusActive {
		return nil, nil, wallet.ErrWalletNotActive
	}

	chainName := strings.TrimSpace(req.Chain)
	if chainName == "" {
		chainName = p.chains.DefaultChain()
	}

	tx := &Transaction{
		ID:           uuid.NewString(),
		WalletID:     req.WalletID,
		Kind:         req.Kind,
		Chain:        chainName,
		Destination:  req.Destination,
		TokenAddress: req.TokenAddress,
		Amount:       amount.String(),
		Data:         req.Data,
		Status:       StatusPending,
	}
	return tx, amount, nil
}

// buildRequest 把交易记录翻译为链适配器的构建请求。
func buildRequest(tx *Transaction, w *wallet.Wallet) (chain.BuildRequest, error) {
	amount, err := tx.ParsedAmount()
	if err != nil {
		return chain.BuildRequest{}, err
	}
	from := common.HexToAddress(w.Address)

	switch tx.Kind {
	case KindTransfer:
		return chain.BuildRequest{
			From:  from,
			To:    common.HexToAddress(tx.Destination),
			Value: amount,
		}, nil
	case KindTokenTransfer:
		return chain.BuildRequest{
			From: from,
			To:   common.HexToAddress(tx.TokenAddress),
			Data: chain.ERC20TransferData(common.HexToAddress(tx.Destination), amount),
		}, nil
	case KindApprove:
		return chain.BuildRequest{
			From: from,
			To:   common.HexToAddress(tx.TokenAddress),
			Data: chain.ERC20ApproveData(common.HexToAddress(tx.Destination), amount),
		}, nil
	case KindContractCall:
		data, err := decodeHex(tx.Data)
		if err != nil {
			return chain.BuildRequest{}, err
		}
		return chain.BuildRequest{
			From:  from,
			To:    common.HexToAddress(tx.Destination),
			Value: amount,
			Data:  data,
		}, nil
	default:
		return chain.BuildRequest{}, xerrors.New(xerrors.CodeInvalidArgument, "无法构建的交易种类: "+string(tx.Kind))
	}
}

func decodeHex(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "调用数据不是合法的十六进制")
	}
	return data, nil
}

// notify 发送尽力而为的通知：失败只记日志，绝不阻断阶段。
func (p *Pipeline) notify(ctx context.Context, eventType, walletID, txID, message string) {
	if p.notifier == nil {
		return
	}
	ev := alerting.Event{
		EventType:  eventType,
		Message:    message,
		Severity:   xerrors.SeverityWarning,
		WalletID:   walletID,
		TxID:       txID,
		OccurredAt: time.Now(),
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.notifier.Notify(nctx, ev); err != nil {
			logger.L().Warn("通知投递失败", "event", eventType, "tx_id", txID, "error", err)
		}
	}()
}

func (p *Pipeline) emit(ctx context.Context, ev events.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Emit(ctx, ev); err != nil {
		logger.L().Warn("事件发布失败", "topic", ev.Topic, "tx_id", ev.TxID, "error", err)
	}
}

func (p *Pipeline) record(ctx context.Context, e audit.Entry) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.Record(ctx, e); err != nil {
		logger.L().Error("审计写入失败", "event", e.Event, "tx_id", e.TxID, "error", err)
	}
}
