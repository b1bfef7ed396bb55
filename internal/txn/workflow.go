package txn

import (
	"context"
	"time"

	"AgentVault/internal/audit"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/pkg/logger"
)

// ApprovalWorkflow 裁决 APPROVAL 层级的停靠交易：
// 通过后以幂等的 Resume 恢复执行，拒绝或过期则把交易落到终态并释放预留。
type ApprovalWorkflow struct {
	approvals ApprovalStore
	txs       Store
	pipeline  *Pipeline
	auditor   audit.Recorder
	bus       events.Bus
}

// NewApprovalWorkflow 组装审批工作流。
func NewApprovalWorkflow(approvals ApprovalStore, txs Store, pipeline *Pipeline, auditor audit.Recorder, bus events.Bus) *ApprovalWorkflow {
	return &ApprovalWorkflow{
		approvals: approvals,
		txs:       txs,
		pipeline:  pipeline,
		auditor:   auditor,
		bus:       bus,
	}
}

// Approve 裁决通过并异步恢复交易执行。
// 返回交易的当前快照；最终结果以交易状态为准。
func (w *ApprovalWorkflow) Approve(ctx context.Context, approvalID, actor string) (*Transaction, error) {
	a, err := w.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Expired(time.Now()) {
		return nil, xerrors.New(CodeApprovalResolved, "审批请求已超期")
	}
	if err := w.approvals.Approve(ctx, approvalID, actor); err != nil {
		return nil, err
	}

	w.record(ctx, audit.Entry{
		Actor:    actor,
		Event:    audit.EventApprovalGranted,
		Severity: audit.SeverityInfo,
		WalletID: a.WalletID,
		TxID:     a.TxID,
	})
	w.emit(ctx, events.Event{
		Topic:    events.TopicApproval,
		WalletID: a.WalletID,
		TxID:     a.TxID,
		State:    "APPROVED",
		Metadata: map[string]string{"actor": actor},
	})

	go func() {
		rctx, cancel := context.WithTimeout(context.Background(),
			w.pipeline.cfg.ConfirmTimeout+time.Minute)
		defer cancel()
		if _, err := w.pipeline.Resume(rctx, a.TxID); err != nil {
			logger.L().Error("审批通过后恢复执行失败", "tx_id", a.TxID, "error", err)
		}
	}()

	return w.txs.Get(ctx, a.TxID)
}

// Reject 裁决拒绝，交易落为 CANCELLED 并释放预留。
func (w *ApprovalWorkflow) Reject(ctx context.Context, approvalID, actor, reason string) (*Transaction, error) {
	a, err := w.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if err := w.approvals.Reject(ctx, approvalID, actor, reason); err != nil {
		return nil, err
	}

	cancelReason := "approval rejected"
	if reason != "" {
		cancelReason += ": " + reason
	}
	if err := w.txs.Cancel(ctx, a.TxID, cancelReason); err != nil && !xerrors.IsCode(err, CodeTxTerminal) {
		return nil, err
	}

	w.record(ctx, audit.Entry{
		Actor:    actor,
		Event:    audit.EventApprovalRejected,
		Severity: audit.SeverityWarning,
		WalletID: a.WalletID,
		TxID:     a.TxID,
		Details:  map[string]string{"reason": reason},
	})
	w.emit(ctx, events.Event{
		Topic:    events.TopicApproval,
		WalletID: a.WalletID,
		TxID:     a.TxID,
		State:    "REJECTED",
		Metadata: map[string]string{"actor": actor},
	})

	return w.txs.Get(ctx, a.TxID)
}

// SweepExpired 扫描超期审批：标记审批过期，交易落为 EXPIRED 并释放预留。
// 由外部定时器驱动，返回本轮处理数量。
func (w *ApprovalWorkflow) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := w.approvals.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range expired {
		if err := w.approvals.Expire(ctx, a.ID); err != nil {
			if xerrors.IsCode(err, CodeApprovalResolved) {
				continue
			}
			return count, err
		}
		if err := w.txs.MarkExpired(ctx, a.TxID, "approval expired"); err != nil && !xerrors.IsCode(err, CodeTxTerminal) {
			logger.L().Error("标记超期交易失败", "tx_id", a.TxID, "error", err)
			continue
		}
		w.record(ctx, audit.Entry{
			Actor:    "sweeper",
			Event:    audit.EventApprovalExpired,
			Severity: audit.SeverityInfo,
			WalletID: a.WalletID,
			TxID:     a.TxID,
		})
		count++
	}
	return count, nil
}

func (w *ApprovalWorkflow) record(ctx context.Context, e audit.Entry) {
	if w.auditor == nil {
		return
	}
	if err := w.auditor.Record(ctx, e); err != nil {
		logger.L().Error("审计写入失败", "event", e.Event, "tx_id", e.TxID, "error", err)
	}
}

func (w *ApprovalWorkflow) emit(ctx context.Context, ev events.Event) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Emit(ctx, ev); err != nil {
		logger.L().Warn("事件发布失败", "topic", ev.Topic, "tx_id", ev.TxID, "error", err)
	}
}
