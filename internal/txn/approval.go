package txn

import (
	"context"
	"time"

	xerrors "AgentVault/internal/errors"
)

// PendingApproval 表示一笔 APPROVAL 层级交易的人工审批请求。
// 审批是一次性的：approved_at / rejected_at / expired_at 三者互斥，
// 任何一个写入后审批即告解决，不再接受后续裁决。
type PendingApproval struct {
	ID         string `json:"id"`
	TxID       string `json:"tx_id"`
	WalletID   string `json:"wallet_id"`
	Channel    string `json:"channel,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ExpiresAt  int64  `json:"expires_at"`
	ApprovedAt int64  `json:"approved_at,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
	RejectedAt int64  `json:"rejected_at,omitempty"`
	RejectedBy string `json:"rejected_by,omitempty"`
	ExpiredAt  int64  `json:"expired_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

const (
	CodeApprovalNotFound xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeApprovalResolved xerrors.Code = "APPROVAL_RESOLVED"
)

var (
	// ErrApprovalNotFound 表示审批请求不存在。
	ErrApprovalNotFound = xerrors.New(CodeApprovalNotFound, "pending approval not found")
	// ErrApprovalResolved 表示审批请求已被裁决或过期。
	ErrApprovalResolved = xerrors.New(CodeApprovalResolved, "pending approval already resolved")
)

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:   "pending approval not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalResolved, xerrors.Attributes{
		Message:   "pending approval already resolved",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Resolved 判断审批是否已有结论。
func (a *PendingApproval) Resolved() bool {
	return a != nil && (a.ApprovedAt != 0 || a.RejectedAt != 0 || a.ExpiredAt != 0)
}

// Expired 判断审批在给定时刻是否已超过有效期。
func (a *PendingApproval) Expired(now time.Time) bool {
	return a != nil && a.ExpiresAt != 0 && now.Unix() > a.ExpiresAt
}

// ApprovalStore 抽象审批请求的持久化接口。
// Approve/Reject/Expire 都是 CAS 写入：仅对未解决的审批生效。
type ApprovalStore interface {
	Create(ctx context.Context, a *PendingApproval) error
	Get(ctx context.Context, id string) (*PendingApproval, error)
	GetByTx(ctx context.Context, txID string) (*PendingApproval, error)
	ListPending(ctx context.Context, limit int) ([]*PendingApproval, error)
	// ListExpiredPending 返回截至 now 已超期但尚未解决的审批。
	ListExpiredPending(ctx context.Context, now time.Time) ([]*PendingApproval, error)
	Approve(ctx context.Context, id, actor string) error
	Reject(ctx context.Context, id, actor, reason string) error
	Expire(ctx context.Context, id string) error
	Close() error
}
