package txn

import (
	"math/big"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/policy"
)

// Kind 是交易种类。
type Kind string

const (
	KindTransfer      Kind = "TRANSFER"
	KindTokenTransfer Kind = "TOKEN_TRANSFER"
	KindContractCall  Kind = "CONTRACT_CALL"
	KindApprove       Kind = "APPROVE"
	KindBatch         Kind = "BATCH"
)

// Status 是交易在六阶段流水线中的状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusExecuting Status = "EXECUTING"
	StatusSubmitted Status = "SUBMITTED"

	// 吸收态：一旦进入，状态与预留额度均不再变更。
	StatusConfirmed      Status = "CONFIRMED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusExpired        Status = "EXPIRED"
	StatusPartialFailure Status = "PARTIAL_FAILURE"
)

// Transaction 是一笔托管签名交易的持久化记录。
// Amount 与 ReservedAmount 以十进制字符串保存链上最小计量单位。
type Transaction struct {
	ID             string      `json:"id"`
	WalletID       string      `json:"wallet_id"`
	SessionID      string      `json:"session_id,omitempty"`
	Kind           Kind        `json:"kind"`
	Chain          string      `json:"chain"`
	Destination    string      `json:"destination"`
	TokenAddress   string      `json:"token_address,omitempty"`
	Amount         string      `json:"amount"`
	Data           string      `json:"data,omitempty"`
	Status         Status      `json:"status"`
	Tier           policy.Tier `json:"tier,omitempty"`
	ReservedAmount string      `json:"reserved_amount,omitempty"`
	TxHash         string      `json:"tx_hash,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	QueuedAt       int64       `json:"queued_at,omitempty"`
	ExecutedAt     int64       `json:"executed_at,omitempty"`
	ConfirmedAt    int64       `json:"confirmed_at,omitempty"`
	UpdatedAt      int64       `json:"updated_at"`
}

const (
	CodeTxNotFound xerrors.Code = "TX_NOT_FOUND"
	CodeTxTerminal xerrors.Code = "TX_TERMINAL"
	CodeTxConflict xerrors.Code = "TX_CONFLICT"
)

var (
	// ErrTxNotFound 表示交易不存在。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
	// ErrTxTerminal 表示交易已处于吸收态，拒绝进一步写入。
	ErrTxTerminal = xerrors.New(CodeTxTerminal, "transaction is in a terminal status")
	// ErrTxConflict 表示状态迁移的前置条件未满足。
	ErrTxConflict = xerrors.New(CodeTxConflict, "transaction status conflict")
)

func init() {
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxTerminal, xerrors.Attributes{
		Message:   "transaction is in a terminal status",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxConflict, xerrors.Attributes{
		Message:   "transaction status conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidKind 判断交易种类是否受支持。
func IsValidKind(k Kind) bool {
	switch k {
	case KindTransfer, KindTokenTransfer, KindContractCall, KindApprove, KindBatch:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为吸收态。
func IsTerminal(s Status) bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired, StatusPartialFailure:
		return true
	default:
		return false
	}
}

// activeStatuses 覆盖所有持有预留额度的非终态。
var activeStatuses = []Status{StatusPending, StatusQueued, StatusExecuting, StatusSubmitted}

// cancellableStatuses 是击杀开关级联可以取消的状态；
// SUBMITTED 的交易已经广播上链，无法撤回。
var cancellableStatuses = []Status{StatusPending, StatusQueued, StatusExecuting}

var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusExecuting, StatusCancelled, StatusExpired, StatusFailed},
	StatusQueued:    {StatusExecuting, StatusCancelled, StatusExpired, StatusFailed},
	StatusExecuting: {StatusSubmitted, StatusFailed, StatusCancelled, StatusPartialFailure},
	StatusSubmitted: {StatusConfirmed, StatusFailed, StatusPartialFailure},
}

// CanTransition 判断状态迁移是否在状态机允许的边内。
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionSources 返回可以迁移到目标状态的全部来源状态，
// 供存储层的条件更新构造 WHERE status IN (...) 守卫。
func transitionSources(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusQueued, StatusExecuting, StatusSubmitted} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal 判断交易是否处于吸收态。
func (t *Transaction) Terminal() bool {
	return t != nil && IsTerminal(t.Status)
}

// ParsedAmount 解析交易金额；空串视为零。
func (t *Transaction) ParsedAmount() (*big.Int, error) {
	raw := strings.TrimSpace(t.Amount)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易金额必须是非负十进制整数")
	}
	return v, nil
}

// Touch 更新时间戳，首次写入时补齐创建时间。
func (t *Transaction) Touch(now time.Time) {
	ts := now.Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = ts
	}
	t.UpdatedAt = ts
}
