package txn

import (
	"context"
	"math/big"

	"AgentVault/internal/policy"
)

// Stats 是按状态聚合的交易计数。
type Stats struct {
	Total     int64            `json:"total"`
	ByStatus  map[Status]int64 `json:"by_status"`
	Reserved  string           `json:"reserved_total"`
	Confirmed int64            `json:"confirmed"`
	Failed    int64            `json:"failed"`
}

// Store 抽象交易记录的持久化接口。
//
// 终态不可变：任何 Mark*/Cancel/Transition 对吸收态交易的写入
// 必须返回 ErrTxTerminal，且吸收态迁移必须同时清除预留额度。
// Store 同时实现 policy.Ledger，为策略引擎提供在途预留账本。
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	Stats(ctx context.Context) (*Stats, error)

	// SetTier 持久化策略评估得到的审批层级。
	SetTier(ctx context.Context, id string, tier policy.Tier) error
	// Transition 以 CAS 方式迁移状态：当前状态必须等于 from 且迁移在状态机允许的边内。
	Transition(ctx context.Context, id string, from, to Status) error
	// SetSubmitted 记录链上交易哈希并把状态从 EXECUTING 迁移到 SUBMITTED。
	SetSubmitted(ctx context.Context, id, txHash string) error
	// MarkConfirmed 迁移到 CONFIRMED，记录确认时间并清除预留。
	MarkConfirmed(ctx context.Context, id string) error
	// MarkFailed 迁移到 FAILED，记录错误文本并清除预留。
	MarkFailed(ctx context.Context, id, reason string) error
	// Cancel 把任意非终态交易迁移到 CANCELLED 并清除预留。
	Cancel(ctx context.Context, id, reason string) error
	// MarkExpired 把交易迁移到 EXPIRED 并清除预留。
	MarkExpired(ctx context.Context, id, reason string) error
	// MarkPartialFailure 记录批量交易的部分成功结果并清除预留。
	MarkPartialFailure(ctx context.Context, id, reason string) error
	// CancelActive 取消全部 PENDING/QUEUED/EXECUTING 交易，返回数量。
	// SUBMITTED 的交易已经广播上链，不在取消范围内。
	CancelActive(ctx context.Context, reason string) (int, error)

	// policy.Ledger 实现。
	SumReserved(ctx context.Context, walletID string) (*big.Int, error)
	Reserve(ctx context.Context, txID string, amount *big.Int) error
	ClearReservation(ctx context.Context, txID string) error

	Close() error
}
