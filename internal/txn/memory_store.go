package txn

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/policy"
)

// MemoryStore 以内存方式保存交易，主要用于测试与单机部署。
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

// Create 写入一笔新交易。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.ID) == "" || strings.TrimSpace(tx.WalletID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 与钱包 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return xerrors.New(CodeTxConflict, "交易已存在")
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	tx.Touch(time.Now())
	m.txs[tx.ID] = cloneTx(tx)
	return nil
}

// Get 返回指定交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	return cloneTx(tx), nil
}

// List 返回指定钱包的交易，按创建时间倒序；walletID 为空时返回全部。
func (m *MemoryStore) List(_ context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if walletID != "" && tx.WalletID != walletID {
			continue
		}
		out = append(out, cloneTx(tx))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats 聚合按状态的交易计数与在途预留总额。
func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{ByStatus: make(map[Status]int64)}
	reserved := new(big.Int)
	for _, tx := range m.txs {
		stats.Total++
		stats.ByStatus[tx.Status]++
		if tx.ReservedAmount != "" {
			if v, ok := new(big.Int).SetString(tx.ReservedAmount, 10); ok {
				reserved.Add(reserved, v)
			}
		}
	}
	stats.Confirmed = stats.ByStatus[StatusConfirmed]
	stats.Failed = stats.ByStatus[StatusFailed]
	stats.Reserved = reserved.String()
	return stats, nil
}

// SetTier 持久化审批层级。
func (m *MemoryStore) SetTier(_ context.Context, id string, tier policy.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Terminal() {
		return ErrTxTerminal
	}
	tx.Tier = tier
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// Transition 以 CAS 方式迁移状态。
func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, from, to)
}

// SetSubmitted 记录交易哈希并迁移 EXECUTING → SUBMITTED。
func (m *MemoryStore) SetSubmitted(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked(id, StatusExecuting, StatusSubmitted); err != nil {
		return err
	}
	m.txs[id].TxHash = txHash
	return nil
}

// MarkConfirmed 迁移到 CONFIRMED 并清除预留。
func (m *MemoryStore) MarkConfirmed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.terminalLocked(id, StatusConfirmed, ""); err != nil {
		return err
	}
	m.txs[id].ConfirmedAt = time.Now().Unix()
	return nil
}

// MarkFailed 迁移到 FAILED 并清除预留。
func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalLocked(id, StatusFailed, reason)
}

// Cancel 把任意非终态交易迁移到 CANCELLED 并清除预留。
func (m *MemoryStore) Cancel(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalLocked(id, StatusCancelled, reason)
}

// MarkExpired 迁移到 EXPIRED 并清除预留。
func (m *MemoryStore) MarkExpired(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalLocked(id, StatusExpired, reason)
}

// MarkPartialFailure 记录批量交易的部分成功结果并清除预留。
func (m *MemoryStore) MarkPartialFailure(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalLocked(id, StatusPartialFailure, reason)
}

// CancelActive 取消全部可取消状态的交易。
func (m *MemoryStore) CancelActive(_ context.Context, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	count := 0
	for _, tx := range m.txs {
		if !statusIn(tx.Status, cancellableStatuses) {
			continue
		}
		tx.Status = StatusCancelled
		tx.LastError = reason
		tx.ReservedAmount = ""
		tx.UpdatedAt = now
		count++
	}
	return count, nil
}

// SumReserved 统计指定钱包所有非终态交易的预留总额。
func (m *MemoryStore) SumReserved(_ context.Context, walletID string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := new(big.Int)
	for _, tx := range m.txs {
		if tx.WalletID != walletID || tx.ReservedAmount == "" {
			continue
		}
		if !statusIn(tx.Status, activeStatuses) {
			continue
		}
		v, ok := new(big.Int).SetString(tx.ReservedAmount, 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "预留额度字段损坏: "+tx.ID)
		}
		sum.Add(sum, v)
	}
	return sum, nil
}

// Reserve 在交易上写入预留额度。
func (m *MemoryStore) Reserve(_ context.Context, txID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Terminal() {
		return ErrTxTerminal
	}
	tx.ReservedAmount = amount.String()
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// ClearReservation 清除交易的预留额度；终态交易的预留已在迁移时清除。
func (m *MemoryStore) ClearReservation(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	tx.ReservedAmount = ""
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) transitionLocked(id string, from, to Status) error {
	tx, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Terminal() {
		return ErrTxTerminal
	}
	if tx.Status != from {
		return xerrors.New(CodeTxConflict,
			"状态不匹配: 期望 "+string(from)+"，当前 "+string(tx.Status))
	}
	if !CanTransition(from, to) {
		return xerrors.New(CodeTxConflict,
			"不允许的状态迁移: "+string(from)+" → "+string(to))
	}
	now := time.Now().Unix()
	tx.Status = to
	tx.UpdatedAt = now
	switch to {
	case StatusQueued:
		tx.QueuedAt = now
	case StatusExecuting:
		tx.ExecutedAt = now
	}
	if IsTerminal(to) {
		tx.ReservedAmount = ""
	}
	return nil
}

func (m *MemoryStore) terminalLocked(id string, to Status, reason string) error {
	tx, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Terminal() {
		return ErrTxTerminal
	}
	if !CanTransition(tx.Status, to) {
		return xerrors.New(CodeTxConflict,
			"不允许的状态迁移: "+string(tx.Status)+" → "+string(to))
	}
	tx.Status = to
	if reason != "" {
		tx.LastError = reason
	}
	tx.ReservedAmount = ""
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

func cloneTx(tx *Transaction) *Transaction {
	clone := *tx
	return &clone
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
