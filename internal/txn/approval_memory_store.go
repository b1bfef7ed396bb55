package txn

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryApprovalStore 以内存方式保存审批请求。
type MemoryApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]*PendingApproval
	byTx      map[string]string
}

// NewMemoryApprovalStore 创建 MemoryApprovalStore。
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{
		approvals: make(map[string]*PendingApproval),
		byTx:      make(map[string]string),
	}
}

// Create 写入新的审批请求；每笔交易至多一条。
func (m *MemoryApprovalStore) Create(_ context.Context, a *PendingApproval) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "approval 不能为空")
	}
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.TxID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批 ID 与交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "审批请求已存在")
	}
	if _, ok := m.byTx[a.TxID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易已有待决审批")
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	clone := *a
	m.approvals[a.ID] = &clone
	m.byTx[a.TxID] = a.ID
	return nil
}

// Get 返回指定审批请求。
func (m *MemoryApprovalStore) Get(_ context.Context, id string) (*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	clone := *a
	return &clone, nil
}

// GetByTx 按交易 ID 查询审批请求。
func (m *MemoryApprovalStore) GetByTx(_ context.Context, txID string) (*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTx[txID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	a := m.approvals[id]
	clone := *a
	return &clone, nil
}

// ListPending 返回尚未解决的审批请求，按创建时间升序。
func (m *MemoryApprovalStore) ListPending(_ context.Context, limit int) ([]*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PendingApproval
	for _, a := range m.approvals {
		if a.Resolved() {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExpiredPending 返回已超期但尚未解决的审批。
func (m *MemoryApprovalStore) ListExpiredPending(_ context.Context, now time.Time) ([]*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PendingApproval
	for _, a := range m.approvals {
		if a.Resolved() || !a.Expired(now) {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Approve 裁决通过；仅对未解决的审批生效。
func (m *MemoryApprovalStore) Approve(_ context.Context, id, actor string) error {
	return m.resolve(id, func(a *PendingApproval) {
		a.ApprovedAt = time.Now().Unix()
		a.ApprovedBy = actor
	})
}

// Reject 裁决拒绝；仅对未解决的审批生效。
func (m *MemoryApprovalStore) Reject(_ context.Context, id, actor, reason string) error {
	return m.resolve(id, func(a *PendingApproval) {
		a.RejectedAt = time.Now().Unix()
		a.RejectedBy = actor
		a.Reason = reason
	})
}

// Expire 标记审批超期；仅对未解决的审批生效。
func (m *MemoryApprovalStore) Expire(_ context.Context, id string) error {
	return m.resolve(id, func(a *PendingApproval) {
		a.ExpiredAt = time.Now().Unix()
	})
}

// Close 对内存存储无需操作。
func (m *MemoryApprovalStore) Close() error {
	return nil
}

func (m *MemoryApprovalStore) resolve(id string, apply func(*PendingApproval)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return ErrApprovalNotFound
	}
	if a.Resolved() {
		return ErrApprovalResolved
	}
	apply(a)
	return nil
}

var _ ApprovalStore = (*MemoryApprovalStore)(nil)
