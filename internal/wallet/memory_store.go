package wallet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 以内存方式保存钱包，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "wallet 不能为空")
	}
	if strings.TrimSpace(w.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	if _, ok := m.wallets[w.ID]; ok {
		return ErrWalletConflict
	}
	now := time.Now().Unix()
	if w.Status == "" {
		w.Status = StatusCreating
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	clone := *w
	m.wallets[w.ID] = &clone
	return nil
}

// Get 返回钱包。
func (m *MemoryStore) Get(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	clone := *w
	return &clone, nil
}

// List 返回最近创建的钱包。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	results := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		clone := *w
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Transition 以 CAS 的方式迁移钱包状态。
func (m *MemoryStore) Transition(_ context.Context, id string, to Status, reason string, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	matched := len(from) == 0
	for _, f := range from {
		if w.Status == f {
			matched = true
			break
		}
	}
	if !matched || !CanTransition(w.Status, to) {
		return ErrWalletConflict
	}
	now := time.Now().Unix()
	w.Status = to
	if to == StatusSuspended {
		w.SuspendedReason = reason
		w.SuspendedAt = now
	} else if to == StatusActive {
		w.SuspendedReason = ""
		w.SuspendedAt = 0
	}
	w.UpdatedAt = now
	return nil
}

// SuspendActive 暂停所有 ACTIVE 的钱包。
func (m *MemoryStore) SuspendActive(_ context.Context, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	count := 0
	for _, w := range m.wallets {
		if w.Status != StatusActive {
			continue
		}
		w.Status = StatusSuspended
		w.SuspendedReason = reason
		w.SuspendedAt = now
		w.UpdatedAt = now
		count++
	}
	return count, nil
}

// VerifiedOwners 返回所有已验证的所有者地址。
func (m *MemoryStore) VerifiedOwners(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make([]string, 0)
	for _, w := range m.wallets {
		if w.OwnerVerified && w.OwnerAddress != "" {
			owners = append(owners, w.OwnerAddress)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
