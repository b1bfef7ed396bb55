package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 以内存方式保存策略，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

// Create 写入一条新策略，写入前完成规则校验。
func (m *MemoryStore) Create(_ context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "策略已存在")
	}
	p.Touch(time.Now())
	m.policies[p.ID] = clonePolicy(p)
	return nil
}

// Get 返回指定策略。
func (m *MemoryStore) Get(_ context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

// List 返回指定钱包的策略；walletID 为空时返回全部。
func (m *MemoryStore) List(_ context.Context, walletID string, limit int) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if walletID != "" && p.WalletID != walletID {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	sortPolicies(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListEnabled 返回钱包级加全局的启用规则。
func (m *MemoryStore) ListEnabled(_ context.Context, walletID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Policy
	for _, p := range m.policies {
		if !p.Enabled {
			continue
		}
		if p.WalletID != "" && p.WalletID != walletID {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	sortPolicies(out)
	return out, nil
}

// SetEnabled 切换策略的启用状态。
func (m *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return ErrPolicyNotFound
	}
	p.Enabled = enabled
	p.UpdatedAt = time.Now().Unix()
	return nil
}

// Delete 删除策略。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func clonePolicy(p *Policy) *Policy {
	clone := *p
	clone.Rule = append([]byte(nil), p.Rule...)
	return &clone
}

func sortPolicies(ps []*Policy) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].CreatedAt < ps[j].CreatedAt
	})
}

var _ Store = (*MemoryStore)(nil)
