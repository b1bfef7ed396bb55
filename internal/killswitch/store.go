package killswitch

import (
	"context"
	"sync"
)

// Store 持久化紧急开关快照。实现必须保证 Load 读到最近一次 Save 的结果。
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// MemoryStore 以内存方式保存快照，用于测试与单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewMemoryStore 创建初始状态为 ACTIVE 的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: Snapshot{State: StateActive}}
}

// Load 返回当前快照。
func (m *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap, nil
}

// Save 覆盖当前快照。
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
