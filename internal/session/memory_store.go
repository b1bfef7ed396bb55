package session

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 以内存方式保存会话，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byToken  map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Token) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 与令牌不能为空")
	}
	if _, ok := m.sessions[s.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已存在")
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().Unix()
	}
	clone := cloneSession(s)
	m.sessions[s.ID] = clone
	m.byToken[s.Token] = s.ID
	return nil
}

// Get 返回会话。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// GetByToken 按令牌查询会话。
func (m *MemoryStore) GetByToken(_ context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// Revoke 写入撤销时间戳，撤销是单调的。
func (m *MemoryStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.RevokedAt == 0 {
		s.RevokedAt = time.Now().Unix()
	}
	return nil
}

// RevokeAll 撤销所有尚未撤销的会话。
func (m *MemoryStore) RevokeAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	count := 0
	for _, s := range m.sessions {
		if s.RevokedAt == 0 {
			s.RevokedAt = now
			count++
		}
	}
	return count, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneSession(s *Session) *Session {
	clone := *s
	clone.WalletIDs = append([]string(nil), s.WalletIDs...)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
