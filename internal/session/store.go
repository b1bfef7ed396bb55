package session

import "context"

// Store 抽象了会话的持久化接口。
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByToken(ctx context.Context, token string) (*Session, error)
	// Revoke 写入撤销时间戳；已撤销的会话保持原值不变。
	Revoke(ctx context.Context, id string) error
	// RevokeAll 撤销所有 revoked_at 为空的会话，返回受影响数量。
	RevokeAll(ctx context.Context) (int, error)
	Close() error
}
