package policy

import "context"

// Store 抽象策略规则的持久化接口。
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	List(ctx context.Context, walletID string, limit int) ([]*Policy, error)
	// ListEnabled 返回对指定钱包生效的全部启用规则：
	// 钱包级规则加上全局规则（wallet_id 为空）。
	ListEnabled(ctx context.Context, walletID string) ([]*Policy, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
	Close() error
}
