package wallet

import "context"

// Store 抽象了钱包状态的持久化接口。
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	List(ctx context.Context, limit int) ([]*Wallet, error)
	// Transition 以 CAS 的方式把钱包从 from 之一迁移到 to。
	// reason 仅在 to 为 SUSPENDED 时写入暂停原因。
	Transition(ctx context.Context, id string, to Status, reason string, from ...Status) error
	// SuspendActive 把所有 ACTIVE 的钱包置为 SUSPENDED，
	// 已经处于 SUSPENDED 的钱包保持原有的暂停原因不变。返回受影响数量。
	SuspendActive(ctx context.Context, reason string) (int, error)
	// VerifiedOwners 返回所有已验证的所有者地址，用于紧急开关恢复时的双重认证。
	VerifiedOwners(ctx context.Context) ([]string, error)
	Close() error
}
