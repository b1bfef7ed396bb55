package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// 核心状态变更主题。
const (
	TopicKillSwitch  = "vault.killswitch.state"
	TopicTransaction = "vault.transaction.state"
	TopicApproval    = "vault.approval.state"
)

// Event 是发布到总线上的状态变更信号。
type Event struct {
	Topic      string            `json:"topic"`
	WalletID   string            `json:"wallet_id,omitempty"`
	TxID       string            `json:"tx_id,omitempty"`
	State      string            `json:"state,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// Bus 抽象事件发布接口。
type Bus interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// MemoryBus 把事件保留在内存中，用于测试与单机部署。
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryBus 创建 MemoryBus。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Emit 实现 Bus 接口。
func (b *MemoryBus) Emit(_ context.Context, ev Event) error {
	if ev.OccurredAt == 0 {
		ev.OccurredAt = time.Now().Unix()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

// Events 返回已发布事件的快照。
func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// ByTopic 返回指定主题的事件。
func (b *MemoryBus) ByTopic(topic string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// Close 对内存总线无需操作。
func (b *MemoryBus) Close() error {
	return nil
}

func marshalEvent(ev *Event) ([]byte, error) {
	if ev.OccurredAt == 0 {
		ev.OccurredAt = time.Now().Unix()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEventPublish, err, "编码事件失败")
	}
	return body, nil
}

var _ Bus = (*MemoryBus)(nil)
