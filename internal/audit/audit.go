package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"

	"github.com/google/uuid"
)

// Severity 是审计条目的级别。
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// 核心审计事件名。
const (
	EventKillSwitchActivated = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchEscalated = "KILL_SWITCH_ESCALATED"
	EventKillSwitchRecovered = "KILL_SWITCH_RECOVERED"
	EventPolicyDenied        = "POLICY_DENIED"
	EventApprovalGranted     = "APPROVAL_GRANTED"
	EventApprovalRejected    = "APPROVAL_REJECTED"
	EventApprovalExpired     = "APPROVAL_EXPIRED"
	EventReconciliation      = "RECONCILIATION"
)

// Entry 是一条只追加的审计记录。
type Entry struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor"`
	Event     string            `json:"event"`
	Severity  Severity          `json:"severity"`
	WalletID  string            `json:"wallet_id,omitempty"`
	TxID      string            `json:"tx_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Recorder 抽象审计日志的写入接口。写入是只追加的，没有更新或删除。
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

func prepare(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
}

// emit 把条目同时写入审计日志文件，保证即使持久化后端不可用也留痕。
func emit(e *Entry) {
	logger.Audit().Info("audit",
		"audit_id", e.ID,
		"actor", e.Actor,
		"event", e.Event,
		"severity", string(e.Severity),
		"wallet_id", e.WalletID,
		"tx_id", e.TxID,
	)
}

// MemoryRecorder 把审计条目保留在内存中，用于测试与单机部署。
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryRecorder 创建 MemoryRecorder。
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record 实现 Recorder 接口。
func (r *MemoryRecorder) Record(_ context.Context, e Entry) error {
	prepare(&e)
	emit(&e)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// Entries 返回全部条目的快照。
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByEvent 返回指定事件名的条目。
func (r *MemoryRecorder) ByEvent(event string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Close 对内存记录器无需操作。
func (r *MemoryRecorder) Close() error {
	return nil
}

func marshalDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审计详情失败")
	}
	return string(raw), nil
}

var _ Recorder = (*MemoryRecorder)(nil)
