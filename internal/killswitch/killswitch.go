package killswitch

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"AgentVault/internal/audit"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/observability/metrics"
	"AgentVault/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// State 是紧急开关的三种状态。
type State string

const (
	// StateActive 正常运行，交易流水线放行。
	StateActive State = "ACTIVE"
	// StateSuspended 已触发：流水线冻结，可恢复或升级。
	StateSuspended State = "SUSPENDED"
	// StateLocked 已锁死：恢复需要所有者签名证明。
	StateLocked State = "LOCKED"
)

const (
	CodeInvalidTransition xerrors.Code = "INVALID_STATE_TRANSITION"
	CodeNotActive         xerrors.Code = "KILL_SWITCH_NOT_ACTIVE"
)

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid kill switch state transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotActive, xerrors.Attributes{
		Message:   "kill switch is not engaged",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Snapshot 是紧急开关的持久化状态。
type Snapshot struct {
	State       State  `json:"state"`
	Reason      string `json:"reason,omitempty"`
	ActivatedBy string `json:"activated_by,omitempty"`
	ActivatedAt int64  `json:"activated_at,omitempty"`
	EscalatedBy string `json:"escalated_by,omitempty"`
	EscalatedAt int64  `json:"escalated_at,omitempty"`
	RecoveredBy string `json:"recovered_by,omitempty"`
	RecoveredAt int64  `json:"recovered_at,omitempty"`
}

// RecoveryProof 是 LOCKED 状态恢复时的所有者签名证明，
// 签名采用 personal_sign 格式。
type RecoveryProof struct {
	OwnerAddress string `json:"owner_address"`
	Message      string `json:"message"`
	Signature    string `json:"signature"`
}

// SessionRevoker 撤销全部会话（级联第一步）。
type SessionRevoker interface {
	RevokeAll(ctx context.Context) (int, error)
}

// TxCanceller 取消全部可取消交易（级联第二步）。
type TxCanceller interface {
	CancelActive(ctx context.Context, reason string) (int, error)
}

// WalletSuspender 暂停全部 ACTIVE 钱包（级联第三步），
// 并在恢复时提供已验证的所有者地址集合。
type WalletSuspender interface {
	SuspendActive(ctx context.Context, reason string) (int, error)
	VerifiedOwners(ctx context.Context) ([]string, error)
}

// ConnectionEvictor 断开全部链连接（级联第四步）。
type ConnectionEvictor interface {
	Evict()
}

// Service 管理紧急开关的状态机与触发级联。
// 状态读写都在同一把锁内完成，State 的读取是线性一致的。
type Service struct {
	mu       sync.Mutex
	store    Store
	sessions SessionRevoker
	txs      TxCanceller
	wallets  WalletSuspender
	chains   ConnectionEvictor
	notifier alerting.Dispatcher
	auditor  audit.Recorder
	bus      events.Bus

	syncCascade bool
}

// Option 配置 Service。
type Option func(*Service)

// WithSyncCascade 让触发级联同步执行，测试用。
func WithSyncCascade() Option {
	return func(s *Service) { s.syncCascade = true }
}

// NewService 组装紧急开关服务并把当前状态同步到指标。
func NewService(
	store Store,
	sessions SessionRevoker,
	txs TxCanceller,
	wallets WalletSuspender,
	chains ConnectionEvictor,
	notifier alerting.Dispatcher,
	auditor audit.Recorder,
	bus events.Bus,
	opts ...Option,
) *Service {
	s := &Service{
		store:    store,
		sessions: sessions,
		txs:      txs,
		wallets:  wallets,
		chains:   chains,
		notifier: notifier,
		auditor:  auditor,
		bus:      bus,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if snap, err := store.Load(context.Background()); err == nil {
		metrics.SetKillSwitchState(string(snap.State))
	}
	return s
}

// State 返回当前快照。
func (s *Service) State(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Load(ctx)
}

// Engaged 报告开关是否处于非 ACTIVE 状态。
func (s *Service) Engaged(ctx context.Context) (bool, error) {
	snap, err := s.State(ctx)
	if err != nil {
		return false, err
	}
	return snap.State != StateActive, nil
}

// Activate 触发紧急开关：ACTIVE → SUSPENDED，并执行六步级联。
func (s *Service) Activate(ctx context.Context, actor, reason string) (Snapshot, error) {
	s.mu.Lock()
	snap, err := s.store.Load(ctx)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	if snap.State != StateActive {
		s.mu.Unlock()
		return snap, xerrors.New(CodeInvalidTransition,
			"紧急开关已触发，当前状态 "+string(snap.State))
	}

	now := time.Now().Unix()
	snap.State = StateSuspended
	snap.Reason = reason
	snap.ActivatedBy = actor
	snap.ActivatedAt = now
	snap.RecoveredBy = ""
	snap.RecoveredAt = 0
	if err := s.store.Save(ctx, snap); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.mu.Unlock()

	metrics.SetKillSwitchState(string(StateSuspended))
	s.emitState(ctx, StateSuspended, actor)

	if s.syncCascade {
		s.cascade(ctx, actor, reason)
	} else {
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			s.cascade(cctx, actor, reason)
		}()
	}
	return snap, nil
}

// Escalate 升级锁定：SUSPENDED → LOCKED。级联在触发时已执行，不再重复。
func (s *Service) Escalate(ctx context.Context, actor, reason string) (Snapshot, error) {
	s.mu.Lock()
	snap, err := s.store.Load(ctx)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	switch snap.State {
	case StateSuspended:
	case StateActive:
		s.mu.Unlock()
		return snap, xerrors.New(CodeInvalidTransition, "紧急开关未触发，无法升级")
	default:
		s.mu.Unlock()
		return snap, xerrors.New(CodeInvalidTransition,
			"紧急开关已是 "+string(snap.State))
	}

	snap.State = StateLocked
	if reason != "" {
		snap.Reason = reason
	}
	snap.EscalatedBy = actor
	snap.EscalatedAt = time.Now().Unix()
	if err := s.store.Save(ctx, snap); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.mu.Unlock()

	metrics.SetKillSwitchState(string(StateLocked))
	s.emitState(ctx, StateLocked, actor)
	s.notify(ctx, "KILL_SWITCH_ESCALATED", "kill switch escalated to LOCKED: "+snap.Reason)
	s.record(ctx, audit.Entry{
		Actor:    actor,
		Event:    audit.EventKillSwitchEscalated,
		Severity: audit.SeverityCritical,
		Details:  map[string]string{"reason": snap.Reason},
	})
	return snap, nil
}

// Recover 恢复运行：SUSPENDED/LOCKED → ACTIVE。
// 当存在已验证所有者的钱包且开关处于 LOCKED 时，必须附带所有者签名证明。
func (s *Service) Recover(ctx context.Context, actor string, proof *RecoveryProof) (Snapshot, error) {
	s.mu.Lock()
	snap, err := s.store.Load(ctx)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	if snap.State == StateActive {
		s.mu.Unlock()
		return snap, xerrors.New(CodeNotActive, "紧急开关未触发，无需恢复")
	}

	if snap.State == StateLocked {
		owners, err := s.wallets.VerifiedOwners(ctx)
		if err != nil {
			s.mu.Unlock()
			return Snapshot{}, err
		}
		if len(owners) > 0 {
			if err := verifyProof(owners, proof); err != nil {
				s.mu.Unlock()
				return snap, err
			}
		}
	}

	snap.State = StateActive
	snap.RecoveredBy = actor
	snap.RecoveredAt = time.Now().Unix()
	if err := s.store.Save(ctx, snap); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.mu.Unlock()

	metrics.SetKillSwitchState(string(StateActive))
	s.emitState(ctx, StateActive, actor)
	s.record(ctx, audit.Entry{
		Actor:    actor,
		Event:    audit.EventKillSwitchRecovered,
		Severity: audit.SeverityCritical,
	})
	return snap, nil
}

// cascade 执行触发级联。通知是唯一的尽力而为步骤，
// 其余各步即便某一步失败也继续执行，最后写入唯一一条 CRITICAL 审计。
func (s *Service) cascade(ctx context.Context, actor, reason string) {
	details := map[string]string{"reason": reason}

	sessions, err := s.sessions.RevokeAll(ctx)
	if err != nil {
		logger.L().Error("级联撤销会话失败", "error", err)
		details["revoke_sessions_error"] = err.Error()
	}
	details["sessions_revoked"] = strconv.Itoa(sessions)

	cancelled, err := s.txs.CancelActive(ctx, "Kill switch activated")
	if err != nil {
		logger.L().Error("级联取消交易失败", "error", err)
		details["cancel_transactions_error"] = err.Error()
	}
	details["transactions_cancelled"] = strconv.Itoa(cancelled)

	suspended, err := s.wallets.SuspendActive(ctx, "kill switch activated")
	if err != nil {
		logger.L().Error("级联暂停钱包失败", "error", err)
		details["suspend_wallets_error"] = err.Error()
	}
	details["wallets_suspended"] = strconv.Itoa(suspended)

	if s.chains != nil {
		s.chains.Evict()
	}

	s.notify(ctx, "KILL_SWITCH_ACTIVATED", "kill switch activated: "+reason)

	s.record(ctx, audit.Entry{
		Actor:    actor,
		Event:    audit.EventKillSwitchActivated,
		Severity: audit.SeverityCritical,
		Details:  details,
	})
}

// verifyProof 校验 personal_sign 格式的所有者签名，
// 恢复出的地址必须出现在已验证所有者集合中。
func verifyProof(owners []string, proof *RecoveryProof) error {
	if proof == nil || strings.TrimSpace(proof.Signature) == "" {
		return xerrors.New(xerrors.CodeInvalidSignature, "恢复 LOCKED 状态需要所有者签名证明")
	}
	sig, err := hexutil.Decode(proof.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return xerrors.New(xerrors.CodeInvalidSignature, "签名格式无效")
	}
	// personal_sign 的 V 常见为 27/28，恢复公钥前归一到 0/1。
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}

	digest := accounts.TextHash([]byte(proof.Message))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return xerrors.New(xerrors.CodeInvalidSignature, "无法从签名恢复公钥")
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	if !strings.EqualFold(recovered, proof.OwnerAddress) {
		return xerrors.New(xerrors.CodeInvalidSignature, "签名地址与声明的所有者不符")
	}
	for _, owner := range owners {
		if strings.EqualFold(owner, recovered) {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalidSignature, "签名者不是任何托管钱包的已验证所有者")
}

// notify 尽力而为地投递告警，失败只记录日志。
func (s *Service) notify(ctx context.Context, eventType, message string) {
	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.notifier.Notify(nctx, alerting.Event{
		EventType:  eventType,
		Message:    message,
		Severity:   xerrors.SeverityCritical,
		OccurredAt: time.Now(),
	})
	if err != nil {
		logger.L().Warn("通知投递失败", "event", eventType, "error", err)
	}
}

func (s *Service) emitState(ctx context.Context, state State, actor string) {
	if s.bus == nil {
		return
	}
	err := s.bus.Emit(ctx, events.Event{
		Topic:    events.TopicKillSwitch,
		State:    string(state),
		Metadata: map[string]string{"actor": actor},
	})
	if err != nil {
		logger.L().Warn("事件发布失败", "topic", events.TopicKillSwitch, "error", err)
	}
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, e); err != nil {
		logger.L().Error("审计写入失败", "event", e.Event, "error", err)
	}
}
