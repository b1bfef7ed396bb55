package policy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// Candidate 描述待评估的候选交易。Amount 使用链上最小计量单位。
// TokenAddress 非空表示代币转账，将触发代币允许列表检查。
type Candidate struct {
	Destination  string
	TokenAddress string
	Amount       *big.Int
}

// Decision 是策略评估的结论。拒绝时 Reason 原样返回给调用方。
type Decision struct {
	Allowed  bool
	Tier     Tier
	Reason   string
	Delay    time.Duration
	Reserved bool
}

// Ledger 是在途预留额度的实时账本，由交易存储实现。
// SumReserved 统计指定钱包所有非终态交易的预留总额。
type Ledger interface {
	SumReserved(ctx context.Context, walletID string) (*big.Int, error)
	Reserve(ctx context.Context, txID string, amount *big.Int) error
	ClearReservation(ctx context.Context, txID string) error
}

// Engine 加载生效规则并对候选交易做出分层裁决。
//
// EvaluateAndReserve 在每钱包互斥区内完成"读取在途预留总额 → 按有效总额
// 分层 → 写入预留"三步，关闭并发评估之间的 TOCTOU 窗口：限额不变量
// 是跨行聚合，乐观锁不足以保护，必须串行化同一钱包的预留尝试。
type Engine struct {
	store  Store
	ledger Ledger

	// locks 每个托管钱包一把，只增不删：条目数以托管钱包总数为上界，
	// 每条仅一个 sync.Mutex，进程生命周期内无需淘汰。
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine 创建策略引擎。
func NewEngine(store Store, ledger Ledger) *Engine {
	return &Engine{
		store:  store,
		ledger: ledger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) walletLock(walletID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[walletID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[walletID] = l
	}
	return l
}

// Evaluate 对候选交易做无预留的只读评估，按候选金额本身分层。
func (e *Engine) Evaluate(ctx context.Context, walletID string, cand Candidate) (Decision, error) {
	rules, err := e.effectiveRules(ctx, walletID)
	if err != nil {
		return Decision{}, err
	}
	return evaluate(rules, cand, amountOrZero(cand.Amount)), nil
}

// EvaluateAndReserve 是生产路径使用的 TOCTOU 安全变体：
// 在独占临界区内按"在途预留总额 + 候选金额"的有效总额分层，
// 评估通过且存在限额规则时，在释放临界区之前原子写入候选的预留。
func (e *Engine) EvaluateAndReserve(ctx context.Context, walletID, txID string, cand Candidate) (Decision, error) {
	if e.ledger == nil {
		return Decision{}, xerrors.New(xerrors.CodeInitialization, "策略引擎缺少预留账本")
	}

	lock := e.walletLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	rules, err := e.effectiveRules(ctx, walletID)
	if err != nil {
		return Decision{}, err
	}

	amount := amountOrZero(cand.Amount)
	effective := new(big.Int).Set(amount)
	if rules[TypeSpendingLimit] != nil {
		reserved, err := e.ledger.SumReserved(ctx, walletID)
		if err != nil {
			return Decision{}, err
		}
		if reserved != nil {
			effective.Add(effective, reserved)
		}
	}

	decision := evaluate(rules, cand, effective)
	if !decision.Allowed {
		return decision, nil
	}

	if rules[TypeSpendingLimit] != nil && amount.Sign() > 0 {
		if err := e.ledger.Reserve(ctx, txID, amount); err != nil {
			return Decision{}, err
		}
		decision.Reserved = true
		logger.L().Debug("spending reservation written",
			"wallet_id", walletID, "tx_id", txID,
			"amount", amount.String(), "tier", string(decision.Tier))
	}
	return decision, nil
}

// ReleaseReservation 清除交易的预留额度。
// 每个跟随成功预留之后的终态迁移都必须调用此方法。
func (e *Engine) ReleaseReservation(ctx context.Context, txID string) error {
	if e.ledger == nil {
		return xerrors.New(xerrors.CodeInitialization, "策略引擎缺少预留账本")
	}
	return e.ledger.ClearReservation(ctx, txID)
}

// effectiveRules 解析每个类型的有效规则：钱包级覆盖全局，
// 同一作用域内按优先级降序取首条。未知类型被忽略以保持前向兼容。
func (e *Engine) effectiveRules(ctx context.Context, walletID string) (map[Type]*Policy, error) {
	policies, err := e.store.ListEnabled(ctx, walletID)
	if err != nil {
		return nil, err
	}
	rules := make(map[Type]*Policy, 3)
	for _, p := range policies {
		if !IsValidType(p.Type) {
			continue
		}
		current, ok := rules[p.Type]
		if !ok {
			rules[p.Type] = p
			continue
		}
		// 列表已按优先级排序，只需让钱包级规则取代全局规则。
		if current.WalletID == "" && p.WalletID != "" {
			rules[p.Type] = p
		}
	}
	return rules, nil
}

// evaluate 按固定顺序应用有效规则：白名单 → 代币允许列表 → 限额分层。
// 损坏的规则载荷采取关闭失败（拒绝），绝不放行。
func evaluate(rules map[Type]*Policy, cand Candidate, total *big.Int) Decision {
	if p := rules[TypeWhitelist]; p != nil {
		rule, err := p.Whitelist()
		if err != nil {
			return deny("whitelist rule payload is malformed")
		}
		if len(rule.Addresses) > 0 && !containsAddress(rule.Addresses, cand.Destination) {
			return deny(fmt.Sprintf("destination %s is not whitelisted", cand.Destination))
		}
	}

	if cand.TokenAddress != "" {
		p := rules[TypeAllowedTokens]
		if p == nil {
			return deny("token transfers are denied: no allowed-tokens rule configured")
		}
		rule, err := p.AllowedTokens()
		if err != nil {
			return deny("allowed-tokens rule payload is malformed")
		}
		if !containsAddress(rule.Tokens, cand.TokenAddress) {
			return deny(fmt.Sprintf("token %s is not in the allowed list", cand.TokenAddress))
		}
	}

	p := rules[TypeSpendingLimit]
	if p == nil {
		return Decision{Allowed: true, Tier: TierInstant}
	}
	rule, err := p.SpendingLimit()
	if err != nil {
		return deny("spending-limit rule payload is malformed")
	}
	instant, ok1 := parseAmount(rule.InstantMax)
	notify, ok2 := parseAmount(rule.NotifyMax)
	delay, ok3 := parseAmount(rule.DelayMax)
	if !ok1 || !ok2 || !ok3 {
		return deny("spending-limit thresholds are malformed")
	}

	switch {
	case total.Cmp(instant) <= 0:
		return Decision{Allowed: true, Tier: TierInstant}
	case total.Cmp(notify) <= 0:
		return Decision{Allowed: true, Tier: TierNotify}
	case total.Cmp(delay) <= 0:
		return Decision{
			Allowed: true,
			Tier:    TierDelay,
			Delay:   time.Duration(rule.DelaySeconds) * time.Second,
		}
	default:
		return Decision{Allowed: true, Tier: TierApproval}
	}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Tier: TierInstant, Reason: reason}
}

func containsAddress(list []string, addr string) bool {
	for _, a := range list {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(addr)) {
			return true
		}
	}
	return false
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
