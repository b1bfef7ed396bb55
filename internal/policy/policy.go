package policy

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
)

// Type 是策略规则类型。
type Type string

const (
	TypeSpendingLimit Type = "SPENDING_LIMIT"
	TypeWhitelist     Type = "WHITELIST"
	TypeAllowedTokens Type = "ALLOWED_TOKENS"
)

// Tier 是策略评估产出的审批层级。
type Tier string

const (
	TierInstant  Tier = "INSTANT"
	TierNotify   Tier = "NOTIFY"
	TierDelay    Tier = "DELAY"
	TierApproval Tier = "APPROVAL"
)

// Policy 表示一条策略规则。WalletID 为空表示全局规则；
// 同类型规则中钱包级规则覆盖全局规则。
type Policy struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id,omitempty"`
	Type      Type            `json:"type"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	Rule      json.RawMessage `json:"rule"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// SpendingLimitRule 按升序阈值把金额划分为四个层级。
// 阈值以十进制字符串表示最小计量单位（如 wei），避免浮点精度问题。
type SpendingLimitRule struct {
	InstantMax   string `json:"instant_max"`
	NotifyMax    string `json:"notify_max"`
	DelayMax     string `json:"delay_max"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

// WhitelistRule 限定转账目的地址集合。
type WhitelistRule struct {
	Addresses []string `json:"addresses"`
}

// AllowedTokensRule 限定代币转账可触达的代币合约集合。
type AllowedTokensRule struct {
	Tokens []string `json:"tokens"`
}

const (
	CodePolicyNotFound xerrors.Code = "POLICY_NOT_FOUND"
)

// ErrPolicyNotFound 表示策略不存在。
var ErrPolicyNotFound = xerrors.New(CodePolicyNotFound, "policy not found")

func init() {
	xerrors.Register(CodePolicyNotFound, xerrors.Attributes{
		Message:   "policy not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidType 判断策略类型是否受支持。
func IsValidType(t Type) bool {
	switch t {
	case TypeSpendingLimit, TypeWhitelist, TypeAllowedTokens:
		return true
	default:
		return false
	}
}

// Validate 在写入前校验规则载荷的结构合法性。
// 评估路径对损坏的载荷采取关闭失败（拒绝）而非在此处兜底。
func (p *Policy) Validate() error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "policy 不能为空")
	}
	if !IsValidType(p.Type) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的策略类型: "+string(p.Type))
	}
	switch p.Type {
	case TypeSpendingLimit:
		rule, err := p.SpendingLimit()
		if err != nil {
			return err
		}
		instant, ok1 := parseAmount(rule.InstantMax)
		notify, ok2 := parseAmount(rule.NotifyMax)
		delay, ok3 := parseAmount(rule.DelayMax)
		if !ok1 || !ok2 || !ok3 {
			return xerrors.New(xerrors.CodeInvalidArgument, "限额阈值必须是非负十进制整数")
		}
		if instant.Cmp(notify) > 0 || notify.Cmp(delay) > 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "限额阈值必须按 instant ≤ notify ≤ delay 递增")
		}
		if rule.DelaySeconds < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "延迟秒数不能为负")
		}
	case TypeWhitelist:
		rule, err := p.Whitelist()
		if err != nil {
			return err
		}
		for _, addr := range rule.Addresses {
			if strings.TrimSpace(addr) == "" {
				return xerrors.New(xerrors.CodeInvalidArgument, "白名单地址不能为空")
			}
		}
	case TypeAllowedTokens:
		rule, err := p.AllowedTokens()
		if err != nil {
			return err
		}
		for _, token := range rule.Tokens {
			if strings.TrimSpace(token) == "" {
				return xerrors.New(xerrors.CodeInvalidArgument, "代币地址不能为空")
			}
		}
	}
	return nil
}

// SpendingLimit 解码限额规则载荷。
func (p *Policy) SpendingLimit() (*SpendingLimitRule, error) {
	var rule SpendingLimitRule
	if err := json.Unmarshal(p.Rule, &rule); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析限额规则失败")
	}
	return &rule, nil
}

// Whitelist 解码白名单规则载荷。
func (p *Policy) Whitelist() (*WhitelistRule, error) {
	var rule WhitelistRule
	if err := json.Unmarshal(p.Rule, &rule); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析白名单规则失败")
	}
	return &rule, nil
}

// AllowedTokens 解码代币允许列表规则载荷。
func (p *Policy) AllowedTokens() (*AllowedTokensRule, error) {
	var rule AllowedTokensRule
	if err := json.Unmarshal(p.Rule, &rule); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析代币规则失败")
	}
	return &rule, nil
}

// Touch 更新时间戳，首次写入时补齐创建时间。
func (p *Policy) Touch(now time.Time) {
	ts := now.Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = ts
	}
	p.UpdatedAt = ts
}

func parseAmount(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
