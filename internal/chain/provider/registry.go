package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	"AgentVault/internal/chain"
	"AgentVault/internal/chain/ethereum"
	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// Registry 按名称管理链适配器。拨号是惰性的：首次请求某条链时
// 才建立连接；Evict 断开全部连接，后续请求会重新拨号。
type Registry struct {
	defaultChain string
	defs         map[string]chain.ChainDefinition

	mu       sync.Mutex
	adapters map[string]chain.Adapter
}

// NewRegistry 加载链定义并返回注册表。
func NewRegistry(path, defaultChain string) (*Registry, error) {
	defs, err := chain.LoadChainDefinitions(path)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置任何链的 RPC 端点")
	}

	if strings.TrimSpace(defaultChain) == "" {
		names := make([]string, 0, len(defs.Chains))
		for name := range defs.Chains {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := defs.Chains[defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeInitialization, "默认链 "+defaultChain+" 未在配置中找到")
	}

	return &Registry{
		defaultChain: defaultChain,
		defs:         defs.Chains,
		adapters:     make(map[string]chain.Adapter),
	}, nil
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Adapter 返回指定链的适配器，必要时建立连接。
func (r *Registry) Adapter(ctx context.Context, name string) (chain.Adapter, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "未初始化的链适配器注册表")
	}
	if strings.TrimSpace(name) == "" {
		name = r.defaultChain
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}

	def, ok := r.defs[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "链 "+name+" 未在配置中定义")
	}
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType == "" {
		chainType = "evm"
	}
	switch chainType {
	case "evm":
		a, err := ethereum.NewAdapter(ctx, ethereum.Config{
			Name:    name,
			ChainID: def.ChainID,
			RPCURL:  def.RPCURL,
		})
		if err != nil {
			return nil, err
		}
		r.adapters[name] = a
		return a, nil
	default:
		return nil, xerrors.New(xerrors.CodeInitialization, "链 "+name+" 使用了不支持的类型 "+def.Type)
	}
}

// Chains 返回已配置的链名称列表。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evict 断开全部已建立的链连接；击杀开关级联的第四步调用此方法。
// 注册表本身保持可用，恢复后的请求会按需重新拨号。
func (r *Registry) Evict() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, a := range r.adapters {
		a.Close()
		delete(r.adapters, name)
	}
	logger.L().Info("chain connections evicted")
}

// Close 释放全部连接，进程退出时调用。
func (r *Registry) Close() {
	r.Evict()
}
