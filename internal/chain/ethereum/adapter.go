package ethereum

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config 描述如何构建一个 EVM 兼容链适配器。
type Config struct {
	Name    string
	ChainID int64
	RPCURL  string
}

// Adapter 基于 go-ethereum 实现 chain.Adapter。
type Adapter struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

// NewAdapter 拨号配置的 RPC 端点并返回可用的适配器。
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置链 "+cfg.Name+" 的 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, chain.Classify(err)
	}

	a := &Adapter{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
	if cfg.ChainID > 0 {
		a.chainID = big.NewInt(cfg.ChainID)
	}
	return a, nil
}

// Name 返回链名称。
func (a *Adapter) Name() string {
	return a.name
}

// ValidateAddress 校验十六进制地址格式。
func (a *Adapter) ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的链上地址: "+addr)
	}
	return nil
}

// BuildTransaction 填充 nonce、gas 价格与 gas 上限，返回未签名交易。
func (a *Adapter) BuildTransaction(ctx context.Context, req chain.BuildRequest) (*chain.UnsignedTx, error) {
	chainID, err := a.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := a.eth.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, chain.Classify(err)
	}
	gasPrice, err := a.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, chain.Classify(err)
	}

	to := req.To
	msg := gethcore.CallMsg{
		From:     req.From,
		To:       &to,
		Value:    req.Value,
		Data:     req.Data,
		GasPrice: gasPrice,
	}
	gasLimit, err := a.eth.EstimateGas(ctx, msg)
	if err != nil {
		return nil, chain.Classify(err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    req.Value,
		Data:     req.Data,
	})
	return &chain.UnsignedTx{ChainID: chainID, Tx: tx, From: req.From}, nil
}

// SimulateTransaction 通过 eth_call 预演交易，revert 会作为永久错误返回。
func (a *Adapter) SimulateTransaction(ctx context.Context, utx *chain.UnsignedTx) error {
	if utx == nil || utx.Tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "没有可预演的交易")
	}
	msg := gethcore.CallMsg{
		From:     utx.From,
		To:       utx.Tx.To(),
		Value:    utx.Tx.Value(),
		Data:     utx.Tx.Data(),
		Gas:      utx.Tx.Gas(),
		GasPrice: utx.Tx.GasPrice(),
	}
	if _, err := a.eth.CallContract(ctx, msg, nil); err != nil {
		return chain.Classify(err)
	}
	return nil
}

// SignTransaction 使用给定私钥完成签名，不触网。
func (a *Adapter) SignTransaction(utx *chain.UnsignedTx, key *ecdsa.PrivateKey) (*chain.SignedTx, error) {
	if utx == nil || utx.Tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可签名的交易")
	}
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidSignature, "缺少签名私钥")
	}
	signer := coretypes.LatestSignerForChainID(utx.ChainID)
	signed, err := coretypes.SignTx(utx.Tx, signer, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidSignature, err, "交易签名失败")
	}
	return &chain.SignedTx{Tx: signed, Hash: signed.Hash().Hex()}, nil
}

// SubmitTransaction 广播已签名交易，返回交易哈希。
func (a *Adapter) SubmitTransaction(ctx context.Context, stx *chain.SignedTx) (string, error) {
	if stx == nil || stx.Tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "没有可广播的交易")
	}
	if err := a.eth.SendTransaction(ctx, stx.Tx); err != nil {
		return "", chain.Classify(err)
	}
	return stx.Tx.Hash().Hex(), nil
}

// WaitForConfirmation 轮询回执直到交易上链或上下文超时。
func (a *Adapter) WaitForConfirmation(ctx context.Context, txHash string, interval time.Duration) (*chain.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := a.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &chain.Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == coretypes.ReceiptStatusSuccessful,
			}, nil
		}
		if err != nil && err != gethcore.NotFound {
			return nil, chain.Classify(err)
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认超时")
		case <-ticker.C:
		}
	}
}

// Close 释放网络连接。
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eth != nil {
		a.eth.Close()
		a.eth = nil
	}
	if a.rpcClient != nil {
		a.rpcClient.Close()
		a.rpcClient = nil
	}
}

func (a *Adapter) resolveChainID(ctx context.Context) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chainID != nil {
		return a.chainID, nil
	}
	id, err := a.eth.ChainID(ctx)
	if err != nil {
		return nil, chain.Classify(err)
	}
	a.chainID = id
	return id, nil
}

var _ chain.Adapter = (*Adapter)(nil)
