package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// BuildRequest 描述一笔待构建的链上交易。
type BuildRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// UnsignedTx 是已填充 nonce/gas 的未签名交易。
type UnsignedTx struct {
	ChainID *big.Int
	Tx      *coretypes.Transaction
	From    common.Address
}

// SignedTx 是已签名、可广播的交易。
type SignedTx struct {
	Tx   *coretypes.Transaction
	Hash string
}

// Receipt 是确认结果的摘要。
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// Adapter 是单条链的执行接口。所有方法返回的错误均已按
// PERMANENT / TRANSIENT / STALE 分类（见 Classify）。
type Adapter interface {
	Name() string
	ValidateAddress(addr string) error
	BuildTransaction(ctx context.Context, req BuildRequest) (*UnsignedTx, error)
	SimulateTransaction(ctx context.Context, utx *UnsignedTx) error
	SignTransaction(utx *UnsignedTx, key *ecdsa.PrivateKey) (*SignedTx, error)
	SubmitTransaction(ctx context.Context, stx *SignedTx) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, interval time.Duration) (*Receipt, error)
	Close()
}

// permanentMarkers 覆盖重试必然再次失败的节点错误。
var permanentMarkers = []string{
	"insufficient funds",
	"invalid address",
	"unauthorized",
	"already known",
	"execution reverted",
	"gas required exceeds allowance",
	"invalid sender",
}

// staleMarkers 覆盖需要重建交易后才能重发的错误。
var staleMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"blockhash",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"eof",
}

// Classify 把节点返回的原始错误归入三类链错误之一：
// PERMANENT 不可重试；TRANSIENT 可原样重发；STALE 必须重建交易后重发。
// 未匹配任何已知标记的错误按 TRANSIENT 处理，交由上层退避重试。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return xerrors.Wrap(xerrors.CodeChainPermanent, err, "链上操作永久失败")
		}
	}
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return xerrors.Wrap(xerrors.CodeChainStale, err, "交易已过期，需要重建")
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return xerrors.Wrap(xerrors.CodeChainTransient, err, "链上操作暂时失败")
		}
	}
	return xerrors.Wrap(xerrors.CodeChainTransient, err, "链上操作失败")
}
