package chain

import (
	"errors"
	"math/big"
	"testing"

	xerrors "AgentVault/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

func TestClassifyPermanent(t *testing.T) {
	cases := []string{
		"insufficient funds for gas * price + value",
		"already known",
		"execution reverted: ERC20: transfer amount exceeds balance",
		"unauthorized signer",
	}
	for _, msg := range cases {
		err := Classify(errors.New(msg))
		if xerrors.CodeOf(err) != xerrors.CodeChainPermanent {
			t.Fatalf("%q: expected CHAIN_PERMANENT, got %s", msg, xerrors.CodeOf(err))
		}
		if xerrors.RetryableError(err) {
			t.Fatalf("%q: permanent errors must not be retryable", msg)
		}
	}
}

func TestClassifyStale(t *testing.T) {
	cases := []string{
		"nonce too low",
		"replacement transaction underpriced",
	}
	for _, msg := range cases {
		err := Classify(errors.New(msg))
		if xerrors.CodeOf(err) != xerrors.CodeChainStale {
			t.Fatalf("%q: expected CHAIN_STALE, got %s", msg, xerrors.CodeOf(err))
		}
		if !xerrors.RetryableError(err) {
			t.Fatalf("%q: stale errors are retryable after rebuild", msg)
		}
	}
}

func TestClassifyTransient(t *testing.T) {
	cases := []string{
		"request timed out",
		"connection refused",
		"429 too many requests",
		"some unknown node hiccup",
	}
	for _, msg := range cases {
		err := Classify(errors.New(msg))
		if xerrors.CodeOf(err) != xerrors.CodeChainTransient {
			t.Fatalf("%q: expected CHAIN_TRANSIENT, got %s", msg, xerrors.CodeOf(err))
		}
		if !xerrors.RetryableError(err) {
			t.Fatalf("%q: transient errors must be retryable", msg)
		}
	}
}

func TestClassifyNil(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
}

func TestERC20TransferData(t *testing.T) {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	data := ERC20TransferData(to, big.NewInt(1000))
	if len(data) != 68 {
		t.Fatalf("expected 68 bytes of calldata, got %d", len(data))
	}
	// a9059cbb 是 transfer(address,uint256) 的选择子。
	if common.Bytes2Hex(data[:4]) != "a9059cbb" {
		t.Fatalf("unexpected selector %s", common.Bytes2Hex(data[:4]))
	}
	if common.BytesToAddress(data[4:36]) != to {
		t.Fatal("recipient not encoded in calldata")
	}
	if new(big.Int).SetBytes(data[36:]).Cmp(big.NewInt(1000)) != 0 {
		t.Fatal("amount not encoded in calldata")
	}
}
