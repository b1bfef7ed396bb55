package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	approveSelector  = crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
)

// ERC20TransferData 构造 ERC-20 transfer(to, amount) 的调用数据。
func ERC20TransferData(to common.Address, amount *big.Int) []byte {
	return packCall(transferSelector, to, amount)
}

// ERC20ApproveData 构造 ERC-20 approve(spender, amount) 的调用数据。
func ERC20ApproveData(spender common.Address, amount *big.Int) []byte {
	return packCall(approveSelector, spender, amount)
}

func packCall(selector []byte, addr common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
