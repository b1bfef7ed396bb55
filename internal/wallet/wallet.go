package wallet

import (
	xerrors "AgentVault/internal/errors"
)

// Status 表示钱包在生命周期中的状态。
type Status string

const (
	StatusCreating    Status = "CREATING"
	StatusActive      Status = "ACTIVE"
	StatusSuspended   Status = "SUSPENDED"
	StatusTerminating Status = "TERMINATING"
	StatusTerminated  Status = "TERMINATED"
)

// Wallet 描述一个托管签名单元。
type Wallet struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Chain           string `json:"chain"`
	Address         string `json:"address"`
	OwnerAddress    string `json:"owner_address,omitempty"`
	OwnerVerified   bool   `json:"owner_verified"`
	Status          Status `json:"status"`
	SuspendedReason string `json:"suspended_reason,omitempty"`
	SuspendedAt     int64  `json:"suspended_at,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

var (
	// ErrWalletNotFound 表示指定的钱包不存在。
	ErrWalletNotFound = xerrors.New(CodeWalletNotFound, "wallet not found")
	// ErrWalletConflict 表示钱包在当前状态下无法进行所请求的转换。
	ErrWalletConflict = xerrors.New(CodeWalletConflict, "wallet state conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrWalletNotActive 表示钱包未处于可用状态。
	ErrWalletNotActive = xerrors.New(CodeWalletNotActive, "wallet is not active")
)

const (
	CodeWalletNotFound  xerrors.Code = "WALLET_NOT_FOUND"
	CodeWalletConflict  xerrors.Code = "WALLET_CONFLICT"
	CodeWalletNotActive xerrors.Code = "WALLET_NOT_ACTIVE"
)

func init() {
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{
		Message:   "wallet not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletConflict, xerrors.Attributes{
		Message:   "wallet state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletNotActive, xerrors.Attributes{
		Message:   "wallet is not active",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的钱包状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreating, StatusActive, StatusSuspended, StatusTerminating, StatusTerminated:
		return true
	default:
		return false
	}
}

// allowedTransitions 描述钱包状态机的合法边。
var allowedTransitions = map[Status][]Status{
	StatusCreating:    {StatusActive, StatusTerminating},
	StatusActive:      {StatusSuspended, StatusTerminating},
	StatusSuspended:   {StatusActive, StatusTerminating},
	StatusTerminating: {StatusTerminated},
}

// CanTransition 判断状态机是否允许 from → to。
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
