package session

import (
	"time"

	xerrors "AgentVault/internal/errors"
)

// Session 表示调用方（通常是一个自治智能体）对若干钱包的能力授权。
// 撤销是单调的：revoked_at 一旦写入便不再清除。
type Session struct {
	ID        string   `json:"id"`
	Token     string   `json:"-"`
	AgentID   string   `json:"agent_id"`
	WalletIDs []string `json:"wallet_ids"`
	ExpiresAt int64    `json:"expires_at"`
	RevokedAt int64    `json:"revoked_at,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionRevoked 表示会话已被撤销。
	ErrSessionRevoked = xerrors.New(CodeSessionRevoked, "session revoked", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSessionExpired 表示会话已过期。
	ErrSessionExpired = xerrors.New(CodeSessionExpired, "session expired")
	// ErrWalletNotGranted 表示会话未授权访问目标钱包。
	ErrWalletNotGranted = xerrors.New(xerrors.CodeAccessDenied, "session does not grant access to wallet")
)

const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionRevoked  xerrors.Code = "SESSION_REVOKED"
	CodeSessionExpired  xerrors.Code = "SESSION_EXPIRED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionRevoked, xerrors.Attributes{
		Message:   "session revoked",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionExpired, xerrors.Attributes{
		Message:   "session expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Revoked 判断会话是否已撤销。
func (s *Session) Revoked() bool {
	return s != nil && s.RevokedAt != 0
}

// Expired 判断会话在给定时刻是否过期。
func (s *Session) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt != 0 && now.Unix() > s.ExpiresAt
}

// Grants 判断会话是否授权访问指定钱包。
func (s *Session) Grants(walletID string) bool {
	if s == nil {
		return false
	}
	for _, id := range s.WalletIDs {
		if id == walletID {
			return true
		}
	}
	return false
}
