package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"

	"github.com/google/uuid"
)

const tokenBytes = 32

// Service 负责会话的签发与校验。
type Service struct {
	store      Store
	defaultTTL time.Duration
}

// NewService 构造会话服务实例。
func NewService(store Store, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Service{store: store, defaultTTL: defaultTTL}
}

// Create 为指定智能体签发一个新的会话，授权访问给定钱包集合。
func (s *Service) Create(ctx context.Context, agentID string, walletIDs []string, ttl time.Duration) (*Session, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "会话服务未初始化")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Token:     token,
		AgentID:   agentID,
		WalletIDs: append([]string(nil), walletIDs...),
		ExpiresAt: now.Add(ttl).Unix(),
		CreatedAt: now.Unix(),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Validate 校验令牌并返回有效会话；已撤销或过期的会话返回对应错误。
func (s *Service) Validate(ctx context.Context, token string) (*Session, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "会话服务未初始化")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Revoked() {
		return nil, ErrSessionRevoked
	}
	if sess.Expired(time.Now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Authorize 校验令牌并确认其授权访问目标钱包。
func (s *Service) Authorize(ctx context.Context, token, walletID string) (*Session, error) {
	sess, err := s.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Grants(walletID) {
		return nil, ErrWalletNotGranted
	}
	return sess, nil
}

// Revoke 撤销指定会话。
func (s *Service) Revoke(ctx context.Context, id string) error {
	if s == nil || s.store == nil {
		return xerrors.New(xerrors.CodeInitialization, "会话服务未初始化")
	}
	return s.store.Revoke(ctx, id)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "生成会话令牌失败")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
