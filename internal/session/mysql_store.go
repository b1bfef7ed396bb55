package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录会话。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的数据库连接创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的会话记录。
func (s *MySQLStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(sess.ID) == "" || strings.TrimSpace(sess.Token) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 与令牌不能为空")
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = time.Now().Unix()
	}

	walletIDs, err := json.Marshal(sess.WalletIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码钱包授权列表失败")
	}

	const stmt = `INSERT INTO sessions
        (id, token, agent_id, wallet_ids, expires_at, revoked_at, created_at)
        VALUES (?, ?, ?, ?, ?, 0, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		sess.ID,
		sess.Token,
		sess.AgentID,
		string(walletIDs),
		sess.ExpiresAt,
		sess.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "会话已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
	}
	return nil
}

const sessionColumns = `id, token, agent_id, wallet_ids, expires_at, revoked_at, created_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var walletIDs string
	if err := row.Scan(
		&sess.ID,
		&sess.Token,
		&sess.AgentID,
		&walletIDs,
		&sess.ExpiresAt,
		&sess.RevokedAt,
		&sess.CreatedAt,
	); err != nil {
		return nil, err
	}
	if walletIDs != "" {
		if err := json.Unmarshal([]byte(walletIDs), &sess.WalletIDs); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

// Get 查询指定会话。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return sess, nil
}

// GetByToken 按令牌查询会话。
func (s *MySQLStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token)
	sess, err := scanSession(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按令牌查询会话失败")
	}
	return sess, nil
}

// Revoke 写入撤销时间戳；已撤销的会话不再更新。
func (s *MySQLStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at = 0`,
		time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销会话失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// RevokeAll 撤销所有尚未撤销的会话。
func (s *MySQLStore) RevokeAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE revoked_at = 0`, time.Now().Unix())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量撤销会话失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(rows), nil
}

// Close 由连接的创建方负责关闭底层数据库。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
