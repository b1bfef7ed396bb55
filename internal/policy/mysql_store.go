package policy

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化策略规则。
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

const policyColumns = `id, wallet_id, type, priority, enabled, rule, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (*Policy, error) {
	var p Policy
	var walletID sql.NullString
	var rule []byte
	if err := row.Scan(
		&p.ID,
		&walletID,
		&p.Type,
		&p.Priority,
		&p.Enabled,
		&rule,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.WalletID = walletID.String
	p.Rule = rule
	return &p, nil
}

func nullableWallet(walletID string) any {
	if strings.TrimSpace(walletID) == "" {
		return nil
	}
	return walletID
}

// Create 写入一条新策略，写入前完成规则校验。
func (s *MySQLStore) Create(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	p.Touch(time.Now())

	const stmt = `INSERT INTO policies
        (id, wallet_id, type, priority, enabled, rule, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		p.ID,
		nullableWallet(p.WalletID),
		string(p.Type),
		p.Priority,
		p.Enabled,
		[]byte(p.Rule),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "策略已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入策略失败")
	}
	return nil
}

// Get 返回指定策略。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略失败")
	}
	return p, nil
}

// List 返回指定钱包的策略；walletID 为空时返回全部。
func (s *MySQLStore) List(ctx context.Context, walletID string, limit int) ([]*Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	args := []any{}
	if walletID != "" {
		query += ` WHERE wallet_id = ?`
		args = append(args, walletID)
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryPolicies(ctx, query, args...)
}

// ListEnabled 返回钱包级加全局的启用规则。
func (s *MySQLStore) ListEnabled(ctx context.Context, walletID string) ([]*Policy, error) {
	const query = `SELECT ` + policyColumns + ` FROM policies
        WHERE enabled = TRUE AND (wallet_id = ? OR wallet_id IS NULL)
        ORDER BY priority DESC, created_at ASC`
	return s.queryPolicies(ctx, query, walletID)
}

func (s *MySQLStore) queryPolicies(ctx context.Context, query string, args ...any) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略列表失败")
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取策略行失败")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历策略结果失败")
	}
	return out, nil
}

// SetEnabled 切换策略的启用状态。
func (s *MySQLStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新策略状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Delete 删除策略。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除策略失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Close 由连接的创建方负责关闭底层数据库。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
