package txn

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLApprovalStore 使用 MySQL 持久化审批请求。
// 裁决通过条件更新完成：WHERE 守卫要求三个裁决时间戳均为零。
type MySQLApprovalStore struct {
	db *sql.DB
}

// NewMySQLApprovalStore 基于已建立的数据库连接创建 MySQLApprovalStore。
func NewMySQLApprovalStore(db *sql.DB) (*MySQLApprovalStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLApprovalStore{db: db}, nil
}

const approvalColumns = `id, tx_id, wallet_id, channel, reason, expires_at,
    approved_at, approved_by, rejected_at, rejected_by, expired_at, created_at`

const approvalUnresolved = `approved_at = 0 AND rejected_at = 0 AND expired_at = 0`

func scanApproval(row interface{ Scan(...any) error }) (*PendingApproval, error) {
	var a PendingApproval
	var channel, reason, approvedBy, rejectedBy sql.NullString
	if err := row.Scan(
		&a.ID,
		&a.TxID,
		&a.WalletID,
		&channel,
		&reason,
		&a.ExpiresAt,
		&a.ApprovedAt,
		&approvedBy,
		&a.RejectedAt,
		&rejectedBy,
		&a.ExpiredAt,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Channel = channel.String
	a.Reason = reason.String
	a.ApprovedBy = approvedBy.String
	a.RejectedBy = rejectedBy.String
	return &a, nil
}

// Create 写入新的审批请求；tx_id 上的唯一索引保证每笔交易至多一条。
func (s *MySQLApprovalStore) Create(ctx context.Context, a *PendingApproval) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "approval 不能为空")
	}
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.TxID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批 ID 与交易 ID 不能为空")
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO pending_approvals
        (id, tx_id, wallet_id, channel, reason, expires_at,
         approved_at, approved_by, rejected_at, rejected_by, expired_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, 0, NULL, 0, NULL, 0, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		a.ID, a.TxID, a.WalletID,
		nullable(a.Channel), nullable(a.Reason),
		a.ExpiresAt, a.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "交易已有待决审批")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入审批请求失败")
	}
	return nil
}

// Get 返回指定审批请求。
func (s *MySQLApprovalStore) Get(ctx context.Context, id string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批请求失败")
	}
	return a, nil
}

// GetByTx 按交易 ID 查询审批请求。
func (s *MySQLApprovalStore) GetByTx(ctx context.Context, txID string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE tx_id = ?`, txID)
	a, err := scanApproval(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按交易查询审批失败")
	}
	return a, nil
}

// ListPending 返回尚未解决的审批请求，按创建时间升序。
func (s *MySQLApprovalStore) ListPending(ctx context.Context, limit int) ([]*PendingApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM pending_approvals
        WHERE ` + approvalUnresolved + ` ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryApprovals(ctx, query, args...)
}

// ListExpiredPending 返回已超期但尚未解决的审批。
func (s *MySQLApprovalStore) ListExpiredPending(ctx context.Context, now time.Time) ([]*PendingApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM pending_approvals
        WHERE ` + approvalUnresolved + ` AND expires_at < ? ORDER BY created_at ASC`
	return s.queryApprovals(ctx, query, now.Unix())
}

func (s *MySQLApprovalStore) queryApprovals(ctx context.Context, query string, args ...any) ([]*PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批列表失败")
	}
	defer rows.Close()

	var out []*PendingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审批行失败")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审批结果失败")
	}
	return out, nil
}

// Approve 裁决通过；仅对未解决的审批生效。
func (s *MySQLApprovalStore) Approve(ctx context.Context, id, actor string) error {
	return s.resolve(ctx, id,
		`UPDATE pending_approvals SET approved_at = ?, approved_by = ?
         WHERE id = ? AND `+approvalUnresolved,
		time.Now().Unix(), actor, id)
}

// Reject 裁决拒绝；仅对未解决的审批生效。
func (s *MySQLApprovalStore) Reject(ctx context.Context, id, actor, reason string) error {
	return s.resolve(ctx, id,
		`UPDATE pending_approvals SET rejected_at = ?, rejected_by = ?, reason = ?
         WHERE id = ? AND `+approvalUnresolved,
		time.Now().Unix(), actor, reason, id)
}

// Expire 标记审批超期；仅对未解决的审批生效。
func (s *MySQLApprovalStore) Expire(ctx context.Context, id string) error {
	return s.resolve(ctx, id,
		`UPDATE pending_approvals SET expired_at = ?
         WHERE id = ? AND `+approvalUnresolved,
		time.Now().Unix(), id)
}

func (s *MySQLApprovalStore) resolve(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁决审批失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrApprovalResolved
	}
	return nil
}

// Close 由连接的创建方负责关闭底层数据库。
func (s *MySQLApprovalStore) Close() error {
	return nil
}

var _ ApprovalStore = (*MySQLApprovalStore)(nil)
