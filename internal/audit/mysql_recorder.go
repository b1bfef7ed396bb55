package audit

import (
	"context"
	"database/sql"

	xerrors "AgentVault/internal/errors"
)

// MySQLRecorder 把审计条目写入 MySQL 的只追加表。
type MySQLRecorder struct {
	db *sql.DB
}

// NewMySQLRecorder 基于已建立的数据库连接创建 MySQLRecorder。
func NewMySQLRecorder(db *sql.DB) (*MySQLRecorder, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLRecorder{db: db}, nil
}

// Record 实现 Recorder 接口。
func (r *MySQLRecorder) Record(ctx context.Context, e Entry) error {
	prepare(&e)
	emit(&e)

	details, err := marshalDetails(e.Details)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO audit_log
        (id, actor, event, severity, wallet_id, tx_id, details, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var detailsArg any
	if details != "" {
		detailsArg = details
	}
	var walletArg, txArg any
	if e.WalletID != "" {
		walletArg = e.WalletID
	}
	if e.TxID != "" {
		txArg = e.TxID
	}

	if _, err := r.db.ExecContext(ctx, stmt,
		e.ID, e.Actor, e.Event, string(e.Severity),
		walletArg, txArg, detailsArg, e.CreatedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计日志失败")
	}
	return nil
}

// Close 由连接的创建方负责关闭底层数据库。
func (r *MySQLRecorder) Close() error {
	return nil
}

var _ Recorder = (*MySQLRecorder)(nil)
