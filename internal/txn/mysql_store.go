package txn

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/policy"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化交易记录。
//
// 所有状态迁移通过条件更新（WHERE id = ? AND status IN (...)）完成，
// 数据库层面保证终态不可变：终态行不匹配任何迁移守卫。
// reserved_amount 使用 DECIMAL(65,0) NULL，让 SumReserved 成为纯 SQL 聚合。
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

const txColumns = `id, wallet_id, session_id, kind, chain, destination, token_address,
    amount, data, status, tier, reserved_amount, tx_hash, last_error,
    created_at, queued_at, executed_at, confirmed_at, updated_at`

func scanTx(row interface{ Scan(...any) error }) (*Transaction, error) {
	var tx Transaction
	var tier, reserved, txHash, lastError, tokenAddr, data, sessionID sql.NullString
	if err := row.Scan(
		&tx.ID,
		&tx.WalletID,
		&sessionID,
		&tx.Kind,
		&tx.Chain,
		&tx.Destination,
		&tokenAddr,
		&tx.Amount,
		&data,
		&tx.Status,
		&tier,
		&reserved,
		&txHash,
		&lastError,
		&tx.CreatedAt,
		&tx.QueuedAt,
		&tx.ExecutedAt,
		&tx.ConfirmedAt,
		&tx.UpdatedAt,
	); err != nil {
		return nil, err
	}
	tx.SessionID = sessionID.String
	tx.TokenAddress = tokenAddr.String
	tx.Data = data.String
	tx.Tier = policy.Tier(tier.String)
	tx.ReservedAmount = reserved.String
	tx.TxHash = txHash.String
	tx.LastError = lastError.String
	return &tx, nil
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// Create 写入一笔新交易。
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.ID) == "" || strings.TrimSpace(tx.WalletID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 与钱包 ID 不能为空")
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	tx.Touch(time.Now())

	const stmt = `INSERT INTO transactions
        (id, wallet_id, session_id, kind, chain, destination, token_address,
         amount, data, status, tier, reserved_amount, tx_hash, last_error,
         created_at, queued_at, executed_at, confirmed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, 0, 0, 0, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.WalletID,
		nullable(tx.SessionID),
		string(tx.Kind),
		tx.Chain,
		tx.Destination,
		nullable(tx.TokenAddress),
		tx.Amount,
		nullable(tx.Data),
		string(tx.Status),
		nullable(string(tx.Tier)),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(CodeTxConflict, "交易已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// Get 返回指定交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTx(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTxNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

// List 返回指定钱包的交易，按创建时间倒序；walletID 为空时返回全部。
func (s *MySQLStore) List(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions`
	args := []any{}
	if walletID != "" {
		query += ` WHERE wallet_id = ?`
		args = append(args, walletID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取交易行失败")
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易结果失败")
	}
	return out, nil
}

// Stats 聚合按状态的交易计数与在途预留总额。
func (s *MySQLStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易失败")
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[Status]int64)}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计行失败")
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	stats.Confirmed = stats.ByStatus[StatusConfirmed]
	stats.Failed = stats.ByStatus[StatusFailed]

	var reserved sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT CAST(COALESCE(SUM(reserved_amount), 0) AS CHAR) FROM transactions
         WHERE reserved_amount IS NOT NULL`).Scan(&reserved)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计预留总额失败")
	}
	stats.Reserved = reserved.String
	if stats.Reserved == "" {
		stats.Reserved = "0"
	}
	return stats, nil
}

// SetTier 持久化审批层级，终态行拒绝更新。
func (s *MySQLStore) SetTier(ctx context.Context, id string, tier policy.Tier) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET tier = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?, ?, ?)`,
		string(tier), time.Now().Unix(), id,
		string(StatusPending), string(StatusQueued), string(StatusExecuting), string(StatusSubmitted))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批层级失败")
	}
	return s.explainZeroRows(ctx, res, id, nil)
}

// Transition 以 CAS 方式迁移状态：守卫要求当前状态等于 from。
func (s *MySQLStore) Transition(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return xerrors.New(CodeTxConflict,
			"不允许的状态迁移: "+string(from)+" → "+string(to))
	}
	now := time.Now().Unix()

	var query string
	args := []any{string(to), now}
	switch {
	case to == StatusQueued:
		query = `UPDATE transactions SET status = ?, updated_at = ?, queued_at = ?
                 WHERE id = ? AND status = ?`
		args = append(args, now)
	case to == StatusExecuting:
		query = `UPDATE transactions SET status = ?, updated_at = ?, executed_at = ?
                 WHERE id = ? AND status = ?`
		args = append(args, now)
	case IsTerminal(to):
		query = `UPDATE transactions SET status = ?, updated_at = ?, reserved_amount = NULL
                 WHERE id = ? AND status = ?`
	default:
		query = `UPDATE transactions SET status = ?, updated_at = ?
                 WHERE id = ? AND status = ?`
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "迁移交易状态失败")
	}
	return s.explainZeroRows(ctx, res, id, &from)
}

// SetSubmitted 记录交易哈希并迁移 EXECUTING → SUBMITTED。
func (s *MySQLStore) SetSubmitted(ctx context.Context, id, txHash string) error {
	from := StatusExecuting
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ?, tx_hash = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(StatusSubmitted), txHash, time.Now().Unix(), id, string(from))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录交易哈希失败")
	}
	return s.explainZeroRows(ctx, res, id, &from)
}

// MarkConfirmed 迁移到 CONFIRMED，记录确认时间并清除预留。
func (s *MySQLStore) MarkConfirmed(ctx context.Context, id string) error {
	now := time.Now().Unix()
	return s.markTerminal(ctx, id, StatusConfirmed,
		`UPDATE transactions
         SET status = ?, confirmed_at = ?, reserved_amount = NULL, updated_at = ?
         WHERE id = ? AND status IN `,
		[]any{string(StatusConfirmed), now, now, id})
}

// MarkFailed 迁移到 FAILED，记录错误文本并清除预留。
func (s *MySQLStore) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().Unix()
	return s.markTerminal(ctx, id, StatusFailed,
		`UPDATE transactions
         SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
         WHERE id = ? AND status IN `,
		[]any{string(StatusFailed), reason, now, id})
}

// Cancel 把任意非终态交易迁移到 CANCELLED 并清除预留。
func (s *MySQLStore) Cancel(ctx context.Context, id, reason string) error {
	now := time.Now().Unix()
	return s.markTerminal(ctx, id, StatusCancelled,
		`UPDATE transactions
         SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
         WHERE id = ? AND status IN `,
		[]any{string(StatusCancelled), reason, now, id})
}

// MarkExpired 迁移到 EXPIRED 并清除预留。
func (s *MySQLStore) MarkExpired(ctx context.Context, id, reason string) error {
	now := time.Now().Unix()
	return s.markTerminal(ctx, id, StatusExpired,
		`UPDATE transactions
         SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
         WHERE id = ? AND status IN `,
		[]any{string(StatusExpired), reason, now, id})
}

// MarkPartialFailure 记录批量交易的部分成功结果并清除预留。
func (s *MySQLStore) MarkPartialFailure(ctx context.Context, id, reason string) error {
	now := time.Now().Unix()
	return s.markTerminal(ctx, id, StatusPartialFailure,
		`UPDATE transactions
         SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
         WHERE id = ? AND status IN `,
		[]any{string(StatusPartialFailure), reason, now, id})
}

// CancelActive 取消全部 PENDING/QUEUED/EXECUTING 交易。
func (s *MySQLStore) CancelActive(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions
         SET status = ?, last_error = ?, reserved_amount = NULL, updated_at = ?
         WHERE status IN (?, ?, ?)`,
		string(StatusCancelled), reason, time.Now().Unix(),
		string(StatusPending), string(StatusQueued), string(StatusExecuting))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量取消交易失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(rows), nil
}

// SumReserved 统计指定钱包所有非终态交易的预留总额。
func (s *MySQLStore) SumReserved(ctx context.Context, walletID string) (*big.Int, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT CAST(COALESCE(SUM(reserved_amount), 0) AS CHAR) FROM transactions
         WHERE wallet_id = ? AND reserved_amount IS NOT NULL
           AND status IN (?, ?, ?, ?)`,
		walletID,
		string(StatusPending), string(StatusQueued),
		string(StatusExecuting), string(StatusSubmitted)).Scan(&raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计预留额度失败")
	}
	sum, ok := new(big.Int).SetString(raw.String, 10)
	if !ok {
		sum = new(big.Int)
	}
	return sum, nil
}

// Reserve 在交易上写入预留额度，终态行拒绝更新。
func (s *MySQLStore) Reserve(ctx context.Context, txID string, amount *big.Int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET reserved_amount = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?, ?, ?)`,
		amount.String(), time.Now().Unix(), txID,
		string(StatusPending), string(StatusQueued),
		string(StatusExecuting), string(StatusSubmitted))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入预留额度失败")
	}
	return s.explainZeroRows(ctx, res, txID, nil)
}

// ClearReservation 清除交易的预留额度。
func (s *MySQLStore) ClearReservation(ctx context.Context, txID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET reserved_amount = NULL, updated_at = ?
         WHERE id = ? AND reserved_amount IS NOT NULL`,
		time.Now().Unix(), txID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除预留额度失败")
	}
	return nil
}

// Close 由连接的创建方负责关闭底层数据库。
func (s *MySQLStore) Close() error {
	return nil
}

// markTerminal 执行带状态守卫的终态迁移；守卫集合来自状态机允许的来源状态。
func (s *MySQLStore) markTerminal(ctx context.Context, id string, to Status, prefix string, args []any) error {
	sources := transitionSources(to)
	placeholders := make([]string, len(sources))
	for i, src := range sources {
		placeholders[i] = "?"
		args = append(args, string(src))
	}
	query := prefix + "(" + strings.Join(placeholders, ", ") + ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "终态迁移失败")
	}
	return s.explainZeroRows(ctx, res, id, nil)
}

// explainZeroRows 把零行更新解释为具体错误：不存在、已终态或状态不匹配。
func (s *MySQLStore) explainZeroRows(ctx context.Context, res sql.Result, id string, expectedFrom *Status) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return nil
	}
	tx, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Terminal() {
		return ErrTxTerminal
	}
	if expectedFrom != nil {
		return xerrors.New(CodeTxConflict,
			"状态不匹配: 期望 "+string(*expectedFrom)+"，当前 "+string(tx.Status))
	}
	return xerrors.New(CodeTxConflict, "交易状态不满足更新条件: "+string(tx.Status))
}

var _ Store = (*MySQLStore)(nil)
