package wallet

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录钱包状态。
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

// Create 插入新的钱包记录。
func (s *MySQLStore) Create(ctx context.Context, w *Wallet) error {
	if w == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "wallet 不能为空")
	}
	if strings.TrimSpace(w.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	if w.Status == "" {
		w.Status = StatusCreating
	}

	now := time.Now().Unix()
	w.CreatedAt = now
	w.UpdatedAt = now

	const stmt = `INSERT INTO wallets
        (id, name, chain, address, owner_address, owner_verified, status, suspended_reason, suspended_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		w.ID,
		w.Name,
		w.Chain,
		w.Address,
		w.OwnerAddress,
		w.OwnerVerified,
		w.Status,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWalletConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入钱包失败")
	}
	return nil
}

const walletColumns = `id, name, chain, address, owner_address, owner_verified, status, suspended_reason, suspended_at, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*Wallet, error) {
	var w Wallet
	if err := row.Scan(
		&w.ID,
		&w.Name,
		&w.Chain,
		&w.Address,
		&w.OwnerAddress,
		&w.OwnerVerified,
		&w.Status,
		&w.SuspendedReason,
		&w.SuspendedAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &w, nil
}

// Get 查询指定钱包。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	return w, nil
}

// List 返回最近创建的钱包。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]*Wallet, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包列表失败")
	}
	defer rows.Close()

	wallets := make([]*Wallet, 0, limit)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析钱包记录失败")
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历钱包失败")
	}
	return wallets, nil
}

// Transition 以 CAS 的方式迁移钱包状态。
func (s *MySQLStore) Transition(ctx context.Context, id string, to Status, reason string, from ...Status) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	matched := len(from) == 0
	for _, f := range from {
		if current.Status == f {
			matched = true
			break
		}
	}
	if !matched || !CanTransition(current.Status, to) {
		return ErrWalletConflict
	}

	now := time.Now().Unix()
	var res sql.Result
	switch to {
	case StatusSuspended:
		res, err = s.db.ExecContext(ctx,
			`UPDATE wallets SET status = ?, suspended_reason = ?, suspended_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, reason, now, now, id, current.Status)
	case StatusActive:
		res, err = s.db.ExecContext(ctx,
			`UPDATE wallets SET status = ?, suspended_reason = '', suspended_at = 0, updated_at = ? WHERE id = ? AND status = ?`,
			to, now, id, current.Status)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE wallets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, now, id, current.Status)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWalletConflict
	}
	return nil
}

// SuspendActive 暂停所有 ACTIVE 的钱包，保留已暂停钱包的原因。
func (s *MySQLStore) SuspendActive(ctx context.Context, reason string) (int, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET status = ?, suspended_reason = ?, suspended_at = ?, updated_at = ? WHERE status = ?`,
		StatusSuspended, reason, now, now, StatusActive)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量暂停钱包失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(rows), nil
}

// VerifiedOwners 返回所有已验证的所有者地址。
func (s *MySQLStore) VerifiedOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT owner_address FROM wallets WHERE owner_verified = TRUE AND owner_address <> '' ORDER BY owner_address`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已验证所有者失败")
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析所有者地址失败")
		}
		owners = append(owners, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历所有者地址失败")
	}
	return owners, nil
}

// Close 由连接的创建方负责关闭底层数据库。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
