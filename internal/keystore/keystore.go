package keystore

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "AgentVault/internal/errors"

	gethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	CodeKeyNotFound xerrors.Code = "KEY_NOT_FOUND"
	CodeKeyDecrypt  xerrors.Code = "KEY_DECRYPT_FAILED"
)

func init() {
	xerrors.Register(CodeKeyNotFound, xerrors.Attributes{
		Message:   "signing key not found",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeKeyDecrypt, xerrors.Attributes{
		Message:   "signing key decryption failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Material 包装一把解密后的签名私钥。
// 使用方必须在签名步骤结束后无条件调用 Release，无论成功与否。
type Material struct {
	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

// Key 返回底层私钥；Release 之后返回 nil。
func (m *Material) Key() *ecdsa.PrivateKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Release 清零并丢弃私钥标量，幂等。
func (m *Material) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return
	}
	m.key.D.SetInt64(0)
	m.key = nil
}

// Store 抽象签名私钥的解密接口。
type Store interface {
	// DecryptPrivateKey 解密指定钱包的签名私钥。
	DecryptPrivateKey(ctx context.Context, walletID string) (*Material, error)
}

// FileStore 从磁盘上的 go-ethereum keystore JSON 文件解密私钥，
// 文件按 <dir>/<walletID>.json 存放，口令由进程统一持有。
type FileStore struct {
	dir        string
	passphrase string
}

// NewFileStore 创建 FileStore。
func NewFileStore(dir, passphrase string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore 目录不能为空")
	}
	return &FileStore{dir: dir, passphrase: passphrase}, nil
}

// DecryptPrivateKey 实现 Store 接口。
func (s *FileStore) DecryptPrivateKey(_ context.Context, walletID string) (*Material, error) {
	if strings.TrimSpace(walletID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	path := filepath.Join(s.dir, walletID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(CodeKeyNotFound, "钱包 "+walletID+" 没有托管私钥")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取密钥文件失败")
	}

	key, err := gethkeystore.DecryptKey(raw, s.passphrase)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyDecrypt, err, "解密钱包 "+walletID+" 的私钥失败")
	}
	return &Material{key: key.PrivateKey}, nil
}

// MemoryStore 在内存中保存明文私钥，仅用于测试。
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*ecdsa.PrivateKey)}
}

// Put 登记一把私钥。
func (s *MemoryStore) Put(walletID string, key *ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[walletID] = key
}

// Generate 生成并登记一把新私钥，返回其地址。
func (s *MemoryStore) Generate(walletID string) (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "生成私钥失败")
	}
	s.Put(walletID, key)
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// DecryptPrivateKey 实现 Store 接口。
func (s *MemoryStore) DecryptPrivateKey(_ context.Context, walletID string) (*Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[walletID]
	if !ok {
		return nil, xerrors.New(CodeKeyNotFound, "钱包 "+walletID+" 没有托管私钥")
	}
	// 拷贝一份标量，Release 的清零不影响登记的原钥。
	clone := *key
	clone.D = new(big.Int).Set(key.D)
	return &Material{key: &clone}, nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
