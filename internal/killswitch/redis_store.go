package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述紧急开关状态在 Redis 中的存放位置。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisStore 把快照以 JSON 形式存放在单个 Redis key 上，
// 供多实例部署共享同一份开关状态。
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore 连接 Redis 并创建 RedisStore。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "vault:killswitch"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// newRedisStoreWithClient 直接复用已有连接，测试用。
func newRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Load 读取快照；key 不存在时返回初始的 ACTIVE 状态。
func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return Snapshot{State: StateActive}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("读取紧急开关状态失败: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("紧急开关状态无法解析: %w", err)
	}
	return snap, nil
}

// Save 覆盖快照，不设过期时间。
func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化紧急开关状态失败: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("写入紧急开关状态失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
