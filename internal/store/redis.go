package store

import (
	"context"
	"fmt"

	"snapshotter/internal/config"
	"snapshotter/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultRedisPoolSize = 20

// RedisStore 基于Redis的快照存储
// 快照以 <prefix>:id:<id> 保存，SETNX 保证不覆盖，与索引在同一脚本内原子写入；
// 每个账户一个有序集合 <prefix>:account:<account>，分值为区块高度
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

// NewRedisStore 连接Redis
func NewRedisStore(ctx context.Context, cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultRedisPoolSize
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "snapshot"
	}

	logger.Infof("已连接Redis快照存储: %s", cfg.Addr)
	return NewRedisStoreWithClient(client, prefix, logger), nil
}

// NewRedisStoreWithClient 使用已有客户端创建存储
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *logrus.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// saveScript 在一个脚本内完成 SETNX、账户索引和计数，记录与索引不会只写一半
// KEYS: 记录键, 账户有序集合, 计数键  ARGV: 记录, 区块高度, 快照ID
var saveScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
redis.call("INCR", KEYS[3])
return 1
`)

func (s *RedisStore) idKey(id string) string {
	return fmt.Sprintf("%s:id:%s", s.prefix, id)
}

func (s *RedisStore) accountKey(accountID string) string {
	return fmt.Sprintf("%s:account:%s", s.prefix, accountID)
}

func (s *RedisStore) countKey() string {
	return s.prefix + ":count"
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.AccountSnapshot, error) {
	data, err := s.client.Get(ctx, s.idKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取快照 %s 失败: %w", id, err)
	}
	return decodeSnapshot(data)
}

func (s *RedisStore) Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error) {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return false, fmt.Errorf("序列化快照失败: %w", err)
	}

	keys := []string{s.idKey(snapshot.ID), s.accountKey(snapshot.AccountID), s.countKey()}
	created, err := saveScript.Run(ctx, s.client, keys, data, snapshot.SnapshotAtBlock, snapshot.ID).Int()
	if err != nil {
		return false, fmt.Errorf("写入快照 %s 失败: %w", snapshot.ID, err)
	}
	return created == 1, nil
}

func (s *RedisStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AccountSnapshot, error) {
	ids, err := s.client.ZRevRange(ctx, s.accountKey(accountID), 0, int64(normalizeLimit(limit)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("查询账户快照索引失败: %w", err)
	}

	result := make([]*models.AccountSnapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			result = append(result, snapshot)
		}
	}
	return result, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	count, err := s.client.Get(ctx, s.countKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("统计快照失败: %w", err)
	}
	return count, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
