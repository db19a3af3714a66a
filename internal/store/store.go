package store

import (
	"context"
	"fmt"

	"snapshotter/internal/config"
	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
)

// Store 快照存储
// 快照只追加不修改：Save 仅在ID不存在时写入
type Store interface {
	// Get 按ID读取快照，不存在时返回 (nil, nil)
	Get(ctx context.Context, id string) (*models.AccountSnapshot, error)
	// Save 写入快照，ID已存在时不覆盖并返回 false
	Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error)
	// ListByAccount 按区块高度倒序返回账户的快照
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AccountSnapshot, error)
	// Count 快照总数
	Count(ctx context.Context) (int64, error)
	Close() error
}

// DefaultListLimit 未指定数量时的默认返回条数
const DefaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// New 根据配置创建存储
func New(ctx context.Context, cfg *config.StoreConfig, logger *logrus.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("存储配置为空")
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "bolt":
		if cfg.Bolt == nil {
			return nil, fmt.Errorf("缺少bolt存储配置")
		}
		return NewBoltStore(cfg.Bolt.Path, logger)
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("缺少postgres存储配置")
		}
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("缺少redis存储配置")
		}
		return NewRedisStore(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
}
