package source

import (
	"context"
	"fmt"

	"snapshotter/internal/config"
	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
)

// Handler 处理一个区块，返回错误时来源停止投递
type Handler func(ctx context.Context, block *models.Block) error

// Source 已解码区块的来源
// Run 按来源顺序逐个投递区块，直到来源结束、ctx 取消或 handler 返回错误
type Source interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}

// Range 区块高度范围，End 为0表示不限制
type Range struct {
	Start uint64
	End   uint64
}

// Contains 区块是否在范围内
func (r Range) Contains(blockNumber uint64) bool {
	if blockNumber < r.Start {
		return false
	}
	return r.End == 0 || blockNumber <= r.End
}

// New 根据配置创建区块来源
func New(cfg *config.SourceConfig, rng Range, logger *logrus.Logger) (Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("区块来源配置为空")
	}

	switch cfg.Type {
	case "file":
		return NewFileSource(cfg.Path, rng, logger), nil
	case "kafka":
		return NewKafkaSource(cfg.Kafka, rng, logger)
	default:
		return nil, fmt.Errorf("不支持的区块来源: %s", cfg.Type)
	}
}
