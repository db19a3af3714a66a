package snapshot

import (
	"context"
	"fmt"

	"snapshotter/internal/decoder"
	"snapshotter/internal/extractor"
	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
)

// BlockResult 单个区块的处理结果
type BlockResult struct {
	BlockNumber     uint64
	Snapshots       []*models.AccountSnapshot // 本次新建的快照，按去重顺序
	Accounts        []string                  // 去重后的受影响账户
	EventsSeen      int
	BalanceEvents   int
	SkippedExisting int
	MethodCounts    map[string]int // 已识别方法的事件数
}

// Processor 区块处理入口：分类 → 解码 → 提取 → 去重 → 物化
type Processor struct {
	materializer *Materializer
	logger       *logrus.Logger
}

// NewProcessor 创建区块处理器
func NewProcessor(querier StateQuerier, store Store, logger *logrus.Logger) *Processor {
	return &Processor{
		materializer: NewMaterializer(querier, store),
		logger:       logger,
	}
}

// ProcessBlock 处理一个区块，返回新建的快照
// 区块内事件严格按顺序处理；事件参数格式错误时整个区块失败
// 物化中途失败时同时返回部分结果和错误
func (p *Processor) ProcessBlock(ctx context.Context, block *models.Block) (*BlockResult, error) {
	if block == nil {
		return nil, fmt.Errorf("区块为空")
	}

	result := &BlockResult{
		BlockNumber:  block.Number,
		EventsSeen:   len(block.Events),
		MethodCounts: make(map[string]int),
	}

	accounts := extractor.NewAccountSet()

	for _, event := range block.Events {
		if !extractor.IsBalanceEvent(event) {
			continue
		}
		result.BalanceEvents++

		p.logger.WithFields(logrus.Fields{
			"block_number": block.Number,
			"event_type":   event.EventType(),
			"payload":      event.Data,
		}).Info("余额事件")

		extract, ok := extractor.Classify(event.Section, event.Method)
		if !ok {
			continue
		}

		payload, err := decoder.Decode(event.Method, event.Data)
		if err != nil {
			return nil, fmt.Errorf("区块 %d 事件 %s 解码失败: %w", block.Number, event.EventType(), err)
		}

		result.MethodCounts[event.Method]++
		accounts.Add(extract(payload)...)
	}

	result.Accounts = accounts.List()
	if accounts.Len() == 0 {
		return result, nil
	}

	materialized, err := p.materializer.Materialize(ctx, block.Number, block.Timestamp, result.Accounts)
	result.Snapshots = materialized.Created
	result.SkippedExisting = materialized.Skipped
	if err != nil {
		// 失败前已写入的快照随结果返回，调用方仍需发布它们
		return result, fmt.Errorf("区块 %d 生成快照失败: %w", block.Number, err)
	}

	p.logger.WithFields(logrus.Fields{
		"block_number": block.Number,
		"accounts":     len(result.Accounts),
		"created":      len(result.Snapshots),
		"skipped":      result.SkippedExisting,
	}).Debug("区块快照完成")

	return result, nil
}
