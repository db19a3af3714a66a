package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	snaperrors "snapshotter/internal/errors"
	"snapshotter/pkg/models"
)

// StateQuerier 查询账户当前链上余额状态
// 账户不存在时返回 (nil, nil)
type StateQuerier interface {
	AccountInfo(ctx context.Context, accountID string) (*models.AccountInfo, error)
}

// Store 快照持久化接口
// Get 找不到时返回 (nil, nil)；Save 只在ID不存在时写入，返回是否真正写入
type Store interface {
	Get(ctx context.Context, id string) (*models.AccountSnapshot, error)
	Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error)
}

// MaterializeResult 一次物化的结果
type MaterializeResult struct {
	Created []*models.AccountSnapshot
	Skipped int // 已存在而跳过的快照数
}

// Materializer 为去重后的账户逐个生成快照
type Materializer struct {
	querier StateQuerier
	store   Store
}

// NewMaterializer 创建快照物化器
func NewMaterializer(querier StateQuerier, store Store) *Materializer {
	return &Materializer{querier: querier, store: store}
}

// Materialize 按顺序处理账户，一个账户的查询和写入完成后才处理下一个
// 查询或存储失败立即返回，已写入的快照保留，整块重试时会被跳过
func (m *Materializer) Materialize(ctx context.Context, blockNumber uint64, timestamp time.Time, accounts []string) (*MaterializeResult, error) {
	result := &MaterializeResult{Created: make([]*models.AccountSnapshot, 0, len(accounts))}

	for _, account := range accounts {
		snapshot, created, err := m.materializeAccount(ctx, blockNumber, timestamp, account)
		if created {
			// 写入成功但附带错误时快照已落盘，仍需随结果发布
			result.Created = append(result.Created, snapshot)
		}
		if err != nil {
			return result, err
		}
		if !created {
			result.Skipped++
		}
	}

	return result, nil
}

func (m *Materializer) materializeAccount(ctx context.Context, blockNumber uint64, timestamp time.Time, account string) (*models.AccountSnapshot, bool, error) {
	info, err := m.querier.AccountInfo(ctx, account)
	if err != nil {
		// 查询器已判定为不可重试的错误（如账户标识无效）保留原分类
		var classified *snaperrors.SnapshotError
		if errors.As(err, &classified) && !classified.IsRetryable() {
			return nil, false, classified.
				WithBlockNumber(blockNumber).
				WithAccount(account).
				WithComponent("materializer")
		}
		return nil, false, snaperrors.WrapError(err, snaperrors.ErrorTypeStateQuery, snaperrors.SeverityHigh,
			"STATE_QUERY_FAILED", "查询链上账户状态失败").
			WithBlockNumber(blockNumber).
			WithAccount(account).
			WithComponent("materializer")
	}

	snapshot, err := models.NewAccountSnapshot(blockNumber, account, info, timestamp)
	if err != nil {
		return nil, false, snaperrors.WrapError(err, snaperrors.ErrorTypeValidation, snaperrors.SeverityHigh,
			"BALANCE_OVERFLOW", "账户余额无效").
			WithBlockNumber(blockNumber).
			WithAccount(account)
	}

	existing, err := m.store.Get(ctx, snapshot.ID)
	if err != nil {
		return nil, false, storeError(err, "读取快照失败", blockNumber, account)
	}
	if existing != nil {
		return existing, false, nil
	}

	created, err := m.store.Save(ctx, snapshot)
	if err != nil {
		return snapshot, created, storeError(err, fmt.Sprintf("保存快照 %s 失败", snapshot.ID), blockNumber, account)
	}

	return snapshot, created, nil
}

func storeError(err error, message string, blockNumber uint64, account string) *snaperrors.SnapshotError {
	return snaperrors.WrapError(err, snaperrors.ErrorTypeStore, snaperrors.SeverityHigh, "STORE_FAILED", message).
		WithBlockNumber(blockNumber).
		WithAccount(account).
		WithComponent("materializer")
}
