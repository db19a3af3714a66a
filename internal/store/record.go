package store

import (
	"encoding/json"
	"fmt"
	"time"

	"snapshotter/pkg/models"

	"github.com/holiman/uint256"
)

// record 快照的持久化格式，余额使用十进制字符串
type record struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	SnapshotAtBlock uint64    `json:"snapshot_at_block"`
	FreeBalance     string    `json:"free_balance"`
	ReserveBalance  string    `json:"reserve_balance"`
	TotalBalance    string    `json:"total_balance"`
	Timestamp       time.Time `json:"timestamp"`
}

func encodeSnapshot(s *models.AccountSnapshot) ([]byte, error) {
	return json.Marshal(&record{
		ID:              s.ID,
		AccountID:       s.AccountID,
		SnapshotAtBlock: s.SnapshotAtBlock,
		FreeBalance:     s.FreeBalance.Dec(),
		ReserveBalance:  s.ReserveBalance.Dec(),
		TotalBalance:    s.TotalBalance.Dec(),
		Timestamp:       s.Timestamp.UTC(),
	})
}

func decodeSnapshot(data []byte) (*models.AccountSnapshot, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("解析快照失败: %w", err)
	}
	return r.toSnapshot()
}

func (r *record) toSnapshot() (*models.AccountSnapshot, error) {
	free, err := uint256.FromDecimal(r.FreeBalance)
	if err != nil {
		return nil, fmt.Errorf("快照 %s 可用余额无效: %w", r.ID, err)
	}
	reserved, err := uint256.FromDecimal(r.ReserveBalance)
	if err != nil {
		return nil, fmt.Errorf("快照 %s 保留余额无效: %w", r.ID, err)
	}
	total, err := uint256.FromDecimal(r.TotalBalance)
	if err != nil {
		return nil, fmt.Errorf("快照 %s 总余额无效: %w", r.ID, err)
	}

	return &models.AccountSnapshot{
		ID:              r.ID,
		AccountID:       r.AccountID,
		SnapshotAtBlock: r.SnapshotAtBlock,
		FreeBalance:     free,
		ReserveBalance:  reserved,
		TotalBalance:    total,
		Timestamp:       r.Timestamp,
	}, nil
}
