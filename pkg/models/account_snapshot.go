package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// AccountSnapshot 账户余额快照
// 每个 (区块高度, 账户) 最多一条，创建后不再修改
type AccountSnapshot struct {
	ID              string       `json:"id"`                // "<区块高度>-<账户>"
	AccountID       string       `json:"account_id"`        // 账户地址
	SnapshotAtBlock uint64       `json:"snapshot_at_block"` // 快照对应的区块高度
	FreeBalance     *uint256.Int `json:"free_balance"`      // 可用余额
	ReserveBalance  *uint256.Int `json:"reserve_balance"`   // 保留余额
	TotalBalance    *uint256.Int `json:"total_balance"`     // 总余额 = 可用 + 保留
	Timestamp       time.Time    `json:"timestamp"`         // 区块时间戳
}

// AccountInfo 某一时刻链上账户余额状态
type AccountInfo struct {
	Free     *uint256.Int `json:"free"`
	Reserved *uint256.Int `json:"reserved"`
}

// SnapshotID 生成快照ID
func SnapshotID(blockNumber uint64, accountID string) string {
	return fmt.Sprintf("%d-%s", blockNumber, accountID)
}

// ParseSnapshotID 解析快照ID，返回区块高度和账户
func ParseSnapshotID(id string) (uint64, string, error) {
	idx := strings.IndexByte(id, '-')
	if idx <= 0 || idx == len(id)-1 {
		return 0, "", fmt.Errorf("无效的快照ID: %s", id)
	}

	blockNumber, err := strconv.ParseUint(id[:idx], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("无效的快照ID区块高度 %q: %w", id, err)
	}

	return blockNumber, id[idx+1:], nil
}

// NewAccountSnapshot 根据账户状态构建快照
// info 为 nil 时表示链上没有该账户记录，余额全部按0处理
func NewAccountSnapshot(blockNumber uint64, accountID string, info *AccountInfo, timestamp time.Time) (*AccountSnapshot, error) {
	free := uint256.NewInt(0)
	reserved := uint256.NewInt(0)
	if info != nil {
		if info.Free != nil {
			free = info.Free.Clone()
		}
		if info.Reserved != nil {
			reserved = info.Reserved.Clone()
		}
	}

	total, overflow := new(uint256.Int).AddOverflow(free, reserved)
	if overflow {
		return nil, fmt.Errorf("账户 %s 总余额溢出", accountID)
	}

	return &AccountSnapshot{
		ID:              SnapshotID(blockNumber, accountID),
		AccountID:       accountID,
		SnapshotAtBlock: blockNumber,
		FreeBalance:     free,
		ReserveBalance:  reserved,
		TotalBalance:    total,
		Timestamp:       timestamp,
	}, nil
}

// Validate 校验快照字段的一致性
func (s *AccountSnapshot) Validate() error {
	if s.AccountID == "" {
		return fmt.Errorf("快照缺少账户")
	}
	if s.ID != SnapshotID(s.SnapshotAtBlock, s.AccountID) {
		return fmt.Errorf("快照ID %s 与区块 %d 账户 %s 不匹配", s.ID, s.SnapshotAtBlock, s.AccountID)
	}
	if s.FreeBalance == nil || s.ReserveBalance == nil || s.TotalBalance == nil {
		return fmt.Errorf("快照 %s 余额字段为空", s.ID)
	}

	expected, overflow := new(uint256.Int).AddOverflow(s.FreeBalance, s.ReserveBalance)
	if overflow || !expected.Eq(s.TotalBalance) {
		return fmt.Errorf("快照 %s 总余额 %s 不等于 %s + %s",
			s.ID, s.TotalBalance.Dec(), s.FreeBalance.Dec(), s.ReserveBalance.Dec())
	}

	return nil
}

// ToKafkaMessage 转换为Kafka消息格式
func (s *AccountSnapshot) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"id":                s.ID,
		"account_id":        s.AccountID,
		"snapshot_at_block": s.SnapshotAtBlock,
		"free_balance":      s.FreeBalance.Dec(),
		"reserve_balance":   s.ReserveBalance.Dec(),
		"total_balance":     s.TotalBalance.Dec(),
		"timestamp":         s.Timestamp.Unix(),
	}
}
