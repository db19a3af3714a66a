package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// BalanceCategory 余额相关事件所属的模块名
const BalanceCategory = "balances"

// Block 区块数据模型（由上游解码器提供的已解码区块）
type Block struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Events    []*Event  `json:"events"`
}

// Event 已解码的链上事件
type Event struct {
	Section string        `json:"section"` // 事件类别，例如 "balances"
	Method  string        `json:"method"`  // 事件方法名，例如 "Transfer"
	Data    []interface{} `json:"data"`    // 按位置排列的事件参数
}

// EventType 返回 "section/method" 形式的事件类型
func (e *Event) EventType() string {
	return fmt.Sprintf("%s/%s", e.Section, e.Method)
}

// IsBalanceEvent 判断事件是否属于余额模块
func (e *Event) IsBalanceEvent() bool {
	return e != nil && e.Section == BalanceCategory
}

// DecodeBlock 从JSON解码区块
// 使用 UseNumber 保证金额字段不会因为 float64 丢失精度
func DecodeBlock(data []byte) (*Block, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var block Block
	if err := dec.Decode(&block); err != nil {
		return nil, fmt.Errorf("解析区块数据失败: %w", err)
	}

	return &block, nil
}
