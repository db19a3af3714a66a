package progress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	DefaultDBPath = "./data/progress.db"

	progressBucket = "progress"
	blocksBucket   = "blocks" // 已处理区块高度，key 为大端序高度
	stateKey       = "state"
)

func heightKey(blockNumber uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, blockNumber)
	return key
}

// ProgressInfo 快照进度
type ProgressInfo struct {
	LastProcessedBlock uint64    `json:"last_processed_block"`
	HasProcessed       bool      `json:"has_processed"` // 区块0也可能是最后处理的区块
	StartTime          time.Time `json:"start_time"`
	LastUpdateTime     time.Time `json:"last_update_time"`
	TotalBlocks        uint64    `json:"total_blocks"`
	TotalSnapshots     uint64    `json:"total_snapshots"`
	TotalSkipped       uint64    `json:"total_skipped"` // 已存在而未重复创建的快照
	ProcessingRate     float64   `json:"-"`             // 区块/秒，读取时计算
}

func (p *ProgressInfo) rate() float64 {
	elapsed := p.LastUpdateTime.Sub(p.StartTime).Seconds()
	if p.TotalBlocks == 0 || elapsed <= 0 {
		return 0
	}
	return float64(p.TotalBlocks) / elapsed
}

// Manager 基于 bbolt 的进度管理器
// 汇总进度以 JSON 存在单个键下，每个处理完成的区块高度单独记录
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string

	mu    sync.RWMutex
	state ProgressInfo
}

// NewManager 打开或创建进度数据库
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开进度数据库失败: %w", err)
	}

	m := &Manager{db: db, logger: logger, dbPath: dbPath}
	if err := m.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("读取进度失败: %w", err)
	}

	if m.state.HasProcessed {
		logger.Infof("进度管理器已初始化: %s，上次处理到区块 %d", dbPath, m.state.LastProcessedBlock)
	} else {
		logger.Infof("进度管理器已初始化: %s，尚无进度", dbPath)
	}
	return m, nil
}

func (m *Manager) load() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(blocksBucket)); err != nil {
			return err
		}
		bucket, err := tx.CreateBucketIfNotExists([]byte(progressBucket))
		if err != nil {
			return err
		}
		data := bucket.Get([]byte(stateKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &m.state)
	})
}

// persist 写入汇总进度，processed 非空时同一事务内记录该区块高度
func (m *Manager) persist(state ProgressInfo, processed *uint64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(progressBucket))
		if err != nil {
			return err
		}
		if processed != nil {
			blocks, err := tx.CreateBucketIfNotExists([]byte(blocksBucket))
			if err != nil {
				return err
			}
			if err := blocks.Put(heightKey(*processed), []byte{1}); err != nil {
				return err
			}
		}
		return bucket.Put([]byte(stateKey), data)
	})
}

// GetLastProcessedBlock 第二个返回值表示是否处理过区块
func (m *Manager) GetLastProcessedBlock() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LastProcessedBlock, m.state.HasProcessed
}

// IsProcessed 该高度的区块是否已处理完成
// 按高度精确判断，低于最大已处理高度但未处理过的区块返回 false
func (m *Manager) IsProcessed(blockNumber uint64) bool {
	var processed bool
	err := m.db.View(func(tx *bolt.Tx) error {
		if blocks := tx.Bucket([]byte(blocksBucket)); blocks != nil {
			processed = blocks.Get(heightKey(blockNumber)) != nil
		}
		return nil
	})
	if err != nil {
		m.logger.Warnf("读取区块 %d 处理状态失败: %v", blockNumber, err)
		return false
	}
	return processed
}

// UpdateProgress 记录一个区块处理完成并立即落盘
func (m *Manager) UpdateProgress(blockNumber uint64, created, skipped int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.state.StartTime.IsZero() {
		m.state.StartTime = now
	}

	// 乱序到达的旧区块不回退进度
	if !m.state.HasProcessed || blockNumber > m.state.LastProcessedBlock {
		m.state.LastProcessedBlock = blockNumber
	}
	m.state.HasProcessed = true
	m.state.LastUpdateTime = now
	m.state.TotalBlocks++
	m.state.TotalSnapshots += uint64(created)
	m.state.TotalSkipped += uint64(skipped)

	if err := m.persist(m.state, &blockNumber); err != nil {
		return fmt.Errorf("保存区块 %d 进度失败: %w", blockNumber, err)
	}
	return nil
}

// GetProgress 进度副本
func (m *Manager) GetProgress() *ProgressInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := m.state
	info.ProcessingRate = info.rate()
	return &info
}

// Reset 清空进度，下次运行从配置的起始区块开始
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = ProgressInfo{}
	return m.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(blocksBucket)) != nil {
			if err := tx.DeleteBucket([]byte(blocksBucket)); err != nil {
				return err
			}
		}
		if _, err := tx.CreateBucket([]byte(blocksBucket)); err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(progressBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(stateKey))
	})
}

// SaveCheckpoint 停机前再次落盘当前进度
func (m *Manager) SaveCheckpoint() error {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	if !state.HasProcessed {
		return nil
	}
	if err := m.db.Sync(); err != nil {
		return err
	}
	return m.persist(state, nil)
}

func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// GetStats 用于命令行和API展示的进度
func (m *Manager) GetStats() map[string]interface{} {
	info := m.GetProgress()

	stats := map[string]interface{}{
		"last_processed_block": info.LastProcessedBlock,
		"has_processed":        info.HasProcessed,
		"total_blocks":         info.TotalBlocks,
		"total_snapshots":      info.TotalSnapshots,
		"total_skipped":        info.TotalSkipped,
		"processing_rate":      fmt.Sprintf("%.2f blocks/sec", info.ProcessingRate),
		"db_path":              m.dbPath,
	}
	if !info.StartTime.IsZero() {
		stats["start_time"] = info.StartTime.Format(time.RFC3339)
		stats["last_update_time"] = info.LastUpdateTime.Format(time.RFC3339)
	}

	return stats
}

func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	m.logger.Info("关闭进度管理器")
	return m.db.Close()
}
