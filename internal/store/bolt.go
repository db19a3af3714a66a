package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 存储桶名称
	SnapshotBucket     = "account_snapshots"
	AccountIndexBucket = "account_index"
)

// BoltStore 基于bbolt的本地快照存储
// account_index 下每个账户一个子桶，键为大端序区块高度，值为快照ID
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	path   string
}

// NewBoltStore 打开或创建bbolt快照库
func NewBoltStore(path string, logger *logrus.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开快照数据库失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(SnapshotBucket)); err != nil {
			return fmt.Errorf("创建快照存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(AccountIndexBucket)); err != nil {
			return fmt.Errorf("创建账户索引存储桶失败: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("快照存储已初始化，数据库路径: %s", path)
	return &BoltStore{db: db, logger: logger, path: path}, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (*models.AccountSnapshot, error) {
	var snapshot *models.AccountSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(SnapshotBucket)).Get([]byte(id))
		if data == nil {
			return nil
		}
		decoded, err := decodeSnapshot(data)
		if err != nil {
			return err
		}
		snapshot = decoded
		return nil
	})
	return snapshot, err
}

func (s *BoltStore) Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error) {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return false, fmt.Errorf("序列化快照失败: %w", err)
	}

	created := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(SnapshotBucket))
		if bucket.Get([]byte(snapshot.ID)) != nil {
			return nil
		}
		if err := bucket.Put([]byte(snapshot.ID), data); err != nil {
			return fmt.Errorf("保存快照失败: %w", err)
		}

		index, err := tx.Bucket([]byte(AccountIndexBucket)).CreateBucketIfNotExists([]byte(snapshot.AccountID))
		if err != nil {
			return fmt.Errorf("创建账户索引失败: %w", err)
		}
		if err := index.Put(blockKey(snapshot.SnapshotAtBlock), []byte(snapshot.ID)); err != nil {
			return fmt.Errorf("保存账户索引失败: %w", err)
		}

		created = true
		return nil
	})
	return created, err
}

func (s *BoltStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AccountSnapshot, error) {
	limit = normalizeLimit(limit)
	result := make([]*models.AccountSnapshot, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(AccountIndexBucket)).Bucket([]byte(accountID))
		if index == nil {
			return nil
		}
		snapshots := tx.Bucket([]byte(SnapshotBucket))

		c := index.Cursor()
		for k, id := c.Last(); k != nil && len(result) < limit; k, id = c.Prev() {
			data := snapshots.Get(id)
			if data == nil {
				continue
			}
			snapshot, err := decodeSnapshot(data)
			if err != nil {
				return err
			}
			result = append(result, snapshot)
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket([]byte(SnapshotBucket)).Stats().KeyN)
		return nil
	})
	return count, err
}

// Path 数据库文件路径
func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭快照存储")
		return s.db.Close()
	}
	return nil
}

func blockKey(blockNumber uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, blockNumber)
	return key
}
