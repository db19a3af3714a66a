package output

import (
	"fmt"
	"os"
	"sync"
	"time"

	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
)

// AsyncFileOutput 异步文件输出器
type AsyncFileOutput struct {
	outputDir string
	logger    *logrus.Logger
	file      *os.File

	snapshotChan chan *models.AccountSnapshot

	closeOnce sync.Once
	wg        sync.WaitGroup

	// 批量写入配置
	batchSize     int
	flushInterval time.Duration
}

// NewAsyncFileOutput 创建异步文件输出器
func NewAsyncFileOutput(outputPath string, logger *logrus.Logger) (*AsyncFileOutput, error) {
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	file, err := os.Create(snapshotFileName(outputPath))
	if err != nil {
		return nil, fmt.Errorf("创建快照文件失败: %w", err)
	}

	output := &AsyncFileOutput{
		outputDir:     outputPath,
		logger:        logger,
		file:          file,
		snapshotChan:  make(chan *models.AccountSnapshot, 1000),
		batchSize:     100,
		flushInterval: time.Second,
	}

	output.wg.Add(1)
	go output.snapshotWriter()

	logger.Info("异步文件输出器已初始化")
	return output, nil
}

// snapshotWriter 快照写入工作器，通道关闭后写完剩余数据退出
func (o *AsyncFileOutput) snapshotWriter() {
	defer o.wg.Done()

	batch := make([]*models.AccountSnapshot, 0, o.batchSize)
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case snapshot, ok := <-o.snapshotChan:
			if !ok {
				if len(batch) > 0 {
					o.flushBatch(batch)
				}
				return
			}
			batch = append(batch, snapshot)
			if len(batch) >= o.batchSize {
				o.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				o.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch 批量写入快照数据
func (o *AsyncFileOutput) flushBatch(batch []*models.AccountSnapshot) {
	for _, snapshot := range batch {
		data, err := encodeSnapshotLine(snapshot)
		if err != nil {
			o.logger.Errorf("序列化快照数据失败: %v", err)
			continue
		}

		if _, err := o.file.Write(data); err != nil {
			o.logger.Errorf("写入快照文件失败: %v", err)
		}
	}

	if err := o.file.Sync(); err != nil {
		o.logger.Errorf("同步快照文件失败: %v", err)
	}
}

// WriteSnapshot 异步写入快照数据，通道满时阻塞
func (o *AsyncFileOutput) WriteSnapshot(snapshot *models.AccountSnapshot) (err error) {
	if snapshot == nil {
		return nil
	}

	defer func() {
		if recover() != nil {
			err = fmt.Errorf("异步文件输出器已关闭")
		}
	}()

	o.snapshotChan <- snapshot
	return nil
}

// FilePath 当前输出文件路径
func (o *AsyncFileOutput) FilePath() string {
	return o.file.Name()
}

// Close 关闭异步文件输出器
func (o *AsyncFileOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.logger.Info("关闭异步文件输出器...")

		close(o.snapshotChan)
		o.wg.Wait()

		if closeErr := o.file.Close(); closeErr != nil {
			err = fmt.Errorf("关闭快照文件失败: %w", closeErr)
		}

		o.logger.Info("异步文件输出器已关闭")
	})
	return err
}
