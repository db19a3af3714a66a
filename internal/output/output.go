package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"snapshotter/internal/config"
	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 快照输出接口
// 只有新创建的快照会被输出，已存在的快照不会重复发布
type Output interface {
	WriteSnapshot(snapshot *models.AccountSnapshot) error
	Close() error
}

// NewOutput 根据配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NewNoopOutput(), nil
	}

	switch cfg.Format {
	case "", "none":
		return NewNoopOutput(), nil
	case "json":
		return NewFileOutput(cfg.Directory)
	case "json_async":
		return NewAsyncFileOutput(cfg.Directory, logger)
	case "kafka", "kafka_async":
		if cfg.Kafka == nil || len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("Kafka输出缺少brokers配置")
		}
		topic := cfg.Kafka.Topics[config.SnapshotTopic]
		if topic == "" {
			return nil, fmt.Errorf("Kafka输出缺少 %s 主题配置", config.SnapshotTopic)
		}

		if cfg.Format == "kafka_async" {
			return NewAsyncKafkaOutput(cfg.Kafka.Brokers, topic, logger)
		}
		return NewKafkaOutput(cfg.Kafka.Brokers, topic, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NoopOutput 不输出（快照只写入存储）
type NoopOutput struct{}

func NewNoopOutput() *NoopOutput {
	return &NoopOutput{}
}

func (o *NoopOutput) WriteSnapshot(snapshot *models.AccountSnapshot) error { return nil }

func (o *NoopOutput) Close() error { return nil }

// FileOutput 文件输出，每行一个快照
type FileOutput struct {
	outputDir string
	mu        sync.Mutex
	file      *os.File
}

// snapshotFileName 输出文件名，按创建时间区分
func snapshotFileName(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("snapshots_%s.json", time.Now().Format("20060102_150405")))
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputPath string) (*FileOutput, error) {
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	file, err := os.Create(snapshotFileName(outputPath))
	if err != nil {
		return nil, fmt.Errorf("创建快照文件失败: %w", err)
	}

	return &FileOutput{
		outputDir: outputPath,
		file:      file,
	}, nil
}

// encodeSnapshotLine 序列化为一行JSON，余额使用十进制字符串
func encodeSnapshotLine(snapshot *models.AccountSnapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化快照数据失败: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteSnapshot 写入快照数据
func (o *FileOutput) WriteSnapshot(snapshot *models.AccountSnapshot) error {
	if snapshot == nil {
		return nil
	}

	data, err := encodeSnapshotLine(snapshot)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入快照文件失败: %w", err)
	}

	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新快照文件失败: %w", err)
	}

	return nil
}

// FilePath 当前输出文件路径
func (o *FileOutput) FilePath() string {
	return o.file.Name()
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	if err != nil {
		return fmt.Errorf("关闭快照文件失败: %w", err)
	}
	return nil
}
