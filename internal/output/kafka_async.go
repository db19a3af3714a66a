package output

import (
	"fmt"
	"sync"
	"time"

	"snapshotter/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.AsyncProducer
	wg       sync.WaitGroup
	stopCh   chan struct{}

	closeOnce sync.Once
	closed    bool

	// 统计信息
	queuedCount int64
	sentCount   int64
	errorCount  int64
	mu          sync.RWMutex
}

// newAsyncProducerConfig 异步生产者配置
func newAsyncProducerConfig() *sarama.Config {
	config := sarama.NewConfig()

	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Version = sarama.V2_8_0_0

	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Flush.Bytes = 1024 * 1024
	config.Producer.Compression = sarama.CompressionSnappy

	config.ChannelBufferSize = 1000
	return config
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topic string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v, topic: %s", brokers, topic)

	producer, err := sarama.NewAsyncProducer(brokers, newAsyncProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaOutputWithProducer(producer, topic, logger), nil
}

// NewAsyncKafkaOutputWithProducer 使用已有的生产者创建输出器
// 生产者需要开启 Return.Successes 和 Return.Errors
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topic string, logger *logrus.Logger) *AsyncKafkaOutput {
	k := &AsyncKafkaOutput{
		logger:   logger,
		topic:    topic,
		producer: producer,
		stopCh:   make(chan struct{}),
	}

	k.startBackgroundHandlers()
	return k
}

// startBackgroundHandlers 启动后台处理程序
func (k *AsyncKafkaOutput) startBackgroundHandlers() {
	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		k.handleSuccesses()
	}()
	go func() {
		defer k.wg.Done()
		k.handleErrors()
	}()

	// 统计报告器不参与关闭等待
	go k.reportStats()
}

// handleSuccesses 处理成功发送的消息，直到生产者关闭通道
func (k *AsyncKafkaOutput) handleSuccesses() {
	for success := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("快照成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 处理发送失败的消息
func (k *AsyncKafkaOutput) handleErrors() {
	for err := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		k.logger.Errorf("Kafka发送失败: topic=%s, partition=%d, error=%v",
			err.Msg.Topic, err.Msg.Partition, err.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaOutput) reportStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, sent, failed := k.GetStats()
			if sent > 0 || failed > 0 {
				successRate := float64(sent) / float64(sent+failed) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条快照, 失败 %d 条, 成功率 %.2f%%",
					sent, failed, successRate)
			}
		case <-k.stopCh:
			return
		}
	}
}

// WriteSnapshot 异步写入快照数据
func (k *AsyncKafkaOutput) WriteSnapshot(snapshot *models.AccountSnapshot) error {
	if snapshot == nil {
		return nil
	}

	msg, err := snapshotMessage(k.topic, snapshot)
	if err != nil {
		return err
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return fmt.Errorf("Kafka生产者已关闭")
	}
	k.queuedCount++
	k.mu.Unlock()

	select {
	case k.producer.Input() <- msg:
		return nil
	case <-time.After(5 * time.Second):
		k.mu.Lock()
		k.queuedCount--
		k.mu.Unlock()
		return fmt.Errorf("Kafka生产者输入通道已满")
	}
}

// pending 已入队但还没有确认结果的消息数
func (k *AsyncKafkaOutput) pending() int64 {
	queued, sent, failed := k.GetStats()
	return queued - sent - failed
}

// Flush 等待已入队的消息全部得到确认
func (k *AsyncKafkaOutput) Flush(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := k.pending()
		if remaining <= 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			k.logger.Warnf("刷新超时，%d 条快照可能未发送完成", remaining)
			return fmt.Errorf("刷新超时")
		}
	}
}

// GetStats 获取统计信息：入队数、成功数、失败数
func (k *AsyncKafkaOutput) GetStats() (int64, int64, int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.queuedCount, k.sentCount, k.errorCount
}

// Close 关闭异步Kafka连接
func (k *AsyncKafkaOutput) Close() error {
	var err error
	k.closeOnce.Do(func() {
		k.logger.Info("关闭异步Kafka生产者...")

		k.mu.Lock()
		k.closed = true
		k.mu.Unlock()

		if flushErr := k.Flush(30 * time.Second); flushErr != nil {
			k.logger.Warnf("刷新缓冲区时出现错误: %v", flushErr)
		}

		// AsyncClose 会在处理完剩余消息后关闭 Successes 和 Errors 通道
		k.producer.AsyncClose()
		k.wg.Wait()
		close(k.stopCh)

		_, sent, failed := k.GetStats()
		k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, failed)
		if failed > 0 {
			err = fmt.Errorf("%d 条快照发送失败", failed)
		}
	})
	return err
}
