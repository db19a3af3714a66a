package output

import (
	"encoding/json"
	"fmt"
	"time"

	"snapshotter/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.SyncProducer
}

// newSyncProducerConfig 同步生产者配置
func newSyncProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topic string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v, topic: %s", brokers, topic)

	producer, err := sarama.NewSyncProducer(brokers, newSyncProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topic, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topic:    topic,
		producer: producer,
	}
}

// snapshotMessage 快照消息，以账户为key保证同一账户的快照进入同一分区
func snapshotMessage(topic string, snapshot *models.AccountSnapshot) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(snapshot.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化快照数据失败: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(snapshot.AccountID),
		Value: sarama.ByteEncoder(data),
	}, nil
}

// WriteSnapshot 写入快照数据
func (k *KafkaOutput) WriteSnapshot(snapshot *models.AccountSnapshot) error {
	if snapshot == nil {
		return nil
	}

	msg, err := snapshotMessage(k.topic, snapshot)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送快照到Kafka失败: %w", err)
	}

	k.logger.Debugf("快照 %s 已发送到 topic '%s' (partition: %d, offset: %d)",
		snapshot.ID, k.topic, partition, offset)

	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
