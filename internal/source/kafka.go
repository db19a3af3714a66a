package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"snapshotter/internal/config"
	snaperrors "snapshotter/internal/errors"
	"snapshotter/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaSource 通过消费者组从Kafka读取区块
// 消息只有在 handler 成功后才提交位点，失败的区块在重启后会被重新投递
type KafkaSource struct {
	group  sarama.ConsumerGroup
	topic  string
	rng    Range
	logger *logrus.Logger
}

// NewKafkaSource 创建Kafka来源
func NewKafkaSource(cfg *config.KafkaSourceConfig, rng Range, logger *logrus.Logger) (*KafkaSource, error) {
	if cfg == nil || len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka区块来源需要配置brokers和topic")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true
	saramaConfig.Consumer.Offsets.AutoCommit.Interval = time.Second
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	if cfg.InitialOffset == "newest" {
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	} else {
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, snaperrors.WrapError(err, snaperrors.ErrorTypeKafka, snaperrors.SeverityCritical,
			"SOURCE_CONNECT_FAILED", "创建Kafka消费者组失败")
	}

	logger.Infof("Kafka区块来源已创建，brokers: %v, topic: %s, group: %s", cfg.Brokers, cfg.Topic, cfg.GroupID)
	return NewKafkaSourceWithGroup(group, cfg.Topic, rng, logger), nil
}

// NewKafkaSourceWithGroup 使用已有的消费者组创建来源
func NewKafkaSourceWithGroup(group sarama.ConsumerGroup, topic string, rng Range, logger *logrus.Logger) *KafkaSource {
	return &KafkaSource{
		group:  group,
		topic:  topic,
		rng:    rng,
		logger: logger,
	}
}

// Run 持续消费直到 ctx 取消或 handler 失败
func (s *KafkaSource) Run(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &blockConsumer{
		handler: handler,
		rng:     s.rng,
		logger:  s.logger,
		cancel:  cancel,
	}

	go func() {
		for err := range s.group.Errors() {
			s.logger.Errorf("Kafka消费者错误: %v", err)
		}
	}()

	for {
		// 每次再均衡后 Consume 返回，需要重新加入
		err := s.group.Consume(ctx, []string{s.topic}, h)
		if handlerErr := h.failure(); handlerErr != nil {
			return handlerErr
		}
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return snaperrors.WrapError(err, snaperrors.ErrorTypeKafka, snaperrors.SeverityHigh,
				"SOURCE_CONSUME_FAILED", "Kafka消费失败")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close 关闭消费者组
func (s *KafkaSource) Close() error {
	return s.group.Close()
}

// blockConsumer 实现 sarama.ConsumerGroupHandler
type blockConsumer struct {
	handler Handler
	rng     Range
	logger  *logrus.Logger
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

func (c *blockConsumer) Setup(sess sarama.ConsumerGroupSession) error {
	c.logger.Infof("Kafka消费者组会话开始，member: %s, generation: %d", sess.MemberID(), sess.GenerationID())
	return nil
}

func (c *blockConsumer) Cleanup(sess sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 逐条处理分区消息，处理成功后才标记位点
func (c *blockConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			block, err := models.DecodeBlock(msg.Value)
			if err != nil {
				return c.fail(snaperrors.WrapError(err, snaperrors.ErrorTypeSerialization, snaperrors.SeverityHigh,
					"SOURCE_DECODE_FAILED",
					fmt.Sprintf("解析Kafka消息失败 (partition: %d, offset: %d)", msg.Partition, msg.Offset)))
			}

			if c.rng.Contains(block.Number) {
				if err := c.handler(sess.Context(), block); err != nil {
					return c.fail(err)
				}
			}

			sess.MarkMessage(msg, "")

		case <-sess.Context().Done():
			return nil
		}
	}
}

func (c *blockConsumer) fail(err error) error {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.cancel()
	return err
}

func (c *blockConsumer) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
