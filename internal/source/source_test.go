package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"snapshotter/internal/config"
	snaperrors "snapshotter/internal/errors"
	"snapshotter/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func blockLine(number uint64) string {
	return fmt.Sprintf(`{"number":%d,"timestamp":"2024-01-01T00:00:00Z","events":[{"section":"balances","method":"Deposit","data":["Alice",%d]}]}`, number, number*10)
}

func collect(blocks *[]uint64) Handler {
	return func(ctx context.Context, block *models.Block) error {
		*blocks = append(*blocks, block.Number)
		return nil
	}
}

func TestRange(t *testing.T) {
	assert.True(t, Range{}.Contains(0))
	assert.True(t, Range{Start: 5}.Contains(1000))
	assert.False(t, Range{Start: 5}.Contains(4))
	assert.True(t, Range{Start: 5, End: 10}.Contains(10))
	assert.False(t, Range{Start: 5, End: 10}.Contains(11))
}

func TestFileSource_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.jsonl")
	content := strings.Join([]string{blockLine(1), "", blockLine(2), blockLine(3), blockLine(4)}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	var blocks []uint64
	src := NewFileSource(path, Range{Start: 2, End: 3}, testLogger())
	require.NoError(t, src.Run(context.Background(), collect(&blocks)))
	assert.Equal(t, []uint64{2, 3}, blocks)
	assert.NoError(t, src.Close())
}

func TestFileSource_PreservesAmountPrecision(t *testing.T) {
	line := `{"number":1,"timestamp":"2024-01-01T00:00:00Z","events":[{"section":"balances","method":"Deposit","data":["Alice",340282366920938463463374607431768211455]}]}`

	var got *models.Block
	src := NewReaderSource(strings.NewReader(line), Range{}, testLogger())
	require.NoError(t, src.Run(context.Background(), func(ctx context.Context, block *models.Block) error {
		got = block
		return nil
	}))

	require.NotNil(t, got)
	assert.Equal(t, "340282366920938463463374607431768211455", fmt.Sprint(got.Events[0].Data[1]))
}

func TestFileSource_Errors(t *testing.T) {
	err := NewFileSource(filepath.Join(t.TempDir(), "missing.jsonl"), Range{}, testLogger()).
		Run(context.Background(), func(ctx context.Context, block *models.Block) error { return nil })
	require.Error(t, err)
	var snapshotErr *snaperrors.SnapshotError
	require.True(t, errors.As(err, &snapshotErr))
	assert.Equal(t, snaperrors.ErrorTypeFileIO, snapshotErr.Type)

	err = NewReaderSource(strings.NewReader(blockLine(1)+"\n{broken"), Range{}, testLogger()).
		Run(context.Background(), func(ctx context.Context, block *models.Block) error { return nil })
	require.True(t, errors.As(err, &snapshotErr))
	assert.Equal(t, "SOURCE_DECODE_FAILED", snapshotErr.Code)

	handlerErr := errors.New("处理失败")
	var blocks []uint64
	err = NewReaderSource(strings.NewReader(blockLine(1)+"\n"+blockLine(2)), Range{}, testLogger()).
		Run(context.Background(), func(ctx context.Context, block *models.Block) error {
			blocks = append(blocks, block.Number)
			return handlerErr
		})
	assert.ErrorIs(t, err, handlerErr)
	assert.Equal(t, []uint64{1}, blocks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewReaderSource(strings.NewReader(blockLine(1)), Range{}, testLogger()).Run(ctx, collect(&blocks))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	src, err := New(&config.SourceConfig{Type: "file", Path: "blocks.jsonl"}, Range{}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileSource{}, src)

	_, err = New(&config.SourceConfig{Type: "http"}, Range{}, testLogger())
	assert.Error(t, err)

	_, err = New(&config.SourceConfig{Type: "kafka", Kafka: &config.KafkaSourceConfig{}}, Range{}, testLogger())
	assert.Error(t, err)

	_, err = New(nil, Range{}, testLogger())
	assert.Error(t, err)
}

// fakeSession 实现 sarama.ConsumerGroupSession
type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "member-1" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

// fakeClaim 实现 sarama.ConsumerGroupClaim
type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "substrate_blocks" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(values ...string) *fakeClaim {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(values))}
	for i, v := range values {
		claim.messages <- &sarama.ConsumerMessage{Topic: "substrate_blocks", Offset: int64(i), Value: []byte(v)}
	}
	close(claim.messages)
	return claim
}

// fakeGroup 实现 sarama.ConsumerGroup，第一次 Consume 投递一个分区的消息
type fakeGroup struct {
	claim   *fakeClaim
	session *fakeSession
	errors  chan error
	calls   int
}

func newFakeGroup(claim *fakeClaim) *fakeGroup {
	return &fakeGroup{claim: claim, errors: make(chan error)}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.calls++
	if g.calls > 1 {
		<-ctx.Done()
		return nil
	}

	g.session = &fakeSession{ctx: ctx}
	if err := handler.Setup(g.session); err != nil {
		return err
	}
	// sarama 将 ConsumeClaim 的错误发往 Errors()，Consume 本身正常返回
	_ = handler.ConsumeClaim(g.session, g.claim)
	return handler.Cleanup(g.session)
}

func (g *fakeGroup) Errors() <-chan error { return g.errors }
func (g *fakeGroup) Close() error { close(g.errors); return nil }
func (g *fakeGroup) Pause(partitions map[string][]int32) {}
func (g *fakeGroup) Resume(partitions map[string][]int32) {}
func (g *fakeGroup) PauseAll() {}
func (g *fakeGroup) ResumeAll() {}

func TestKafkaSource_MarksAfterHandler(t *testing.T) {
	group := newFakeGroup(newClaim(blockLine(1), blockLine(2), blockLine(3)))
	src := NewKafkaSourceWithGroup(group, "substrate_blocks", Range{Start: 2}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var blocks []uint64
	err := src.Run(ctx, func(ctx context.Context, block *models.Block) error {
		blocks = append(blocks, block.Number)
		if block.Number == 3 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []uint64{2, 3}, blocks)
	// 范围外的区块也提交位点
	assert.Equal(t, []int64{0, 1, 2}, group.session.marked)
	assert.NoError(t, src.Close())
}

func TestKafkaSource_HandlerErrorStopsWithoutMark(t *testing.T) {
	group := newFakeGroup(newClaim(blockLine(1), blockLine(2)))
	src := NewKafkaSourceWithGroup(group, "substrate_blocks", Range{}, testLogger())

	handlerErr := errors.New("状态查询失败")
	err := src.Run(context.Background(), func(ctx context.Context, block *models.Block) error {
		if block.Number == 2 {
			return handlerErr
		}
		return nil
	})

	assert.ErrorIs(t, err, handlerErr)
	assert.Equal(t, []int64{0}, group.session.marked)
}

func TestKafkaSource_DecodeError(t *testing.T) {
	group := newFakeGroup(newClaim("not json"))
	src := NewKafkaSourceWithGroup(group, "substrate_blocks", Range{}, testLogger())

	err := src.Run(context.Background(), func(ctx context.Context, block *models.Block) error { return nil })
	var snapshotErr *snaperrors.SnapshotError
	require.True(t, errors.As(err, &snapshotErr))
	assert.Equal(t, snaperrors.ErrorTypeSerialization, snapshotErr.Type)
	assert.Empty(t, group.session.marked)
}
