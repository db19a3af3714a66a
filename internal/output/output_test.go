package output

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"snapshotter/internal/config"
	"snapshotter/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testSnapshot(t *testing.T, block uint64, account string) *models.AccountSnapshot {
	s, err := models.NewAccountSnapshot(block, account, &models.AccountInfo{
		Free:     uint256.NewInt(1000),
		Reserved: uint256.NewInt(50),
	}, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	return s
}

func readLines(t *testing.T, path string) []map[string]interface{} {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileOutput(t *testing.T) {
	out, err := NewFileOutput(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, out.WriteSnapshot(testSnapshot(t, 1, "Alice")))
	require.NoError(t, out.WriteSnapshot(testSnapshot(t, 1, "Bob")))
	require.NoError(t, out.WriteSnapshot(nil))
	path := out.FilePath()
	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "1-Alice", lines[0]["id"])
	assert.Equal(t, "1000", lines[0]["free_balance"])
	assert.Equal(t, "50", lines[0]["reserve_balance"])
	assert.Equal(t, "1050", lines[0]["total_balance"])
	assert.Equal(t, "1-Bob", lines[1]["id"])
}

func TestAsyncFileOutput(t *testing.T) {
	out, err := NewAsyncFileOutput(t.TempDir(), testLogger())
	require.NoError(t, err)

	for i := uint64(0); i < 250; i++ {
		require.NoError(t, out.WriteSnapshot(testSnapshot(t, i, "Alice")))
	}
	path := out.FilePath()
	require.NoError(t, out.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 250)
	assert.Equal(t, "0-Alice", lines[0]["id"])
	assert.Equal(t, "249-Alice", lines[249]["id"])

	assert.Error(t, out.WriteSnapshot(testSnapshot(t, 300, "Alice")))
}

func TestKafkaOutput(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "account_snapshots", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "Alice", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(value, &payload))
		assert.Equal(t, "7-Alice", payload["id"])
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	out := NewKafkaOutputWithProducer(producer, "account_snapshots", testLogger())
	require.NoError(t, out.WriteSnapshot(testSnapshot(t, 7, "Alice")))
	assert.Error(t, out.WriteSnapshot(testSnapshot(t, 7, "Bob")))
	require.NoError(t, out.Close())
}

func TestAsyncKafkaOutput(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	producer := mocks.NewAsyncProducer(t, cfg)
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndSucceed()

	out := NewAsyncKafkaOutputWithProducer(producer, "account_snapshots", testLogger())
	require.NoError(t, out.WriteSnapshot(testSnapshot(t, 1, "Alice")))
	require.NoError(t, out.WriteSnapshot(testSnapshot(t, 1, "Bob")))
	require.NoError(t, out.Flush(5*time.Second))
	require.NoError(t, out.Close())

	queued, sent, failed := out.GetStats()
	assert.Equal(t, int64(2), queued)
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(0), failed)

	assert.Error(t, out.WriteSnapshot(testSnapshot(t, 2, "Alice")))
}

func TestAsyncKafkaOutput_Failure(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	producer := mocks.NewAsyncProducer(t, cfg)
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	out := NewAsyncKafkaOutputWithProducer(producer, "account_snapshots", testLogger())
	require.NoError(t, out.WriteSnapshot(testSnapshot(t, 1, "Alice")))
	assert.Error(t, out.Close())

	_, _, failed := out.GetStats()
	assert.Equal(t, int64(1), failed)
}

func TestNewOutput(t *testing.T) {
	logger := testLogger()

	out, err := NewOutput(nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &NoopOutput{}, out)

	out, err = NewOutput(&config.OutputConfig{Format: "none"}, logger)
	require.NoError(t, err)
	assert.NoError(t, out.WriteSnapshot(testSnapshot(t, 1, "Alice")))
	assert.NoError(t, out.Close())

	dir := filepath.Join(t.TempDir(), "out")
	out, err = NewOutput(&config.OutputConfig{Format: "json", Directory: dir}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileOutput{}, out)
	require.NoError(t, out.Close())

	out, err = NewOutput(&config.OutputConfig{Format: "json_async", Directory: dir}, logger)
	require.NoError(t, err)
	assert.IsType(t, &AsyncFileOutput{}, out)
	require.NoError(t, out.Close())

	_, err = NewOutput(&config.OutputConfig{Format: "csv"}, logger)
	assert.Error(t, err)

	_, err = NewOutput(&config.OutputConfig{
		Format: "kafka",
		Kafka:  &config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topics: map[string]string{}},
	}, logger)
	assert.Error(t, err)
}
