package snapshot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	snaperrors "snapshotter/internal/errors"
	"snapshotter/internal/store"
	"snapshotter/pkg/models"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuerier 按账户返回预置状态，记录查询顺序
type fakeQuerier struct {
	mu       sync.Mutex
	accounts map[string]*models.AccountInfo
	calls    []string
	err      error
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{accounts: make(map[string]*models.AccountInfo)}
}

func (q *fakeQuerier) set(account string, free, reserved uint64) {
	q.accounts[account] = &models.AccountInfo{Free: uint256.NewInt(free), Reserved: uint256.NewInt(reserved)}
}

func (q *fakeQuerier) AccountInfo(ctx context.Context, accountID string) (*models.AccountInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, accountID)
	if q.err != nil {
		return nil, q.err
	}
	return q.accounts[accountID], nil
}

// failingStore 写入总是失败
type failingStore struct {
	*store.MemoryStore
}

func (s *failingStore) Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error) {
	return false, errors.New("磁盘已满")
}

// halfWrittenStore 写入成功但第一次返回错误，模拟记录已提交而后续步骤失败
type halfWrittenStore struct {
	*store.MemoryStore
	failures int
}

func (s *halfWrittenStore) Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error) {
	created, err := s.MemoryStore.Save(ctx, snapshot)
	if err != nil || !created || s.failures == 0 {
		return created, err
	}
	s.failures--
	return true, errors.New("i/o timeout")
}

func newTestLogger(buf *bytes.Buffer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

func block(number uint64, events ...*models.Event) *models.Block {
	return &models.Block{
		Number:    number,
		Timestamp: time.Date(2021, 6, 1, 0, 0, int(number), 0, time.UTC),
		Events:    events,
	}
}

func event(section, method string, data ...interface{}) *models.Event {
	return &models.Event{Section: section, Method: method, Data: data}
}

func balances(t *testing.T, s *models.AccountSnapshot) [3]string {
	t.Helper()
	require.NoError(t, s.Validate())
	return [3]string{s.FreeBalance.Dec(), s.ReserveBalance.Dec(), s.TotalBalance.Dec()}
}

func TestProcessBlock_Transfer(t *testing.T) {
	querier := newFakeQuerier()
	querier.set("Alice", 1000, 0)
	querier.set("Bob", 200, 50)
	memory := store.NewMemoryStore()
	var logs bytes.Buffer
	processor := NewProcessor(querier, memory, newTestLogger(&logs))

	b := block(100, event("balances", "Transfer", "Alice", "Bob", 500))
	result, err := processor.ProcessBlock(context.Background(), b)
	require.NoError(t, err)

	require.Len(t, result.Snapshots, 2)
	assert.Equal(t, "100-Alice", result.Snapshots[0].ID)
	assert.Equal(t, [3]string{"1000", "0", "1000"}, balances(t, result.Snapshots[0]))
	assert.Equal(t, "100-Bob", result.Snapshots[1].ID)
	assert.Equal(t, [3]string{"200", "50", "250"}, balances(t, result.Snapshots[1]))
	assert.True(t, b.Timestamp.Equal(result.Snapshots[0].Timestamp))

	assert.Equal(t, []string{"Alice", "Bob"}, querier.calls)
	assert.Equal(t, 1, result.BalanceEvents)
	assert.Equal(t, 1, result.MethodCounts["Transfer"])

	stored, err := memory.Get(context.Background(), "100-Bob")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "250", stored.TotalBalance.Dec())

	// 诊断日志包含区块高度、事件类型和参数
	assert.Contains(t, logs.String(), `"event_type":"balances/Transfer"`)
	assert.Contains(t, logs.String(), `"block_number":100`)
	assert.Contains(t, logs.String(), `"payload":["Alice","Bob",500]`)
}

func TestProcessBlock_DedupWithinBlock(t *testing.T) {
	querier := newFakeQuerier()
	querier.set("Carol", 95, 0)
	memory := store.NewMemoryStore()
	processor := NewProcessor(querier, memory, newTestLogger(&bytes.Buffer{}))

	result, err := processor.ProcessBlock(context.Background(), block(101,
		event("balances", "Deposit", "Carol", 10),
		event("balances", "Withdraw", "Carol", 5),
	))
	require.NoError(t, err)

	require.Len(t, result.Snapshots, 1)
	assert.Equal(t, "101-Carol", result.Snapshots[0].ID)
	// 快照反映查询时的状态，而不是事件推算的增量
	assert.Equal(t, [3]string{"95", "0", "95"}, balances(t, result.Snapshots[0]))
	assert.Equal(t, []string{"Carol"}, querier.calls)
	assert.Equal(t, 2, result.BalanceEvents)

	count, _ := memory.Count(context.Background())
	assert.Equal(t, int64(1), count)
}

func TestProcessBlock_NonBalanceCategory(t *testing.T) {
	querier := newFakeQuerier()
	memory := store.NewMemoryStore()
	var logs bytes.Buffer
	processor := NewProcessor(querier, memory, newTestLogger(&logs))

	result, err := processor.ProcessBlock(context.Background(), block(102,
		event("system", "ExtrinsicSuccess", map[string]interface{}{"weight": 1}),
		event("staking", "Bonded", "Alice", 10),
	))
	require.NoError(t, err)

	assert.Empty(t, result.Snapshots)
	assert.Empty(t, querier.calls)
	assert.Equal(t, 2, result.EventsSeen)
	assert.Equal(t, 0, result.BalanceEvents)
	// 非余额模块的事件不记录诊断日志
	assert.Empty(t, logs.String())

	count, _ := memory.Count(context.Background())
	assert.Equal(t, int64(0), count)
}

func TestProcessBlock_AbsentAccountZeroBalances(t *testing.T) {
	querier := newFakeQuerier()
	memory := store.NewMemoryStore()
	processor := NewProcessor(querier, memory, newTestLogger(&bytes.Buffer{}))

	result, err := processor.ProcessBlock(context.Background(), block(103,
		event("balances", "BalanceSet", "Dan", 0, 0),
	))
	require.NoError(t, err)

	require.Len(t, result.Snapshots, 1)
	assert.Equal(t, "103-Dan", result.Snapshots[0].ID)
	assert.Equal(t, [3]string{"0", "0", "0"}, balances(t, result.Snapshots[0]))
}

func TestProcessBlock_UnknownMethodLoggedButSkipped(t *testing.T) {
	querier := newFakeQuerier()
	var logs bytes.Buffer
	processor := NewProcessor(querier, store.NewMemoryStore(), newTestLogger(&logs))

	result, err := processor.ProcessBlock(context.Background(), block(104,
		event("balances", "DustLost", "Alice", 1),
	))
	require.NoError(t, err)

	assert.Empty(t, result.Snapshots)
	assert.Empty(t, querier.calls)
	assert.Equal(t, 1, result.BalanceEvents)
	assert.Contains(t, logs.String(), "balances/DustLost")
}

func TestProcessBlock_Idempotent(t *testing.T) {
	querier := newFakeQuerier()
	querier.set("Alice", 1000, 0)
	memory := store.NewMemoryStore()
	processor := NewProcessor(querier, memory, newTestLogger(&bytes.Buffer{}))
	b := block(100, event("balances", "Endowed", "Alice", 1000))

	first, err := processor.ProcessBlock(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, first.Snapshots, 1)

	// 链上状态变化后重放同一区块，不覆盖已有快照
	querier.set("Alice", 1, 1)
	second, err := processor.ProcessBlock(context.Background(), b)
	require.NoError(t, err)
	assert.Empty(t, second.Snapshots)
	assert.Equal(t, 1, second.SkippedExisting)

	stored, err := memory.Get(context.Background(), "100-Alice")
	require.NoError(t, err)
	assert.Equal(t, "1000", stored.FreeBalance.Dec())

	count, _ := memory.Count(context.Background())
	assert.Equal(t, int64(1), count)
}

func TestProcessBlock_MultipleAccountsOrder(t *testing.T) {
	querier := newFakeQuerier()
	processor := NewProcessor(querier, store.NewMemoryStore(), newTestLogger(&bytes.Buffer{}))

	result, err := processor.ProcessBlock(context.Background(), block(200,
		event("balances", "ReservRepatriated", "Bob", "Alice", 3, "Free"),
		event("balances", "Transfer", "Alice", "Carol", 1),
		event("balances", "Contributed", "Dave", 7, 100),
		event("balances", "Slash", "Bob", 2),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"Bob", "Alice", "Carol", "Dave"}, result.Accounts)
	assert.Equal(t, []string{"Bob", "Alice", "Carol", "Dave"}, querier.calls)
	require.Len(t, result.Snapshots, 4)
}

func TestProcessBlock_MalformedPayload(t *testing.T) {
	querier := newFakeQuerier()
	processor := NewProcessor(querier, store.NewMemoryStore(), newTestLogger(&bytes.Buffer{}))

	_, err := processor.ProcessBlock(context.Background(), block(300,
		event("balances", "Deposit", "Carol", 10),
		event("balances", "Transfer", "Alice", 500),
	))
	require.Error(t, err)

	var malformed *snaperrors.MalformedEventError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "Transfer", malformed.Method)
	assert.Equal(t, 3, malformed.Expected)
	// 解码失败发生在物化之前
	assert.Empty(t, querier.calls)
}

func TestProcessBlock_StateQueryFailure(t *testing.T) {
	querier := newFakeQuerier()
	querier.err = errors.New("连接被拒绝")
	processor := NewProcessor(querier, store.NewMemoryStore(), newTestLogger(&bytes.Buffer{}))

	_, err := processor.ProcessBlock(context.Background(), block(400,
		event("balances", "Deposit", "Carol", 10),
	))
	require.Error(t, err)

	var snapshotErr *snaperrors.SnapshotError
	require.True(t, errors.As(err, &snapshotErr))
	assert.Equal(t, snaperrors.ErrorTypeStateQuery, snapshotErr.Type)
	assert.True(t, snapshotErr.IsRetryable())
	require.NotNil(t, snapshotErr.Account)
	assert.Equal(t, "Carol", *snapshotErr.Account)
}

func TestProcessBlock_StoreFailure(t *testing.T) {
	querier := newFakeQuerier()
	processor := NewProcessor(querier, &failingStore{store.NewMemoryStore()}, newTestLogger(&bytes.Buffer{}))

	_, err := processor.ProcessBlock(context.Background(), block(500,
		event("balances", "Deposit", "Carol", 10),
	))
	require.Error(t, err)

	var snapshotErr *snaperrors.SnapshotError
	require.True(t, errors.As(err, &snapshotErr))
	assert.Equal(t, snaperrors.ErrorTypeStore, snapshotErr.Type)
	assert.Contains(t, err.Error(), "磁盘已满")
}

func TestProcessBlock_PartialResultOnFailure(t *testing.T) {
	querier := newFakeQuerier()
	processor := NewProcessor(&flakyQuerier{inner: querier, failOn: "Bob"}, store.NewMemoryStore(), newTestLogger(&bytes.Buffer{}))

	result, err := processor.ProcessBlock(context.Background(), block(600,
		event("balances", "Transfer", "Alice", "Bob", 5),
	))
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Snapshots, 1)
	assert.Equal(t, "600-Alice", result.Snapshots[0].ID)
}

func TestProcessBlock_NilBlock(t *testing.T) {
	processor := NewProcessor(newFakeQuerier(), store.NewMemoryStore(), newTestLogger(&bytes.Buffer{}))
	_, err := processor.ProcessBlock(context.Background(), nil)
	assert.Error(t, err)
}

func TestMaterializer_EmptyWorkList(t *testing.T) {
	querier := newFakeQuerier()
	m := NewMaterializer(querier, store.NewMemoryStore())

	result, err := m.Materialize(context.Background(), 1, time.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Empty(t, querier.calls)
}

func TestMaterializer_PartialFailureThenRetry(t *testing.T) {
	querier := newFakeQuerier()
	querier.set("A", 1, 0)
	querier.set("B", 2, 0)
	memory := store.NewMemoryStore()
	m := NewMaterializer(&flakyQuerier{inner: querier, failOn: "B"}, memory)

	result, err := m.Materialize(context.Background(), 9, time.Now(), []string{"A", "B"})
	require.Error(t, err)
	assert.Len(t, result.Created, 1)

	// 整块重试：A 已存在被跳过，B 补写
	m = NewMaterializer(querier, memory)
	result, err = m.Materialize(context.Background(), 9, time.Now(), []string{"A", "B"})
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, "9-B", result.Created[0].ID)
	assert.Equal(t, 1, result.Skipped)
}

type flakyQuerier struct {
	inner  StateQuerier
	failOn string
}

func (q *flakyQuerier) AccountInfo(ctx context.Context, accountID string) (*models.AccountInfo, error) {
	if accountID == q.failOn {
		return nil, errors.New("超时")
	}
	return q.inner.AccountInfo(ctx, accountID)
}

func TestMaterializer_CreatedWithError(t *testing.T) {
	querier := newFakeQuerier()
	querier.set("A", 1, 0)
	m := NewMaterializer(querier, &halfWrittenStore{MemoryStore: store.NewMemoryStore(), failures: 1})

	result, err := m.Materialize(context.Background(), 7, time.Now(), []string{"A", "B"})
	require.Error(t, err)

	var snapshotErr *snaperrors.SnapshotError
	require.True(t, errors.As(err, &snapshotErr))
	assert.Equal(t, snaperrors.ErrorTypeStore, snapshotErr.Type)

	// 已写入的快照必须出现在结果中，否则之后会被当作已存在而漏发
	require.Len(t, result.Created, 1)
	assert.Equal(t, "7-A", result.Created[0].ID)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, []string{"A"}, querier.calls)
}

func TestMaterializer_NonRetryableQueryError(t *testing.T) {
	querier := newFakeQuerier()
	querier.err = snaperrors.WrapError(errors.New("无效的账户地址"), snaperrors.ErrorTypeValidation,
		snaperrors.SeverityHigh, "INVALID_ACCOUNT", "账户标识无效")
	m := NewMaterializer(querier, store.NewMemoryStore())

	_, err := m.Materialize(context.Background(), 8, time.Now(), []string{"not-an-address"})
	require.Error(t, err)

	var snapshotErr *snaperrors.SnapshotError
	require.True(t, errors.As(err, &snapshotErr))
	assert.Equal(t, snaperrors.ErrorTypeValidation, snapshotErr.Type)
	assert.False(t, snapshotErr.IsRetryable())
	require.NotNil(t, snapshotErr.BlockNumber)
	assert.Equal(t, uint64(8), *snapshotErr.BlockNumber)
	require.NotNil(t, snapshotErr.Account)
	assert.Equal(t, "not-an-address", *snapshotErr.Account)
}
