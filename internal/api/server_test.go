package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"snapshotter/internal/collector"
	"snapshotter/internal/config"
	"snapshotter/internal/output"
	"snapshotter/internal/source"
	"snapshotter/internal/store"
	"snapshotter/pkg/models"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticQuerier map[string]*models.AccountInfo

func (q staticQuerier) AccountInfo(ctx context.Context, accountID string) (*models.AccountInfo, error) {
	return q[accountID], nil
}

// fakeConfigStore 内存中的运行时配置
type fakeConfigStore struct {
	values map[string]map[string]string
	nodes  []config.ChainNodeRecord
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{values: map[string]map[string]string{"collector": {"retry_limit": "3"}}}
}

func (f *fakeConfigStore) GetConfig(configType, key string) (string, error) {
	value, ok := f.values[configType][key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return value, nil
}

func (f *fakeConfigStore) ListConfigs(configType string) (map[string]string, error) {
	values, ok := f.values[configType]
	if !ok {
		return nil, fmt.Errorf("不支持的配置类型: %s", configType)
	}
	return values, nil
}

func (f *fakeConfigStore) UpdateConfig(configType, key, value string) error {
	if _, ok := f.values[configType]; !ok {
		return fmt.Errorf("不支持的配置类型: %s", configType)
	}
	f.values[configType][key] = value
	return nil
}

func (f *fakeConfigStore) ListChainNodes() ([]config.ChainNodeRecord, error) {
	return f.nodes, nil
}

func (f *fakeConfigStore) AddChainNode(name, url string, priority int) error {
	f.nodes = append(f.nodes, config.ChainNodeRecord{ID: len(f.nodes) + 1, Name: name, URL: url, Priority: priority, IsActive: true})
	return nil
}

func (f *fakeConfigStore) DeleteChainNode(id int) error {
	for i, node := range f.nodes {
		if node.ID == id {
			f.nodes = append(f.nodes[:i], f.nodes[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeConfigStore) ListKafkaTopics() (map[string]string, error) {
	return map[string]string{config.SnapshotTopic: "account_snapshots"}, nil
}

func blockLines(numbers ...uint64) string {
	lines := make([]string, len(numbers))
	for i, n := range numbers {
		lines[i] = fmt.Sprintf(`{"number":%d,"timestamp":"2024-01-01T00:00:00Z","events":[{"section":"balances","method":"Transfer","data":["Alice","Bob",%d]}]}`, n, n)
	}
	return strings.Join(lines, "\n")
}

func newTestServer(t *testing.T) (*Server, *fakeConfigStore) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.InfoLevel)

	querier := staticQuerier{
		"Alice": {Free: uint256.NewInt(1000), Reserved: uint256.NewInt(24)},
		"Bob":   {Free: uint256.NewInt(5), Reserved: uint256.NewInt(0)},
	}
	c, err := collector.NewCollector(&config.CollectorConfig{RetryLimit: 0, Timeout: "5s"}, collector.Options{
		Querier: querier,
		Store:   store.NewMemoryStore(),
		Output:  output.NewNoopOutput(),
	}, logger)
	require.NoError(t, err)

	configStore := newFakeConfigStore()
	s := NewServer(c, config.GetDefaultConfig(), configStore, logger, ":0")
	s.SetSourceFactory(func(req StartRequest) (source.Source, error) {
		if req.Source == "broken" {
			return nil, errors.New("不支持的区块来源")
		}
		rng := source.Range{Start: req.StartBlock, End: req.EndBlock}
		return source.NewReaderSource(strings.NewReader(blockLines(1, 2, 3)), rng, logger), nil
	})
	return s, configStore
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var payload map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func runToCompletion(t *testing.T, s *Server, body string) {
	t.Helper()
	rec, _ := do(t, s, http.MethodPost, "/api/v1/start", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return !s.collector.IsRunning() }, 2*time.Second, 5*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec, payload := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", payload["status"])

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "snapshotter_blocks_processed_total")

	rec, _ = do(t, s, http.MethodOptions, "/api/v1/status", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartAndQuerySnapshots(t *testing.T) {
	s, _ := newTestServer(t)

	runToCompletion(t, s, `{"start_block":2}`)

	rec, payload := do(t, s, http.MethodGet, "/api/v1/snapshots/2-Alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1024", payload["total_balance"])
	assert.Equal(t, "24", payload["reserve_balance"])

	rec, _ = do(t, s, http.MethodGet, "/api/v1/snapshots/1-Alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/snapshots/bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload = do(t, s, http.MethodGet, "/api/v1/accounts/Bob/snapshots?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := payload["snapshots"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "3-Bob", items[0].(map[string]interface{})["id"])

	rec, _ = do(t, s, http.MethodGet, "/api/v1/accounts/Bob/snapshots?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload = do(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), payload["stored_snapshots"])
	components := payload["components"].(map[string]interface{})
	assert.Contains(t, components, "validation")
	assert.NotContains(t, components, "publisher")
	assert.Equal(t, "stopped", payload["status"])
}

func TestStartValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := do(t, s, http.MethodPost, "/api/v1/start", `{"start_block":10,"end_block":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/start", `{"source":"broken"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlWhenStopped(t *testing.T) {
	s, _ := newTestServer(t)

	rec, payload := do(t, s, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", payload["status"])

	for _, path := range []string{"/api/v1/stop", "/api/v1/pause", "/api/v1/resume"} {
		rec, _ = do(t, s, http.MethodPost, path, "")
		assert.Equal(t, http.StatusConflict, rec.Code, path)
	}
}

func TestProgressAndErrors(t *testing.T) {
	s, _ := newTestServer(t)

	rec, payload := do(t, s, http.MethodGet, "/api/v1/progress", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", payload["progress_tracking"])

	rec, _ = do(t, s, http.MethodPost, "/api/v1/progress/checkpoint", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, payload = do(t, s, http.MethodGet, "/api/v1/errors", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), payload["total_errors"])
}

func TestLogsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	runToCompletion(t, s, "")

	rec, payload := do(t, s, http.MethodGet, "/api/v1/logs?block=2&pageSize=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, payload["total"].(float64), float64(0))
	for _, entry := range payload["logs"].([]interface{}) {
		fields := entry.(map[string]interface{})["fields"].(map[string]interface{})
		assert.Equal(t, float64(2), fields["block_number"])
	}

	rec, _ = do(t, s, http.MethodGet, "/api/v1/logs?block=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodDelete, "/api/v1/logs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	_, payload = do(t, s, http.MethodGet, "/api/v1/logs", "")
	assert.Equal(t, float64(0), payload["total"])
}

func TestConfigRoutes(t *testing.T) {
	s, configStore := newTestServer(t)

	rec, payload := do(t, s, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bolt", payload["store"].(map[string]interface{})["type"])

	rec, payload = do(t, s, http.MethodGet, "/api/v1/config/collector?key=retry_limit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", payload["value"])

	rec, _ = do(t, s, http.MethodGet, "/api/v1/config/collector?key=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodPut, "/api/v1/config/collector", `{"key":"timeout","value":"90s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "90s", configStore.values["collector"]["timeout"])

	rec, _ = do(t, s, http.MethodPut, "/api/v1/config/collector", `{"key":"timeout"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPut, "/api/v1/config/collector", `{"key":"retry_limit","value":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "3", configStore.values["collector"]["retry_limit"])

	rec, _ = do(t, s, http.MethodPost, "/api/v1/nodes", `{"name":"bad","url":"ftp://127.0.0.1:9944"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/nodes", `{"name":"local","url":"ws://127.0.0.1:9944","priority":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, payload = do(t, s, http.MethodGet, "/api/v1/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["total"])

	rec, _ = do(t, s, http.MethodDelete, "/api/v1/nodes/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodDelete, "/api/v1/nodes/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, s, http.MethodDelete, "/api/v1/nodes/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload = do(t, s, http.MethodGet, "/api/v1/topics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "account_snapshots", payload["topics"].(map[string]interface{})[config.SnapshotTopic])
}

func TestLogManager_RingBuffer(t *testing.T) {
	lm := NewLogManager(3)
	for i := 1; i <= 5; i++ {
		lm.AddLog(&logrus.Entry{
			Time:    time.Unix(int64(i), 0),
			Level:   logrus.InfoLevel,
			Message: fmt.Sprintf("msg-%d", i),
			Data:    logrus.Fields{"block_number": uint64(i)},
		})
	}

	logs := lm.GetLogs(LogQuery{}, 0)
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"msg-5", "msg-4", "msg-3"}, []string{logs[0].Message, logs[1].Message, logs[2].Message})

	block := uint64(4)
	logs = lm.GetLogs(LogQuery{BlockNumber: &block}, 0)
	require.Len(t, logs, 1)
	assert.Equal(t, "msg-4", logs[0].Message)

	page, total := lm.GetLogsWithPagination(LogQuery{}, 2, 2)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "msg-3", page[0].Message)

	assert.Empty(t, lm.GetLogs(LogQuery{Level: "error"}, 0))
	assert.Len(t, lm.GetLogs(LogQuery{Since: time.Unix(5, 0)}, 0), 1)
}

func TestAccountSnapshotsByPublicKey(t *testing.T) {
	const (
		aliceSS58   = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
		alicePubkey = "0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"
	)

	s, _ := newTestServer(t)
	s.config.Chain.SS58Prefix = 42

	deposit := &models.Event{Section: "balances", Method: "Deposit", Data: []interface{}{aliceSS58, 1}}
	require.NoError(t, s.collector.HandleBlock(context.Background(),
		&models.Block{Number: 9, Timestamp: time.Now(), Events: []*models.Event{deposit}}))

	rec, payload := do(t, s, http.MethodGet, "/api/v1/accounts/"+alicePubkey+"/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, aliceSS58, payload["account"])
	assert.Equal(t, float64(1), payload["total"])

	// 未配置网络前缀时按原样查询
	assert.Equal(t, alicePubkey, canonicalAccount(alicePubkey, -1))
	assert.Equal(t, "Bob", canonicalAccount("Bob", 42))
}
