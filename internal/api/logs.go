package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogQuery 日志查询条件，空字段不过滤
type LogQuery struct {
	Level       string
	BlockNumber *uint64 // 只返回 block_number 字段匹配的日志
	Since       time.Time
}

func (q LogQuery) matches(entry *LogEntry) bool {
	if q.Level != "" && entry.Level != q.Level {
		return false
	}
	if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
		return false
	}
	if q.BlockNumber != nil {
		value, ok := entry.Fields["block_number"]
		if !ok {
			return false
		}
		switch n := value.(type) {
		case uint64:
			return n == *q.BlockNumber
		case int:
			return n >= 0 && uint64(n) == *q.BlockNumber
		default:
			return false
		}
	}
	return true
}

// LogManager 环形缓冲的最近日志
type LogManager struct {
	entries []LogEntry
	next    int
	full    bool
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{entries: make([]LogEntry, maxLogs)}
}

// AddLog 添加日志，缓冲区满时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.entries[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % len(lm.entries)
	if lm.next == 0 {
		lm.full = true
	}
}

// newestFirst 按时间倒序复制缓冲区，调用方持有读锁
func (lm *LogManager) newestFirst(query LogQuery) []LogEntry {
	count := lm.next
	if lm.full {
		count = len(lm.entries)
	}

	result := make([]LogEntry, 0, count)
	for i := 0; i < count; i++ {
		idx := (lm.next - 1 - i + len(lm.entries)) % len(lm.entries)
		if query.matches(&lm.entries[idx]) {
			result = append(result, lm.entries[idx])
		}
	}
	return result
}

// GetLogs 获取最新的日志
func (lm *LogManager) GetLogs(query LogQuery, limit int) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	logs := lm.newestFirst(query)
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs
}

// GetLogsWithPagination 获取分页日志，第1页为最新的日志
func (lm *LogManager) GetLogsWithPagination(query LogQuery, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	allLogs := lm.newestFirst(query)
	total := len(allLogs)

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}

	end := start + pageSize
	if end > total {
		end = total
	}

	return allLogs[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.entries = make([]LogEntry, len(lm.entries))
	lm.next = 0
	lm.full = false
}

// LogHook 把 logrus 日志写入 LogManager
type LogHook struct {
	manager *LogManager
	levels  []logrus.Level
}

// NewLogHook 创建日志钩子，只收集 Info 及以上级别
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{
		manager: manager,
		levels: []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
			logrus.InfoLevel,
		},
	}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
