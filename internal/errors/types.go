package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 网络相关错误
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeConnection
	ErrorTypeTimeout

	// 链状态相关错误
	ErrorTypeStateQuery
	ErrorTypeMalformedEvent

	// 数据相关错误
	ErrorTypeSerialization
	ErrorTypeValidation

	// 存储与输出错误
	ErrorTypeStore
	ErrorTypeKafka
	ErrorTypeSource

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeFileIO
	ErrorTypeConfig
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// SnapshotError 自定义错误类型
type SnapshotError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
	Account     *string                `json:"account,omitempty"`
}

// Error 实现error接口
func (e *SnapshotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *SnapshotError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *SnapshotError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *SnapshotError) WithContext(key string, value interface{}) *SnapshotError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加区块号
func (e *SnapshotError) WithBlockNumber(blockNumber uint64) *SnapshotError {
	e.BlockNumber = &blockNumber
	return e
}

// WithAccount 添加账户
func (e *SnapshotError) WithAccount(account string) *SnapshotError {
	e.Account = &account
	return e
}

// WithComponent 设置出错组件
func (e *SnapshotError) WithComponent(component string) *SnapshotError {
	e.Component = component
	return e
}

// NewSnapshotError 创建新的错误
func NewSnapshotError(errorType ErrorType, severity ErrorSeverity, code, message string) *SnapshotError {
	return &SnapshotError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *SnapshotError {
	return &SnapshotError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
// 快照写入是幂等的，整块重试是安全的
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeStateQuery, ErrorTypeStore:
		return true
	case ErrorTypeKafka, ErrorTypeSource:
		return true
	default:
		return false
	}
}

// MalformedEventError 事件参数与方法约定的结构不符
type MalformedEventError struct {
	Method   string // 事件方法名
	Expected int    // 期望的参数个数
	Got      int    // 实际的参数个数
	Position int    // 出错参数位置，-1 表示参数个数错误
	Reason   string
}

// Error 实现error接口
func (e *MalformedEventError) Error() string {
	if e.Position < 0 {
		return fmt.Sprintf("[MALFORMED_EVENT] 事件 %s 期望 %d 个参数，实际 %d 个", e.Method, e.Expected, e.Got)
	}
	return fmt.Sprintf("[MALFORMED_EVENT] 事件 %s 第 %d 个参数无效: %s", e.Method, e.Position, e.Reason)
}

// IsRetryable 参数错误重试不会有不同结果
func (e *MalformedEventError) IsRetryable() bool {
	return false
}

// NewArityError 创建参数个数错误
func NewArityError(method string, expected, got int) *MalformedEventError {
	return &MalformedEventError{Method: method, Expected: expected, Got: got, Position: -1}
}

// NewFieldError 创建参数内容错误
func NewFieldError(method string, expected, position int, reason string) *MalformedEventError {
	return &MalformedEventError{Method: method, Expected: expected, Got: expected, Position: position, Reason: reason}
}

// 预定义错误
var (
	ErrStateQueryFailed = NewSnapshotError(
		ErrorTypeStateQuery,
		SeverityHigh,
		"STATE_QUERY_FAILED",
		"查询链上账户状态失败",
	)

	ErrStoreFailed = NewSnapshotError(
		ErrorTypeStore,
		SeverityHigh,
		"STORE_FAILED",
		"快照存储操作失败",
	)

	ErrPublishFailed = NewSnapshotError(
		ErrorTypeKafka,
		SeverityHigh,
		"PUBLISH_FAILED",
		"快照发布失败",
	)

	ErrSourceFailed = NewSnapshotError(
		ErrorTypeSource,
		SeverityHigh,
		"SOURCE_FAILED",
		"读取区块数据失败",
	)

	ErrDataValidation = NewSnapshotError(
		ErrorTypeValidation,
		SeverityMedium,
		"DATA_VALIDATION_FAILED",
		"数据验证失败",
	)

	ErrConfigInvalid = NewSnapshotError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:        "Network",
	ErrorTypeConnection:     "Connection",
	ErrorTypeTimeout:        "Timeout",
	ErrorTypeStateQuery:     "StateQuery",
	ErrorTypeMalformedEvent: "MalformedEvent",
	ErrorTypeSerialization:  "Serialization",
	ErrorTypeValidation:     "Validation",
	ErrorTypeStore:          "Store",
	ErrorTypeKafka:          "Kafka",
	ErrorTypeSource:         "Source",
	ErrorTypeSystem:         "System",
	ErrorTypeFileIO:         "FileIO",
	ErrorTypeConfig:         "Config",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int              `json:"total_errors"`
	ErrorsByType      map[string]int   `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int   `json:"errors_by_severity"`
	ErrorsByComponent map[string]int   `json:"errors_by_component"`
	RecentErrors      []*SnapshotError `json:"recent_errors"`
	LastError         *SnapshotError   `json:"last_error"`
	LastErrorTime     time.Time        `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*SnapshotError, 0),
	}
}

// maxRecentErrors 保留的最近错误数量
const maxRecentErrors = 100

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *SnapshotError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > maxRecentErrors {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}

// countSince 最近错误中某严重级别在 cutoff 之后的数量
func (es *ErrorStats) countSince(severity ErrorSeverity, cutoff time.Time) int {
	n := 0
	for _, err := range es.RecentErrors {
		if err.Severity == severity && err.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}
