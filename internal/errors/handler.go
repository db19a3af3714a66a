package errors

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 统计并记录采集过程中的错误，不负责重试（重试由 retry 包完成）
type ErrorHandler struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	stats     *ErrorStats
	callbacks []ErrorCallback
	limits    map[ErrorSeverity]int // 每小时错误数超过该值时告警
	lastAlert map[ErrorSeverity]time.Time
	cooldown  time.Duration
}

// ErrorCallback 错误回调，同步执行
type ErrorCallback func(err *SnapshotError)

// DefaultAlertCooldown 同一严重级别两次告警的最小间隔
const DefaultAlertCooldown = 10 * time.Minute

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
		limits: map[ErrorSeverity]int{
			SeverityLow:      100,
			SeverityMedium:   50,
			SeverityHigh:     20,
			SeverityCritical: 5,
		},
		lastAlert: make(map[ErrorSeverity]time.Time),
		cooldown:  DefaultAlertCooldown,
	}
}

// Classify 把任意错误转换为 SnapshotError
// MalformedEventError 单独归类为不可重试的数据错误
func Classify(err error) *SnapshotError {
	var snapshotErr *SnapshotError
	if stderrors.As(err, &snapshotErr) {
		return snapshotErr
	}

	var malformed *MalformedEventError
	if stderrors.As(err, &malformed) {
		return WrapError(err, ErrorTypeMalformedEvent, SeverityHigh, "MALFORMED_EVENT", "事件参数格式错误").
			WithContext("method", malformed.Method).
			WithContext("position", malformed.Position)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrorTypeTimeout, SeverityMedium, "TIMEOUT", "操作超时")
	}

	return WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
}

// HandleError 归类、统计并记录错误，返回归类后的错误
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	snapshotErr := Classify(err)

	eh.mu.Lock()
	eh.stats.RecordError(snapshotErr)
	alert := eh.shouldAlert(snapshotErr.Severity, time.Now())
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.Unlock()

	eh.log(snapshotErr)
	if alert {
		eh.logger.WithField("severity", snapshotErr.Severity.String()).
			Warnf("最近一小时错误数超过阈值: %s", snapshotErr.Error())
	}

	for _, cb := range callbacks {
		eh.runCallback(cb, snapshotErr)
	}

	return snapshotErr
}

// shouldAlert 调用方持有写锁
func (eh *ErrorHandler) shouldAlert(severity ErrorSeverity, now time.Time) bool {
	limit, ok := eh.limits[severity]
	if !ok || eh.stats.countSince(severity, now.Add(-time.Hour)) <= limit {
		return false
	}
	if last, ok := eh.lastAlert[severity]; ok && now.Sub(last) < eh.cooldown {
		return false
	}
	eh.lastAlert[severity] = now
	return true
}

func (eh *ErrorHandler) runCallback(cb ErrorCallback, err *SnapshotError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// log 按严重级别输出，区块号和账户作为独立字段
func (eh *ErrorHandler) log(err *SnapshotError) {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	}
	if err.BlockNumber != nil {
		fields["block_number"] = *err.BlockNumber
	}
	if err.Account != nil {
		fields["account"] = *err.Account
	}
	if len(err.Context) > 0 {
		fields["context"] = err.Context
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}

	entry := eh.logger.WithFields(fields)
	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
}

// AddCallback 添加错误回调，例如按类型计数的指标
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetAlertLimit 设置某个严重级别每小时的告警阈值
func (eh *ErrorHandler) SetAlertLimit(severity ErrorSeverity, perHour int, cooldown time.Duration) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.limits[severity] = perHour
	if cooldown > 0 {
		eh.cooldown = cooldown
	}
}

// GetStats 获取错误统计信息的副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	stats := *eh.stats
	stats.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	stats.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	stats.ErrorsByComponent = copyCounts(eh.stats.ErrorsByComponent)
	stats.RecentErrors = append([]*SnapshotError(nil), eh.stats.RecentErrors...)
	return stats
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
	eh.lastAlert = make(map[ErrorSeverity]time.Time)
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
