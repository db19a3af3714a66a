package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数（含第一次）
	InitialInterval     time.Duration `json:"initial_interval"`     // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子
	RandomizationFactor float64       `json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter"`        // 启用抖动
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         5,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         30 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
	EnableJitter:        true,
}

// CriticalRetryConfig 存储初始化等启动阶段操作
var CriticalRetryConfig = &RetryConfig{
	MaxAttempts:         10,
	InitialInterval:     50 * time.Millisecond,
	MaxInterval:         60 * time.Second,
	BackoffFactor:       1.5,
	RandomizationFactor: 0.05,
	EnableJitter:        true,
}

// BlockRetryConfig 整块重试配置，retryLimit 为失败后的额外尝试次数
func BlockRetryConfig(retryLimit int) *RetryConfig {
	if retryLimit < 0 {
		retryLimit = 0
	}
	return &RetryConfig{
		MaxAttempts:         retryLimit + 1,
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.15,
		EnableJitter:        true,
	}
}

// RetryableError 自行声明能否重试的错误
type RetryableError interface {
	error
	IsRetryable() bool
}

// transientMarkers 未声明类型的错误按文本判断是否为瞬时故障
var transientMarkers = []string{
	// 传输层
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timeout",
	"eof",
	// 服务端限流或暂不可用
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"request limit",
	// Substrate 节点同步中
	"node is syncing",
	"client error: unknown block",
}

// IsRetryableError 判断错误是否值得整块重试
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Retrier 指数退避重试器
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxAttempts 最大尝试次数
func (r *Retrier) MaxAttempts() int {
	return r.config.MaxAttempts
}

// ExecuteFunc 被重试的操作
type ExecuteFunc func() error

// Execute 执行 fn，可重试错误按退避间隔重试，不可重试错误原样返回
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		switch {
		case err == nil:
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		case !IsRetryableError(err):
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return err
		case attempt >= r.config.MaxAttempts:
			if attempt == 1 {
				return err
			}
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.Warnf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// calculateDelay 第 attempt 次失败后的等待时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	base := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	base = math.Min(base, float64(r.config.MaxInterval))

	if !r.config.EnableJitter || r.config.RandomizationFactor <= 0 {
		return time.Duration(base)
	}

	spread := base * r.config.RandomizationFactor
	r.mu.Lock()
	offset := (r.rand.Float64()*2 - 1) * spread
	r.mu.Unlock()

	return time.Duration(base + offset)
}
