package collector

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"snapshotter/internal/config"
	"snapshotter/internal/errors"
	"snapshotter/internal/logging"
	"snapshotter/internal/metrics"
	"snapshotter/internal/output"
	"snapshotter/internal/progress"
	"snapshotter/internal/retry"
	"snapshotter/internal/shutdown"
	"snapshotter/internal/snapshot"
	"snapshotter/internal/source"
	"snapshotter/internal/store"
	"snapshotter/internal/validation"
	"snapshotter/pkg/models"
)

// 采集器常量
const (
	DefaultBlockTimeout = 60 * time.Second // 单个区块处理超时（含全部账户查询）
	DefaultRetryLimit   = 3                // 默认整块重试次数
)

// ErrAlreadyRunning 采集器已在运行
var ErrAlreadyRunning = stderrors.New("采集器已在运行")

// ErrNotRunning 采集器未在运行
var ErrNotRunning = stderrors.New("采集器未在运行")

// Options 采集器依赖
// Querier、Store、Output 必填，其余为空时使用默认实现或关闭对应功能
type Options struct {
	Querier          snapshot.StateQuerier
	Store            store.Store
	Output           output.Output
	Progress         *progress.Manager
	Validator        *validation.Validator
	ErrorHandler     *errors.ErrorHandler
	StructuredLogger *logging.StructuredLogger
	RetryConfig      *retry.RetryConfig
	Shutdown         *shutdown.GracefulShutdown
	Connections      io.Closer // 链节点连接池
}

// Stats 运行统计
type Stats struct {
	BlocksProcessed  uint64    `json:"blocks_processed"`
	BlocksResumed    uint64    `json:"blocks_resumed"` // 断点续传时跳过的已处理区块
	BlocksFailed     uint64    `json:"blocks_failed"`
	SnapshotsCreated uint64    `json:"snapshots_created"`
	SnapshotsSkipped uint64    `json:"snapshots_skipped"`
	PublishErrors    uint64    `json:"publish_errors"`
	LastBlock        uint64    `json:"last_block"`
	LastError        string    `json:"last_error,omitempty"`
	FailedBlocks     []uint64  `json:"failed_blocks,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// maxFailedBlocks 统计中保留的失败区块数量
const maxFailedBlocks = 100

// Collector 快照采集器
// 逐个消费区块来源，每个区块经过校验、处理、发布和进度记录
type Collector struct {
	collectorConfig  *config.CollectorConfig
	processor        *snapshot.Processor
	store            store.Store
	outputter        output.Output
	validator        *validation.Validator
	progressManager  *progress.Manager          // 进度管理器
	retrier          *retry.Retrier             // 整块重试
	errorHandler     *errors.ErrorHandler       // 错误统计
	gracefulShutdown *shutdown.GracefulShutdown // 优雅停机管理器
	structuredLogger *logging.StructuredLogger  // 结构化日志器
	connections      io.Closer
	logger           *logrus.Logger
	blockTimeout     time.Duration

	// blockMu 保证区块严格串行处理
	blockMu sync.Mutex

	mu        sync.RWMutex
	stats     Stats
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	resumeCh  chan struct{} // 非空时表示已暂停
	closeOnce sync.Once
}

// validateOptions 验证必需的依赖
func validateOptions(cfg *config.CollectorConfig, opts Options, logger *logrus.Logger) error {
	if cfg == nil {
		return fmt.Errorf("采集器配置不能为空")
	}
	if logger == nil {
		return fmt.Errorf("日志器不能为空")
	}
	if opts.Querier == nil {
		return fmt.Errorf("链状态查询器不能为空")
	}
	if opts.Store == nil {
		return fmt.Errorf("快照存储不能为空")
	}
	if opts.Output == nil {
		return fmt.Errorf("输出器不能为空")
	}
	if cfg.RetryLimit < 0 {
		return fmt.Errorf("重试次数不能为负数: %d", cfg.RetryLimit)
	}
	return nil
}

// NewCollector 创建采集器
func NewCollector(cfg *config.CollectorConfig, opts Options, logger *logrus.Logger) (*Collector, error) {
	if err := validateOptions(cfg, opts, logger); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical,
			"INVALID_COLLECTOR_OPTIONS", "采集器参数无效")
	}

	errorHandler := opts.ErrorHandler
	if errorHandler == nil {
		errorHandler = errors.NewErrorHandler(logger)
	}
	errorHandler.AddCallback(func(err *errors.SnapshotError) {
		metrics.Errors.WithLabelValues(err.Type.String(), err.Component).Inc()
	})

	validator := opts.Validator
	if validator == nil {
		validator = validation.NewValidator(logger, false)
	}

	retryConfig := opts.RetryConfig
	if retryConfig == nil {
		retryConfig = retry.BlockRetryConfig(cfg.RetryLimit)
	}

	c := &Collector{
		collectorConfig:  cfg,
		processor:        snapshot.NewProcessor(opts.Querier, opts.Store, logger),
		store:            opts.Store,
		outputter:        opts.Output,
		validator:        validator,
		progressManager:  opts.Progress,
		retrier:          retry.NewRetrier(retryConfig, logger),
		errorHandler:     errorHandler,
		gracefulShutdown: opts.Shutdown,
		structuredLogger: opts.StructuredLogger,
		connections:      opts.Connections,
		logger:           logger,
		blockTimeout:     config.ParseDuration(cfg.Timeout, DefaultBlockTimeout),
	}
	c.stats.StartedAt = time.Now()

	c.registerShutdownHandlers()

	return c, nil
}

// HandleBlock 处理单个区块，可直接作为 source.Handler 使用
// 返回错误时来源停止投递；SkipOnError 开启时失败区块只记录不返回错误
func (c *Collector) HandleBlock(ctx context.Context, block *models.Block) error {
	if block == nil {
		return fmt.Errorf("区块为空")
	}

	if err := c.waitIfPaused(ctx); err != nil {
		return err
	}

	c.blockMu.Lock()
	defer c.blockMu.Unlock()

	if c.collectorConfig.Resume && c.progressManager != nil && c.progressManager.IsProcessed(block.Number) {
		c.logger.Debugf("区块 %d 已处理，跳过", block.Number)
		c.mu.Lock()
		c.stats.BlocksResumed++
		c.mu.Unlock()
		return nil
	}

	start := time.Now()

	if err := c.validator.ValidateAndHandle(ctx, block); err != nil {
		return c.blockFailed(ctx, block.Number, err)
	}

	result, err := c.processWithRetry(ctx, block)
	if err != nil {
		return c.blockFailed(ctx, block.Number, err)
	}

	c.updateProcessingProgress(result)

	duration := time.Since(start)
	metrics.BlockProcessingDuration.Observe(duration.Seconds())
	c.LogBlock(block.Number, "区块处理完成", map[string]any{
		"balance_events": result.BalanceEvents,
		"accounts":       len(result.Accounts),
		"created":        len(result.Snapshots),
		"skipped":        result.SkippedExisting,
		"duration_ms":    duration.Milliseconds(),
	})

	return nil
}

// processWithRetry 整块重试处理区块
// 每次尝试新建的快照立即发布，重试时已存在的快照会被跳过，不会重复发布
func (c *Collector) processWithRetry(ctx context.Context, block *models.Block) (*snapshot.BlockResult, error) {
	var (
		final   *snapshot.BlockResult
		created []*models.AccountSnapshot
	)

	operation := fmt.Sprintf("process_block_%d", block.Number)
	err := c.retrier.Execute(ctx, operation, func() error {
		blockCtx, cancel := context.WithTimeout(ctx, c.blockTimeout)
		defer cancel()

		result, err := c.processor.ProcessBlock(blockCtx, block)
		if result != nil {
			c.publish(block.Number, result.Snapshots)
			created = append(created, result.Snapshots...)
		}
		if err != nil {
			c.recordAttemptError(err)
			return err
		}

		final = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 前几次尝试创建的快照在最后一次中被计为已存在
	carried := len(created) - len(final.Snapshots)
	final.Snapshots = created
	final.SkippedExisting -= carried
	if final.SkippedExisting < 0 {
		final.SkippedExisting = 0
	}

	return final, nil
}

// recordAttemptError 记录单次尝试的失败
func (c *Collector) recordAttemptError(err error) {
	var snapshotErr *errors.SnapshotError
	if stderrors.As(err, &snapshotErr) && snapshotErr.Type == errors.ErrorTypeStateQuery {
		metrics.StateQueryErrors.Inc()
	}
}

// publish 发布新建的快照，发布失败不影响区块处理结果
func (c *Collector) publish(blockNumber uint64, snapshots []*models.AccountSnapshot) {
	for _, s := range snapshots {
		if result := c.validator.ValidateSnapshot(s); !result.Valid {
			for _, err := range result.Errors {
				c.errorHandler.HandleError(context.Background(), err.WithComponent(logging.ComponentPublisher))
			}
			continue
		}

		if err := c.outputter.WriteSnapshot(s); err != nil {
			metrics.PublishErrors.Inc()
			c.mu.Lock()
			c.stats.PublishErrors++
			c.mu.Unlock()

			publishErr := errors.WrapError(err, errors.ErrorTypeKafka, errors.SeverityMedium,
				"PUBLISH_FAILED", "快照发布失败").
				WithBlockNumber(blockNumber).
				WithAccount(s.AccountID).
				WithComponent(logging.ComponentPublisher)
			c.errorHandler.HandleError(context.Background(), publishErr)
			continue
		}

		if c.structuredLogger != nil {
			logging.NewAccountLogger(c.structuredLogger, blockNumber, s.AccountID).
				Debug("快照已发布", "snapshot_id", s.ID, "total", s.TotalBalance.Dec())
		}
	}
}

// blockFailed 处理最终失败的区块
func (c *Collector) blockFailed(ctx context.Context, blockNumber uint64, err error) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	metrics.BlocksFailed.Inc()

	snapshotErr := errors.Classify(err)
	if snapshotErr.BlockNumber == nil {
		snapshotErr = snapshotErr.WithBlockNumber(blockNumber)
	}
	if snapshotErr.Component == "" {
		snapshotErr = snapshotErr.WithComponent("collector")
	}
	c.errorHandler.HandleError(ctx, snapshotErr)

	c.mu.Lock()
	c.stats.BlocksFailed++
	c.stats.LastError = err.Error()
	c.stats.FailedBlocks = append(c.stats.FailedBlocks, blockNumber)
	if len(c.stats.FailedBlocks) > maxFailedBlocks {
		c.stats.FailedBlocks = c.stats.FailedBlocks[1:]
	}
	c.mu.Unlock()

	c.LogError("collector", fmt.Sprintf("区块 %d 处理失败", blockNumber), err, map[string]any{
		"block_number": blockNumber,
	})

	if c.collectorConfig.SkipOnError {
		c.logger.Warnf("区块 %d 处理失败，按配置跳过: %v", blockNumber, err)
		return nil
	}

	return fmt.Errorf("区块 %d 处理失败: %w", blockNumber, err)
}

// updateProcessingProgress 更新处理进度和指标
func (c *Collector) updateProcessingProgress(result *snapshot.BlockResult) {
	metrics.BlocksProcessed.Inc()
	metrics.LastProcessedBlock.Set(float64(result.BlockNumber))
	metrics.SnapshotsCreated.Add(float64(len(result.Snapshots)))
	metrics.SnapshotsSkipped.Add(float64(result.SkippedExisting))
	for method, count := range result.MethodCounts {
		metrics.BalanceEvents.WithLabelValues(method).Add(float64(count))
	}

	c.mu.Lock()
	c.stats.BlocksProcessed++
	c.stats.SnapshotsCreated += uint64(len(result.Snapshots))
	c.stats.SnapshotsSkipped += uint64(result.SkippedExisting)
	if result.BlockNumber > c.stats.LastBlock {
		c.stats.LastBlock = result.BlockNumber
	}
	c.mu.Unlock()

	if c.progressManager == nil {
		return
	}

	if err := c.progressManager.UpdateProgress(result.BlockNumber, len(result.Snapshots), result.SkippedExisting); err != nil {
		c.logger.Warnf("更新进度失败: %v", err)
	}
}

// Run 同步消费来源直到结束、ctx 取消或区块处理失败
func (c *Collector) Run(ctx context.Context, src source.Source) error {
	c.logger.Info("开始消费区块来源")

	if c.collectorConfig.Resume && c.progressManager != nil {
		if last, ok := c.progressManager.GetLastProcessedBlock(); ok {
			c.logger.Infof("断点续传：最后处理的区块 %d，已处理的区块将被跳过", last)
		}
	}

	err := src.Run(ctx, c.HandleBlock)
	if err != nil && !stderrors.Is(err, context.Canceled) {
		c.logger.Errorf("区块来源停止: %v", err)
		return err
	}

	stats := c.GetStats()
	c.logger.Infof("区块来源消费结束: 处理 %d 个区块, 新建 %d 个快照, 跳过 %d 个已存在快照, 失败 %d 个区块",
		stats.BlocksProcessed, stats.SnapshotsCreated, stats.SnapshotsSkipped, stats.BlocksFailed)

	return err
}

// Start 在后台消费来源
func (c *Collector) Start(src source.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(c.GetShutdownContext())
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.runErr = nil

	go func(done chan struct{}) {
		defer close(done)
		defer cancel()

		err := c.Run(ctx, src)
		if closeErr := src.Close(); closeErr != nil {
			c.logger.Warnf("关闭区块来源失败: %v", closeErr)
		}

		c.mu.Lock()
		c.running = false
		if err != nil && !stderrors.Is(err, context.Canceled) {
			c.runErr = err
		}
		c.mu.Unlock()
	}(c.done)

	return nil
}

// Stop 停止后台消费并等待当前区块处理完成
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	c.Resume()
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 等待后台消费结束，返回消费错误
func (c *Collector) Wait() error {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()

	if done != nil {
		<-done
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runErr
}

// Pause 暂停处理，正在处理的区块会完成
func (c *Collector) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resumeCh != nil {
		return false
	}
	c.resumeCh = make(chan struct{})
	c.logger.Info("采集已暂停")
	return true
}

// Resume 恢复处理
func (c *Collector) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resumeCh == nil {
		return false
	}
	close(c.resumeCh)
	c.resumeCh = nil
	c.logger.Info("采集已恢复")
	return true
}

func (c *Collector) waitIfPaused(ctx context.Context) error {
	c.mu.RLock()
	resumeCh := c.resumeCh
	c.mu.RUnlock()

	if resumeCh == nil {
		return nil
	}

	select {
	case <-resumeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning 是否在后台运行
func (c *Collector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// GetStatus 获取状态字符串
func (c *Collector) GetStatus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.running {
		return "stopped"
	}
	if c.resumeCh != nil {
		return "paused"
	}
	return "running"
}

// GetStats 获取运行统计的副本
func (c *Collector) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.FailedBlocks = append([]uint64(nil), c.stats.FailedBlocks...)
	return stats
}

// GetErrorStats 获取错误统计
func (c *Collector) GetErrorStats() errors.ErrorStats {
	return c.errorHandler.GetStats()
}

// GetComponentStats 校验器、节点连接和异步输出的运行统计
func (c *Collector) GetComponentStats() map[string]interface{} {
	stats := map[string]interface{}{
		"validation": c.validator.GetValidationStats(),
	}
	if nodes, ok := c.connections.(interface{ GetStats() map[string]interface{} }); ok {
		stats["nodes"] = nodes.GetStats()
	}
	if publisher, ok := c.outputter.(interface{ GetStats() (int64, int64, int64) }); ok {
		queued, sent, failed := publisher.GetStats()
		stats["publisher"] = map[string]int64{"queued": queued, "sent": sent, "failed": failed}
	}
	return stats
}

// GetSnapshot 按ID读取快照
func (c *Collector) GetSnapshot(ctx context.Context, id string) (*models.AccountSnapshot, error) {
	if _, _, err := models.ParseSnapshotID(id); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_SNAPSHOT_ID", "快照ID格式无效")
	}
	return c.store.Get(ctx, id)
}

// ListAccountSnapshots 按区块倒序列出账户快照
func (c *Collector) ListAccountSnapshots(ctx context.Context, accountID string, limit int) ([]*models.AccountSnapshot, error) {
	return c.store.ListByAccount(ctx, accountID, limit)
}

// CountSnapshots 快照总数
func (c *Collector) CountSnapshots(ctx context.Context) (int64, error) {
	return c.store.Count(ctx)
}

// GetProgressInfo 获取当前进度信息
func (c *Collector) GetProgressInfo() map[string]interface{} {
	if c.progressManager == nil {
		return map[string]interface{}{
			"progress_tracking": "disabled",
		}
	}

	return c.progressManager.GetStats()
}

// ResetProgress 重置进度（谨慎使用）
func (c *Collector) ResetProgress() error {
	if c.progressManager == nil {
		return fmt.Errorf("进度管理器未初始化")
	}

	c.logger.Warn("重置快照进度...")
	return c.progressManager.Reset()
}

// SaveProgressCheckpoint 保存进度检查点
func (c *Collector) SaveProgressCheckpoint() error {
	if c.progressManager == nil {
		return fmt.Errorf("进度管理器未初始化")
	}

	if err := c.progressManager.SaveCheckpoint(); err != nil {
		return fmt.Errorf("保存进度检查点失败: %w", err)
	}

	if last, ok := c.progressManager.GetLastProcessedBlock(); ok {
		c.logger.Infof("已保存进度检查点，最后处理区块: %d", last)
	}
	return nil
}

// registerShutdownHandlers 注册停机处理函数
func (c *Collector) registerShutdownHandlers() {
	if c.gracefulShutdown == nil {
		return
	}

	// 1. 停止消费并等待当前区块完成
	c.gracefulShutdown.RegisterShutdownFunc(
		"stop_consuming",
		func(ctx context.Context) error {
			c.logger.Info("停止消费区块来源...")
			if err := c.Stop(ctx); err != nil && !stderrors.Is(err, ErrNotRunning) {
				return err
			}
			return nil
		},
		shutdown.OrderStopConsuming,
	)

	// 2. 刷新输出缓冲区
	c.gracefulShutdown.RegisterShutdownFunc(
		"flush_publishers",
		func(ctx context.Context) error {
			c.logger.Info("刷新快照输出...")
			if flusher, ok := c.outputter.(interface{ Flush(time.Duration) error }); ok {
				timeout := 30 * time.Second
				if deadline, ok := ctx.Deadline(); ok {
					timeout = time.Until(deadline)
				}
				return flusher.Flush(timeout)
			}
			return nil
		},
		shutdown.OrderFlushPublishers,
	)

	// 3. 保存当前进度
	if c.progressManager != nil {
		c.gracefulShutdown.RegisterShutdownFunc(
			"save_progress",
			func(ctx context.Context) error {
				c.logger.Info("保存当前快照进度...")
				return c.SaveProgressCheckpoint()
			},
			shutdown.OrderSaveProgress,
		)
	}

	// 4. 关闭存储、输出和节点连接
	c.gracefulShutdown.RegisterShutdownFunc(
		"close_resources",
		func(ctx context.Context) error {
			c.logger.Info("关闭存储和外部连接...")
			return c.closeResources()
		},
		shutdown.OrderCloseStore,
	)

	c.logger.Info("已注册优雅停机处理函数")
}

// GetShutdownContext 获取停机上下文
func (c *Collector) GetShutdownContext() context.Context {
	if c.gracefulShutdown != nil {
		return c.gracefulShutdown.Context()
	}
	return context.Background()
}

// LogBlock 记录区块处理日志
func (c *Collector) LogBlock(blockNumber uint64, message string, fields map[string]any) {
	if c.structuredLogger != nil {
		blockLogger := logging.NewBlockLogger(c.structuredLogger, blockNumber)
		args := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		blockLogger.Info(message, args...)
		return
	}
	c.logger.WithFields(logrus.Fields(fields)).Infof("[Block %d] %s", blockNumber, message)
}

// LogError 记录错误日志
func (c *Collector) LogError(component string, message string, err error, fields map[string]any) {
	if c.structuredLogger != nil {
		allFields := map[string]any{
			"component": component,
			"error":     err.Error(),
		}
		for k, v := range fields {
			allFields[k] = v
		}
		c.structuredLogger.Log(context.Background(), slog.LevelError, message, allFields)
		return
	}
	c.logger.Errorf("[%s] %s: %v", component, message, err)
}

// Close 关闭采集器
// 配置了优雅停机时按停机顺序执行，否则直接关闭资源
func (c *Collector) Close() error {
	if c.gracefulShutdown != nil {
		return c.gracefulShutdown.Shutdown()
	}

	if c.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Stop(ctx); err != nil && !stderrors.Is(err, ErrNotRunning) {
			c.logger.Warnf("停止采集失败: %v", err)
		}
	}
	return c.closeResources()
}

// closeResources 关闭资源，只执行一次
// 持有 blockMu，等待正在处理的区块结束后再关闭存储
func (c *Collector) closeResources() error {
	c.blockMu.Lock()
	defer c.blockMu.Unlock()

	var errs []error

	c.closeOnce.Do(func() {
		if err := c.outputter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭输出器失败: %w", err))
		}

		if c.progressManager != nil {
			if err := c.progressManager.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭进度管理器失败: %w", err))
			}
		}

		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭快照存储失败: %w", err))
		}

		if c.connections != nil {
			if err := c.connections.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭节点连接失败: %w", err))
			}
		}

		if c.structuredLogger != nil {
			if err := c.structuredLogger.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭结构化日志器失败: %w", err))
			}
		}
	})

	for _, err := range errs {
		c.logger.Error(err)
	}
	return stderrors.Join(errs...)
}
