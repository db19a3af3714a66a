package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"snapshotter/internal/chainstate"
	"snapshotter/internal/config"
	"snapshotter/internal/connection"
	"snapshotter/internal/errors"
	"snapshotter/internal/logging"
	"snapshotter/internal/output"
	"snapshotter/internal/progress"
	"snapshotter/internal/retry"
	"snapshotter/internal/shutdown"
	"snapshotter/internal/store"
	"snapshotter/internal/validation"
)

// DefaultShutdownTimeout 优雅停机的总超时
const DefaultShutdownTimeout = 30 * time.Second

// BuildOptions 按配置组装采集器时的附加选项
type BuildOptions struct {
	DryRun     bool // 使用内存存储且不输出、不记录进度
	StrictMode bool // 严格校验区块和账户地址
}

// NewFromConfig 按配置创建节点连接、状态查询、存储、输出和进度管理，并组装采集器
func NewFromConfig(ctx context.Context, cfg *config.Config, opts BuildOptions, logger *logrus.Logger) (*Collector, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical,
			"INVALID_CONFIG", "配置验证失败")
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warnf("释放资源失败: %v", err)
			}
		}
	}

	pool := connection.NewConnectionPool(cfg.Chain.Nodes, logger)
	pool.SetHealthCheckInterval(config.ParseDuration(cfg.Chain.HealthCheckInterval, 30*time.Second))
	if err := pool.Initialize(ctx); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConnection, errors.SeverityCritical,
			"NODE_CONNECT_FAILED", "无法连接到任何链节点")
	}
	closers = append(closers, pool.Close)

	querier := chainstate.NewClient(pool, cfg.Chain.SS58Prefix, logger)
	if chain, err := querier.Chain(ctx); err == nil {
		logger.Infof("已连接链: %s", chain)
	} else {
		logger.Warnf("获取链名称失败: %v", err)
	}

	storeConfig := cfg.Store
	if opts.DryRun {
		storeConfig = &config.StoreConfig{Type: "memory"}
	}

	var snapshotStore store.Store
	err := retry.NewRetrier(retry.CriticalRetryConfig, logger).Execute(ctx, "init_store", func() error {
		var err error
		snapshotStore, err = store.New(ctx, storeConfig, logger)
		return err
	})
	if err != nil {
		cleanup()
		return nil, errors.WrapError(err, errors.ErrorTypeStore, errors.SeverityCritical,
			"STORE_INIT_FAILED", fmt.Sprintf("初始化 %s 存储失败", storeConfig.Type))
	}
	closers = append(closers, snapshotStore.Close)

	var out output.Output = output.NewNoopOutput()
	if !opts.DryRun {
		out, err = output.NewOutput(cfg.Output, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("创建输出器失败: %w", err)
		}
	}
	closers = append(closers, out.Close)

	var progressManager *progress.Manager
	if !opts.DryRun {
		progressManager, err = progress.NewManager(cfg.Collector.ProgressDB, logger)
		if err != nil {
			logger.Warnf("初始化进度管理器失败: %v，将不支持断点续传", err)
			progressManager = nil
		}
	}

	structuredLogger, err := logging.NewStructuredLogger(cfg.Logging)
	if err != nil {
		logger.Warnf("初始化结构化日志器失败: %v，将使用默认日志", err)
		structuredLogger = nil
	}

	errorHandler := errors.NewErrorHandler(logger)
	validator := validation.NewValidator(logger, opts.StrictMode)
	if cfg.Chain.SS58Prefix != chainstate.AnyPrefix {
		validator.AddRule(validation.NewAddressValidationRule(cfg.Chain.SS58Prefix))
	}

	c, err := NewCollector(cfg.Collector, Options{
		Querier:          querier,
		Store:            snapshotStore,
		Output:           out,
		Progress:         progressManager,
		Validator:        validator,
		ErrorHandler:     errorHandler,
		StructuredLogger: structuredLogger,
		Shutdown:         shutdown.NewGracefulShutdown(DefaultShutdownTimeout, logger),
		Connections:      pool,
	}, logger)
	if err != nil {
		cleanup()
		if progressManager != nil {
			progressManager.Close()
		}
		return nil, err
	}

	logger.Infof("采集器已创建: store=%s, output=%s, dry_run=%v", storeConfig.Type, cfg.Output.Format, opts.DryRun)
	return c, nil
}

// StartGracefulShutdown 开始监听停机信号
func (c *Collector) StartGracefulShutdown() {
	if c.gracefulShutdown != nil {
		c.gracefulShutdown.Start()
	}
}

// ShutdownDone 停机完成时关闭的通道，未配置优雅停机时返回 nil
func (c *Collector) ShutdownDone() <-chan struct{} {
	if c.gracefulShutdown != nil {
		return c.gracefulShutdown.Done()
	}
	return nil
}

// RegisterShutdownFunc 注册额外的停机处理函数，例如API服务器
func (c *Collector) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	if c.gracefulShutdown != nil {
		c.gracefulShutdown.RegisterShutdownFunc(name, fn, order)
	}
}
