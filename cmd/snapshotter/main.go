package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"snapshotter/internal/collector"
	"snapshotter/internal/config"
	"snapshotter/internal/logging"
	"snapshotter/internal/progress"
	"snapshotter/internal/shutdown"
	"snapshotter/internal/source"
	"snapshotter/internal/store"
)

var (
	// 来源参数
	sourceType string
	inputPath  string
	startBlock uint64
	endBlock   uint64

	// 高级参数
	configFile string
	verbose    bool
	dryRun     bool
	strict     bool

	// 进度管理参数
	resume        bool // 是否启用断点续传
	resetProgress bool // 是否重置进度
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapshotter",
		Short: "Substrate账户余额快照工具",
		Long:  `消费已解码的Substrate区块，为余额事件涉及的账户生成按区块的余额快照`,
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	// 来源参数
	rootCmd.Flags().StringVar(&sourceType, "source", "", "区块来源 (file, kafka)，默认使用配置文件")
	rootCmd.Flags().StringVar(&inputPath, "input", "", "区块文件路径，\"-\" 表示标准输入")
	rootCmd.Flags().Uint64Var(&startBlock, "start-block", 0, "起始区块号")
	rootCmd.Flags().Uint64Var(&endBlock, "end-block", 0, "结束区块号，0表示不限制")

	// 高级参数
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "试运行模式：内存存储，不输出、不记录进度")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "严格校验区块事件和账户地址")

	// 进度管理参数
	rootCmd.Flags().BoolVar(&resume, "resume", true, "启用断点续传（默认开启）")
	rootCmd.Flags().BoolVar(&resetProgress, "reset-progress", false, "重置进度重新开始")

	// 进度查询子命令
	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "查看快照进度",
		RunE:  showProgress,
	}

	// 数据库迁移子命令
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "执行Postgres快照表迁移",
		RunE:  runMigrate,
	}

	rootCmd.AddCommand(progressCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并用命令行参数覆盖
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Source.Type = sourceType
	}
	if flags.Changed("input") {
		cfg.Source.Path = inputPath
		if !flags.Changed("source") {
			cfg.Source.Type = "file"
		}
	}
	if flags.Changed("start-block") {
		cfg.Collector.StartBlock = startBlock
	}
	if flags.Changed("end-block") {
		cfg.Collector.EndBlock = endBlock
	}
	if flags.Changed("resume") {
		cfg.Collector.Resume = resume
	}

	logger, err := logging.NewLogrusLogger(cfg.Logging, verbose)
	if err != nil {
		return nil, nil, err
	}

	return cfg, logger, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	c, err := collector.NewFromConfig(context.Background(), cfg, collector.BuildOptions{
		DryRun:     dryRun,
		StrictMode: strict,
	}, logger)
	if err != nil {
		return fmt.Errorf("创建采集器失败: %w", err)
	}

	// 处理进度重置
	if resetProgress && !dryRun {
		logger.Info("重置快照进度...")
		if err := c.ResetProgress(); err != nil {
			logger.Warnf("重置进度失败: %v", err)
		} else {
			logger.Info("进度已重置")
		}
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		startMetricsServer(c, cfg.Metrics.Listen, logger)
	}

	// 启动优雅停机监听
	c.StartGracefulShutdown()
	ctx := c.GetShutdownContext()

	src, err := source.New(cfg.Source, source.Range{Start: cfg.Collector.StartBlock, End: cfg.Collector.EndBlock}, logger)
	if err != nil {
		c.Close()
		return fmt.Errorf("创建区块来源失败: %w", err)
	}

	logger.Infof("开始生成快照: source=%s, 区块范围 %d - %d", cfg.Source.Type, cfg.Collector.StartBlock, cfg.Collector.EndBlock)
	runErr := c.Run(ctx, src)
	if err := src.Close(); err != nil {
		logger.Warnf("关闭区块来源失败: %v", err)
	}

	printStats(c, logger)

	// 等待优雅停机完成
	logger.Info("等待优雅停机完成...")
	if err := c.Close(); err != nil {
		logger.Errorf("停机过程中出现错误: %v", err)
	}

	if stderrors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// startMetricsServer 启动Prometheus指标服务，停机时关闭
func startMetricsServer(c *collector.Collector, listen string, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("指标服务监听 %s", listen)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Errorf("指标服务失败: %v", err)
		}
	}()

	c.RegisterShutdownFunc("stop_metrics_server", srv.Shutdown, shutdown.OrderStopAPI)
}

func printStats(c *collector.Collector, logger *logrus.Logger) {
	stats := c.GetStats()
	logger.Info("快照完成，统计信息:")
	logger.Infof("  处理区块数: %d", stats.BlocksProcessed)
	logger.Infof("  续传跳过区块数: %d", stats.BlocksResumed)
	logger.Infof("  失败区块数: %d", stats.BlocksFailed)
	logger.Infof("  新建快照数: %d", stats.SnapshotsCreated)
	logger.Infof("  已存在快照数: %d", stats.SnapshotsSkipped)
	logger.Infof("  发布失败数: %d", stats.PublishErrors)
	logger.Infof("  耗时: %s", time.Since(stats.StartedAt).Round(time.Millisecond))
}

// showProgress 显示快照进度
func showProgress(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manager, err := progress.NewManager(cfg.Collector.ProgressDB, logger)
	if err != nil {
		return fmt.Errorf("打开进度数据库失败: %w", err)
	}
	defer manager.Close()

	progressInfo := manager.GetStats()
	keys := make([]string, 0, len(progressInfo))
	for key := range progressInfo {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Println("📊 快照进度信息")
	fmt.Println(strings.Repeat("=", 50))
	for _, key := range keys {
		fmt.Printf("%-20s: %v\n", key, progressInfo[key])
	}

	return nil
}

// runMigrate 执行数据库迁移
func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Store.Postgres == nil || cfg.Store.Postgres.DSN == "" {
		return fmt.Errorf("未配置 store.postgres.dsn")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.OpenPostgres(ctx, cfg.Store.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		return err
	}

	logger.Info("数据库迁移完成")
	return nil
}
