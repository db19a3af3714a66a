package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"snapshotter/internal/api"
	"snapshotter/internal/collector"
	"snapshotter/internal/config"
	"snapshotter/internal/logging"
	"snapshotter/internal/shutdown"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 8080, "API 服务端口")
	verbose    = flag.Bool("verbose", false, "详细输出")
	strict     = flag.Bool("strict", false, "严格校验区块事件和账户地址")
)

func main() {
	flag.Parse()

	// 自动检测并加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.NewLogrusLogger(cfg.Logging, *verbose)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}

	c, err := collector.NewFromConfig(context.Background(), cfg, collector.BuildOptions{StrictMode: *strict}, logger)
	if err != nil {
		logger.Fatalf("创建采集器失败: %v", err)
	}

	// 有数据库配置时开放运行时配置接口
	var configStore api.ConfigStore
	if dsn := os.Getenv(config.EnvPrefix + "_DB_DSN"); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Warnf("连接配置数据库失败，运行时配置接口不可用: %v", err)
		} else {
			configStore = dbConfig
			c.RegisterShutdownFunc("close_config_db", func(ctx context.Context) error {
				return dbConfig.Close()
			}, shutdown.OrderCloseConnections)
		}
	}

	// 创建API服务器
	server := api.NewServer(c, cfg, configStore, logger, fmt.Sprintf(":%d", *port))
	c.RegisterShutdownFunc("stop_api_server", server.Stop, shutdown.OrderStopAPI)

	// 启动优雅停机监听
	c.StartGracefulShutdown()

	// 启动服务器
	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
		}
	}()

	logger.Infof("API服务器已启动，监听端口: %d", *port)

	// 等待中断信号
	<-c.ShutdownDone()

	logger.Info("正在关闭服务器...")
	if err := c.Close(); err != nil {
		logger.Errorf("关闭服务器失败: %v", err)
	}

	logger.Info("服务器已关闭")
}
