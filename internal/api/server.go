package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"snapshotter/internal/chainstate"
	"snapshotter/internal/collector"
	"snapshotter/internal/config"
	snaperrors "snapshotter/internal/errors"
	"snapshotter/internal/source"
)

// StartRequest 启动采集的请求参数，未填写的字段使用配置文件中的值
type StartRequest struct {
	Source     string `json:"source"` // file, kafka
	Path       string `json:"path"`
	StartBlock uint64 `json:"start_block"`
	EndBlock   uint64 `json:"end_block"`
}

// SourceFactory 根据请求创建区块来源
type SourceFactory func(req StartRequest) (source.Source, error)

// Server API服务器
type Server struct {
	collector     *collector.Collector
	config        *config.Config
	sourceFactory SourceFactory
	configManager *ConfigManager
	logger        *logrus.Logger
	logManager    *LogManager
	router        *gin.Engine
	server        *http.Server
	addr          string
	startTime     time.Time
	mu            sync.Mutex
}

// NewServer 创建新的API服务器
// configStore 为空时不注册运行时配置相关的路由
func NewServer(c *collector.Collector, cfg *config.Config, configStore ConfigStore, logger *logrus.Logger, addr string) *Server {
	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		collector:  c,
		config:     cfg,
		logger:     logger,
		logManager: logManager,
		addr:       addr,
		startTime:  time.Now(),
	}
	s.sourceFactory = s.defaultSourceFactory
	if configStore != nil {
		s.configManager = NewConfigManager(configStore, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(corsMiddleware())
	router.Use(gin.Recovery())
	s.setupRoutes(router)
	s.router = router

	return s
}

// SetSourceFactory 替换区块来源的创建方式
func (s *Server) SetSourceFactory(factory SourceFactory) {
	s.sourceFactory = factory
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在 %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 关闭API服务器，不影响采集任务
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("关闭API服务器...")
	return srv.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	// 健康检查
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		// 采集器状态和控制
		api.GET("/status", s.getStatus)
		api.POST("/start", s.startCollection)
		api.POST("/stop", s.stopCollection)
		api.POST("/pause", s.pauseCollection)
		api.POST("/resume", s.resumeCollection)

		// 统计和进度
		api.GET("/stats", s.getStats)
		api.GET("/errors", s.getErrors)
		api.GET("/progress", s.getProgress)
		api.POST("/progress/checkpoint", s.saveCheckpoint)
		api.DELETE("/progress", s.resetProgress)

		// 快照查询
		api.GET("/snapshots/:id", s.getSnapshot)
		api.GET("/accounts/:account/snapshots", s.getAccountSnapshots)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 配置
		api.GET("/config", s.getConfig)
		if s.configManager != nil {
			api.GET("/config/:type", s.configManager.GetConfig)
			api.PUT("/config/:type", s.configManager.UpdateConfig)
			api.GET("/nodes", s.configManager.GetChainNodes)
			api.POST("/nodes", s.configManager.AddChainNode)
			api.DELETE("/nodes/:id", s.configManager.DeleteChainNode)
			api.GET("/topics", s.configManager.GetKafkaTopics)
		}
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "snapshotter-api",
	})
}

// getStatus 获取采集器状态
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": s.collector.IsRunning(),
		"status":  s.collector.GetStatus(),
	})
}

// defaultSourceFactory 按配置文件创建来源，请求参数覆盖对应字段
func (s *Server) defaultSourceFactory(req StartRequest) (source.Source, error) {
	srcCfg := *s.config.Source
	if req.Source != "" {
		srcCfg.Type = req.Source
	}
	if req.Path != "" {
		srcCfg.Path = req.Path
	}

	rng := source.Range{Start: s.config.Collector.StartBlock, End: s.config.Collector.EndBlock}
	if req.StartBlock > 0 {
		rng.Start = req.StartBlock
	}
	if req.EndBlock > 0 {
		rng.End = req.EndBlock
	}

	return source.New(&srcCfg, rng, s.logger)
}

// startCollection 启动采集
func (s *Server) startCollection(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.EndBlock > 0 && req.EndBlock < req.StartBlock {
		c.JSON(http.StatusBadRequest, gin.H{"error": "结束区块小于起始区块"})
		return
	}

	if s.collector.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": collector.ErrAlreadyRunning.Error()})
		return
	}

	src, err := s.sourceFactory(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "创建区块来源失败", "message": err.Error()})
		return
	}

	if err := s.collector.Start(src); err != nil {
		src.Close()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.logger.Infof("采集任务已启动: source=%s, start=%d, end=%d", req.Source, req.StartBlock, req.EndBlock)
	c.JSON(http.StatusOK, gin.H{
		"message": "采集任务已启动",
		"status":  "started",
	})
}

// stopCollection 停止采集
func (s *Server) stopCollection(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := s.collector.Stop(ctx); err != nil {
		status := http.StatusInternalServerError
		if stderrors.Is(err, collector.ErrNotRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "采集任务已停止",
		"status":  "stopped",
	})
}

// pauseCollection 暂停采集
func (s *Server) pauseCollection(c *gin.Context) {
	if !s.collector.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": collector.ErrNotRunning.Error()})
		return
	}

	if !s.collector.Pause() {
		c.JSON(http.StatusConflict, gin.H{"error": "采集器已暂停"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "采集任务已暂停",
		"status":  "paused",
	})
}

// resumeCollection 恢复采集
func (s *Server) resumeCollection(c *gin.Context) {
	if !s.collector.Resume() {
		c.JSON(http.StatusConflict, gin.H{"error": "采集器未暂停"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "采集任务已恢复",
		"status":  "resumed",
	})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := s.collector.GetStats()

	response := gin.H{
		"status":     s.collector.GetStatus(),
		"collector":  stats,
		"uptime":     time.Since(s.startTime).String(),
		"components": s.collector.GetComponentStats(),
	}
	if count, err := s.collector.CountSnapshots(c.Request.Context()); err == nil {
		response["stored_snapshots"] = count
	} else {
		s.logger.Warnf("统计快照数量失败: %v", err)
	}

	c.JSON(http.StatusOK, response)
}

// getErrors 获取错误统计
func (s *Server) getErrors(c *gin.Context) {
	stats := s.collector.GetErrorStats()
	c.JSON(http.StatusOK, gin.H{
		"total_errors":        stats.TotalErrors,
		"errors_by_type":      stats.ErrorsByType,
		"errors_by_severity":  stats.ErrorsBySeverity,
		"errors_by_component": stats.ErrorsByComponent,
		"recent_errors":       stats.RecentErrors,
		"error_rate_per_hour": stats.GetErrorRate(time.Hour),
	})
}

// getProgress 获取进度
func (s *Server) getProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.GetProgressInfo())
}

// saveCheckpoint 保存进度检查点
func (s *Server) saveCheckpoint(c *gin.Context) {
	if err := s.collector.SaveProgressCheckpoint(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "进度检查点已保存"})
}

// resetProgress 重置进度，采集运行中不允许
func (s *Server) resetProgress(c *gin.Context) {
	if s.collector.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "采集运行中，不能重置进度"})
		return
	}
	if err := s.collector.ResetProgress(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "进度已重置"})
}

// getSnapshot 按ID获取快照，ID格式为 "<区块高度>-<账户>"
func (s *Server) getSnapshot(c *gin.Context) {
	id := c.Param("id")

	snapshot, err := s.collector.GetSnapshot(c.Request.Context(), id)
	if err != nil {
		var snapshotErr *snaperrors.SnapshotError
		if stderrors.As(err, &snapshotErr) && snapshotErr.Type == snaperrors.ErrorTypeValidation {
			c.JSON(http.StatusBadRequest, gin.H{"error": snapshotErr.Message, "id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取快照失败", "message": err.Error()})
		return
	}
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "快照不存在", "id": id})
		return
	}

	c.JSON(http.StatusOK, snapshot.ToKafkaMessage())
}

// canonicalAccount 配置了网络前缀时，把 0x 公钥转换为该网络的SS58地址
// 链上事件中的账户是SS58地址，快照按它索引
func canonicalAccount(account string, network int) string {
	if network == chainstate.AnyPrefix || len(account) < 2 || (account[:2] != "0x" && account[:2] != "0X") {
		return account
	}
	pubkey, err := chainstate.DecodeAddress(account, chainstate.AnyPrefix)
	if err != nil {
		return account
	}
	address, err := chainstate.EncodeAddress(pubkey, network)
	if err != nil {
		return account
	}
	return address
}

// getAccountSnapshots 按区块倒序列出账户快照
func (s *Server) getAccountSnapshots(c *gin.Context) {
	account := canonicalAccount(c.Param("account"), s.config.Chain.SS58Prefix)

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的limit参数"})
			return
		}
		limit = l
	}

	snapshots, err := s.collector.ListAccountSnapshots(c.Request.Context(), account, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取快照失败", "message": err.Error()})
		return
	}

	items := make([]map[string]interface{}, len(snapshots))
	for i, snapshot := range snapshots {
		items[i] = snapshot.ToKafkaMessage()
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"snapshots": items,
		"total":     len(items),
	})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	query := LogQuery{Level: c.Query("level")}
	if blockStr := c.Query("block"); blockStr != "" {
		blockNumber, err := strconv.ParseUint(blockStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的block参数"})
			return
		}
		query.BlockNumber = &blockNumber
	}

	// 默认第1页，每页20条
	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(query, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    query.Level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}

// getConfig 获取当前生效的配置，不包含连接凭据
func (s *Server) getConfig(c *gin.Context) {
	nodes := make([]gin.H, 0, len(s.config.Chain.Nodes))
	for _, node := range s.config.Chain.Nodes {
		nodes = append(nodes, gin.H{
			"name":     node.Name,
			"url":      node.URL,
			"priority": node.Priority,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"chain": gin.H{
			"nodes":       nodes,
			"ss58_prefix": s.config.Chain.SS58Prefix,
		},
		"source":    gin.H{"type": s.config.Source.Type, "path": s.config.Source.Path},
		"store":     gin.H{"type": s.config.Store.Type},
		"output":    gin.H{"format": s.config.Output.Format, "directory": s.config.Output.Directory},
		"collector": s.config.Collector,
	})
}
