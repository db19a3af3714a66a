package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"snapshotter/internal/config"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Dialer 建立到节点的RPC连接
type Dialer func(ctx context.Context, url string) (*rpc.Client, error)

// ConnectionPool 链节点连接池
// 每个节点一个 rpc.Client（本身并发安全），按优先级依次尝试健康节点
type ConnectionPool struct {
	nodes       []*config.NodeConfig
	clients     []*NodeClient
	logger      *logrus.Logger
	dialer      Dialer
	mu          sync.RWMutex
	healthCheck time.Duration
	dialTimeout time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NodeClient 单个节点的连接
type NodeClient struct {
	nodeConfig *config.NodeConfig
	client     *rpc.Client
	mu         sync.Mutex
	isHealthy  bool
	lastCheck  time.Time
	lastError  string
	failures   int
}

// NewConnectionPool 创建连接池
func NewConnectionPool(nodes []*config.NodeConfig, logger *logrus.Logger) *ConnectionPool {
	return &ConnectionPool{
		nodes:       nodes,
		logger:      logger,
		dialer:      rpc.DialContext,
		healthCheck: 30 * time.Second,
		dialTimeout: 10 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// SetDialer 替换拨号方式（测试中使用进程内RPC）
func (cp *ConnectionPool) SetDialer(dialer Dialer) {
	cp.dialer = dialer
}

// SetHealthCheckInterval 设置健康检查间隔
func (cp *ConnectionPool) SetHealthCheckInterval(interval time.Duration) {
	if interval > 0 {
		cp.healthCheck = interval
	}
}

// Initialize 连接所有节点，至少一个成功即可
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	nodes := make([]*config.NodeConfig, len(cp.nodes))
	copy(nodes, cp.nodes)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Priority < nodes[j].Priority
	})

	for _, node := range nodes {
		nc := &NodeClient{nodeConfig: node}
		if err := cp.connect(ctx, nc); err != nil {
			cp.logger.Warnf("连接节点 %s 失败: %v", node.Name, err)
		} else {
			cp.logger.Infof("节点 %s 已连接", node.Name)
		}
		cp.clients = append(cp.clients, nc)
	}

	healthy := 0
	for _, nc := range cp.clients {
		if nc.IsHealthy() {
			healthy++
		}
	}
	if healthy == 0 {
		return fmt.Errorf("没有可用的节点连接")
	}

	go cp.healthChecker()

	return nil
}

// connect 建立连接并用 system_chain 验证
func (cp *ConnectionPool) connect(ctx context.Context, nc *NodeClient) error {
	dialCtx, cancel := context.WithTimeout(ctx, cp.dialTimeout)
	defer cancel()

	client, err := cp.dialer(dialCtx, nc.nodeConfig.URL)
	if err != nil {
		nc.markUnhealthy(err)
		return fmt.Errorf("连接节点失败: %w", err)
	}

	var chain string
	if err := client.CallContext(dialCtx, &chain, "system_chain"); err != nil {
		client.Close()
		nc.markUnhealthy(err)
		return fmt.Errorf("测试连接失败: %w", err)
	}

	nc.mu.Lock()
	if nc.client != nil {
		nc.client.Close()
	}
	nc.client = client
	nc.isHealthy = true
	nc.lastCheck = time.Now()
	nc.lastError = ""
	nc.failures = 0
	nc.mu.Unlock()

	return nil
}

// CallContext 按优先级调用健康节点
// JSON-RPC 业务错误直接返回；传输错误标记节点不健康并尝试下一个节点
func (cp *ConnectionPool) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	cp.mu.RLock()
	clients := make([]*NodeClient, len(cp.clients))
	copy(clients, cp.clients)
	cp.mu.RUnlock()

	var lastErr error
	for _, nc := range clients {
		client := nc.healthyClient()
		if client == nil {
			continue
		}

		err := client.CallContext(ctx, result, method, args...)
		if err == nil {
			return nil
		}

		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		nc.markUnhealthy(err)
		cp.logger.Warnf("节点 %s 调用 %s 失败，切换节点: %v", nc.nodeConfig.Name, method, err)
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("所有节点调用 %s 失败: %w", method, lastErr)
	}
	return fmt.Errorf("没有可用的健康节点")
}

func (nc *NodeClient) healthyClient() *rpc.Client {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if !nc.isHealthy {
		return nil
	}
	return nc.client
}

func (nc *NodeClient) markUnhealthy(err error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.isHealthy = false
	nc.lastCheck = time.Now()
	nc.lastError = err.Error()
	nc.failures++
}

// IsHealthy 节点是否健康
func (nc *NodeClient) IsHealthy() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.isHealthy
}

// checkNode 检查一个节点，不健康的节点尝试重连
func (cp *ConnectionPool) checkNode(nc *NodeClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nc.mu.Lock()
	client := nc.client
	healthy := nc.isHealthy
	nc.mu.Unlock()

	if healthy && client != nil {
		var chain string
		err := client.CallContext(ctx, &chain, "system_chain")
		if err == nil {
			nc.mu.Lock()
			nc.lastCheck = time.Now()
			nc.mu.Unlock()
			cp.logger.Debugf("节点 %s 健康检查通过", nc.nodeConfig.Name)
			return
		}
		nc.markUnhealthy(err)
	}

	if err := cp.connect(ctx, nc); err != nil {
		cp.logger.Warnf("节点 %s 健康检查失败: %v", nc.nodeConfig.Name, err)
		return
	}
	cp.logger.Infof("节点 %s 已恢复", nc.nodeConfig.Name)
}

// CheckHealth 立即检查所有节点
func (cp *ConnectionPool) CheckHealth() {
	cp.mu.RLock()
	clients := make([]*NodeClient, len(cp.clients))
	copy(clients, cp.clients)
	cp.mu.RUnlock()

	for _, nc := range clients {
		cp.checkNode(nc)
	}
}

// healthChecker 健康检查器
func (cp *ConnectionPool) healthChecker() {
	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.CheckHealth()
		case <-cp.stopCh:
			return
		}
	}
}

// GetStats 获取连接池统计信息
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make(map[string]interface{})
	for _, nc := range cp.clients {
		nc.mu.Lock()
		stats[nc.nodeConfig.Name] = map[string]interface{}{
			"url":        nc.nodeConfig.URL,
			"priority":   nc.nodeConfig.Priority,
			"is_healthy": nc.isHealthy,
			"failures":   nc.failures,
			"last_error": nc.lastError,
			"last_check": nc.lastCheck.Format(time.RFC3339),
		}
		nc.mu.Unlock()
	}

	return stats
}

// Close 关闭连接池
func (cp *ConnectionPool) Close() error {
	cp.stopOnce.Do(func() { close(cp.stopCh) })

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, nc := range cp.clients {
		nc.mu.Lock()
		if nc.client != nil {
			nc.client.Close()
			nc.client = nil
		}
		nc.isHealthy = false
		nc.mu.Unlock()
	}

	cp.logger.Info("连接池已关闭")
	return nil
}
