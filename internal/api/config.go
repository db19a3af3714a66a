package api

import (
	"database/sql"
	stderrors "errors"
	"net/http"
	"strconv"

	"snapshotter/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigStore 运行时配置的持久化，由 config.DatabaseConfig 实现
type ConfigStore interface {
	GetConfig(configType, key string) (string, error)
	ListConfigs(configType string) (map[string]string, error)
	UpdateConfig(configType, key, value string) error
	ListChainNodes() ([]config.ChainNodeRecord, error)
	AddChainNode(name, url string, priority int) error
	DeleteChainNode(id int) error
	ListKafkaTopics() (map[string]string, error)
}

// ConfigManager 运行时配置接口，修改在下次启动采集时生效
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{store: store, logger: logger}
}

type settingRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value" binding:"required"`
}

type nodeRequest struct {
	Name     string `json:"name" binding:"required"`
	URL      string `json:"url" binding:"required"`
	Priority int    `json:"priority"`
}

func fail(c *gin.Context, status int, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		body["message"] = err.Error()
	}
	c.JSON(status, body)
}

// GetConfig 无 key 参数时返回该类型的全部配置
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	configType := c.Param("type")

	key := c.Query("key")
	if key == "" {
		values, err := cm.store.ListConfigs(configType)
		if err != nil {
			fail(c, http.StatusInternalServerError, "获取配置失败", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"config_type": configType, "configs": values})
		return
	}

	value, err := cm.store.GetConfig(configType, key)
	if err != nil {
		fail(c, http.StatusNotFound, "配置不存在", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config_type": configType, "key": key, "value": value})
}

// UpdateConfig 校验并写入单项配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	configType := c.Param("type")

	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	if err := config.ValidateSetting(configType, req.Key, req.Value); err != nil {
		fail(c, http.StatusBadRequest, "配置值无效", err)
		return
	}

	if err := cm.store.UpdateConfig(configType, req.Key, req.Value); err != nil {
		fail(c, http.StatusInternalServerError, "更新配置失败", err)
		return
	}

	cm.logger.WithFields(logrus.Fields{
		"config_type": configType,
		"key":         req.Key,
	}).Info("配置已更新，重新启动采集后生效")
	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功",
		"config":  gin.H{"type": configType, "key": req.Key, "value": req.Value},
	})
}

// GetChainNodes 列出全部链节点，包括停用的
func (cm *ConfigManager) GetChainNodes(c *gin.Context) {
	nodes, err := cm.store.ListChainNodes()
	if err != nil {
		fail(c, http.StatusInternalServerError, "获取节点配置失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

// AddChainNode 添加 Substrate RPC 节点
func (cm *ConfigManager) AddChainNode(c *gin.Context) {
	var req nodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	if err := config.ValidateNodeURL(req.URL); err != nil {
		fail(c, http.StatusBadRequest, "节点地址无效", err)
		return
	}

	if err := cm.store.AddChainNode(req.Name, req.URL, req.Priority); err != nil {
		fail(c, http.StatusInternalServerError, "添加节点失败", err)
		return
	}

	cm.logger.Infof("已添加链节点 %s (%s)", req.Name, req.URL)
	c.JSON(http.StatusOK, gin.H{"message": "节点添加成功", "node": req})
}

func (cm *ConfigManager) DeleteChainNode(c *gin.Context) {
	nodeID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "无效的节点ID", nil)
		return
	}

	if err := cm.store.DeleteChainNode(nodeID); err != nil {
		status := http.StatusInternalServerError
		if stderrors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		fail(c, status, "删除节点失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "节点删除成功"})
}

// GetKafkaTopics 快照输出使用的Kafka主题
func (cm *ConfigManager) GetKafkaTopics(c *gin.Context) {
	topics, err := cm.store.ListKafkaTopics()
	if err != nil {
		fail(c, http.StatusInternalServerError, "获取Kafka主题配置失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}
