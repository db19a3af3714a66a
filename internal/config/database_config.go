package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// configTables 可通过API读写的配置表
var configTables = map[string]string{
	"collector": "collector_config",
	"store":     "store_config",
	"output":    "output_config",
	"system":    "system_config",
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// LoadConfig 从数据库加载配置，数据库中没有的项保留默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	nodes, err := dc.loadChainNodes()
	if err != nil {
		return nil, fmt.Errorf("加载链节点配置失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Chain.Nodes = nodes
	}

	collectorValues, err := dc.ListConfigs("collector")
	if err != nil {
		return nil, fmt.Errorf("加载采集器配置失败: %w", err)
	}
	applyCollectorConfig(config.Collector, collectorValues)

	storeValues, err := dc.ListConfigs("store")
	if err != nil {
		return nil, fmt.Errorf("加载存储配置失败: %w", err)
	}
	applyStoreConfig(config.Store, storeValues)

	outputValues, err := dc.ListConfigs("output")
	if err != nil {
		return nil, fmt.Errorf("加载输出配置失败: %w", err)
	}
	applyOutputConfig(config.Output, outputValues)

	if strings.HasPrefix(config.Output.Format, "kafka") {
		topics, err := dc.loadKafkaTopics()
		if err != nil {
			return nil, fmt.Errorf("加载Kafka主题失败: %w", err)
		}
		for k, v := range topics {
			config.Output.Kafka.Topics[k] = v
		}
	}

	return config, nil
}

// loadChainNodes 加载链节点
func (dc *DatabaseConfig) loadChainNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, priority FROM chain_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

func applyCollectorConfig(config *CollectorConfig, values map[string]string) {
	for key, value := range values {
		switch key {
		case "retry_limit":
			if v, err := strconv.Atoi(value); err == nil {
				config.RetryLimit = v
			}
		case "timeout":
			config.Timeout = value
		case "resume":
			config.Resume = strings.ToLower(value) == "true"
		case "progress_db":
			config.ProgressDB = value
		case "start_block":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				config.StartBlock = v
			}
		case "end_block":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				config.EndBlock = v
			}
		case "skip_on_error":
			config.SkipOnError = strings.ToLower(value) == "true"
		}
	}
}

func applyStoreConfig(config *StoreConfig, values map[string]string) {
	for key, value := range values {
		switch key {
		case "type":
			config.Type = value
		case "bolt_path":
			config.Bolt.Path = value
		case "postgres_dsn":
			config.Postgres.DSN = value
		case "redis_addr":
			config.Redis.Addr = value
		case "redis_db":
			if v, err := strconv.Atoi(value); err == nil {
				config.Redis.DB = v
			}
		}
	}
}

func applyOutputConfig(config *OutputConfig, values map[string]string) {
	for key, value := range values {
		switch key {
		case "format":
			config.Format = value
		case "directory":
			config.Directory = value
		case "kafka_brokers":
			var brokers []string
			if err := json.Unmarshal([]byte(value), &brokers); err == nil {
				config.Kafka.Brokers = brokers
			}
		}
	}
}

// loadKafkaTopics 加载Kafka主题配置
func (dc *DatabaseConfig) loadKafkaTopics() (map[string]string, error) {
	query := `SELECT data_type, topic_name FROM kafka_topics WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := make(map[string]string)
	for rows.Next() {
		var dataType, topicName string
		if err := rows.Scan(&dataType, &topicName); err != nil {
			return nil, err
		}
		topics[dataType] = topicName
	}

	return topics, rows.Err()
}

// ValidateSetting 校验通过API写入的单项配置，未列出的键不做类型检查
func ValidateSetting(configType, key, value string) error {
	if _, err := tableFor(configType); err != nil {
		return err
	}

	switch configType + "." + key {
	case "collector.retry_limit":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("retry_limit 必须是非负整数: %q", value)
		}
	case "collector.start_block", "collector.end_block":
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("%s 必须是区块号: %q", key, value)
		}
	case "collector.timeout":
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("%s 必须是正的时长: %q", key, value)
		}
	case "collector.resume", "collector.skip_on_error":
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s 必须是布尔值: %q", key, value)
		}
	case "store.redis_db":
		if n, err := strconv.Atoi(value); err != nil || n < 0 {
			return fmt.Errorf("redis_db 必须是非负整数: %q", value)
		}
	case "output.kafka_brokers":
		var brokers []string
		if err := json.Unmarshal([]byte(value), &brokers); err != nil || len(brokers) == 0 {
			return fmt.Errorf("kafka_brokers 必须是非空JSON字符串数组: %q", value)
		}
	case "store.type":
		if !validStoreTypes[value] {
			return fmt.Errorf("无效的存储类型: %s", value)
		}
	case "output.format":
		if !validOutputFormats[value] {
			return fmt.Errorf("无效的输出格式: %s", value)
		}
	}
	return nil
}

// ValidateNodeURL 链节点只支持 WebSocket 和 HTTP JSON-RPC
func ValidateNodeURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("无效的节点URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("不支持的节点协议: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("节点URL缺少主机: %s", rawURL)
	}
	return nil
}

func tableFor(configType string) (string, error) {
	tableName, ok := configTables[configType]
	if !ok {
		return "", fmt.Errorf("不支持的配置类型: %s", configType)
	}
	return tableName, nil
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(configType, key, value string) error {
	tableName, err := tableFor(configType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`, tableName)

	_, err = dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(configType, key string) (string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`SELECT config_value FROM %s WHERE config_key = $1 AND is_active = true`, tableName)
	var value string
	err = dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs(configType string) (map[string]string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, tableName)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// ChainNodeRecord chain_nodes 表中的一条记录
type ChainNodeRecord struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"is_active"`
}

// ListChainNodes 列出全部链节点（含已停用）
func (dc *DatabaseConfig) ListChainNodes() ([]ChainNodeRecord, error) {
	query := `SELECT id, name, url, priority, is_active FROM chain_nodes ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]ChainNodeRecord, 0)
	for rows.Next() {
		var node ChainNodeRecord
		if err := rows.Scan(&node.ID, &node.Name, &node.URL, &node.Priority, &node.IsActive); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, rows.Err()
}

// AddChainNode 添加链节点
func (dc *DatabaseConfig) AddChainNode(name, url string, priority int) error {
	query := `INSERT INTO chain_nodes (name, url, priority) VALUES ($1, $2, $3)`
	_, err := dc.DB.Exec(query, name, url, priority)
	return err
}

// DeleteChainNode 删除链节点
func (dc *DatabaseConfig) DeleteChainNode(id int) error {
	result, err := dc.DB.Exec(`DELETE FROM chain_nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListKafkaTopics 列出启用的Kafka主题
func (dc *DatabaseConfig) ListKafkaTopics() (map[string]string, error) {
	return dc.loadKafkaTopics()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
