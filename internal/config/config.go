package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"snapshotter/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 SNAPSHOTTER_STORE_TYPE
const EnvPrefix = "SNAPSHOTTER"

// Config 主配置
type Config struct {
	Chain     *ChainConfig       `mapstructure:"chain"`
	Source    *SourceConfig      `mapstructure:"source"`
	Store     *StoreConfig       `mapstructure:"store"`
	Collector *CollectorConfig   `mapstructure:"collector"`
	Output    *OutputConfig      `mapstructure:"output"`
	Metrics   *MetricsConfig     `mapstructure:"metrics"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// ChainConfig 链节点配置
type ChainConfig struct {
	Nodes               []*NodeConfig `mapstructure:"nodes"`
	SS58Prefix          int           `mapstructure:"ss58_prefix"` // -1 表示不校验地址前缀
	RequestTimeout      string        `mapstructure:"request_timeout"`
	HealthCheckInterval string        `mapstructure:"health_check_interval"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// SourceConfig 区块来源配置
type SourceConfig struct {
	Type  string             `mapstructure:"type"` // file, kafka
	Path  string             `mapstructure:"path"`
	Kafka *KafkaSourceConfig `mapstructure:"kafka"`
}

// KafkaSourceConfig Kafka区块来源
type KafkaSourceConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	GroupID       string   `mapstructure:"group_id"`
	InitialOffset string   `mapstructure:"initial_offset"` // oldest, newest
}

// StoreConfig 快照存储配置
type StoreConfig struct {
	Type     string          `mapstructure:"type"` // memory, bolt, postgres, redis
	Bolt     *BoltConfig     `mapstructure:"bolt"`
	Postgres *PostgresConfig `mapstructure:"postgres"`
	Redis    *RedisConfig    `mapstructure:"redis"`
}

// BoltConfig bbolt存储
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig Postgres存储
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxConnLifetime string `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis存储
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CollectorConfig 采集器配置
type CollectorConfig struct {
	RetryLimit  int    `mapstructure:"retry_limit"`
	Timeout     string `mapstructure:"timeout"` // 单个区块处理超时
	Resume      bool   `mapstructure:"resume"`
	ProgressDB  string `mapstructure:"progress_db"`
	StartBlock  uint64 `mapstructure:"start_block"`
	EndBlock    uint64 `mapstructure:"end_block"` // 0 表示不限制
	SkipOnError bool   `mapstructure:"skip_on_error"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // none, json, json_async, kafka, kafka_async
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// MetricsConfig Prometheus指标
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// SnapshotTopic 快照输出的Kafka主题键
const SnapshotTopic = "snapshots"

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库配置
	if dbDSN := os.Getenv(EnvPrefix + "_DB_DSN"); dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	// 检查是否存在数据库配置文件
	dbConfigFile := "configs/database.yaml"
	if _, err := os.Stat(dbConfigFile); err == nil {
		dbViper := viper.New()
		dbViper.SetConfigFile(dbConfigFile)
		dbViper.SetConfigType("yaml")

		if err := dbViper.ReadInConfig(); err == nil {
			if dbDSN := dbViper.GetString("database.dsn"); dbDSN != "" {
				logger := logrus.New()
				dbConfig, err := NewDatabaseConfig(dbDSN, logger)
				if err == nil {
					defer dbConfig.Close()

					config, err := dbConfig.LoadConfig()
					if err == nil {
						logger.Info("已从数据库加载配置")
						return config, nil
					}
					logger.Warnf("从数据库加载配置失败，回退到YAML文件: %v", err)
				}
			}
		}
	}

	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置，未设置的字段使用默认值，环境变量优先
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			Nodes: []*NodeConfig{
				{
					Name:     "local_node",
					URL:      "", // 需要在YAML配置或数据库中指定
					Priority: 1,
				},
			},
			SS58Prefix:          -1,
			RequestTimeout:      "10s",
			HealthCheckInterval: "30s",
		},
		Source: &SourceConfig{
			Type: "file",
			Path: "./data/blocks.jsonl",
			Kafka: &KafkaSourceConfig{
				Brokers:       []string{"localhost:9092"},
				Topic:         "substrate_blocks",
				GroupID:       "balance-snapshotter",
				InitialOffset: "oldest",
			},
		},
		Store: &StoreConfig{
			Type: "bolt",
			Bolt: &BoltConfig{Path: "./data/snapshots.db"},
			Postgres: &PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				MaxConnLifetime: "5m",
				AutoMigrate:     true,
			},
			Redis: &RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  20,
				KeyPrefix: "snapshot",
			},
		},
		Collector: &CollectorConfig{
			RetryLimit: 3,
			Timeout:    "60s",
			Resume:     true,
			ProgressDB: "./data/progress.db",
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					SnapshotTopic: "account_snapshots",
				},
			},
		},
		Metrics: &MetricsConfig{
			Enabled: false,
			Listen:  ":9100",
		},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// ParseDuration 解析时长配置，为空或无效时返回默认值
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

var (
	validSourceTypes   = map[string]bool{"file": true, "kafka": true}
	validStoreTypes    = map[string]bool{"memory": true, "bolt": true, "postgres": true, "redis": true}
	validOutputFormats = map[string]bool{"none": true, "json": true, "json_async": true, "kafka": true, "kafka_async": true}
)

// ValidateConfig 校验配置
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("配置为空")
	}

	if config.Chain == nil || len(config.Chain.Nodes) == 0 {
		return fmt.Errorf("至少需要配置一个链节点")
	}
	for i, node := range config.Chain.Nodes {
		if node == nil || node.URL == "" {
			return fmt.Errorf("第 %d 个节点缺少URL", i)
		}
	}

	if config.Source == nil || !validSourceTypes[config.Source.Type] {
		return fmt.Errorf("无效的区块来源类型")
	}
	if config.Source.Type == "kafka" {
		if config.Source.Kafka == nil || len(config.Source.Kafka.Brokers) == 0 || config.Source.Kafka.Topic == "" {
			return fmt.Errorf("Kafka区块来源需要配置brokers和topic")
		}
	}

	if config.Store == nil || !validStoreTypes[config.Store.Type] {
		return fmt.Errorf("无效的存储类型")
	}
	switch config.Store.Type {
	case "bolt":
		if config.Store.Bolt == nil || config.Store.Bolt.Path == "" {
			return fmt.Errorf("bolt存储需要配置path")
		}
	case "postgres":
		if config.Store.Postgres == nil || config.Store.Postgres.DSN == "" {
			return fmt.Errorf("postgres存储需要配置dsn")
		}
	case "redis":
		if config.Store.Redis == nil || config.Store.Redis.Addr == "" {
			return fmt.Errorf("redis存储需要配置addr")
		}
	}

	if config.Output == nil || !validOutputFormats[config.Output.Format] {
		return fmt.Errorf("无效的输出格式")
	}
	if strings.HasPrefix(config.Output.Format, "kafka") {
		if config.Output.Kafka == nil || len(config.Output.Kafka.Brokers) == 0 {
			return fmt.Errorf("Kafka输出需要配置brokers")
		}
		if config.Output.Kafka.Topics[SnapshotTopic] == "" {
			return fmt.Errorf("Kafka输出需要配置 %s 主题", SnapshotTopic)
		}
	}

	if config.Collector == nil || config.Collector.RetryLimit < 0 {
		return fmt.Errorf("重试次数不能为负数")
	}
	if config.Collector.EndBlock > 0 && config.Collector.EndBlock < config.Collector.StartBlock {
		return fmt.Errorf("结束区块 %d 小于起始区块 %d", config.Collector.EndBlock, config.Collector.StartBlock)
	}

	return nil
}
