package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level" mapstructure:"level"`                   // 日志级别 (debug, info, warn, error)
	Format     string `json:"format" yaml:"format" mapstructure:"format"`                // 日志格式 (json, text)
	Output     string `json:"output" yaml:"output" mapstructure:"output"`                // 输出路径 (stdout, stderr, file path)
	Rotation   bool   `json:"rotation" yaml:"rotation" mapstructure:"rotation"`          // 是否启用日志轮转
	MaxSize    int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"`          // 单个日志文件最大大小(MB)
	MaxAge     int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`             // 日志文件保留天数
	MaxBackups int    `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"` // 保留的日志文件数量
	Compress   bool   `json:"compress" yaml:"compress" mapstructure:"compress"`          // 是否压缩轮转的日志文件
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:      "info",
	Format:     "json",
	Output:     "stdout",
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 3,
	Compress:   true,
}

// 组件名，写入每条结构化日志的 component 字段
const (
	ComponentBlock     = "block_processor"
	ComponentSnapshot  = "snapshot_materializer"
	ComponentPublisher = "publisher"
)

// StructuredLogger 基于 slog 的结构化日志器，用于区块、账户维度的日志
type StructuredLogger struct {
	slogger *slog.Logger
	output  io.Writer
}

// NewStructuredLogger 按配置创建结构化日志器
func NewStructuredLogger(config *LogConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	output, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	logger, err := NewStructuredLoggerWithWriter(config, output)
	if err != nil {
		closeOutput(output)
		return nil, err
	}
	return logger, nil
}

// NewStructuredLoggerWithWriter 使用指定输出创建结构化日志器
func NewStructuredLoggerWithWriter(config *LogConfig, output io.Writer) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(normalizeLevel(config.Level))); err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: shortenAttrs,
	}

	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return &StructuredLogger{slogger: slog.New(handler), output: output}, nil
}

// normalizeLevel 兼容 logrus 风格的级别名
func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "", "info":
		return "INFO"
	case "warning":
		return "WARN"
	default:
		return strings.ToUpper(level)
	}
}

func openOutput(target string) (io.Writer, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return file, nil
}

func closeOutput(output io.Writer) error {
	if file, ok := output.(*os.File); ok && file != os.Stdout && file != os.Stderr {
		return file.Close()
	}
	return nil
}

// shortenAttrs 时间统一为 RFC3339，源码位置只保留文件名
func shortenAttrs(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		return slog.String(a.Key, a.Value.Time().Format(time.RFC3339))
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			src.File = filepath.Base(src.File)
		}
	}
	return a
}

func (sl *StructuredLogger) Info(msg string, args ...any) {
	sl.slogger.Info(msg, args...)
}

func (sl *StructuredLogger) Warn(msg string, args ...any) {
	sl.slogger.Warn(msg, args...)
}

// Component 返回带组件名和附加字段的日志器
func (sl *StructuredLogger) Component(name string, args ...any) *FieldLogger {
	return &FieldLogger{logger: sl.slogger.With(append([]any{"component", name}, args...)...)}
}

// Log 按 map 字段输出一条日志，字段按键名排序以保证输出稳定
func (sl *StructuredLogger) Log(ctx context.Context, level slog.Level, msg string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	sl.slogger.LogAttrs(ctx, level, msg, attrs...)
}

// Close 关闭文件输出
func (sl *StructuredLogger) Close() error {
	return closeOutput(sl.output)
}

// FieldLogger 带固定字段的日志器
type FieldLogger struct {
	logger *slog.Logger
}

// With 追加字段
func (fl *FieldLogger) With(args ...any) *FieldLogger {
	return &FieldLogger{logger: fl.logger.With(args...)}
}

func (fl *FieldLogger) Debug(msg string, args ...any) { fl.logger.Debug(msg, args...) }
func (fl *FieldLogger) Info(msg string, args ...any) { fl.logger.Info(msg, args...) }
func (fl *FieldLogger) Warn(msg string, args ...any) { fl.logger.Warn(msg, args...) }
func (fl *FieldLogger) Error(msg string, args ...any) { fl.logger.Error(msg, args...) }

// NewBlockLogger 区块处理日志器
func NewBlockLogger(baseLogger *StructuredLogger, blockNumber uint64) *FieldLogger {
	return baseLogger.Component(ComponentBlock, "block_number", blockNumber)
}

// NewAccountLogger 账户快照日志器
func NewAccountLogger(baseLogger *StructuredLogger, blockNumber uint64, account string) *FieldLogger {
	return baseLogger.Component(ComponentSnapshot, "block_number", blockNumber, "account", account)
}

// NewLogrusLogger 按日志配置创建进程日志器
func NewLogrusLogger(config *LogConfig, verbose bool) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}
	if verbose {
		level = logrus.DebugLevel
	}

	output, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger, nil
}
