package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rowhni/rowhni-sw/internal/config"
)

// InitLogger 根据配置初始化 JSON 结构化日志，并为每条日志补充缓存版本字段，
// 方便在多次发版后区分新旧 worker 产生的日志。
func InitLogger(cfg *config.Config) (*logrus.Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空")
	}
	level, err := logrus.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := buildOutput(cfg.Global)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(versionHook{version: cfg.Site.CacheVersion})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.Global.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// NewDiscardLogger 返回丢弃所有输出的 logger，供测试与未注入 logger 的组件使用。
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return rotator, nil
}

// versionHook 在缺省情况下为日志补充 cache_version 字段。
type versionHook struct {
	version string
}

func (h versionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h versionHook) Fire(entry *logrus.Entry) error {
	if h.version == "" {
		return nil
	}
	if _, exists := entry.Data["cache_version"]; !exists {
		entry.Data["cache_version"] = h.version
	}
	return nil
}
