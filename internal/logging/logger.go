package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/offline-hub/offline-hub/internal/config"
)

// DefaultLogFile 是 LogFilePath 指向目录时使用的文件名。
const DefaultLogFile = "offline-hub.log"

// InitLogger 根据全局配置初始化 JSON 结构化日志；级别为空时使用 info。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	levelName := strings.TrimSpace(cfg.LogLevel)
	if levelName == "" {
		levelName = logrus.InfoLevel.String()
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := buildOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	path := resolveLogPath(cfg.LogFilePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return rotator, nil
}

// resolveLogPath 在路径以分隔符结尾或指向已有目录时追加 DefaultLogFile。
func resolveLogPath(path string) string {
	if strings.HasSuffix(path, string(os.PathSeparator)) {
		return filepath.Join(path, DefaultLogFile)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, DefaultLogFile)
	}
	return path
}
