// Package log 提供基于 zap 的进程级结构化日志。
package log

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level 是日志级别。
type Level string

const (
	// LevelDebug 输出全部日志
	LevelDebug Level = "debug"
	// LevelInfo 输出 info 及以上
	LevelInfo Level = "info"
	// LevelWarn 输出 warn 及以上
	LevelWarn Level = "warn"
	// LevelError 只输出 error
	LevelError Level = "error"
)

var (
	globalLogger *zap.SugaredLogger
	globalMutex  sync.RWMutex
)

// Config 是日志配置。
type Config struct {
	// Level 日志级别，默认 info
	Level Level `yaml:"level"`
	// Format 输出格式：console 或 json
	Format string `yaml:"format"`
	// Output 输出目标，默认 os.Stderr
	Output io.Writer `yaml:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "console"}
}

// Init 按配置初始化全局 logger。
func Init(cfg Config) error {
	switch cfg.Format {
	case "", "console", "json":
	default:
		return errors.Errorf("unknown log format %q", cfg.Format)
	}
	logger := build(cfg)
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalLogger = logger
	return nil
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func build(cfg Config) *zap.SugaredLogger {
	enc := zapcore.NewConsoleEncoder(encoderConfig())
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encoderConfig())
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), zapLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}

// Get 返回全局 logger，未初始化时使用默认配置。
func Get() *zap.SugaredLogger {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()
	if logger != nil {
		return logger
	}
	fresh := build(DefaultConfig())
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger == nil {
		globalLogger = fresh
	}
	return globalLogger
}

// Named 返回带名字的子 logger，例如 "arbiter"、"monitor"。
func Named(name string) *zap.SugaredLogger { return Get().Named(name) }

// Sync 刷新缓冲的日志。
func Sync() error {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Reset 丢弃全局 logger，测试使用。
func Reset() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	globalLogger = nil
}
