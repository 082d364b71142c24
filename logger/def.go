// Package logger holds the process-wide zap logger.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Options select the level, encoding and sinks of the logger.
type Options struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // json or console
	// File, when set, receives a copy of every entry and is rotated once it
	// reaches MaxSizeMB.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

// InitProduction 初始化一个 production logger（JSON，info 级别，供 main 调用）
func InitProduction() error {
	return Init(Options{Level: "info", Encoding: "json"})
}

// InitDevelopment 初始化一个 development logger（更友好地输出到控制台）
func InitDevelopment() error {
	return Init(Options{Level: "debug", Encoding: "console"})
}

// Init 按 opts 构建 logger 并设为全局
func Init(opts Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

// New 按 opts 构建 logger，不替换全局
func New(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, errors.Wrapf(err, "log level %q", opts.Level)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileEnc := zapcore.NewJSONEncoder(encCfg)
	var enc zapcore.Encoder
	switch strings.ToLower(opts.Encoding) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, errors.Errorf("unknown log encoding %q", opts.Encoding)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}
	if opts.File != "" {
		rotate := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(rotate), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// setLogger 替换本包和 zap 全局（可使 zap.L()/zap.S() 返回相同实例）
func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
	sugar = l.Sugar()
}

// Log 返回已初始化的 logger；如果还没初始化，返回 zap 的全局（可能是 noop）
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	return zap.L()
}

// S 返回 Log 的 sugared 版本
func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

// Sync 刷新缓冲的日志
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
