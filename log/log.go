package log

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Error(v ...interface{})
	Warn(v ...interface{})
	Info(v ...interface{})
	Debug(v ...interface{})
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	// With returns a child logger carrying the given key value pairs on every entry.
	With(keysAndValues ...interface{}) Logger
}

// TXIDKey 日志中的事务 id 字段
const TXIDKey = "tx_id"

var (
	mux           sync.RWMutex
	defaultLogger Logger
)

func init() {
	defaultLogger = NewSugarLogger(NewOptions())
}

// Options 选项配置
type Options struct {
	LogName    string // 日志名称
	LogLevel   string // 日志级别
	FileName   string // 文件名称，stdout / stderr 输出到终端
	MaxAge     int    // 日志保留时间，以天为单位
	MaxSize    int    // 日志保留大小，以 M 为单位
	MaxBackups int    // 保留文件个数
	Compress   bool   // 是否压缩
}

// Option 选项方法
type Option func(*Options)

// NewOptions 初始化
func NewOptions(opts ...Option) Options {
	options := Options{
		LogName:    "gotxn",
		LogLevel:   "info",
		FileName:   "gotxn.log",
		MaxAge:     10,
		MaxSize:    100,
		MaxBackups: 3,
		Compress:   true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithLogLevel 日志级别
func WithLogLevel(level string) Option {
	return func(o *Options) {
		o.LogLevel = level
	}
}

// WithFileName 日志文件
func WithFileName(filename string) Option {
	return func(o *Options) {
		o.FileName = filename
	}
}

// WithMaxSize 单个日志文件大小上限
func WithMaxSize(megabytes int) Option {
	return func(o *Options) {
		o.MaxSize = megabytes
	}
}

// WithMaxAge 日志保留天数
func WithMaxAge(days int) Option {
	return func(o *Options) {
		o.MaxAge = days
	}
}

// Levels zapcore level
var Levels = map[string]zapcore.Level{
	"":      zapcore.DebugLevel,
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

type zapLoggerWrapper struct {
	*zap.SugaredLogger
	options Options
}

// NewSugarLogger 基于 zap 构造日志实现
func NewSugarLogger(options Options) Logger {
	w := &zapLoggerWrapper{options: options}
	core := zapcore.NewCore(w.getEncoder(), w.getLogWriter(), Levels[strings.ToLower(options.LogLevel)])
	w.SugaredLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("logger", options.LogName)).
		Sugar()
	return w
}

func (w *zapLoggerWrapper) With(keysAndValues ...interface{}) Logger {
	return &zapLoggerWrapper{
		SugaredLogger: w.SugaredLogger.With(keysAndValues...),
		options:       w.options,
	}
}

func (w *zapLoggerWrapper) getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func (w *zapLoggerWrapper) getLogWriter() zapcore.WriteSyncer {
	switch strings.ToLower(w.options.FileName) {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   w.options.FileName,
		MaxAge:     w.options.MaxAge,
		MaxSize:    w.options.MaxSize,
		MaxBackups: w.options.MaxBackups,
		Compress:   w.options.Compress,
	})
}

// GetDefaultLogger 获取默认日志实现
func GetDefaultLogger() Logger {
	mux.RLock()
	defer mux.RUnlock()
	return defaultLogger
}

// SetDefaultLogger 替换默认日志实现
func SetDefaultLogger(logger Logger) {
	mux.Lock()
	defer mux.Unlock()
	defaultLogger = logger
}

// Debugf 打印 Debug 日志
func Debugf(format string, args ...interface{}) {
	GetDefaultLogger().Debugf(format, args...)
}

// Infof 打印 Info 日志
func Infof(format string, args ...interface{}) {
	GetDefaultLogger().Infof(format, args...)
}

// Warnf 打印 Warn 日志
func Warnf(format string, args ...interface{}) {
	GetDefaultLogger().Warnf(format, args...)
}

// Errorf 打印 Error 日志
func Errorf(format string, args ...interface{}) {
	GetDefaultLogger().Errorf(format, args...)
}

// ForTX 返回携带事务 id 字段的日志实现
func ForTX(txID int64) Logger {
	return GetDefaultLogger().With(TXIDKey, txID)
}

type fieldsKey struct{}

// WithFields 将字段挂载到 ctx 上，*Context 系列方法会带上这些字段
func WithFields(ctx context.Context, keysAndValues ...interface{}) context.Context {
	fields, _ := ctx.Value(fieldsKey{}).([]interface{})
	merged := make([]interface{}, 0, len(fields)+len(keysAndValues))
	merged = append(merged, fields...)
	merged = append(merged, keysAndValues...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FromContext 返回携带 ctx 字段的日志实现
func FromContext(ctx context.Context) Logger {
	logger := GetDefaultLogger()
	if fields, _ := ctx.Value(fieldsKey{}).([]interface{}); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

func DebugContext(ctx context.Context, args ...interface{}) {
	FromContext(ctx).Debug(args...)
}

func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}

func InfoContext(ctx context.Context, args ...interface{}) {
	FromContext(ctx).Info(args...)
}

func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

func WarnContext(ctx context.Context, args ...interface{}) {
	FromContext(ctx).Warn(args...)
}

func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

func ErrorContext(ctx context.Context, args ...interface{}) {
	FromContext(ctx).Error(args...)
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	Errorf(format, args...)
}
