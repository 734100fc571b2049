package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level 日志级别
type Level int8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	PanicLevel
	FatalLevel
)

// toZapLevel 映射到zap级别（跳过DPanic）
func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case PanicLevel:
		return zapcore.PanicLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel 解析级别名称，未知名称返回InfoLevel和false
func ParseLevel(name string) (Level, bool) {
	switch name {
	case "debug", "DEBUG":
		return DebugLevel, true
	case "info", "INFO", "":
		return InfoLevel, true
	case "warn", "WARN", "warning":
		return WarnLevel, true
	case "error", "ERROR":
		return ErrorLevel, true
	case "panic", "PANIC":
		return PanicLevel, true
	case "fatal", "FATAL":
		return FatalLevel, true
	}
	return InfoLevel, false
}

// Logger 日志接口，组件通过它输出结构化日志
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Panic(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
	Fatalf(format string, v ...interface{})

	SetLevel(level Level)
	Sync() error
}

type Field = zap.Field

type Option = zap.Option

func AddCaller() Option             { return zap.AddCaller() }
func AddCallerSkip(skip int) Option { return zap.AddCallerSkip(skip) }
func Fields(fields ...Field) Option { return zap.Fields(fields...) }

func String(key, val string) Field                 { return zap.String(key, val) }
func Int(key string, val int) Field                { return zap.Int(key, val) }
func Int64(key string, val int64) Field            { return zap.Int64(key, val) }
func Uint64(key string, val uint64) Field          { return zap.Uint64(key, val) }
func Bool(key string, val bool) Field              { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Any(key string, val interface{}) Field        { return zap.Any(key, val) }
func Err(e error) Field                            { return zap.Error(e) }

var std Logger = New(os.Stderr, InfoLevel, AddCaller(), AddCallerSkip(2))

func Default() Logger         { return std }
func ReplaceDefault(l Logger) { std = l }

func SetLevel(level Level) { std.SetLevel(level) }

func Debug(msg string, fields ...Field) { std.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { std.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { std.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { std.Error(msg, fields...) }
func Panic(msg string, fields ...Field) { std.Panic(msg, fields...) }
func Fatal(msg string, fields ...Field) { std.Fatal(msg, fields...) }

func Debugf(format string, v ...interface{}) { std.Debugf(format, v...) }
func Infof(format string, v ...interface{})  { std.Infof(format, v...) }
func Warnf(format string, v ...interface{})  { std.Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { std.Errorf(format, v...) }
func Panicf(format string, v ...interface{}) { std.Panicf(format, v...) }
func Fatalf(format string, v ...interface{}) { std.Fatalf(format, v...) }

func Sync() error { return std.Sync() }

// Named 返回带名称的子日志器，l不支持命名时原样返回
func Named(l Logger, name string) Logger {
	if n, ok := l.(interface{ Named(string) Logger }); ok {
		return n.Named(name)
	}
	return l
}

// With 返回附带固定字段的子日志器，l不支持时原样返回
func With(l Logger, fields ...Field) Logger {
	if w, ok := l.(interface{ With(...Field) Logger }); ok {
		return w.With(fields...)
	}
	return l
}
