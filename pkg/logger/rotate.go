package logger

import (
	"io"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateConfig 日志轮转配置
type RotateConfig struct {
	Filename string // 日志文件路径

	// 按大小轮转
	MaxSize    int  // 单个文件最大尺寸（MB）
	MaxBackups int  // 保留的旧文件数量
	MaxAge     int  // 旧文件保留天数
	Compress   bool // 是否压缩旧文件
	LocalTime  bool // 备份文件名使用本地时间

	// 按时间轮转
	RotationTime time.Duration // 轮转间隔
}

// NewProductionRotateBySize 使用默认参数按大小轮转
func NewProductionRotateBySize(filename string) io.Writer {
	return NewRotateBySize(&RotateConfig{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
		LocalTime:  true,
	})
}

// NewRotateBySize 按文件大小轮转（lumberjack）
func NewRotateBySize(cfg *RotateConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  cfg.LocalTime,
	}
}

// NewRotateByTime 按时间轮转（file-rotatelogs），创建失败时返回错误
func NewRotateByTime(cfg *RotateConfig) (io.Writer, error) {
	rotation := cfg.RotationTime
	if rotation <= 0 {
		rotation = 24 * time.Hour
	}
	opts := []rotatelogs.Option{
		rotatelogs.WithLinkName(cfg.Filename),
		rotatelogs.WithRotationTime(rotation),
	}
	if cfg.MaxAge > 0 {
		opts = append(opts, rotatelogs.WithMaxAge(time.Duration(cfg.MaxAge)*24*time.Hour))
	}
	if cfg.LocalTime {
		opts = append(opts, rotatelogs.WithClock(rotatelogs.Local))
	} else {
		opts = append(opts, rotatelogs.WithClock(rotatelogs.UTC))
	}
	return rotatelogs.New(cfg.Filename+".%Y%m%d%H", opts...)
}
