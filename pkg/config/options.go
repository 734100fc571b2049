package config

import (
	"time"

	"github.com/junbin-yang/go-hfsm/pkg/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Option 配置管理器选项
type Option func(*Manager)

// WithAppName 设置应用名称（用于默认配置文件名）
func WithAppName(name string) Option {
	return func(m *Manager) {
		m.appName = name
	}
}

// WithSerializer 设置默认序列化器
func WithSerializer(s Serializer) Option {
	return func(m *Manager) {
		m.serializer = s
	}
}

// WithForceFormat 强制指定配置格式（无视文件后缀）
func WithForceFormat(s Serializer) Option {
	return func(m *Manager) {
		m.force = s
		m.serializer = s
	}
}

// WithDefaultPaths 设置默认配置文件查找路径
func WithDefaultPaths(paths ...string) Option {
	return func(m *Manager) {
		m.paths = paths
	}
}

// WithConfigFormats 设置支持的配置格式列表
func WithConfigFormats(formats ...Serializer) Option {
	return func(m *Manager) {
		m.formats = formats
	}
}

// WithConfigWatch 启用配置文件监听（文件变化自动重载）
func WithConfigWatch(enable bool, debounce time.Duration) Option {
	return func(m *Manager) {
		m.watch = enable
		if debounce > 0 {
			m.debounceDelay = debounce
		}
	}
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}
