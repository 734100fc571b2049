package config

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/junbin-yang/go-hfsm/pkg/logger"
	"github.com/junbin-yang/go-hfsm/pkg/timer"
)

var (
	// ErrNotLoaded 尚未调用Load
	ErrNotLoaded = errors.New("config not loaded")

	// ErrNoConfigFile 默认路径下未找到配置文件
	ErrNoConfigFile = errors.New("no config file found")
)

// ChangeFunc 配置重载后的回调，old与new均为配置结构体指针
type ChangeFunc func(old, new interface{})

// Manager 配置文件管理器
type Manager struct {
	mu         sync.RWMutex
	instance   interface{} // 配置结构体指针
	path       string
	appName    string
	serializer Serializer
	force      Serializer
	formats    []Serializer
	paths      []string
	log        logger.Logger

	once    sync.Once
	loadErr error

	watch         bool
	debounceDelay time.Duration
	debounce      func()
	watcher       *fsnotify.Watcher
	quit          chan struct{}
	closed        bool

	callbacks []ChangeFunc
}

// NewManager 创建配置管理器，cfg必须为非nil结构体指针
func NewManager(cfg interface{}, opts ...Option) *Manager {
	if cfg == nil {
		panic("config instance cannot be nil")
	}
	if reflect.ValueOf(cfg).Kind() != reflect.Ptr {
		panic("config instance must be a pointer")
	}

	m := &Manager{
		instance:   cfg,
		appName:    "hfsm",
		serializer: &YAMLSerializer{},
		formats:    []Serializer{&YAMLSerializer{}, &JSONSerializer{}, &INISerializer{}},
		paths: []string{
			"./{{.AppName}}",
			"{{.ExecDir}}/{{.AppName}}",
			"/etc/{{.AppName}}",
		},
		log:           logger.Default(),
		debounceDelay: defaultDebounce,
		quit:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}
	m.debounce = timer.Debounce(m.debounceDelay, m.autoReload)
	return m
}

// Load 加载配置，只执行一次；path为空时按默认路径查找
func (m *Manager) Load(path string) error {
	m.once.Do(func() {
		m.loadErr = m.load(path)
	})
	return m.loadErr
}

func (m *Manager) load(path string) error {
	if path != "" {
		if err := validateConfigPath(path); err != nil {
			return errors.Wrap(err, "invalid config path")
		}
		m.path = path
		m.pickSerializer(path)
	} else {
		found, err := m.findDefault()
		if err != nil {
			return err
		}
		m.path = found
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := m.serializer.Unmarshal(data, m.instance); err != nil {
		return errors.Wrapf(err, "unmarshal %s config %s", m.serializer.GetName(), m.path)
	}
	if err := applyEnvOverrides(m.instance); err != nil {
		return errors.Wrap(err, "apply env overrides")
	}

	m.log.Debug("config loaded", logger.String("path", m.path), logger.String("format", m.serializer.GetName()))

	if m.watch {
		return m.startWatch()
	}
	return nil
}

// Get 返回配置结构体指针
func (m *Manager) Get() (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.path == "" {
		return nil, ErrNotLoaded
	}
	return m.instance, nil
}

// Path 返回已加载的配置文件路径
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path
}

// Save 原子写回配置文件（先写临时文件再重命名）
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.path == "" {
		return ErrNotLoaded
	}

	data, err := m.serializer.Marshal(m.instance)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write temp config")
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errors.Wrap(err, "rename temp config")
	}
	return nil
}

// Reload 重新读取配置文件到新实例，成功后替换并触发回调
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.path
	s := m.serializer
	typ := reflect.ValueOf(m.instance).Elem().Type()
	m.mu.RUnlock()

	if path == "" {
		return ErrNotLoaded
	}
	if err := validateConfigPath(path); err != nil {
		return errors.Wrap(err, "invalid config path")
	}

	fresh := reflect.New(typ).Interface()

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := s.Unmarshal(data, fresh); err != nil {
		return errors.Wrapf(err, "unmarshal %s config %s", s.GetName(), path)
	}
	if err := applyEnvOverrides(fresh); err != nil {
		return errors.Wrap(err, "apply env overrides")
	}

	m.mu.Lock()
	old := m.instance
	m.instance = fresh
	m.loadErr = nil
	callbacks := make([]ChangeFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	// 回调在锁外执行
	for _, cb := range callbacks {
		cb(old, fresh)
	}
	return nil
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(cb ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Close 停止监听，可重复调用
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.quit)
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
}

// Watching 是否正在监听配置文件
func (m *Manager) Watching() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watcher != nil
}

/* ------------------------------ 内部方法 ------------------------------ */

// pickSerializer 强制格式 > 后缀识别 > 默认
func (m *Manager) pickSerializer(path string) {
	if m.force != nil {
		m.serializer = m.force
		return
	}
	ext := filepath.Ext(path)
	for _, f := range m.formats {
		if f.GetFileExt() == ext {
			m.serializer = f
			return
		}
	}
}

func (m *Manager) findDefault() (string, error) {
	execPath, _ := os.Executable()
	vars := map[string]string{
		"AppName": m.appName,
		"ExecDir": filepath.Dir(execPath),
	}

	for _, tpl := range m.paths {
		base := replacePathVars(tpl, vars)

		if validateConfigPath(base) == nil {
			m.pickSerializer(base)
			return base, nil
		}
		for _, f := range m.formats {
			full := base + f.GetFileExt()
			if validateConfigPath(full) == nil {
				m.serializer = f
				return full, nil
			}
		}
	}
	return "", errors.Wrapf(ErrNoConfigFile, "app %s", m.appName)
}

func (m *Manager) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := w.Add(m.path); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "watch config")
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()

	go m.watchLoop(w)
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watch error", logger.Err(err))
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) autoReload() {
	if err := m.Reload(); err != nil {
		m.log.Warn("config auto reload failed", logger.String("path", m.Path()), logger.Err(err))
		return
	}
	m.log.Info("config auto reloaded", logger.String("path", m.Path()))
}
