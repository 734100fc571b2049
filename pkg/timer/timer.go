package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/junbin-yang/go-hfsm/pkg/logger"
)

var (
	// ErrTimerExists 定时器ID已存在
	ErrTimerExists = errors.New("timer already exists")

	// ErrTimerNotFound 定时器不存在
	ErrTimerNotFound = errors.New("timer not found")

	// ErrInvalidInterval 间隔必须为正
	ErrInvalidInterval = errors.New("timer interval must be positive")
)

// TimerInfo 定时器信息
type TimerInfo struct {
	ID       string
	Interval time.Duration
	IsOnce   bool
	Fires    int
}

type entry struct {
	info  TimerInfo
	timer clockwork.Timer
	fn    func()
	// gen 每次重置或删除时递增，过期回调据此丢弃
	gen uint64
}

// Manager 命名定时器管理器
type Manager struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	log    logger.Logger
	timers map[string]*entry
}

// Option 管理器选项
type Option func(*Manager)

// WithClock 替换时钟（测试中使用clockwork.NewFakeClock）
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager 创建定时器管理器
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:  clockwork.NewRealClock(),
		log:    logger.Default(),
		timers: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Clock 返回管理器使用的时钟
func (m *Manager) Clock() clockwork.Clock {
	return m.clock
}

// CreateTimer 创建周期性定时器
func (m *Manager) CreateTimer(id string, interval time.Duration, fn func()) error {
	return m.create(id, interval, false, fn)
}

// CreateOnceTimer 创建一次性定时器，触发后自动移除
func (m *Manager) CreateOnceTimer(id string, delay time.Duration, fn func()) error {
	return m.create(id, delay, true, fn)
}

func (m *Manager) create(id string, interval time.Duration, once bool, fn func()) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.timers[id]; exists {
		return ErrTimerExists
	}

	e := &entry{
		info: TimerInfo{ID: id, Interval: interval, IsOnce: once},
		fn:   fn,
	}
	m.arm(id, e)
	m.timers[id] = e

	m.log.Debug("timer created", logger.String("id", id), logger.Duration("interval", interval), logger.Bool("once", once))
	return nil
}

// arm 启动底层时钟定时器，调用方持有锁
func (m *Manager) arm(id string, e *entry) {
	gen := e.gen
	e.timer = m.clock.AfterFunc(e.info.Interval, func() {
		m.fire(id, gen)
	})
}

func (m *Manager) fire(id string, gen uint64) {
	m.mu.Lock()
	e, ok := m.timers[id]
	if !ok || e.gen != gen {
		// 已被删除或重置
		m.mu.Unlock()
		return
	}
	e.info.Fires++
	fn := e.fn
	if e.info.IsOnce {
		delete(m.timers, id)
	} else {
		m.arm(id, e)
	}
	m.mu.Unlock()

	m.run(id, fn)
}

// run 执行回调并恢复panic
func (m *Manager) run(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("timer callback panicked", logger.String("id", id), logger.Any("panic", r))
		}
	}()
	fn()
}

// RemoveTimer 停止并移除定时器
func (m *Manager) RemoveTimer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[id]
	if !ok {
		return ErrTimerNotFound
	}
	e.gen++
	e.timer.Stop()
	delete(m.timers, id)

	m.log.Debug("timer removed", logger.String("id", id))
	return nil
}

// ResetTimer 以新间隔重新计时
func (m *Manager) ResetTimer(id string, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[id]
	if !ok {
		return ErrTimerNotFound
	}
	e.gen++
	e.timer.Stop()
	e.info.Interval = interval
	m.arm(id, e)
	return nil
}

// GetTimer 获取定时器信息
func (m *Manager) GetTimer(id string) (TimerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[id]
	if !ok {
		return TimerInfo{}, false
	}
	return e.info, true
}

// ListTimers 返回按ID排序的定时器列表
func (m *Manager) ListTimers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetTimerCount 返回活跃定时器数量
func (m *Manager) GetTimerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// StopAll 停止并移除所有定时器
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.timers {
		e.gen++
		e.timer.Stop()
		delete(m.timers, id)
	}
}
