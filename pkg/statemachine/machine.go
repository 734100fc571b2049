package statemachine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/junbin-yang/go-hfsm/pkg/logger"
)

// Machine 单活动状态的状态机。
//
// Machine不加锁：同一个Machine的Start/InjectEvent/Stop必须由调用方串行化，
// 需要跨协程投递事件（例如定时器回调）时使用Dispatcher。
type Machine struct {
	registry  *Registry
	log       logger.Logger
	observers []Observer

	started bool
	current State
	def     *StateDef
	task    *Task
}

// MachineOption 状态机选项
type MachineOption func(*Machine)

// WithLogger 设置日志器
func WithLogger(l logger.Logger) MachineOption {
	return func(m *Machine) {
		m.log = l
	}
}

// WithObserver 添加观察者
func WithObserver(o Observer) MachineOption {
	return func(m *Machine) {
		m.observers = append(m.observers, o)
	}
}

// NewMachine 创建状态机
func NewMachine(registry *Registry, opts ...MachineOption) *Machine {
	m := &Machine{
		registry: registry,
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.Named(m.log, "machine")
	return m
}

// Registry 返回状态机使用的注册表
func (m *Machine) Registry() *Registry { return m.registry }

// Started 是否已调用过Start
func (m *Machine) Started() bool { return m.started }

// CurrentState 返回当前活动实例，没有时为nil
func (m *Machine) CurrentState() State { return m.current }

// CurrentID 返回当前活动状态的标识
func (m *Machine) CurrentID() (StateID, bool) {
	if m.current == nil {
		return "", false
	}
	return m.def.id, true
}

// Start 进入初始状态；无转换表的初始状态进入后立即退出
func (m *Machine) Start(ctx context.Context, initial StateID, args ...any) error {
	if m.started {
		return ErrAlreadyStarted
	}
	def, ok := m.registry.Lookup(initial)
	if !ok {
		return errors.Wrapf(ErrStateNotFound, "initial state %s", initial)
	}
	table, err := def.Transitions()
	if err != nil {
		return err
	}
	m.started = true
	m.log.Debug("machine starting", logger.String("state", string(initial)))
	return m.enter(ctx, def, table, args...)
}

// Can 当前状态是否处理该事件
func (m *Machine) Can(ev Event) bool {
	if m.current == nil {
		return false
	}
	table, err := m.def.Transitions()
	if err != nil {
		return false
	}
	_, ok := table[ev]
	return ok
}

// InjectEvent 投递事件并执行转换。
//
// 未处理的事件返回ErrUnhandledEvent且状态不变；旧状态的Exit总在新状态的Enter之前完成。
func (m *Machine) InjectEvent(ctx context.Context, ev Event) error {
	if m.current == nil {
		return ErrNoActiveState
	}

	from := m.def
	table, err := from.Transitions()
	if err != nil {
		return err
	}
	nextID, ok := table[ev]
	if !ok {
		m.log.Debug("event unhandled", logger.String("state", string(from.id)), logger.String("event", ev.label))
		return errors.Wrapf(ErrUnhandledEvent, "state %s event %s", from.id, ev.label)
	}
	next, ok := m.registry.Lookup(nextID)
	if !ok {
		return errors.Wrapf(ErrInvalidTransitionTarget, "state %s event %s -> %s", from.id, ev.label, nextID)
	}

	old := m.current

	// 自环：只调用处理函数，实例与状态变量保留
	if next == from {
		if err := m.handle(ctx, old, ev); err != nil {
			return err
		}
		m.notifyTransition(from.id, ev, next.id)
		return nil
	}

	// 后继的转换表先于退出计算，配置错误不改变当前状态
	nextTable, err := next.Transitions()
	if err != nil {
		return err
	}

	if err := m.exit(ctx); err != nil {
		return err
	}
	if err := m.handle(ctx, old, ev); err != nil {
		return err
	}
	m.notifyTransition(from.id, ev, next.id)
	return m.enter(ctx, next, nextTable)
}

// Stop 退出当前状态（若有），用于宿主关闭时释放定时器等资源
func (m *Machine) Stop(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	return m.exit(ctx)
}

// enter 构造新实例并进入；转换表为空时立即退出
func (m *Machine) enter(ctx context.Context, def *StateDef, table Transitions, args ...any) error {
	inst, task := def.newInstance()
	m.current = inst
	m.def = def
	m.task = task

	if err := inst.Enter(ctx, args...); err != nil {
		m.current = nil
		m.releaseTask()
		return errors.Wrapf(err, "enter %s", def.id)
	}
	m.log.Debug("state entered", logger.String("state", string(def.id)))
	for _, o := range m.observers {
		o.OnEnter(def.id)
	}

	if len(table) == 0 {
		return m.exit(ctx)
	}
	return nil
}

// exit 退出并丢弃当前实例
func (m *Machine) exit(ctx context.Context) error {
	inst, def := m.current, m.def
	m.current = nil

	err := inst.Exit(ctx)
	m.releaseTask()
	if err != nil {
		return errors.Wrapf(err, "exit %s", def.id)
	}
	m.log.Debug("state exited", logger.String("state", string(def.id)))
	for _, o := range m.observers {
		o.OnExit(def.id)
	}
	return nil
}

func (m *Machine) releaseTask() {
	if m.task != nil {
		m.task.release()
		m.task = nil
	}
}

func (m *Machine) handle(ctx context.Context, inst State, ev Event) error {
	h, ok := inst.(EventHandler)
	if !ok {
		return nil
	}
	if err := h.HandleEvent(ctx, ev); err != nil {
		return errors.Wrapf(err, "handle %s", ev.label)
	}
	return nil
}

func (m *Machine) notifyTransition(from StateID, ev Event, to StateID) {
	for _, o := range m.observers {
		o.OnTransition(from, ev, to)
	}
}
