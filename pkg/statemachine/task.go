package statemachine

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Timeout 通用超时标记事件，任务转换表中的该事件会被替换为任务专属的超时事件
var Timeout = DeclareEvent("TIMEOUT")

// AttrTimeout 任务超时配置键
const AttrTimeout = "timeout"

type targetKind uint8

const (
	targetState targetKind = iota
	targetNext
	targetFailure
)

// Target 任务转换目标：具体状态、Next或Failure标记
type Target struct {
	kind targetKind
	id   StateID
}

var (
	// Next 解析为任务序列中的下一个任务
	Next = Target{kind: targetNext}
	// Failure 解析为配置的失败恢复状态
	Failure = Target{kind: targetFailure}
)

// To 指向具体状态
func To(id StateID) Target {
	return Target{kind: targetState, id: id}
}

func (t Target) String() string {
	switch t.kind {
	case targetNext:
		return "<Next>"
	case targetFailure:
		return "<Failure>"
	default:
		return string(t.id)
	}
}

// Sequencer 任务序列协作者
type Sequencer interface {
	NextTask(task StateID) (StateID, bool)
	FailureState(task StateID) (StateID, bool)
}

// TaskConfig 每次激活时查询的任务配置
type TaskConfig interface {
	Lookup(task StateID, key string) (string, bool)
}

// Timer 由TimerManager创建，触发时把事件送回所属状态机
type Timer interface {
	Start() error
	Stop()
}

// TimerManager 定时器协作者
type TimerManager interface {
	NewTimer(ev Event, d time.Duration) Timer
}

// TaskEnv 任务依赖的外部协作者
type TaskEnv struct {
	Sequencer Sequencer
	Timers    TimerManager
	Config    TaskConfig     // 可为nil
	Events    *EventRegistry // 为nil时使用默认注册表
}

// TaskDef 任务定义，转换表可以使用Timeout/Next/Failure标记
type TaskDef struct {
	ID          StateID
	Transitions map[Event]Target
	// Attrs 任务接受的配置键，为nil时为{"timeout"}
	Attrs []string
	// DefaultTimeout 配置中没有timeout时使用，0表示无默认值
	DefaultTimeout time.Duration
	// New 以任务运行时构造实例，通常返回嵌入*Task的结构体；为nil时实例即*Task
	New func(t *Task) State
}

// taskMeta 任务定义在构建时解析出的信息
type taskMeta struct {
	id             StateID
	timeoutEvent   Event
	hasTimeout     bool
	attrs          []string
	defaultTimeout time.Duration
	next           StateID
	hasNext        bool
	failure        StateID
	hasFailure     bool
	base           map[Event]Target
	env            TaskEnv
	newFn          func(t *Task) State
}

// NewTaskDef 构建任务的状态定义：声明专属超时事件，并向Sequencer解析Next/Failure
func NewTaskDef(def TaskDef, env TaskEnv) (*StateDef, error) {
	if def.ID == "" {
		return nil, errors.Wrap(ErrInvalidState, "empty task id")
	}
	if env.Sequencer == nil {
		return nil, errors.Wrapf(ErrInvalidState, "task %s has no sequencer", def.ID)
	}
	events := env.Events
	if events == nil {
		events = defaultEvents
	}

	meta := &taskMeta{
		id:             def.ID,
		timeoutEvent:   events.Declare("TIMEOUT_" + string(def.ID)),
		attrs:          def.Attrs,
		defaultTimeout: def.DefaultTimeout,
		base:           def.Transitions,
		env:            env,
		newFn:          def.New,
	}
	if meta.attrs == nil {
		meta.attrs = []string{AttrTimeout}
	}
	for ev := range def.Transitions {
		if ev == Timeout {
			meta.hasTimeout = true
		}
	}
	if meta.hasTimeout && env.Timers == nil {
		return nil, errors.Wrapf(ErrInvalidState, "task %s has a timeout but no timer manager", def.ID)
	}
	meta.next, meta.hasNext = env.Sequencer.NextTask(def.ID)
	meta.failure, meta.hasFailure = env.Sequencer.FailureState(def.ID)

	sd := DefineFunc(def.ID, meta.transitions, nil)
	sd.task = meta
	return sd, nil
}

// transitions 把基础转换表中的标记替换为具体事件和状态
func (m *taskMeta) transitions() (Transitions, error) {
	out := make(Transitions, len(m.base))
	for ev, target := range m.base {
		if ev == Timeout {
			ev = m.timeoutEvent
		}

		switch target.kind {
		case targetNext:
			if !m.hasNext {
				return nil, errors.Wrapf(ErrNoNextStateConfigured, "task %s", m.id)
			}
			out[ev] = m.next
		case targetFailure:
			if !m.hasFailure {
				return nil, errors.Wrapf(ErrNoFailureStateConfigured, "task %s", m.id)
			}
			out[ev] = m.failure
		default:
			out[ev] = target.id
		}
	}
	return out, nil
}

// TimeoutEventOf 返回任务定义的专属超时事件
func TimeoutEventOf(d *StateDef) (Event, bool) {
	if d.task == nil {
		return Event{}, false
	}
	return d.task.timeoutEvent, true
}

// Task 任务的每次激活的运行时，嵌入到任务实例中
type Task struct {
	meta            *taskMeta
	timeoutDuration time.Duration
	timer           Timer
}

// ID 任务标识
func (t *Task) ID() StateID { return t.meta.id }

// TimeoutEvent 任务专属的超时事件
func (t *Task) TimeoutEvent() Event { return t.meta.timeoutEvent }

// HasTimeout 转换表是否使用了Timeout标记
func (t *Task) HasTimeout() bool { return t.meta.hasTimeout }

// TimeoutDuration 本次激活解析出的超时时长
func (t *Task) TimeoutDuration() time.Duration { return t.timeoutDuration }

// Config 查询本任务的配置项
func (t *Task) Config(key string) (string, bool) {
	if t.meta.env.Config == nil {
		return "", false
	}
	return t.meta.env.Config.Lookup(t.meta.id, key)
}

// Enter 有超时的任务启动定时器。
// args中的第一个time.Duration作为默认超时，覆盖TaskDef.DefaultTimeout；配置中的timeout优先。
func (t *Task) Enter(ctx context.Context, args ...any) error {
	if !t.meta.hasTimeout {
		return nil
	}

	fallback := t.meta.defaultTimeout
	for _, a := range args {
		if d, ok := a.(time.Duration); ok {
			fallback = d
			break
		}
	}

	d, err := t.resolveTimeout(fallback)
	if err != nil {
		return err
	}
	t.timeoutDuration = d

	t.timer = t.meta.env.Timers.NewTimer(t.meta.timeoutEvent, d)
	if err := t.timer.Start(); err != nil {
		t.release()
		return errors.Wrapf(err, "start timeout timer for %s", t.meta.id)
	}
	return nil
}

func (t *Task) resolveTimeout(fallback time.Duration) (time.Duration, error) {
	if raw, ok := t.Config(AttrTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, errors.Wrapf(err, "task %s timeout %q", t.meta.id, raw)
		}
		return d, nil
	}
	if fallback > 0 {
		return fallback, nil
	}
	return 0, errors.Wrapf(ErrMissingTimeoutConfiguration, "task %s", t.meta.id)
}

// Exit 停止本次激活的定时器
func (t *Task) Exit(ctx context.Context) error {
	t.release()
	return nil
}

// release 可重复调用；实例覆盖Exit而未调用Task.Exit时由状态机调用
func (t *Task) release() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
