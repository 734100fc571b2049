package statemachine

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// StateDef 状态定义：标识、转换表和实例工厂
type StateDef struct {
	id    StateID
	table func() (Transitions, error)
	newFn func() State
	task  *taskMeta
}

// Define 以静态转换表定义状态，newFn为nil时使用Base
func Define(id StateID, table Transitions, newFn func() State) *StateDef {
	return DefineFunc(id, func() (Transitions, error) { return table, nil }, newFn)
}

// DefineFunc 以函数计算转换表定义状态，函数必须无副作用
func DefineFunc(id StateID, table func() (Transitions, error), newFn func() State) *StateDef {
	if newFn == nil {
		newFn = func() State { return Base{} }
	}
	if table == nil {
		table = func() (Transitions, error) { return nil, nil }
	}
	return &StateDef{id: id, table: table, newFn: newFn}
}

// ID 状态标识
func (d *StateDef) ID() StateID { return d.id }

// Transitions 计算转换表
func (d *StateDef) Transitions() (Transitions, error) {
	t, err := d.table()
	if err != nil {
		return nil, errors.Wrapf(err, "state %s", d.id)
	}
	return t, nil
}

// IsTask 是否为定时任务
func (d *StateDef) IsTask() bool { return d.task != nil }

// Attrs 任务接受的配置键，普通状态为nil
func (d *StateDef) Attrs() []string {
	if d.task == nil {
		return nil
	}
	return append([]string(nil), d.task.attrs...)
}

// newInstance 构造实例；任务同时返回其运行时，供状态机在退出时兜底释放定时器
func (d *StateDef) newInstance() (State, *Task) {
	if d.task == nil {
		return d.newFn(), nil
	}
	t := &Task{meta: d.task}
	if d.task.newFn == nil {
		return t, t
	}
	return d.task.newFn(t), t
}

// Registry 按标识索引的状态定义注册表
type Registry struct {
	mu   sync.RWMutex
	defs map[StateID]*StateDef
}

// NewRegistry 创建注册表，已包含内置End状态
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[StateID]*StateDef)}
	r.defs[End] = Define(End, nil, nil)
	return r
}

// Register 注册状态定义
func (r *Registry) Register(defs ...*StateDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range defs {
		if d == nil || d.id == "" {
			return errors.Wrap(ErrInvalidState, "empty state id")
		}
		if _, exists := r.defs[d.id]; exists {
			return errors.Wrapf(ErrDuplicateState, "state %s", d.id)
		}
		r.defs[d.id] = d
	}
	return nil
}

// MustRegister 注册失败时panic，用于包初始化
func (r *Registry) MustRegister(defs ...*StateDef) *Registry {
	if err := r.Register(defs...); err != nil {
		panic(err)
	}
	return r
}

// Lookup 查找状态定义
func (r *Registry) Lookup(id StateID) (*StateDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// IDs 返回排序后的全部状态标识
func (r *Registry) IDs() []StateID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]StateID, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// sortedEvents 按声明顺序排列转换表的事件
func sortedEvents(t Transitions) []Event {
	evs := make([]Event, 0, len(t))
	for ev := range t {
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].id < evs[j].id })
	return evs
}
