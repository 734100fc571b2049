package mission

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/junbin-yang/go-hfsm/pkg/config"
	"github.com/junbin-yang/go-hfsm/pkg/logger"
	"github.com/junbin-yang/go-hfsm/pkg/statemachine"
)

var (
	// ErrInvalidMission 任务文件结构错误
	ErrInvalidMission = errors.New("invalid mission")

	// ErrUnknownTask 任务未在状态注册表中定义
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownAttribute 配置了任务不接受的属性
	ErrUnknownAttribute = errors.New("unknown attribute")
)

// TaskSpec 任务文件中的单个任务
type TaskSpec struct {
	ID      statemachine.StateID `yaml:"id" json:"id"`
	Failure statemachine.StateID `yaml:"failure,omitempty" json:"failure,omitempty"`
	Attrs   map[string]string    `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// File 任务文件
type File struct {
	Name    string               `yaml:"name" json:"name"`
	End     statemachine.StateID `yaml:"end,omitempty" json:"end,omitempty"`
	Failure statemachine.StateID `yaml:"failure,omitempty" json:"failure,omitempty"`
	Tasks   []TaskSpec           `yaml:"tasks" json:"tasks"`
}

// check 检查任务标识非空且不重复
func (f *File) check() error {
	if len(f.Tasks) == 0 {
		return errors.Wrap(ErrInvalidMission, "no tasks")
	}
	seen := make(map[statemachine.StateID]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.ID == "" {
			return errors.Wrapf(ErrInvalidMission, "task #%d has no id", i)
		}
		if seen[t.ID] {
			return errors.Wrapf(ErrInvalidMission, "duplicate task %s", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// Mission 任务序列，实现statemachine.Sequencer和statemachine.TaskConfig。
//
// 下一个任务和失败状态在构建任务定义时解析；属性在每次激活时查询，
// 因此文件重载只影响属性。
type Mission struct {
	mu    sync.RWMutex
	file  *File
	index map[statemachine.StateID]int

	mgr *config.Manager
	log logger.Logger
}

// Option 任务加载选项
type Option func(*options)

type options struct {
	log      logger.Logger
	watch    bool
	debounce time.Duration
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithWatch 监听任务文件，变更后重载属性
func WithWatch(debounce time.Duration) Option {
	return func(o *options) {
		o.watch = true
		o.debounce = debounce
	}
}

// New 从内存中的任务文件创建
func New(f File) (*Mission, error) {
	m := &Mission{log: logger.Default()}
	if err := m.swap(&f); err != nil {
		return nil, err
	}
	return m, nil
}

// Load 读取任务文件（yaml/json，按后缀识别）
func Load(path string, opts ...Option) (*Mission, error) {
	o := &options{log: logger.Default()}
	for _, opt := range opts {
		opt(o)
	}

	f := &File{}
	mgr := config.NewManager(f,
		config.WithAppName("mission"),
		config.WithLogger(o.log),
		config.WithConfigWatch(o.watch, o.debounce),
	)
	if err := mgr.Load(path); err != nil {
		mgr.Close()
		return nil, errors.Wrap(err, "load mission")
	}

	m := &Mission{mgr: mgr, log: o.log}
	if err := m.swap(f); err != nil {
		mgr.Close()
		return nil, err
	}
	mgr.OnChange(m.onChange)

	o.log.Info("mission loaded", logger.String("name", f.Name), logger.String("path", mgr.Path()), logger.Int("tasks", len(f.Tasks)))
	return m, nil
}

func (m *Mission) onChange(_, fresh interface{}) {
	f, ok := fresh.(*File)
	if !ok {
		return
	}
	if err := m.swap(f); err != nil {
		m.log.Warn("mission reload rejected", logger.Err(err))
		return
	}
	m.log.Info("mission reloaded", logger.String("name", f.Name))
}

func (m *Mission) swap(f *File) error {
	if err := f.check(); err != nil {
		return err
	}
	index := make(map[statemachine.StateID]int, len(f.Tasks))
	for i, t := range f.Tasks {
		index[t.ID] = i
	}

	m.mu.Lock()
	m.file = f
	m.index = index
	m.mu.Unlock()
	return nil
}

// Reload 立即重新读取任务文件
func (m *Mission) Reload() error {
	if m.mgr == nil {
		return nil
	}
	return m.mgr.Reload()
}

// Close 停止监听
func (m *Mission) Close() {
	if m.mgr != nil {
		m.mgr.Close()
	}
}

// Name 任务名称
func (m *Mission) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.Name
}

// First 第一个任务
func (m *Mission) First() statemachine.StateID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.Tasks[0].ID
}

// Tasks 按顺序返回任务标识
func (m *Mission) Tasks() []statemachine.StateID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]statemachine.StateID, len(m.file.Tasks))
	for i, t := range m.file.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// NextTask 序列中的下一个任务；最后一个任务返回配置的end
func (m *Mission) NextTask(task statemachine.StateID) (statemachine.StateID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[task]
	if !ok {
		return "", false
	}
	if i+1 < len(m.file.Tasks) {
		return m.file.Tasks[i+1].ID, true
	}
	if m.file.End != "" {
		return m.file.End, true
	}
	return "", false
}

// FailureState 任务的失败状态，任务未配置时使用全局failure
func (m *Mission) FailureState(task statemachine.StateID) (statemachine.StateID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[task]
	if !ok {
		return "", false
	}
	if f := m.file.Tasks[i].Failure; f != "" {
		return f, true
	}
	if m.file.Failure != "" {
		return m.file.Failure, true
	}
	return "", false
}

// Lookup 查询任务属性
func (m *Mission) Lookup(task statemachine.StateID, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[task]
	if !ok {
		return "", false
	}
	v, ok := m.file.Tasks[i].Attrs[key]
	return v, ok
}

// Env 以本任务序列为Sequencer和Config构造任务环境
func (m *Mission) Env(timers statemachine.TimerManager) statemachine.TaskEnv {
	return statemachine.TaskEnv{Sequencer: m, Config: m, Timers: timers}
}

// Validate 检查任务序列引用的状态均已注册，且属性都在任务接受的范围内。
// 返回全部问题而不是第一个。
func (m *Mission) Validate(reg *statemachine.Registry) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var err error
	for _, t := range m.file.Tasks {
		def, ok := reg.Lookup(t.ID)
		if !ok {
			err = multierr.Append(err, errors.Wrapf(ErrUnknownTask, "task %s", t.ID))
			continue
		}
		err = multierr.Append(err, checkAttrs(def, t))
		if t.Failure != "" {
			err = multierr.Append(err, checkState(reg, t.Failure, "failure of "+string(t.ID)))
		}
	}
	if m.file.End != "" {
		err = multierr.Append(err, checkState(reg, m.file.End, "end"))
	}
	if m.file.Failure != "" {
		err = multierr.Append(err, checkState(reg, m.file.Failure, "failure"))
	}
	return err
}

func checkState(reg *statemachine.Registry, id statemachine.StateID, role string) error {
	if _, ok := reg.Lookup(id); !ok {
		return errors.Wrapf(statemachine.ErrStateNotFound, "%s state %s", role, id)
	}
	return nil
}

func checkAttrs(def *statemachine.StateDef, t TaskSpec) error {
	allowed := make(map[string]bool)
	for _, a := range def.Attrs() {
		allowed[a] = true
	}

	keys := make([]string, 0, len(t.Attrs))
	for k := range t.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		if !allowed[k] {
			err = multierr.Append(err, errors.Wrapf(ErrUnknownAttribute, "task %s attr %s", t.ID, k))
		}
	}
	return err
}
