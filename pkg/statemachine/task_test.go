package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	evDone  = DeclareEvent("DONE")
	evFail  = DeclareEvent("FAIL")
	evRetry = DeclareEvent("RETRY")
)

// fakeSequencer 固定的任务序列
type fakeSequencer struct {
	next    map[StateID]StateID
	failure map[StateID]StateID
}

func (s fakeSequencer) NextTask(task StateID) (StateID, bool) {
	id, ok := s.next[task]
	return id, ok
}

func (s fakeSequencer) FailureState(task StateID) (StateID, bool) {
	id, ok := s.failure[task]
	return id, ok
}

type fakeConfig map[StateID]map[string]string

func (c fakeConfig) Lookup(task StateID, key string) (string, bool) {
	v, ok := c[task][key]
	return v, ok
}

type fakeTimer struct {
	ev       Event
	d        time.Duration
	started  bool
	stopped  bool
	startErr error
}

func (t *fakeTimer) Start() error {
	t.started = true
	return t.startErr
}

func (t *fakeTimer) Stop() { t.stopped = true }

// fired 定时器未停止时才会投递事件
func (t *fakeTimer) fired() bool { return t.started && !t.stopped }

type fakeTimers struct {
	timers   []*fakeTimer
	startErr error
}

func (f *fakeTimers) NewTimer(ev Event, d time.Duration) Timer {
	t := &fakeTimer{ev: ev, d: d, startErr: f.startErr}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) last() *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	return f.timers[len(f.timers)-1]
}

var diveSequence = fakeSequencer{
	next:    map[StateID]StateID{"Dive": "Search"},
	failure: map[StateID]StateID{"Dive": "Abort"},
}

func diveDef() TaskDef {
	return TaskDef{
		ID: "Dive",
		Transitions: map[Event]Target{
			Timeout: Next,
			evDone:  Next,
			evFail:  Failure,
			evRetry: To("Dive"),
		},
	}
}

// taskRegistry Dive任务及其后继Search、Abort
func taskRegistry(t *testing.T, def TaskDef, env TaskEnv) (*Registry, *StateDef) {
	t.Helper()
	sd, err := NewTaskDef(def, env)
	if err != nil {
		t.Fatalf("构建任务失败: %v", err)
	}
	reg := NewRegistry().MustRegister(
		sd,
		Define("Search", Transitions{evToEnd: End}, nil),
		Define("Abort", Transitions{evToEnd: End}, nil),
	)
	return reg, sd
}

func TestTaskMarkerRewriting(t *testing.T) {
	_, sd := taskRegistry(t, diveDef(), TaskEnv{Sequencer: diveSequence, Timers: &fakeTimers{}})

	table, err := sd.Transitions()
	if err != nil {
		t.Fatalf("计算转换表失败: %v", err)
	}
	timeoutEv, ok := TimeoutEventOf(sd)
	if !ok {
		t.Fatal("任务应有专属超时事件")
	}
	if timeoutEv == Timeout || timeoutEv.Label() != "TIMEOUT_Dive" {
		t.Errorf("超时事件 = %s", timeoutEv)
	}
	if _, exists := table[Timeout]; exists {
		t.Error("通用Timeout标记应被替换")
	}

	want := Transitions{timeoutEv: "Search", evDone: "Search", evFail: "Abort", evRetry: "Dive"}
	if len(table) != len(want) {
		t.Fatalf("转换表 = %v", table)
	}
	for ev, id := range want {
		if table[ev] != id {
			t.Errorf("%s -> %s, want %s", ev.Label(), table[ev], id)
		}
	}
	if !sd.IsTask() {
		t.Error("IsTask() 应为 true")
	}
	if attrs := sd.Attrs(); len(attrs) != 1 || attrs[0] != AttrTimeout {
		t.Errorf("默认能力集 = %v", attrs)
	}
}

func TestTaskTimeoutEventsDistinct(t *testing.T) {
	env := TaskEnv{Sequencer: diveSequence, Timers: &fakeTimers{}}
	a, _ := NewTaskDef(diveDef(), env)
	b, _ := NewTaskDef(diveDef(), env)
	ea, _ := TimeoutEventOf(a)
	eb, _ := TimeoutEventOf(b)
	if ea == eb {
		t.Error("每个任务定义应声明自己的超时事件")
	}
	if _, ok := TimeoutEventOf(Define("Plain", nil, nil)); ok {
		t.Error("普通状态没有超时事件")
	}
}

func TestTaskNoFailureConfigured(t *testing.T) {
	seq := fakeSequencer{next: map[StateID]StateID{"Dive": "Search"}}
	reg, sd := taskRegistry(t, diveDef(), TaskEnv{Sequencer: seq, Timers: &fakeTimers{}})

	if _, err := sd.Transitions(); !errors.Is(err, ErrNoFailureStateConfigured) {
		t.Errorf("期望 ErrNoFailureStateConfigured, got %v", err)
	}
	m := newTestMachine(reg)
	if err := m.Start(context.Background(), "Dive", time.Second); !errors.Is(err, ErrNoFailureStateConfigured) {
		t.Errorf("启动应返回 ErrNoFailureStateConfigured, got %v", err)
	}
	if m.Started() || m.CurrentState() != nil {
		t.Error("配置错误时不应启动")
	}
}

func TestTaskNoNextConfigured(t *testing.T) {
	seq := fakeSequencer{failure: map[StateID]StateID{"Dive": "Abort"}}
	_, sd := taskRegistry(t, diveDef(), TaskEnv{Sequencer: seq, Timers: &fakeTimers{}})

	if _, err := sd.Transitions(); !errors.Is(err, ErrNoNextStateConfigured) {
		t.Errorf("期望 ErrNoNextStateConfigured, got %v", err)
	}
}

func TestTaskTimeoutResolution(t *testing.T) {
	tests := []struct {
		name     string
		config   fakeConfig
		dflt     time.Duration
		args     []any
		want     time.Duration
		wantErr  error
		wantFail bool
	}{
		{name: "config", config: fakeConfig{"Dive": {"timeout": "2s"}}, dflt: time.Minute, args: []any{time.Hour}, want: 2 * time.Second},
		{name: "arg", args: []any{"ignored", 3 * time.Second}, dflt: time.Minute, want: 3 * time.Second},
		{name: "default", dflt: time.Minute, want: time.Minute},
		{name: "missing", wantErr: ErrMissingTimeoutConfiguration},
		{name: "invalid", config: fakeConfig{"Dive": {"timeout": "soon"}}, dflt: time.Minute, wantFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timers := &fakeTimers{}
			def := diveDef()
			def.DefaultTimeout = tt.dflt
			env := TaskEnv{Sequencer: diveSequence, Timers: timers}
			if tt.config != nil {
				env.Config = tt.config
			}
			reg, _ := taskRegistry(t, def, env)
			m := newTestMachine(reg)

			err := m.Start(context.Background(), "Dive", tt.args...)
			if tt.wantErr != nil || tt.wantFail {
				if err == nil {
					t.Fatal("应返回错误")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("期望 %v, got %v", tt.wantErr, err)
				}
				if timers.last() != nil {
					t.Error("出错时不应创建定时器")
				}
				if m.CurrentState() != nil {
					t.Error("Enter失败后不应有活动状态")
				}
				return
			}
			if err != nil {
				t.Fatalf("启动失败: %v", err)
			}

			timer := timers.last()
			if timer == nil || !timer.started {
				t.Fatal("应启动定时器")
			}
			if timer.d != tt.want {
				t.Errorf("超时 = %v, want %v", timer.d, tt.want)
			}
			if got := m.CurrentState().(*Task).TimeoutDuration(); got != tt.want {
				t.Errorf("TimeoutDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskTimeoutFires(t *testing.T) {
	ctx := context.Background()
	timers := &fakeTimers{}
	reg, _ := taskRegistry(t, diveDef(), TaskEnv{Sequencer: diveSequence, Timers: timers})
	m := newTestMachine(reg)
	if err := m.Start(ctx, "Dive", time.Second); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	timer := timers.last()
	if timer.ev.Label() != "TIMEOUT_Dive" {
		t.Errorf("定时器事件 = %s", timer.ev)
	}
	if !timer.fired() {
		t.Fatal("定时器应处于运行状态")
	}
	if err := m.InjectEvent(ctx, timer.ev); err != nil {
		t.Fatalf("投递超时事件失败: %v", err)
	}
	if id, _ := m.CurrentID(); id != "Search" {
		t.Errorf("超时后应进入Search, got %s", id)
	}
	if !timer.stopped {
		t.Error("退出任务时应停止定时器")
	}
}

func TestTaskExitStopsTimer(t *testing.T) {
	ctx := context.Background()
	timers := &fakeTimers{}
	reg, _ := taskRegistry(t, diveDef(), TaskEnv{Sequencer: diveSequence, Timers: timers})
	m := newTestMachine(reg)
	_ = m.Start(ctx, "Dive", time.Second)

	if err := m.InjectEvent(ctx, evFail); err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	if id, _ := m.CurrentID(); id != "Abort" {
		t.Errorf("应进入Abort, got %s", id)
	}
	if timers.last().fired() {
		t.Error("退出后定时器不应再触发")
	}
}

func TestTaskSelfLoopKeepsTimer(t *testing.T) {
	ctx := context.Background()
	timers := &fakeTimers{}
	reg, _ := taskRegistry(t, diveDef(), TaskEnv{Sequencer: diveSequence, Timers: timers})
	m := newTestMachine(reg)
	_ = m.Start(ctx, "Dive", time.Second)
	first := m.CurrentState()

	// RETRY是自环，不重新进入
	_ = m.InjectEvent(ctx, evRetry)
	if m.CurrentState() != first || len(timers.timers) != 1 {
		t.Error("自环不应重建任务或定时器")
	}
}

// overridingTask 覆盖Exit但没有调用Task.Exit
type overridingTask struct {
	*Task
	exited bool
}

func (o *overridingTask) Exit(ctx context.Context) error {
	o.exited = true
	return nil
}

func TestTaskCustomInstance(t *testing.T) {
	ctx := context.Background()
	timers := &fakeTimers{}
	def := diveDef()
	def.DefaultTimeout = time.Second
	def.New = func(task *Task) State { return &overridingTask{Task: task} }
	reg, _ := taskRegistry(t, def, TaskEnv{Sequencer: diveSequence, Timers: timers})
	m := newTestMachine(reg)

	if err := m.Start(ctx, "Dive"); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	inst := m.CurrentState().(*overridingTask)
	if inst.ID() != "Dive" || !inst.HasTimeout() {
		t.Error("应可访问嵌入的任务运行时")
	}

	_ = m.InjectEvent(ctx, evDone)
	if !inst.exited {
		t.Error("应调用自定义Exit")
	}
	if !timers.last().stopped {
		t.Error("状态机应在退出时释放定时器")
	}
}

func TestTaskTimerStartError(t *testing.T) {
	boom := errors.New("clock broken")
	timers := &fakeTimers{startErr: boom}
	reg, _ := taskRegistry(t, diveDef(), TaskEnv{Sequencer: diveSequence, Timers: timers})

	err := newTestMachine(reg).Start(context.Background(), "Dive", time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("期望定时器错误, got %v", err)
	}
	if !timers.last().stopped {
		t.Error("启动失败的定时器应被停止")
	}
}

func TestTaskWithoutTimeout(t *testing.T) {
	ctx := context.Background()
	def := TaskDef{ID: "Dive", Transitions: map[Event]Target{evDone: Next}}
	reg, _ := taskRegistry(t, def, TaskEnv{Sequencer: diveSequence})
	m := newTestMachine(reg)

	if err := m.Start(ctx, "Dive"); err != nil {
		t.Fatalf("无超时任务不需要定时器: %v", err)
	}
	if m.CurrentState().(*Task).HasTimeout() {
		t.Error("HasTimeout() 应为 false")
	}
	_ = m.InjectEvent(ctx, evDone)
	if id, _ := m.CurrentID(); id != "Search" {
		t.Errorf("应进入Search, got %s", id)
	}
}

func TestTaskConfigLookup(t *testing.T) {
	def := TaskDef{ID: "Dive", Attrs: []string{"depth"}, Transitions: map[Event]Target{evDone: Next}}
	env := TaskEnv{Sequencer: diveSequence, Config: fakeConfig{"Dive": {"depth": "12"}}}
	reg, sd := taskRegistry(t, def, env)
	m := newTestMachine(reg)
	_ = m.Start(context.Background(), "Dive")

	if v, ok := m.CurrentState().(*Task).Config("depth"); !ok || v != "12" {
		t.Errorf("Config(depth) = %q, %v", v, ok)
	}
	if attrs := sd.Attrs(); len(attrs) != 1 || attrs[0] != "depth" {
		t.Errorf("Attrs() = %v", attrs)
	}
}

func TestNewTaskDefInvalid(t *testing.T) {
	if _, err := NewTaskDef(TaskDef{}, TaskEnv{Sequencer: diveSequence}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("空标识应返回 ErrInvalidState, got %v", err)
	}
	if _, err := NewTaskDef(diveDef(), TaskEnv{Timers: &fakeTimers{}}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("缺少Sequencer应返回 ErrInvalidState, got %v", err)
	}
	if _, err := NewTaskDef(diveDef(), TaskEnv{Sequencer: diveSequence}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("有超时但缺少定时器应返回 ErrInvalidState, got %v", err)
	}
}

func TestTargetString(t *testing.T) {
	for target, want := range map[Target]string{Next: "<Next>", Failure: "<Failure>", To("Dive"): "Dive"} {
		if got := target.String(); got != want {
			t.Errorf("String() = %s, want %s", got, want)
		}
	}
}
