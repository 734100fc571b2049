package statemachine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/junbin-yang/go-hfsm/pkg/logger"
	"github.com/junbin-yang/go-hfsm/pkg/timer"
)

// EventSink 接收定时器触发的事件，通常是Dispatcher
type EventSink interface {
	Post(ctx context.Context, ev Event) error
}

// guardedSink 投递时附带有效性检查，出队时检查失败的事件被丢弃
type guardedSink interface {
	PostIf(ctx context.Context, ev Event, valid func() bool) error
}

// SinkFunc 函数形式的EventSink
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Post(ctx context.Context, ev Event) error { return f(ctx, ev) }

// EventTimers 基于timer.Manager的TimerManager实现，触发时把事件投递到EventSink
type EventTimers struct {
	mgr *timer.Manager
	log logger.Logger
	seq atomic.Uint64

	mu   sync.RWMutex
	sink EventSink
}

// NewEventTimers 创建事件定时器，sink可以稍后通过Bind设置
func NewEventTimers(mgr *timer.Manager, sink EventSink) *EventTimers {
	return &EventTimers{mgr: mgr, sink: sink, log: logger.Default()}
}

// SetLogger 设置日志器
func (e *EventTimers) SetLogger(l logger.Logger) {
	e.log = l
}

// Bind 设置事件接收者
func (e *EventTimers) Bind(sink EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Manager 返回底层定时器管理器
func (e *EventTimers) Manager() *timer.Manager { return e.mgr }

// NewTimer 创建未启动的一次性事件定时器
func (e *EventTimers) NewTimer(ev Event, d time.Duration) Timer {
	return &eventTimer{
		owner: e,
		id:    fmt.Sprintf("%s/%d", ev.label, e.seq.Add(1)),
		ev:    ev,
		d:     d,
	}
}

func (e *EventTimers) currentSink() EventSink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sink
}

type eventTimer struct {
	owner   *EventTimers
	id      string
	ev      Event
	d       time.Duration
	stopped atomic.Bool
}

func (t *eventTimer) Start() error {
	if err := t.owner.mgr.CreateOnceTimer(t.id, t.d, t.fire); err != nil {
		return errors.Wrapf(err, "timer %s", t.id)
	}
	return nil
}

func (t *eventTimer) Stop() {
	t.stopped.Store(true)
	if err := t.owner.mgr.RemoveTimer(t.id); err != nil && err != timer.ErrTimerNotFound {
		t.owner.log.Warn("remove timer failed", logger.String("id", t.id), logger.Err(err))
	}
}

func (t *eventTimer) valid() bool { return !t.stopped.Load() }

func (t *eventTimer) fire() {
	if !t.valid() {
		return
	}
	sink := t.owner.currentSink()
	if sink == nil {
		t.owner.log.Warn("timer fired without sink", logger.String("id", t.id))
		return
	}

	var err error
	if gs, ok := sink.(guardedSink); ok {
		err = gs.PostIf(context.Background(), t.ev, t.valid)
	} else {
		err = sink.Post(context.Background(), t.ev)
	}
	if err != nil {
		t.owner.log.Warn("post timer event failed", logger.String("id", t.id), logger.Err(err))
	}
}
