package statemachine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/junbin-yang/go-hfsm/pkg/logger"
)

const defaultQueueSize = 64

// request 调度请求：事件或在调度协程中执行的函数
type request struct {
	ctx   context.Context
	ev    Event
	valid func() bool
	fn    func(*Machine) error
	done  chan error // 同步请求的结果，异步请求为nil
}

// ErrorHandler 异步事件处理失败时的回调
type ErrorHandler func(ev Event, err error)

// Dispatcher 在单个协程中串行处理状态机的全部操作。
//
// 状态的Enter/Exit/HandleEvent运行在调度协程中，只能调用Post/PostIf；
// 在其中调用Send或Do会等待自身而死锁。
type Dispatcher struct {
	machine *Machine
	queue   chan request
	stopCh  chan struct{}
	doneCh  chan struct{}
	log     logger.Logger
	onError ErrorHandler

	startOnce    sync.Once
	stopOnce     sync.Once
	shutdownOnce sync.Once
	running      atomic.Bool
	wg           sync.WaitGroup
	queueSize    int
	stopErr      error
}

// DispatcherOption 调度器选项
type DispatcherOption func(*Dispatcher)

// WithQueueSize 设置事件队列长度
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithErrorHandler 设置异步事件的错误回调，默认记录Warn日志
func WithErrorHandler(h ErrorHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.onError = h
	}
}

// WithDispatcherLogger 设置日志器
func WithDispatcherLogger(l logger.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// WithEventTimers 把定时器的事件接收者绑定到该调度器
func WithEventTimers(t *EventTimers) DispatcherOption {
	return func(d *Dispatcher) {
		t.Bind(d)
	}
}

// NewDispatcher 创建调度器
func NewDispatcher(m *Machine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		machine:   m,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log:       logger.Default(),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logger.Named(d.log, "dispatcher")
	if d.onError == nil {
		d.onError = func(ev Event, err error) {
			d.log.Warn("event dispatch failed", logger.String("event", ev.label), logger.Err(err))
		}
	}
	d.queue = make(chan request, d.queueSize)
	return d
}

// Run 启动调度协程，可重复调用
func (d *Dispatcher) Run() {
	d.startOnce.Do(func() {
		d.running.Store(true)
		d.wg.Add(1)
		go d.loop()
	})
}

// Start 启动调度协程并在其中进入初始状态
func (d *Dispatcher) Start(ctx context.Context, initial StateID, args ...any) error {
	d.Run()
	return d.Do(ctx, func(m *Machine) error {
		return m.Start(ctx, initial, args...)
	})
}

// Do 在调度协程中执行fn并等待结果
func (d *Dispatcher) Do(ctx context.Context, fn func(*Machine) error) error {
	return d.wait(ctx, request{ctx: ctx, fn: fn, done: make(chan error, 1)})
}

// Send 同步投递事件，返回转换结果
func (d *Dispatcher) Send(ctx context.Context, ev Event) error {
	return d.wait(ctx, request{ctx: ctx, ev: ev, done: make(chan error, 1)})
}

// Post 异步投递事件，失败由ErrorHandler处理
func (d *Dispatcher) Post(ctx context.Context, ev Event) error {
	return d.enqueue(ctx, request{ctx: ctx, ev: ev})
}

// PostIf 异步投递事件，出队时valid返回false则丢弃
func (d *Dispatcher) PostIf(ctx context.Context, ev Event, valid func() bool) error {
	return d.enqueue(ctx, request{ctx: ctx, ev: ev, valid: valid})
}

// Current 返回当前活动状态
func (d *Dispatcher) Current(ctx context.Context) (StateID, bool) {
	var (
		id StateID
		ok bool
	)
	err := d.Do(ctx, func(m *Machine) error {
		id, ok = m.CurrentID()
		return nil
	})
	if err != nil {
		return "", false
	}
	return id, ok
}

// QueueLength 返回队列中等待处理的请求数
func (d *Dispatcher) QueueLength() int {
	return len(d.queue)
}

// Stop 停止调度协程并退出当前状态，队列中未处理的请求被丢弃。
//
// ctx到期时返回错误但停止仍会完成：调度协程处理完当前请求后自行退出当前状态，
// 之后再次调用Stop返回其结果。
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})

	if !d.running.Load() {
		d.shutdown(ctx)
		return d.stopErr
	}

	exited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return d.stopErr
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait dispatcher loop")
	}
}

// shutdown 只执行一次：唤醒等待者、丢弃剩余请求并退出当前状态
func (d *Dispatcher) shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		close(d.doneCh)
		if n := d.drain(); n > 0 {
			d.log.Warn("dispatcher dropped pending requests", logger.Int("count", n))
		}
		d.stopErr = d.machine.Stop(ctx)
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, req request) error {
	select {
	case <-d.stopCh:
		return ErrDispatcherStopped
	default:
	}

	select {
	case d.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopCh:
		return ErrDispatcherStopped
	}
}

func (d *Dispatcher) wait(ctx context.Context, req request) error {
	if err := d.enqueue(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.doneCh:
		// 请求可能已在退出前处理完
		select {
		case err := <-req.done:
			return err
		default:
			return ErrDispatcherStopped
		}
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		// 停止优先于队列中的请求
		select {
		case <-d.stopCh:
			d.shutdown(context.Background())
			return
		default:
		}

		select {
		case <-d.stopCh:
			d.shutdown(context.Background())
			return
		case req := <-d.queue:
			d.process(req)
		}
	}
}

func (d *Dispatcher) process(req request) {
	var err error
	switch {
	case req.fn != nil:
		err = req.fn(d.machine)
	case req.valid != nil && !req.valid():
		d.log.Debug("stale event dropped", logger.String("event", req.ev.label))
	default:
		err = d.machine.InjectEvent(req.ctx, req.ev)
	}

	if req.done != nil {
		req.done <- err
		return
	}
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnhandledEvent) {
		d.log.Debug("event ignored", logger.String("event", req.ev.label), logger.Err(err))
		return
	}
	d.onError(req.ev, err)
}

// drain 丢弃队列中剩余的请求，同步请求返回ErrDispatcherStopped
func (d *Dispatcher) drain() int {
	n := 0
	for {
		select {
		case req := <-d.queue:
			n++
			if req.done != nil {
				req.done <- ErrDispatcherStopped
			}
		default:
			return n
		}
	}
}
