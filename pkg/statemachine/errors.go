package statemachine

import "github.com/pkg/errors"

var (
	// ErrAlreadyStarted 状态机已启动
	ErrAlreadyStarted = errors.New("machine already started")

	// ErrNoActiveState 没有活动状态
	ErrNoActiveState = errors.New("no active state")

	// ErrUnhandledEvent 当前状态的转换表不处理该事件，状态机保持不变
	ErrUnhandledEvent = errors.New("unhandled event")

	// ErrInvalidTransitionTarget 转换目标未在注册表中声明
	ErrInvalidTransitionTarget = errors.New("invalid transition target")

	// ErrStateNotFound 状态未注册
	ErrStateNotFound = errors.New("state not found")

	// ErrDuplicateState 状态重复注册
	ErrDuplicateState = errors.New("duplicate state")

	// ErrInvalidState 状态定义不合法
	ErrInvalidState = errors.New("invalid state definition")

	// ErrNoFailureStateConfigured 任务使用Failure标记但没有配置失败状态
	ErrNoFailureStateConfigured = errors.New("no failure state configured")

	// ErrNoNextStateConfigured 任务使用Next标记但没有下一个任务
	ErrNoNextStateConfigured = errors.New("no next state configured")

	// ErrMissingTimeoutConfiguration 任务需要超时但既无配置也无默认值
	ErrMissingTimeoutConfiguration = errors.New("missing timeout configuration")

	// ErrDispatcherStopped 调度器已停止
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)
