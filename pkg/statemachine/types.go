package statemachine

import "context"

// StateID 状态定义的标识
type StateID string

// End 内置终止状态，无转换表，进入后立即退出
const End StateID = "End"

// Transitions 转换表：事件 -> 后继状态
type Transitions map[Event]StateID

// State 每次激活都会新建的状态实例，字段即该次激活的状态变量
type State interface {
	// Enter 激活时调用一次
	Enter(ctx context.Context, args ...any) error
	// Exit 离开时调用一次
	Exit(ctx context.Context) error
}

// EventHandler 可选接口：转换触发时在旧实例上调用，
// 位于旧实例Exit之后、新实例Enter之前；自环转换只调用它
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// Base 空实现，嵌入后只需覆盖关心的钩子
type Base struct{}

func (Base) Enter(ctx context.Context, args ...any) error { return nil }
func (Base) Exit(ctx context.Context) error               { return nil }

// Observer 状态机生命周期观察者
type Observer interface {
	OnEnter(id StateID)
	OnExit(id StateID)
	OnTransition(from StateID, ev Event, to StateID)
}

// ObserverFuncs 以函数字段实现Observer，nil字段被忽略
type ObserverFuncs struct {
	Enter      func(id StateID)
	Exit       func(id StateID)
	Transition func(from StateID, ev Event, to StateID)
}

func (o ObserverFuncs) OnEnter(id StateID) {
	if o.Enter != nil {
		o.Enter(id)
	}
}

func (o ObserverFuncs) OnExit(id StateID) {
	if o.Exit != nil {
		o.Exit(id)
	}
}

func (o ObserverFuncs) OnTransition(from StateID, ev Event, to StateID) {
	if o.Transition != nil {
		o.Transition(from, ev, to)
	}
}
