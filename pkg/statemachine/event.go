package statemachine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// eventSeq 进程内全局事件序号，所有注册表共享，保证不同注册表的事件也不会重复
var eventSeq atomic.Uint64

// Event 事件标识，按身份比较，Label仅用于诊断和绘图
type Event struct {
	id    uint64
	label string
}

// ID 返回事件的唯一序号
func (e Event) ID() uint64 { return e.id }

// Label 返回事件的诊断名称
func (e Event) Label() string { return e.label }

// IsZero 零值事件未经注册，不可用于转换表
func (e Event) IsZero() bool { return e.id == 0 }

func (e Event) String() string {
	return fmt.Sprintf("%s#%d", e.label, e.id)
}

// EventRegistry 记录已声明的事件
type EventRegistry struct {
	mu     sync.RWMutex
	events []Event
}

// NewEventRegistry 创建事件注册表
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{}
}

// Declare 声明一个新事件，同名标签每次都得到不同的事件
func (r *EventRegistry) Declare(label string) Event {
	ev := Event{id: eventSeq.Add(1), label: label}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return ev
}

// Events 按声明顺序返回全部事件
func (r *EventRegistry) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.events...)
}

// Lookup 按序号查找本注册表声明的事件
func (r *EventRegistry) Lookup(id uint64) (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ev := range r.events {
		if ev.id == id {
			return ev, true
		}
	}
	return Event{}, false
}

var defaultEvents = NewEventRegistry()

// DefaultEvents 返回包级默认事件注册表
func DefaultEvents() *EventRegistry { return defaultEvents }

// DeclareEvent 在默认注册表中声明事件，适合用于包级变量初始化
//
//	var TO_B = statemachine.DeclareEvent("TO_B")
func DeclareEvent(label string) Event {
	return defaultEvents.Declare(label)
}
