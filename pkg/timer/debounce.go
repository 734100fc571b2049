package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debounce 返回防抖函数：最后一次调用后wait时长内无新调用才执行fn
func Debounce(wait time.Duration, fn func()) func() {
	return DebounceWithClock(clockwork.NewRealClock(), wait, fn)
}

// DebounceWithClock 使用指定时钟的防抖函数
func DebounceWithClock(clock clockwork.Clock, wait time.Duration, fn func()) func() {
	var (
		mu sync.Mutex
		t  clockwork.Timer
	)
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if t != nil {
			t.Stop()
		}
		t = clock.AfterFunc(wait, fn)
	}
}
