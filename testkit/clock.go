package testkit

import (
	"sync"
	"time"
)

// FakeClock 是可手动推进的时钟，supervision 测试用它逐个驱动 tick。
type FakeClock struct {
	// mu 保护 now 与 timers
	mu sync.Mutex
	// now 当前模拟时间
	now time.Time
	// timers 尚未触发的定时器
	timers []*fakeTimer
	// armed 在有新定时器登记时收到通知
	armed chan struct{}
}

// fakeTimer 是一个模拟定时器。
type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

// NewFakeClock 创建模拟时钟；start 为零值时从 Unix 纪元开始。
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &FakeClock{now: start, armed: make(chan struct{}, 1)}
}

// Now 返回当前模拟时间。
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since 返回 t 到模拟当前时间的间隔。
func (c *FakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// After 返回一个在模拟时间前进 d 后收到时间的通道。
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, &fakeTimer{at: c.now.Add(d), ch: ch})
	c.mu.Unlock()
	select {
	case c.armed <- struct{}{}:
	default:
	}
	return ch
}

// Advance 推进模拟时间并触发所有到期的定时器。
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var left, fire []*fakeTimer
	for _, t := range c.timers {
		if t.at.After(now) {
			left = append(left, t)
		} else {
			fire = append(fire, t)
		}
	}
	c.timers = left
	c.mu.Unlock()
	for _, t := range fire {
		t.ch <- now
		close(t.ch)
	}
}

// Waiters 返回尚未触发的定时器数。
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil 阻塞直到至少有 n 个定时器等待触发，或 timeout 到期。
// 被测循环在处理完一次 tick 后重新调用 After，因此可用它确认 tick 已经完成。
func (c *FakeClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for c.Waiters() < n {
		select {
		case <-c.armed:
		case <-deadline:
			return false
		case <-time.After(time.Millisecond):
		}
	}
	return true
}
