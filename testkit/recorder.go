package testkit

import (
	"testing"
	"time"
)

// Recorder 收集异步事件供测试断言，例如生命周期转换或日志条目。
type Recorder struct {
	// t 测试上下文
	t testing.TB
	// ch 事件通道
	ch chan any
	// fail 失败处理函数
	fail func(string, ...any)
}

// NewRecorder 创建记录器，buffer <= 0 时使用 1024。
func NewRecorder(t testing.TB, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{t: t, ch: make(chan any, buffer), fail: t.Fatalf}
}

// Put 记录一个事件，缓冲满时丢弃，不阻塞被测代码。
func (p *Recorder) Put(v any) {
	select {
	case p.ch <- v:
	default:
	}
}

// Expect 等待下一个事件，超时（默认 1 秒）则测试失败。
func (p *Recorder) Expect(timeout time.Duration) any {
	p.t.Helper()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case v := <-p.ch:
		return v
	case <-time.After(timeout):
		p.fail("timeout waiting event")
		return nil
	}
}

// ExpectWhere 丢弃不满足 match 的事件，直到出现匹配的事件或超时。
func (p *Recorder) ExpectWhere(timeout time.Duration, match func(any) bool) any {
	p.t.Helper()
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.After(timeout)
	for {
		select {
		case v := <-p.ch:
			if match(v) {
				return v
			}
		case <-deadline:
			p.fail("timeout waiting matching event")
			return nil
		}
	}
}

// ExpectNoEvent 断言 timeout（默认 50 毫秒）内没有事件。
func (p *Recorder) ExpectNoEvent(timeout time.Duration) {
	p.t.Helper()
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	select {
	case v := <-p.ch:
		p.fail("unexpected event: %#v", v)
	case <-time.After(timeout):
	}
}
