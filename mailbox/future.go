package mailbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Reply 是一次请求的结果：Value 或 Err 二选一。
type Reply struct {
	// Value 命令返回值
	Value any
	// Err 请求失败原因
	Err error
}

// Future 是只完成一次的异步结果，支持回调与阻塞等待。
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	value T
	cbs   []func(T)
}

// NewFuture 创建一个未完成的 Future。
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved 返回一个已经以 v 完成的 Future。
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Complete 以 v 完成 Future，返回是否由本次调用完成。
// 已完成的 Future 忽略后续调用。
func (f *Future[T]) Complete(v T) bool {
	completed := false
	f.once.Do(func() {
		f.mu.Lock()
		f.value = v
		cbs := f.cbs
		f.cbs = nil
		close(f.done)
		f.mu.Unlock()
		for _, cb := range cbs {
			cb(v)
		}
		completed = true
	})
	return completed
}

// Done 返回在 Future 完成时关闭的通道。
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// OnComplete 注册完成回调；已完成时在调用者 goroutine 中立即执行。
func (f *Future[T]) OnComplete(cb func(T)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v := f.value
		f.mu.Unlock()
		cb(v)
		return
	default:
	}
	f.cbs = append(f.cbs, cb)
	f.mu.Unlock()
}

// Await 阻塞直到完成或超时，timeout <= 0 表示无限等待。
func (f *Future[T]) Await(timeout time.Duration) (T, bool) {
	if timeout <= 0 {
		<-f.done
		return f.value, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Wait 阻塞直到完成或 ctx 结束。
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then 在 fa 完成后对结果应用 fn。
func Then[A, B any](fa *Future[A], fn func(A) B) *Future[B] {
	fb := NewFuture[B]()
	fa.OnComplete(func(a A) { fb.Complete(fn(a)) })
	return fb
}

// All 等待全部 Future 完成，结果顺序与输入一致。
func All[T any](fs ...*Future[T]) *Future[[]T] {
	out := NewFuture[[]T]()
	if len(fs) == 0 {
		out.Complete(nil)
		return out
	}
	vals := make([]T, len(fs))
	left := int32(len(fs))
	for i, f := range fs {
		f.OnComplete(func(v T) {
			vals[i] = v
			if atomic.AddInt32(&left, -1) == 0 {
				out.Complete(vals)
			}
		})
	}
	return out
}

// Get 等待一个 Reply Future 并拆成 (值, 错误)。
// ctx 结束时返回 ctx.Err()，远端请求不会被撤回。
func Get(ctx context.Context, f *Future[Reply]) (any, error) {
	r, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return r.Value, r.Err
}
