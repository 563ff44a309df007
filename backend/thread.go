package backend

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"deqinarbiter/log"
)

// Entry 是 Actor 的运行入口，ctx 在 Kill 时被取消。
type Entry func(ctx context.Context, spec Spec) error

// Thread 在当前进程内启动 Actor，每个 Actor 独占一个锁定的 OS 线程。
// 共享进程内存，没有隔离：Actor 内未恢复的 panic 会终止整个进程。
type Thread struct {
	entry Entry
}

// NewThread 创建以 entry 为入口的线程 Backend。
func NewThread(entry Entry) *Thread { return &Thread{entry: entry} }

// Kind 实现 Backend。
func (t *Thread) Kind() Kind { return KindThread }

// Spawn 实现 Backend。
func (t *Thread) Spawn(spec Spec) (Handle, error) {
	if t.entry == nil {
		return nil, errors.New("thread backend has no entry")
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &threadHandle{started: time.Now(), cancel: cancel, done: make(chan struct{})}
	ready := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		h.tid.Store(int64(gettid()))
		close(ready)
		defer close(h.done)
		if err := t.entry(ctx, spec); err != nil && !errors.Is(err, context.Canceled) {
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			log.Named("backend").Warnw("thread actor exited with error", "aid", spec.ID, "err", err)
		}
	}()
	<-ready
	return h, nil
}

// threadHandle 是线程 Actor 的句柄。
// Go 无法强制结束一个线程，SignalKill 会取消上下文并把句柄标记为已死，
// 之后该线程即使仍在运行也被视为脱离管理。
type threadHandle struct {
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	tid     atomic.Int64
	killed  atomic.Bool

	mu  sync.Mutex
	err error
}

func (h *threadHandle) Pid() int { return int(h.tid.Load()) }

func (h *threadHandle) IsAlive() bool {
	if h.killed.Load() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *threadHandle) Age() time.Duration { return time.Since(h.started) }

func (h *threadHandle) Kill(sig Signal) error {
	h.cancel()
	if sig == SignalKill {
		h.killed.Store(true)
	}
	return nil
}

func (h *threadHandle) Join(timeout time.Duration) error {
	if h.killed.Load() {
		return nil
	}
	if err := join(h.done, timeout); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
