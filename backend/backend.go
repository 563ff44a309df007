// Package backend 按并发类型启动 Actor：进程内的 OS 线程，或独立的 OS 进程。
// supervision 逻辑只通过 Backend 与 Handle 接口访问它们。
package backend

import (
	"time"

	"github.com/pkg/errors"
)

// Kind 是 Actor 的并发类型。
type Kind string

const (
	// KindThread 在当前进程内的独立 OS 线程上运行
	KindThread Kind = "thread"
	// KindProcess 在新的 OS 进程中运行
	KindProcess Kind = "process"
)

// ParseKind 解析并发类型，空字符串视为 thread。
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindThread:
		return KindThread, nil
	case KindProcess:
		return KindProcess, nil
	}
	return "", errors.Errorf("unknown concurrency kind %q", s)
}

// Signal 是 Kill 使用的信号类型。
type Signal int

const (
	// SignalTerm 请求终止，线程取消其上下文，进程收到 SIGTERM
	SignalTerm Signal = iota
	// SignalKill 强制终止，线程被立即标记为已死，进程收到 SIGKILL
	SignalKill
)

// String 实现 fmt.Stringer。
func (s Signal) String() string {
	if s == SignalKill {
		return "kill"
	}
	return "term"
}

// ErrJoinTimeout 表示 Join 在超时前 Actor 没有结束。
var ErrJoinTimeout = errors.New("join timeout")

// Spec 描述要启动的 Actor。它可以跨进程边界序列化传递。
type Spec struct {
	// ID Actor 身份
	ID string
	// Name 可选名称
	Name string
	// Kind 并发类型
	Kind Kind
	// MonitorID 所属 monitor，为空表示由 arbiter 直接管理
	MonitorID string
	// ArbiterAddr arbiter 邮箱地址
	ArbiterAddr string
	// Timeout 心跳超时
	Timeout time.Duration
	// NotifyInterval 心跳间隔
	NotifyInterval time.Duration
	// GracePeriod 优雅停止时排空在途请求的上限
	GracePeriod time.Duration
	// RequestTimeout Actor 发出请求的默认超时
	RequestTimeout time.Duration
	// Behavior 启动后在 Actor 循环上执行的行为名
	Behavior string
	// Params 传给行为的参数
	Params map[string]any
	// Commands 额外允许的命令；为空表示全部已注册命令
	Commands []string
	// LogLevel 子进程日志级别
	LogLevel string
}

// Handle 是已启动 Actor 的统一句柄。
type Handle interface {
	// Pid 返回进程号（进程）或线程号（线程）
	Pid() int
	// IsAlive 报告 Actor 是否仍在运行
	IsAlive() bool
	// Age 返回自启动以来的时间
	Age() time.Duration
	// Kill 发送信号；对已结束的 Actor 是空操作
	Kill(sig Signal) error
	// Join 等待结束，timeout <= 0 表示无限等待
	Join(timeout time.Duration) error
}

// Backend 按 Spec 启动 Actor。
type Backend interface {
	Kind() Kind
	Spawn(spec Spec) (Handle, error)
}

// Set 按并发类型选择 Backend。
type Set map[Kind]Backend

// Spawn 使用 spec.Kind 对应的 Backend 启动 Actor。
func (s Set) Spawn(spec Spec) (Handle, error) {
	b, ok := s[spec.Kind]
	if !ok {
		return nil, errors.Errorf("no backend for kind %q", spec.Kind)
	}
	return b.Spawn(spec)
}

func join(done <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		<-done
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrJoinTimeout
	}
}

// ThreadID 返回调用者所在 OS 线程的线程号；不支持的平台返回进程号。
func ThreadID() int { return gettid() }
