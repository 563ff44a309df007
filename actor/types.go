package actor

import (
	"github.com/pkg/errors"

	"deqinarbiter/wire"
)

const (
	// ArbiterID 是根 supervisor 的保留身份。
	ArbiterID = "arbiter"
	// MonitorTarget 是保留目标，指发送者自己的 monitor。
	MonitorTarget = "monitor"
)

// State 是 ActorHandle 的生命周期状态。
type State int32

const (
	// Spawning 已创建 Backend 句柄，邮箱握手未完成
	Spawning State = iota
	// Running 邮箱已连接，接受命令并发送心跳
	Running
	// Stopping 已请求优雅停止
	Stopping
	// Terminating 宽限期已过或连接不可用，已强制结束
	Terminating
	// Closed Backend 句柄报告已结束
	Closed
)

var stateNames = [...]string{"spawning", "running", "stopping", "terminating", "closed"}

// String 实现 fmt.Stringer。
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CanTransition 报告 s 到 to 是否为合法转换。
// RUNNING 不能直接进入 CLOSED，必须先经过 STOPPING。
func (s State) CanTransition(to State) bool {
	switch s {
	case Spawning:
		return to == Running || to == Stopping
	case Running:
		return to == Stopping
	case Stopping:
		return to == Terminating || to == Closed
	case Terminating:
		return to == Closed
	}
	return false
}

// Live 报告状态是否计入池的目标数量。
func (s State) Live() bool { return s == Spawning || s == Running }

// Kwargs 作为 Send 的最后一个参数时被当作关键字参数。
type Kwargs map[string]any

// splitArgs 把可变参数拆成位置参数和关键字参数。
func splitArgs(args []any) ([]any, map[string]any) {
	if n := len(args); n > 0 {
		if kw, ok := args[n-1].(Kwargs); ok {
			return args[:n-1], map[string]any(kw)
		}
	}
	return args, nil
}

// targetID 把 Send 的目标解析为身份。
func targetID(target any) (string, error) {
	switch t := target.(type) {
	case string:
		if t == "" {
			return "", errors.New("empty target")
		}
		return t, nil
	case wire.ActorProxy:
		return t.ID, nil
	case *wire.ActorProxy:
		return t.ID, nil
	case interface{ Identity() string }:
		return t.Identity(), nil
	}
	return "", errors.Errorf("unsupported target type %T", target)
}
