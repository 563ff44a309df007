package actor

import (
	"context"
	"sync"
)

// Behavior 在 Actor 完成握手后、进入主循环前执行。它运行在 Actor 循环上，
// 阻塞期间 Actor 不发送心跳。ctx 在 Actor 被停止或杀死时结束。
type Behavior func(ctx context.Context, a *Actor) error

var (
	behaviorsMu sync.RWMutex
	behaviors   = map[string]Behavior{}
)

// RegisterBehavior 注册命名行为。与命令一样，进程 Actor 通过同名查找获得行为。
func RegisterBehavior(name string, b Behavior) {
	behaviorsMu.Lock()
	behaviors[name] = b
	behaviorsMu.Unlock()
}

func lookupBehavior(name string) (Behavior, bool) {
	behaviorsMu.RLock()
	b, ok := behaviors[name]
	behaviorsMu.RUnlock()
	return b, ok
}
