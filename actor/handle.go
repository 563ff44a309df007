package actor

import (
	"time"

	"deqinarbiter/backend"
	"deqinarbiter/mailbox"
	"deqinarbiter/wire"
)

// ActorHandle 是 supervisor 一侧对被管理 Actor 的记录。
// 字段只在 arbiter 循环上读写，外部通过 ActorStatus 快照观察。
type ActorHandle struct {
	proxy   wire.ActorProxy
	spec    backend.Spec
	backend backend.Handle
	pool    *pool
	conn    *mailbox.Conn
	state   State
	info    map[string]any

	spawnedAt     time.Time
	lastHeartbeat time.Time
	stoppingAt    time.Time
	timeout       time.Duration
	grace         time.Duration

	// waiters 在握手完成或失败时完成
	waiters []*mailbox.Future[mailbox.Reply]
}

// ID 返回 Actor 身份。
func (h *ActorHandle) ID() string { return h.proxy.ID }

func (h *ActorHandle) connected() bool {
	if h.conn == nil {
		return false
	}
	select {
	case <-h.conn.Done():
		return false
	default:
		return true
	}
}

func (h *ActorHandle) resolveWaiters(r mailbox.Reply) {
	for _, w := range h.waiters {
		w.Complete(r)
	}
	h.waiters = nil
}

// ActorStatus 是 ActorHandle 的只读快照。
type ActorStatus struct {
	Proxy         wire.ActorProxy
	State         State
	Monitor       string
	Pid           int
	Alive         bool
	SpawnedAt     time.Time
	LastHeartbeat time.Time
}

func (h *ActorHandle) status() ActorStatus {
	return ActorStatus{
		Proxy:         h.proxy,
		State:         h.state,
		Monitor:       h.spec.MonitorID,
		Pid:           h.backend.Pid(),
		Alive:         h.backend.IsAlive(),
		SpawnedAt:     h.spawnedAt,
		LastHeartbeat: h.lastHeartbeat,
	}
}

// infoMap 用于 info 命令，只包含可 gob 编码的值。
func (s ActorStatus) infoMap() map[string]any {
	return map[string]any{
		"id":    s.Proxy.ID,
		"name":  s.Proxy.Name,
		"kind":  s.Proxy.Kind,
		"state": s.State.String(),
		"pid":   s.Pid,
	}
}
