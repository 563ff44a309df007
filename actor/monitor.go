package actor

import (
	"time"

	"deqinarbiter/backend"
	"deqinarbiter/config"
	"deqinarbiter/mailbox"
	"deqinarbiter/wire"
)

// Monitor 管理一个 Actor 池，把存活 Actor 数维持在 Workers。
// 它运行在 arbiter 的事件循环上，状态只在循环上修改。
type Monitor struct {
	arb   *Arbiter
	id    string
	cfg   config.Monitor
	kind  backend.Kind
	pool  *pool
	state State

	startedAt  time.Time
	stoppingAt time.Time
}

func newMonitor(a *Arbiter, mc config.Monitor, kind backend.Kind) *Monitor {
	p := newPool(a, mc.Name, kind, mc.Workers)
	p.timeout = mc.Timeout
	p.grace = config.Resolve(mc.GracePeriod, a.cfg.GracePeriod)
	p.behavior = mc.Behavior
	p.commands = mc.Commands
	p.params = mc.Params
	return &Monitor{
		arb:       a,
		id:        mc.Name,
		cfg:       mc,
		kind:      kind,
		pool:      p,
		state:     Running,
		startedAt: a.clock.Now(),
	}
}

// Name 返回 monitor 名称，也是它的身份。
func (m *Monitor) Name() string { return m.id }

// Proxy 实现 Self。
func (m *Monitor) Proxy() wire.ActorProxy {
	return wire.ActorProxy{ID: m.id, Name: m.id, Kind: "monitor", Commands: newCommandSet(nil, global).acks()}
}

// Info 实现 Self。
func (m *Monitor) Info() map[string]any {
	var info map[string]any
	if err := m.arb.call(func() { info = m.info() }); err != nil {
		return map[string]any{"id": m.id, "kind": "monitor", "state": Closed.String()}
	}
	return info
}

func (m *Monitor) info() map[string]any {
	actors := make([]any, 0, len(m.pool.actors))
	for _, s := range m.pool.statuses() {
		actors = append(actors, s.infoMap())
	}
	return map[string]any{
		"id":          m.id,
		"kind":        "monitor",
		"concurrency": string(m.kind),
		"workers":     m.pool.target,
		"state":       m.state.String(),
		"uptime":      m.arb.clock.Now().Sub(m.startedAt).Seconds(),
		"actors":      actors,
	}
}

// Stop 实现 Self：停止池中全部 Actor，然后关闭 monitor。
func (m *Monitor) Stop() {
	m.arb.post(func() { m.beginStop(m.arb.clock.Now(), "stop requested") })
}

// Send 实现 Self，以 monitor 身份发送命令。
func (m *Monitor) Send(target any, command string, args ...any) *mailbox.Future[mailbox.Reply] {
	return m.arb.sendAs(m.id, target, command, args)
}

// SetWorkers 调整目标 Actor 数，下一个周期生效。
func (m *Monitor) SetWorkers(n int) {
	if n < 0 {
		n = 0
	}
	m.arb.post(func() {
		if m.state.Live() {
			m.pool.target = n
		}
	})
}

// Actors 返回池中 Actor 的快照，按启动时间排序。
func (m *Monitor) Actors() []ActorStatus {
	var out []ActorStatus
	_ = m.arb.call(func() { out = m.pool.statuses() })
	return out
}

// State 返回 monitor 的生命周期状态。
func (m *Monitor) State() State {
	s := Closed
	_ = m.arb.call(func() { s = m.state })
	return s
}

func (m *Monitor) heartbeat(id string) { m.arb.heartbeat(id) }

func (m *Monitor) transition(to State, now time.Time, reason string) {
	if !m.state.CanTransition(to) {
		return
	}
	from := m.state
	m.state = to
	if to == Stopping {
		m.stoppingAt = now
	}
	m.arb.record(m.id, "", from.String(), to, reason)
}

func (m *Monitor) beginStop(now time.Time, reason string) {
	if !m.state.Live() {
		return
	}
	m.transition(Stopping, now, reason)
	m.pool.stopAll(now, reason)
}

// tick 与 Actor 使用同样的升级策略：STOPPING 超过宽限期后强制结束池中全部 Actor；
// 池为空后 monitor 进入 CLOSED 并注销。
func (m *Monitor) tick(now time.Time) {
	if m.state == Stopping && now.Sub(m.stoppingAt) > m.pool.grace {
		m.transition(Terminating, now, "grace period exceeded")
		m.pool.terminateAll(now, "monitor terminating")
	}
	m.pool.tick(now)
	if !m.state.Live() && len(m.pool.actors) == 0 {
		m.transition(Closed, now, "pool drained")
		delete(m.arb.monitors, m.id)
		m.arb.registry.Unregister(m.id)
		m.arb.log.Infow("monitor closed", "monitor", m.id)
	}
}
