package actor

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"deqinarbiter/backend"
	"deqinarbiter/config"
	"deqinarbiter/mailbox"
	"deqinarbiter/wire"
)

// SpawnOptions 描述一次 spawn。零值字段取所属池的配置。
type SpawnOptions struct {
	// ID 指定身份，为空则生成
	ID string
	// Name 可选名称
	Name string
	// Kind 并发类型
	Kind backend.Kind
	// Behavior 启动后执行的行为
	Behavior string
	// Timeout 心跳超时，优先于 monitor 与 arbiter 配置
	Timeout time.Duration
	// Params 传给行为的参数
	Params map[string]any
	// Monitor 目标 monitor，为空表示由 arbiter 直接管理
	Monitor string
}

// pool 是一组被同一 supervisor 管理的 Actor。arbiter 与每个 monitor 各有一个。
// 所有方法只在 arbiter 循环上调用。
type pool struct {
	arb      *Arbiter
	owner    string
	kind     backend.Kind
	target   int // < 0 表示不补齐
	timeout  time.Duration
	grace    time.Duration
	behavior string
	commands []string
	params   map[string]any
	actors   map[string]*ActorHandle
	bucket   *spawnBucket
	breaker  *spawnBreaker
	log      *zap.SugaredLogger
}

func newPool(a *Arbiter, owner string, kind backend.Kind, target int) *pool {
	now := a.clock.Now()
	return &pool{
		arb:     a,
		owner:   owner,
		kind:    kind,
		target:  target,
		grace:   a.cfg.GracePeriod,
		actors:  make(map[string]*ActorHandle),
		bucket:  newSpawnBucket(a.cfg.SpawnRate, now),
		breaker: newSpawnBreaker(a.cfg.SpawnFailures, 10*a.cfg.Tick),
		log:     a.log.With("pool", owner),
	}
}

func (p *pool) monitorID() string {
	if p.owner == ArbiterID {
		return ""
	}
	return p.owner
}

// sorted 按启动时间返回 Actor，最老的在前。
func (p *pool) sorted() []*ActorHandle {
	out := make([]*ActorHandle, 0, len(p.actors))
	for _, h := range p.actors {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].spawnedAt.Equal(out[j].spawnedAt) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].spawnedAt.Before(out[j].spawnedAt)
	})
	return out
}

func (p *pool) live() []*ActorHandle {
	var out []*ActorHandle
	for _, h := range p.sorted() {
		if h.state.Live() {
			out = append(out, h)
		}
	}
	return out
}

func (p *pool) spawn(opts SpawnOptions, now time.Time) (*ActorHandle, error) {
	a := p.arb
	id := opts.ID
	switch {
	case id == "":
		for id = NewActorID(); a.registry.Has(id); id = NewActorID() {
		}
	case id == ArbiterID || id == MonitorTarget || a.registry.Has(id):
		return nil, &SpawnError{ID: id, Err: errors.New("identity already registered")}
	}
	if opts.Name != "" {
		if _, taken := a.registry.Get(opts.Name); taken {
			return nil, &SpawnError{ID: id, Err: errors.Errorf("name %q already registered", opts.Name)}
		}
	}
	kind := p.kind
	if opts.Kind != "" {
		kind = opts.Kind
	}
	timeout := config.Resolve(opts.Timeout, p.timeout, a.cfg.ActorTimeout)
	spec := backend.Spec{
		ID:             id,
		Name:           opts.Name,
		Kind:           kind,
		MonitorID:      p.monitorID(),
		ArbiterAddr:    a.Addr(),
		Timeout:        timeout,
		NotifyInterval: a.cfg.NotifyInterval(timeout),
		GracePeriod:    p.grace,
		RequestTimeout: a.cfg.RequestTimeout,
		Behavior:       opts.Behavior,
		Params:         opts.Params,
		Commands:       p.commands,
		LogLevel:       a.logLevel,
	}
	if spec.Behavior == "" {
		spec.Behavior = p.behavior
	}
	if spec.Params == nil {
		spec.Params = p.params
	}
	bh, err := a.backends.Spawn(spec)
	if err != nil {
		p.breaker.OnFailure(now)
		a.metrics.incSpawnFail()
		p.log.Warnw("spawn failed", "aid", id, "kind", kind, "err", err)
		return nil, &SpawnError{ID: id, Err: err}
	}
	h := &ActorHandle{
		proxy: wire.ActorProxy{
			ID:       id,
			Name:     opts.Name,
			Kind:     string(kind),
			Commands: newCommandSet(p.commands, global).acks(),
		},
		spec:      spec,
		backend:   bh,
		pool:      p,
		state:     Spawning,
		spawnedAt: now,
		timeout:   timeout,
		grace:     p.grace,
	}
	p.actors[id] = h
	a.handles[id] = h
	a.registry.Register(h.proxy)
	a.metrics.incSpawned()
	a.record(id, p.monitorID(), "", Spawning, "spawned")
	p.log.Infow("actor spawned", "aid", id, "kind", kind, "pid", bh.Pid())
	return h, nil
}

func (p *pool) transition(h *ActorHandle, to State, now time.Time, reason string) bool {
	if !h.state.CanTransition(to) {
		return false
	}
	from := h.state
	h.state = to
	if to == Stopping {
		h.stoppingAt = now
	}
	p.arb.record(h.ID(), p.monitorID(), from.String(), to, reason)
	return true
}

// link 完成握手：SPAWNING -> RUNNING，绑定连接并完成等待者。
func (p *pool) link(h *ActorHandle, conn *mailbox.Conn, info map[string]any, now time.Time) error {
	if h.state != Spawning {
		return commandErrorf("link", "actor %s is %s", h.ID(), h.state)
	}
	p.transition(h, Running, now, "linked")
	h.conn = conn
	h.info = info
	h.lastHeartbeat = now
	p.breaker.OnSuccess()
	h.resolveWaiters(mailbox.Reply{Value: h.proxy})
	a := p.arb
	conn.OnClose(func(err error) {
		go a.post(func() { p.connLost(h, conn, err) })
	})
	p.log.Infow("actor linked", "aid", h.ID(), "remote", conn.RemoteAddr())
	return nil
}

// connLost 在 Actor 的邮箱断开时立即进入 STOPPING，下一个周期升级。
func (p *pool) connLost(h *ActorHandle, conn *mailbox.Conn, err error) {
	if p.actors[h.ID()] != h || h.conn != conn {
		return
	}
	if h.state.Live() {
		p.log.Infow("actor connection lost", "aid", h.ID(), "err", err)
		p.stop(h, p.arb.clock.Now(), "connection lost")
	}
}

// stop 请求优雅停止：标记 STOPPING 并发送 stop 命令。
func (p *pool) stop(h *ActorHandle, now time.Time, reason string) {
	if !p.transition(h, Stopping, now, reason) {
		return
	}
	if h.waiters != nil {
		h.resolveWaiters(mailbox.Reply{Err: &SpawnError{ID: h.ID(), Err: errors.New(reason)}})
	}
	if !h.connected() {
		return
	}
	env := &wire.Envelope{Command: "stop", Sender: p.owner, Target: h.ID(), Ack: true}
	id := h.ID()
	h.conn.Request(p.arb.ctx, env, h.grace).OnComplete(func(r mailbox.Reply) {
		if r.Err != nil {
			p.log.Debugw("stop request failed", "aid", id, "err", r.Err)
		}
	})
}

// terminate 强制结束：TERMINATING 并发送 SignalKill。
func (p *pool) terminate(h *ActorHandle, now time.Time, reason string) {
	if h.state == Spawning || h.state == Running {
		p.transition(h, Stopping, now, reason)
	}
	if !p.transition(h, Terminating, now, reason) {
		return
	}
	p.arb.metrics.incKill()
	if err := h.backend.Kill(backend.SignalKill); err != nil {
		p.log.Warnw("kill failed", "aid", h.ID(), "err", err)
	}
	p.log.Warnw("actor terminated", "aid", h.ID(), "reason", reason)
}

// reap 移除已结束的 Actor。RUNNING 经过 STOPPING 进入 CLOSED。
func (p *pool) reap(h *ActorHandle, now time.Time, reason string) {
	if h.state.Live() {
		p.transition(h, Stopping, now, reason)
		if h.waiters != nil {
			h.resolveWaiters(mailbox.Reply{Err: &SpawnError{ID: h.ID(), Err: errors.New("actor exited before linking")}})
		}
	}
	p.transition(h, Closed, now, reason)
	if h.conn != nil {
		h.conn.Abort(nil)
	}
	delete(p.actors, h.ID())
	delete(p.arb.handles, h.ID())
	p.arb.registry.Unregister(h.ID())
	p.arb.metrics.incClosed()
	p.log.Infow("actor closed", "aid", h.ID(), "reason", reason)
}

// tick 执行一个 supervision 周期：回收、检测停滞、升级、补齐。
func (p *pool) tick(now time.Time) {
	for _, h := range p.sorted() {
		if !h.backend.IsAlive() {
			p.reap(h, now, "exited")
		}
	}
	for _, h := range p.sorted() {
		switch {
		case h.state == Running && now.Sub(h.lastHeartbeat) > h.timeout:
			p.arb.metrics.incStall()
			p.log.Warnw("heartbeat timeout", "aid", h.ID(), "last", h.lastHeartbeat, "timeout", h.timeout)
			p.stop(h, now, "heartbeat timeout")
		case h.state == Spawning && now.Sub(h.spawnedAt) > h.grace:
			p.breaker.OnFailure(now)
			p.arb.metrics.incSpawnFail()
			p.stop(h, now, "handshake timeout")
		}
	}
	for _, h := range p.sorted() {
		if h.state != Stopping {
			continue
		}
		switch {
		case now.Sub(h.stoppingAt) > h.grace:
			p.terminate(h, now, "grace period exceeded")
		case !h.connected():
			p.terminate(h, now, "no mailbox connection")
		}
	}
	p.rebalance(now)
}

// rebalance 让存活 Actor 数回到目标：不足时受令牌桶与断路器限制地补齐，
// 超出时停止最老的 Actor。
func (p *pool) rebalance(now time.Time) {
	if p.target < 0 {
		return
	}
	live := p.live()
	switch {
	case len(live) < p.target:
		for n := len(live); n < p.target; n++ {
			if !p.breaker.Allow(now) || !p.bucket.Allow(now) {
				return
			}
			if _, err := p.spawn(SpawnOptions{}, now); err != nil {
				return
			}
		}
	case len(live) > p.target:
		for _, h := range live[:len(live)-p.target] {
			p.stop(h, now, "scale down")
		}
	}
}

// stopAll 停止全部存活 Actor 并不再补齐。
func (p *pool) stopAll(now time.Time, reason string) {
	if p.target > 0 {
		p.target = 0
	}
	for _, h := range p.live() {
		p.stop(h, now, reason)
	}
}

// terminateAll 强制结束全部未关闭的 Actor。
func (p *pool) terminateAll(now time.Time, reason string) {
	for _, h := range p.sorted() {
		p.terminate(h, now, reason)
	}
}

func (p *pool) statuses() []ActorStatus {
	out := make([]ActorStatus, 0, len(p.actors))
	for _, h := range p.sorted() {
		out = append(out, h.status())
	}
	return out
}
