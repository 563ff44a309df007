package actor

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"deqinarbiter/backend"
	"deqinarbiter/log"
	"deqinarbiter/mailbox"
	"deqinarbiter/wire"
)

// Actor 是被管理的工作 Actor。它通过邮箱连接回 arbiter，
// 在自己的循环上发送心跳并处理停止请求，命令在邮箱分发 goroutine 上执行。
type Actor struct {
	spec    backend.Spec
	set     commandSet
	client  *mailbox.Client
	conn    *mailbox.Conn
	state   atomic.Int32
	started time.Time
	tid     int
	ctx     context.Context
	log     *zap.SugaredLogger

	proxyMu sync.RWMutex
	proxy   wire.ActorProxy

	calls    chan func()
	stopC    chan struct{}
	stopOnce sync.Once
}

func newActor(spec backend.Spec) *Actor {
	a := &Actor{
		spec:    spec,
		set:     newCommandSet(spec.Commands, global),
		started: time.Now(),
		ctx:     context.Background(),
		log:     log.Named("actor").With("aid", spec.ID),
		proxy:   wire.ActorProxy{ID: spec.ID, Name: spec.Name, Kind: string(spec.Kind)},
		calls:   make(chan func(), 64),
		stopC:   make(chan struct{}),
	}
	a.client = mailbox.NewClient(spec.ArbiterAddr, mailbox.HandlerFunc(a.handle), mailbox.Options{
		Name:    spec.ID,
		Timeout: spec.RequestTimeout,
		Logger:  log.Named("mailbox"),
	})
	return a
}

// Run 是 Actor 的入口：连接 arbiter 并握手，执行行为，然后运行主循环直到被停止。
// 它同时是线程 Backend 的 Entry 和进程 Actor 的主函数。
func Run(ctx context.Context, spec backend.Spec) error {
	a := newActor(spec)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.ctx = ctx
	if spec.Kind == backend.KindThread {
		a.tid = backend.ThreadID()
	}
	defer a.client.Close()

	conn, err := a.client.Conn(ctx)
	if err != nil {
		return &SpawnError{ID: spec.ID, Err: err}
	}
	a.conn = conn
	if err := a.link(ctx); err != nil {
		return err
	}
	a.state.Store(int32(Running))
	a.log.Infow("actor running", "kind", spec.Kind, "monitor", spec.MonitorID, "notify", spec.NotifyInterval)
	a.notify()

	if spec.Behavior != "" {
		if b, ok := lookupBehavior(spec.Behavior); !ok {
			a.log.Warnw("unknown behavior", "behavior", spec.Behavior)
		} else {
			a.behave(ctx, b)
		}
	}
	return a.loop(ctx)
}

// behave 执行行为。行为的 ctx 在 Stop 或 ctx 结束时取消，
// 随后主循环看到 stopC 并排空退出。
func (a *Actor) behave(ctx context.Context, b Behavior) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopC:
			cancel()
		case <-bctx.Done():
		}
	}()
	if err := b(bctx, a); err != nil && bctx.Err() == nil {
		a.log.Warnw("behavior failed", "behavior", a.spec.Behavior, "err", err)
	}
}

func (a *Actor) link(ctx context.Context) error {
	env := &wire.Envelope{
		Command: "link",
		Sender:  a.spec.ID,
		Target:  ArbiterID,
		Kwargs:  map[string]any{"version": wire.ProtocolVersion, "info": a.Info()},
		Ack:     true,
	}
	v, err := mailbox.Get(ctx, a.conn.Request(ctx, env, a.spec.GracePeriod))
	if err != nil {
		_ = a.conn.Close()
		return &SpawnError{ID: a.spec.ID, Err: errors.Wrap(err, "link")}
	}
	if p, ok := v.(wire.ActorProxy); ok {
		a.proxyMu.Lock()
		a.proxy = p
		a.proxyMu.Unlock()
	}
	return nil
}

func (a *Actor) loop(ctx context.Context) error {
	interval := a.spec.NotifyInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.notify()
		case fn := <-a.calls:
			fn()
		case <-a.stopC:
			return a.shutdown("stop requested")
		case <-ctx.Done():
			return a.shutdown("context done")
		case <-a.conn.Done():
			a.state.Store(int32(Closed))
			return errors.Wrap(mailbox.ErrConnectionLost, "arbiter mailbox")
		}
	}
}

// shutdown 在宽限期内排空正在执行的请求，然后关闭邮箱。
func (a *Actor) shutdown(reason string) error {
	a.state.Store(int32(Stopping))
	drained := a.conn.Drain(a.spec.GracePeriod)
	_ = a.conn.Close()
	a.state.Store(int32(Closed))
	a.log.Infow("actor stopped", "reason", reason, "drained", drained, "uptime", time.Since(a.started))
	return nil
}

// notify 发送心跳，不需要应答。
func (a *Actor) notify() {
	env := &wire.Envelope{
		Command: "notify",
		Sender:  a.spec.ID,
		Target:  MonitorTarget,
		Args:    []any{float64(time.Now().UnixNano()) / 1e9},
	}
	if err := a.conn.Send(env); err != nil {
		a.log.Debugw("heartbeat not sent", "err", err)
	}
}

func (a *Actor) handle(ctx context.Context, c *mailbox.Conn, env *wire.Envelope) (any, error) {
	return execute(a.set, &Request{
		Ctx:      ctx,
		Self:     a,
		Caller:   wire.ActorProxy{ID: env.Sender},
		Conn:     c,
		Envelope: env,
	})
}

// ID 返回 Actor 身份。
func (a *Actor) ID() string { return a.spec.ID }

// Spec 返回启动描述。
func (a *Actor) Spec() backend.Spec { return a.spec }

// Params 返回行为参数。
func (a *Actor) Params() map[string]any { return a.spec.Params }

// State 返回 Actor 自身视角的状态。
func (a *Actor) State() State { return State(a.state.Load()) }

// Do 把 fn 交给 Actor 循环执行。
func (a *Actor) Do(fn func()) bool {
	select {
	case a.calls <- fn:
		return true
	case <-a.stopC:
		return false
	case <-a.ctx.Done():
		return false
	}
}

// Proxy 实现 Self。
func (a *Actor) Proxy() wire.ActorProxy {
	a.proxyMu.RLock()
	defer a.proxyMu.RUnlock()
	return a.proxy
}

// Info 实现 Self。
func (a *Actor) Info() map[string]any {
	info := map[string]any{
		"id":      a.spec.ID,
		"name":    a.spec.Name,
		"kind":    string(a.spec.Kind),
		"monitor": a.spec.MonitorID,
		"pid":     os.Getpid(),
		"state":   a.State().String(),
		"uptime":  time.Since(a.started).Seconds(),
	}
	if a.tid != 0 {
		info["tid"] = a.tid
	}
	if a.conn != nil {
		info["inflight"] = a.conn.Inflight()
	}
	return info
}

// Stop 实现 Self：取消行为的 ctx，排空请求后关闭邮箱并退出。
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stopC) })
}

// Send 实现 Self。目标可以是身份、名称、代理或 "monitor"，由 arbiter 路由。
func (a *Actor) Send(target any, command string, args ...any) *mailbox.Future[mailbox.Reply] {
	env, err := newEnvelope(a.spec.ID, target, command, args)
	if err != nil {
		return mailbox.Resolved(mailbox.Reply{Err: err})
	}
	if a.conn == nil {
		return mailbox.Resolved(mailbox.Reply{Err: errors.Wrap(ErrNotYetConnected, a.spec.ID)})
	}
	return a.conn.Request(a.ctx, env, 0)
}

// Spawn 请求 arbiter 启动一个由 arbiter 直接管理（或 opts.Monitor 指定的 monitor 管理）的 Actor。
func (a *Actor) Spawn(opts SpawnOptions) *mailbox.Future[mailbox.Reply] {
	kw := Kwargs{
		"id":       opts.ID,
		"name":     opts.Name,
		"kind":     string(opts.Kind),
		"behavior": opts.Behavior,
		"monitor":  opts.Monitor,
		"timeout":  opts.Timeout.Seconds(),
	}
	if opts.Params != nil {
		kw["params"] = opts.Params
	}
	return a.Send(ArbiterID, "spawn", kw)
}
