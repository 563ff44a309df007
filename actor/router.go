package actor

import (
	"context"

	"github.com/pkg/errors"

	"deqinarbiter/backend"
	"deqinarbiter/mailbox"
	"deqinarbiter/wire"
)

// arbiterCommands 只在 arbiter 上可用。
var arbiterCommands = NewCommands()

func init() {
	arbiterCommands.Register("link", cmdLink, true)
	arbiterCommands.Register("spawn", cmdSpawn, true)
	arbiterCommands.Register("get_actor", cmdGetActor, true)
	arbiterCommands.Register("kill_actor", cmdKillActor, true)
	arbiterCommands.Register("config", cmdConfig, true)
}

// route 是路由结果：要么在本地的 self 上执行，要么转发到 conn。
type route struct {
	self Self
	set  commandSet
	conn *mailbox.Conn
	id   string
}

// handle 是邮箱服务器的入站处理器。
func (a *Arbiter) handle(ctx context.Context, c *mailbox.Conn, env *wire.Envelope) (any, error) {
	return a.dispatch(ctx, c, env)
}

// dispatch 按目标身份投递请求：arbiter 与 monitor 在本地执行，
// 被管理 Actor 经其邮箱连接转发，应答原样返回给调用者。
func (a *Arbiter) dispatch(ctx context.Context, c *mailbox.Conn, env *wire.Envelope) (any, error) {
	var r route
	var rerr error
	if err := a.call(func() { r, rerr = a.resolve(env) }); err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, rerr
	}
	if r.self != nil {
		caller, ok := a.registry.Get(env.Sender)
		if !ok {
			caller = wire.ActorProxy{ID: env.Sender}
		}
		return execute(r.set, &Request{Ctx: ctx, Self: r.self, Caller: caller, Conn: c, Envelope: env})
	}
	out := &wire.Envelope{
		Command: env.Command,
		Sender:  env.Sender,
		Target:  r.id,
		Args:    env.Args,
		Kwargs:  env.Kwargs,
		Ack:     env.Ack,
	}
	v, err := mailbox.Get(ctx, r.conn.Request(ctx, out, a.cfg.RequestTimeout))
	if !env.Ack && err == nil {
		return nil, mailbox.ErrNoReply
	}
	return v, err
}

// resolve 在循环上解析目标。
func (a *Arbiter) resolve(env *wire.Envelope) (route, error) {
	switch t := env.Target; t {
	case "", ArbiterID:
		return route{self: a, set: a.commands}, nil
	case MonitorTarget:
		if h := a.handles[env.Sender]; h != nil && h.pool != a.pool {
			if m := a.monitors[h.pool.owner]; m != nil {
				return route{self: m, set: newCommandSet(nil, global)}, nil
			}
		}
		return route{self: a, set: a.commands}, nil
	}
	if m := a.monitors[env.Target]; m != nil {
		return route{self: m, set: newCommandSet(nil, global)}, nil
	}
	h := a.lookup(env.Target)
	switch {
	case h == nil:
		return route{}, errors.Wrapf(ErrUnknownActor, "%s", env.Target)
	case h.state == Spawning || !h.connected():
		return route{}, errors.Wrapf(ErrNotYetConnected, "%s is %s", env.Target, h.state)
	}
	return route{conn: h.conn, id: h.ID()}, nil
}

// sendAs 以 sender 身份在进程内发送命令。
func (a *Arbiter) sendAs(sender string, target any, command string, args []any) *mailbox.Future[mailbox.Reply] {
	env, err := newEnvelope(sender, target, command, args)
	if err != nil {
		return mailbox.Resolved(mailbox.Reply{Err: err})
	}
	fut := mailbox.NewFuture[mailbox.Reply]()
	go func() {
		v, err := a.dispatch(a.ctx, nil, env)
		if errors.Is(err, mailbox.ErrNoReply) {
			err = nil
		}
		fut.Complete(mailbox.Reply{Value: v, Err: err})
	}()
	return fut
}

// cmdLink 完成 Actor 的邮箱握手。参数：version 协议版本，info Actor 自述信息。
func cmdLink(req *Request, _ []any, kwargs map[string]any) (any, error) {
	a, ok := req.Self.(*Arbiter)
	if !ok || req.Conn == nil {
		return nil, errors.New("link must be sent to the arbiter over a mailbox connection")
	}
	if err := wire.CheckVersion(stringArg(kwargs, "version")); err != nil {
		return nil, err
	}
	info, _ := kwargs["info"].(map[string]any)
	var proxy wire.ActorProxy
	var lerr error
	err := a.call(func() {
		h := a.handles[req.Envelope.Sender]
		if h == nil {
			lerr = errors.Wrapf(ErrUnknownActor, "%s", req.Envelope.Sender)
			return
		}
		if lerr = h.pool.link(h, req.Conn, info, a.clock.Now()); lerr == nil {
			proxy = h.proxy
		}
	})
	if err != nil {
		return nil, err
	}
	return proxy, lerr
}

// cmdSpawn 代表发送者启动一个 Actor，返回其代理。
// 关键字参数：id、name、kind、behavior、timeout（秒）、monitor、params。
func cmdSpawn(req *Request, _ []any, kwargs map[string]any) (any, error) {
	a, ok := req.Self.(*Arbiter)
	if !ok {
		return nil, errors.New("spawn must be sent to the arbiter")
	}
	opts := SpawnOptions{
		ID:       stringArg(kwargs, "id"),
		Name:     stringArg(kwargs, "name"),
		Behavior: stringArg(kwargs, "behavior"),
		Timeout:  durationArg(kwargs, "timeout"),
		Monitor:  stringArg(kwargs, "monitor"),
	}
	if k := stringArg(kwargs, "kind"); k != "" {
		kind, err := backend.ParseKind(k)
		if err != nil {
			return nil, err
		}
		opts.Kind = kind
	}
	opts.Params, _ = kwargs["params"].(map[string]any)
	return mailbox.Get(req.Ctx, a.Spawn(opts))
}

func cmdGetActor(req *Request, args []any, _ map[string]any) (any, error) {
	a, ok := req.Self.(*Arbiter)
	if !ok || len(args) == 0 {
		return nil, errors.New("get_actor requires an actor id")
	}
	id, err := targetID(args[0])
	if err != nil {
		return nil, err
	}
	if p, found := a.GetActor(id); found {
		return p, nil
	}
	return nil, nil
}

func cmdKillActor(req *Request, args []any, _ map[string]any) (any, error) {
	a, ok := req.Self.(*Arbiter)
	if !ok || len(args) == 0 {
		return nil, errors.New("kill_actor requires an actor id")
	}
	id, err := targetID(args[0])
	if err != nil {
		return nil, err
	}
	found, err := a.KillActor(id)
	if err != nil {
		return nil, err
	}
	return found, nil
}

// cmdConfig 返回 arbiter 的生效配置，时长以秒表示；带参数时只返回该项。
// 配置只读，运行时调整经由配置文件重新加载。
func cmdConfig(req *Request, args []any, _ map[string]any) (any, error) {
	a, ok := req.Self.(*Arbiter)
	if !ok {
		return nil, errors.New("config must be sent to the arbiter")
	}
	settings := a.settings()
	if len(args) == 0 {
		return settings, nil
	}
	key, _ := args[0].(string)
	v, found := settings[key]
	if !found {
		return nil, errors.Errorf("unknown setting %q", key)
	}
	return v, nil
}

func (a *Arbiter) settings() map[string]any {
	c := a.cfg
	return map[string]any{
		"mailbox_addr":    a.Addr(),
		"control_addr":    c.ControlAddr,
		"metrics_addr":    c.MetricsAddr,
		"tick":            c.Tick.Seconds(),
		"grace_period":    c.GracePeriod.Seconds(),
		"actor_timeout":   c.ActorTimeout.Seconds(),
		"request_timeout": c.RequestTimeout.Seconds(),
		"min_notify":      c.MinNotify.Seconds(),
		"max_notify":      c.MaxNotify.Seconds(),
		"notify_ratio":    c.NotifyRatio,
		"spawn_rate":      c.SpawnRate,
		"spawn_failures":  c.SpawnFailures,
		"journal_path":    c.JournalPath,
	}
}
