package actor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"deqinarbiter/mailbox"
	"deqinarbiter/wire"
)

// CommandFunc 是命令处理函数。返回 mailbox.ErrNoReply 表示不发送 callback。
type CommandFunc func(req *Request, args []any, kwargs map[string]any) (any, error)

// Command 是注册表中的一条命令。
type Command struct {
	// Name 命令名
	Name string
	// Fn 处理函数
	Fn CommandFunc
	// Ack 为 false 时命令永远不产生应答
	Ack bool
}

// Self 是命令执行所在的 Actor：arbiter、monitor 或工作 Actor。
type Self interface {
	// Proxy 返回自身代理
	Proxy() wire.ActorProxy
	// Info 返回身份、并发类型、进程/线程号与运行时间
	Info() map[string]any
	// Stop 请求优雅停止
	Stop()
	// Send 以自身身份发送命令
	Send(target any, command string, args ...any) *mailbox.Future[mailbox.Reply]
}

// heartbeater 由接收 notify 的 supervisor 实现。
type heartbeater interface {
	heartbeat(id string)
}

// Request 是一次命令执行的上下文。
type Request struct {
	// Ctx 在请求被取消或连接关闭时结束
	Ctx context.Context
	// Self 执行命令的 Actor
	Self Self
	// Caller 发送者代理
	Caller wire.ActorProxy
	// Conn 请求来源连接，进程内调用时为 nil
	Conn *mailbox.Conn
	// Envelope 原始请求
	Envelope *wire.Envelope

	set commandSet
}

// Commands 是命令注册表。
type Commands struct {
	mu    sync.RWMutex
	table map[string]Command
}

// NewCommands 创建空注册表。
func NewCommands() *Commands {
	return &Commands{table: make(map[string]Command)}
}

// Register 注册或替换命令。
func (c *Commands) Register(name string, fn CommandFunc, ack bool) {
	c.mu.Lock()
	c.table[name] = Command{Name: name, Fn: fn, Ack: ack}
	c.mu.Unlock()
}

// Resolve 按名称查找命令。
func (c *Commands) Resolve(name string) (Command, bool) {
	c.mu.RLock()
	cmd, ok := c.table[name]
	c.mu.RUnlock()
	return cmd, ok
}

// Names 返回排序后的命令名。
func (c *Commands) Names() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.table))
	for name := range c.table {
		out = append(out, name)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// global 是所有 Actor 共享的命令表。进程 Actor 运行同一个可执行文件，
// 因此在 init 中注册的命令在子进程里同样可用。
var global = NewCommands()

// RegisterCommand 在全局命令表中注册命令。应在 init 或启动 arbiter 之前调用。
func RegisterCommand(name string, fn CommandFunc, ack bool) {
	global.Register(name, fn, ack)
}

// acks 返回发送方为 command 设置的 ack 标志；未注册的命令需要应答，
// 以便调用者收到 CommandError。
func acks(command string) bool {
	if cmd, ok := global.Resolve(command); ok {
		return cmd.Ack
	}
	return true
}

var builtins = map[string]bool{
	"ping": true, "echo": true, "stop": true, "info": true, "notify": true, "run": true,
}

func init() {
	RegisterCommand("ping", func(*Request, []any, map[string]any) (any, error) {
		return "pong", nil
	}, true)
	RegisterCommand("echo", func(_ *Request, args []any, _ map[string]any) (any, error) {
		if len(args) == 0 {
			return nil, errors.New("echo requires a message")
		}
		return args[0], nil
	}, true)
	RegisterCommand("stop", func(req *Request, _ []any, _ map[string]any) (any, error) {
		req.Self.Stop()
		return true, nil
	}, true)
	RegisterCommand("info", func(req *Request, _ []any, _ map[string]any) (any, error) {
		return req.Self.Info(), nil
	}, true)
	RegisterCommand("notify", cmdNotify, false)
	RegisterCommand("run", cmdRun, true)
}

// cmdNotify 是心跳。第一个参数是发送时间（Unix 秒），仅用于日志。
func cmdNotify(req *Request, _ []any, _ map[string]any) (any, error) {
	if hb, ok := req.Self.(heartbeater); ok {
		hb.heartbeat(req.Envelope.Sender)
	}
	return nil, mailbox.ErrNoReply
}

// cmdRun 按名称执行另一个已注册命令，其余参数原样传入。
func cmdRun(req *Request, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("run requires a command name")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("run: command name must be a string, got %T", args[0])
	}
	cmd, ok := req.set.resolve(name)
	if !ok {
		return nil, errors.Errorf("unknown command %q", name)
	}
	return invoke(cmd, req, args[1:], kwargs)
}

// commandSet 是一个 Actor 可见的命令集合。
type commandSet struct {
	tables []*Commands
	// allow 为 nil 表示接受全部命令；内置命令总是可用
	allow map[string]bool
}

func newCommandSet(allow []string, tables ...*Commands) commandSet {
	s := commandSet{tables: tables}
	if len(allow) > 0 {
		s.allow = make(map[string]bool, len(allow))
		for _, name := range allow {
			s.allow[name] = true
		}
	}
	return s
}

func (s commandSet) resolve(name string) (Command, bool) {
	if s.allow != nil && !s.allow[name] && !builtins[name] {
		return Command{}, false
	}
	for _, t := range s.tables {
		if cmd, ok := t.Resolve(name); ok {
			return cmd, true
		}
	}
	return Command{}, false
}

// acks 返回集合内全部命令的 ack 标志，用于代理的命令声明。
func (s commandSet) acks() map[string]bool {
	out := make(map[string]bool)
	for _, t := range s.tables {
		for _, name := range t.Names() {
			if cmd, ok := s.resolve(name); ok {
				if _, seen := out[name]; !seen {
					out[name] = cmd.Ack
				}
			}
		}
	}
	return out
}

// execute 在 set 中查找并执行请求的命令。ack 为 false 的命令总是返回 ErrNoReply。
func execute(set commandSet, req *Request) (any, error) {
	req.set = set
	env := req.Envelope
	cmd, ok := set.resolve(env.Command)
	if !ok {
		return nil, commandErrorf(env.Command, "unknown command")
	}
	result, err := invoke(cmd, req, env.Args, env.Kwargs)
	if !cmd.Ack {
		return nil, mailbox.ErrNoReply
	}
	return result, err
}

func invoke(cmd Command, req *Request, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, commandErrorf(cmd.Name, "panic: %v", r)
		}
	}()
	result, err = cmd.Fn(req, args, kwargs)
	if err != nil {
		err = classify(cmd.Name, err)
	}
	return result, err
}

// classify 保留已有分类码的错误，其余包装为 CommandError。
func classify(name string, err error) error {
	var coder mailbox.Coder
	var remote *mailbox.RemoteError
	switch {
	case errors.As(err, &coder), errors.As(err, &remote):
		return err
	case errors.Is(err, mailbox.ErrNoReply), errors.Is(err, mailbox.ErrTimeout), errors.Is(err, mailbox.ErrConnectionLost):
		return err
	}
	return &CommandError{Command: name, Err: err}
}

// newEnvelope 构造从 sender 发往 target 的请求。
func newEnvelope(sender string, target any, command string, args []any) (*wire.Envelope, error) {
	id, err := targetID(target)
	if err != nil {
		return nil, err
	}
	pos, kw := splitArgs(args)
	return &wire.Envelope{
		Command: command,
		Sender:  sender,
		Target:  id,
		Args:    pos,
		Kwargs:  kw,
		Ack:     acks(command),
	}, nil
}

func stringArg(kwargs map[string]any, key string) string {
	s, _ := kwargs[key].(string)
	return s
}

func durationArg(kwargs map[string]any, key string) time.Duration {
	switch v := kwargs[key].(type) {
	case time.Duration:
		return v
	case int64:
		return time.Duration(v)
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		d, _ := time.ParseDuration(v)
		return d
	}
	return 0
}
