package mailbox

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"deqinarbiter/log"
	"deqinarbiter/wire"
)

// Handler 处理连接上收到的一个请求信封。
// 返回 ErrNoReply 时不发送 callback；其它错误被转换为带 Fault 的 callback。
type Handler interface {
	Handle(ctx context.Context, c *Conn, env *wire.Envelope) (any, error)
}

// HandlerFunc 让普通函数实现 Handler。
type HandlerFunc func(ctx context.Context, c *Conn, env *wire.Envelope) (any, error)

// Handle 实现 Handler。
func (f HandlerFunc) Handle(ctx context.Context, c *Conn, env *wire.Envelope) (any, error) {
	return f(ctx, c, env)
}

// Observer 接收连接级事件，用于指标统计。
type Observer interface {
	FrameIn()
	FrameOut()
	RequestDone(d time.Duration, err error)
}

// Options 配置连接。
type Options struct {
	// Name 日志中的连接名
	Name string
	// Serializer 信封体序列化器，默认 gob
	Serializer wire.Serializer
	// Timeout 请求默认超时，默认 10s
	Timeout time.Duration
	// Queue 入站队列配置
	Queue QueueOptions
	// Logger 日志，默认 log.Named("mailbox")
	Logger *zap.SugaredLogger
	// Observer 可选的指标观察者
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.Serializer == nil {
		o.Serializer = wire.GobSerializer{}
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Named("mailbox")
	}
	if o.Name != "" {
		o.Logger = o.Logger.With("conn", o.Name)
	}
	return o
}

// pending 是一个等待 callback 的出站请求。
type pending struct {
	fut     *Future[Reply]
	command string
	started time.Time
	timer   *time.Timer
	stopCtx func() bool
}

// Conn 是一条邮箱连接的两端通用实现。
//
// 读循环只负责解帧并把信封推入入站队列；分发循环按到达顺序取出信封，
// callback 直接完成对应的等待项，请求则各自在独立 goroutine 中执行，
// 按请求 ID 记录在 inflight 表中，应答可以乱序返回。
type Conn struct {
	nc      net.Conn
	opts    Options
	handler Handler
	codec   *wire.Codec
	queue   *Queue
	log     *zap.SugaredLogger

	wmu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*pending
	inflight map[string]context.CancelFunc
	anon     int
	closed   bool
	err      error
	onClose  []func(error)

	seq    atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConn 包装 nc 并启动读循环和分发循环。h 为 nil 时所有请求以命令错误应答。
func NewConn(nc net.Conn, h Handler, opts Options) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		nc:       nc,
		opts:     opts,
		handler:  h,
		codec:    wire.NewCodec(opts.Serializer),
		queue:    NewQueue(opts.Queue),
		log:      opts.Logger,
		pending:  make(map[string]*pending),
		inflight: make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// Done 返回在连接关闭后关闭的通道。
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 返回关闭原因；连接未关闭时为 nil。
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr 返回对端地址。
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// OnClose 注册关闭回调；连接已关闭时立即调用。
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Pending 返回等待 callback 的出站请求数。
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Inflight 返回正在执行的入站请求数。
func (c *Conn) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) + c.anon
}

// Request 发送一个请求。
//
// env.Ack 为 true 时分配请求 ID 并登记等待项，Future 在 callback 到达、
// 超时、ctx 结束或连接断开时完成；timeout <= 0 使用连接默认超时。
// env.Ack 为 false 时 Future 在写出成功后立即完成。
func (c *Conn) Request(ctx context.Context, env *wire.Envelope, timeout time.Duration) *Future[Reply] {
	fut := NewFuture[Reply]()
	if !env.Ack {
		fut.Complete(Reply{Err: c.Send(env)})
		return fut
	}
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	id := c.nextID()
	env.ID = id
	p := &pending{fut: fut, command: env.Command, started: time.Now()}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		fut.Complete(Reply{Err: lost(err)})
		return fut
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, Reply{Err: errors.Wrapf(ErrTimeout, "%s after %s", p.command, timeout)})
	})
	if ctx != nil && ctx.Done() != nil {
		p.stopCtx = context.AfterFunc(ctx, func() { c.resolve(id, Reply{Err: ctx.Err()}) })
	}
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.resolve(id, Reply{Err: err})
	}
	return fut
}

// Send 写出一个信封，不登记等待项。
func (c *Conn) Send(env *wire.Envelope) error {
	b, err := wire.Encode(c.opts.Serializer, env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	_, err = c.nc.Write(b)
	c.wmu.Unlock()
	if err != nil {
		c.closeWith(errors.Wrap(ErrConnectionLost, err.Error()))
		return lost(err)
	}
	if c.opts.Observer != nil {
		c.opts.Observer.FrameOut()
	}
	return nil
}

// Drain 等待正在执行的入站请求完成，最多等待 timeout；全部完成时返回 true。
func (c *Conn) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for c.Inflight() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-c.done:
			return c.Inflight() == 0
		case <-time.After(5 * time.Millisecond):
		}
	}
	return true
}

// Close 发送关闭帧后关闭连接，所有等待项以 ErrConnectionLost 失败。
func (c *Conn) Close() error {
	c.wmu.Lock()
	_, _ = c.nc.Write(wire.EncodeClose())
	c.wmu.Unlock()
	c.closeWith(errors.Wrap(ErrConnectionLost, "closed locally"))
	return nil
}

// Abort 立即关闭连接，不发送关闭帧。
func (c *Conn) Abort(cause error) {
	if cause == nil {
		cause = errors.Wrap(ErrConnectionLost, "aborted")
	}
	c.closeWith(cause)
}

func (c *Conn) nextID() string {
	return fmt.Sprintf("%x", c.seq.Add(1))
}

// resolve 完成并移除等待项，不存在时返回 false。
func (c *Conn) resolve(id string, r Reply) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	if p.stopCtx != nil {
		p.stopCtx()
	}
	if c.opts.Observer != nil {
		c.opts.Observer.RequestDone(time.Since(p.started), r.Err)
	}
	p.fut.Complete(r)
	return true
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pend := c.pending
	c.pending = make(map[string]*pending)
	cbs := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.cancel()
	c.queue.Close()
	_ = c.nc.Close()
	reason := lost(cause)
	for _, p := range pend {
		p.timer.Stop()
		if p.stopCtx != nil {
			p.stopCtx()
		}
		p.fut.Complete(Reply{Err: reason})
	}
	c.log.Debugw("connection closed", "cause", cause, "failed", len(pend))
	close(c.done)
	for _, cb := range cbs {
		cb(cause)
	}
}

func lost(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionLost
	case errors.Is(cause, ErrConnectionLost):
		return cause
	}
	return errors.Wrap(ErrConnectionLost, cause.Error())
}

func (c *Conn) readLoop() {
	buf := make([]byte, 32<<10)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.codec.Feed(buf[:n])
			for {
				env, derr := c.codec.Next()
				if errors.Is(derr, wire.ErrClosed) {
					c.closeWith(errors.Wrap(ErrConnectionLost, "peer closed"))
					return
				}
				if derr != nil {
					c.log.Warnw("dropping connection", "err", derr)
					c.closeWith(derr)
					return
				}
				if env == nil {
					break
				}
				if c.opts.Observer != nil {
					c.opts.Observer.FrameIn()
				}
				if perr := c.queue.Push(env); perr != nil {
					c.closeWith(perr)
					return
				}
			}
		}
		if err != nil {
			c.closeWith(errors.Wrap(ErrConnectionLost, err.Error()))
			return
		}
	}
}

func (c *Conn) dispatchLoop() {
	for {
		for {
			env, ok := c.queue.Pop()
			if !ok {
				break
			}
			c.dispatch(env)
		}
		if !c.queue.Wait() {
			return
		}
	}
}

func (c *Conn) dispatch(env *wire.Envelope) {
	if env.IsCallback() {
		if !c.resolve(env.ID, Reply{Value: env.Result, Err: FromFault(env.Err)}) {
			c.log.Debugw("dropping callback with no pending request", "id", env.ID)
		}
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	if env.ID != "" {
		if _, dup := c.inflight[env.ID]; dup {
			c.mu.Unlock()
			cancel()
			c.closeWith(errors.Wrapf(ErrProtocol, "request id %s reused while in flight", env.ID))
			return
		}
		c.inflight[env.ID] = cancel
	} else {
		c.anon++
	}
	c.mu.Unlock()
	go c.serve(ctx, cancel, env)
}

func (c *Conn) serve(ctx context.Context, cancel context.CancelFunc, env *wire.Envelope) {
	result, err := c.invoke(ctx, env)
	cancel()
	c.mu.Lock()
	if env.ID != "" {
		delete(c.inflight, env.ID)
	} else {
		c.anon--
	}
	c.mu.Unlock()
	if !env.WantsReply() || errors.Is(err, ErrNoReply) {
		return
	}
	if serr := c.Send(wire.Callback(env, result, ToFault(err))); serr != nil {
		c.log.Debugw("reply not delivered", "id", env.ID, "command", env.Command, "err", serr)
	}
}

func (c *Conn) invoke(ctx context.Context, env *wire.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("handler panic", "command", env.Command, "panic", r)
			err = errors.Errorf("%s: panic: %v", env.Command, r)
		}
	}()
	if c.handler == nil {
		return nil, errors.Errorf("no handler for %q", env.Command)
	}
	return c.handler.Handle(ctx, c, env)
}
