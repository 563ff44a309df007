package actor

import (
	"context"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deqinarbiter/backend"
	"deqinarbiter/config"
	"deqinarbiter/journal"
	"deqinarbiter/log"
	"deqinarbiter/mailbox"
	"deqinarbiter/wire"
)

// Clock 是 supervision 循环使用的时间源。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option 配置 Arbiter。
type Option func(*Arbiter)

// WithClock 替换时间源，测试中使用 testkit.FakeClock。
func WithClock(c Clock) Option { return func(a *Arbiter) { a.clock = c } }

// WithBackend 注册或替换某个并发类型的 Backend。
func WithBackend(b backend.Backend) Option {
	return func(a *Arbiter) { a.backends[b.Kind()] = b }
}

// WithMonitors 在启动时创建 monitor。
func WithMonitors(ms ...config.Monitor) Option {
	return func(a *Arbiter) { a.initial = append(a.initial, ms...) }
}

// WithJournal 使用已打开的生命周期日志。
func WithJournal(j *journal.Journal) Option { return func(a *Arbiter) { a.journal = j } }

// WithObserver 在每次生命周期转换后调用 fn。fn 运行在 arbiter 循环上，不能阻塞。
func WithObserver(fn func(journal.Event)) Option { return func(a *Arbiter) { a.observer = fn } }

// WithLogLevel 设置进程 Actor 的日志级别。
func WithLogLevel(level string) Option { return func(a *Arbiter) { a.logLevel = level } }

// Arbiter 是根 supervisor。它拥有邮箱服务器、全局注册表和全部 monitor，
// 并在单个事件循环上执行全部 supervision 逻辑。
type Arbiter struct {
	cfg      config.Arbiter
	clock    Clock
	backends backend.Set
	registry *Registry
	metrics  *Metrics
	journal  *journal.Journal
	observer func(journal.Event)
	log      *zap.SugaredLogger
	logLevel string
	initial  []config.Monitor
	commands commandSet

	// 以下字段只在循环上访问
	pool      *pool
	monitors  map[string]*Monitor
	handles   map[string]*ActorHandle
	stopping  bool
	halt      error
	startedAt time.Time

	server   atomic.Pointer[mailbox.Server]
	calls    chan func()
	callsMu  sync.RWMutex
	closed   bool
	running  atomic.Bool
	inline   sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	exited   chan struct{}
	done     chan struct{}
	ownJrnl  bool
	errMu    sync.Mutex
	err      error
}

// New 创建 arbiter。默认注册线程 Backend 与重新执行当前可执行文件的进程 Backend。
func New(cfg config.Arbiter, opts ...Option) *Arbiter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Arbiter{
		cfg:      cfg.WithDefaults(),
		clock:    realClock{},
		backends: backend.Set{backend.KindThread: backend.NewThread(Run)},
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		log:      log.Named("arbiter"),
		commands: newCommandSet(nil, arbiterCommands, global),
		monitors: make(map[string]*Monitor),
		handles:  make(map[string]*ActorHandle),
		calls:    make(chan func(), 1024),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if p, err := backend.NewProcess(); err == nil {
		a.backends[backend.KindProcess] = p
	}
	for _, o := range opts {
		o(a)
	}
	a.pool = newPool(a, ArbiterID, backend.KindThread, -1)
	a.registry.Register(a.Proxy())
	return a
}

// Start 打开邮箱服务器并启动事件循环。ctx 结束时 arbiter 开始优雅关闭。
func (a *Arbiter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("arbiter already started")
	}
	if a.journal == nil && a.cfg.JournalPath != "" {
		j, err := journal.Open(a.cfg.JournalPath)
		if err != nil {
			return err
		}
		a.journal, a.ownJrnl = j, true
	}
	srv, err := mailbox.Listen(a.cfg.MailboxAddr, mailbox.HandlerFunc(a.handle), mailbox.Options{
		Name:     ArbiterID,
		Timeout:  a.cfg.RequestTimeout,
		Logger:   log.Named("mailbox"),
		Observer: a.metrics,
	})
	if err != nil {
		return err
	}
	a.server.Store(srv)
	var metricsLn net.Listener
	if a.cfg.MetricsAddr != "" {
		if metricsLn, err = net.Listen("tcp", a.cfg.MetricsAddr); err != nil {
			_ = srv.Close()
			return errors.Wrap(err, "metrics listen")
		}
	}

	a.startedAt = a.clock.Now()
	for _, mc := range a.initial {
		if _, err := a.addMonitor(mc); err != nil {
			_ = srv.Close()
			return err
		}
	}
	a.log.Infow("arbiter started", "mailbox", srv.Addr(), "monitors", len(a.monitors), "pid", os.Getpid())

	g, gctx := errgroup.WithContext(a.ctx)
	g.Go(func() error { return a.loop(ctx, gctx) })
	g.Go(func() error {
		if err := srv.Serve(gctx); err != nil {
			return errors.Wrap(ErrHaltServer, err.Error())
		}
		return nil
	})
	if metricsLn != nil {
		a.log.Infow("metrics enabled", "addr", metricsLn.Addr().String())
		g.Go(func() error { return a.serveMetrics(gctx, metricsLn) })
	}
	go func() {
		err := g.Wait()
		if a.ownJrnl {
			_ = a.journal.Close()
		}
		a.errMu.Lock()
		a.err = err
		a.errMu.Unlock()
		close(a.done)
	}()
	return nil
}

// Run 启动 arbiter 并阻塞到完全关闭。
func (a *Arbiter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.Wait()
}

// Wait 阻塞到 arbiter 关闭，返回关闭原因；正常停止返回 nil。
func (a *Arbiter) Wait() error {
	<-a.done
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// Done 返回在 arbiter 完全关闭后关闭的通道。
func (a *Arbiter) Done() <-chan struct{} { return a.done }

// Stop 开始优雅关闭：停止全部 monitor 与 Actor，全部 CLOSED 后循环退出。
func (a *Arbiter) Stop() {
	a.post(func() { a.beginStop("stop requested") })
}

// Addr 返回邮箱服务器地址，未启动时为空。
func (a *Arbiter) Addr() string {
	if srv := a.server.Load(); srv != nil {
		return srv.Addr()
	}
	return ""
}

// Metrics 返回指标收集器。
func (a *Arbiter) Metrics() *Metrics { return a.metrics }

// Config 返回生效的配置。
func (a *Arbiter) Config() config.Arbiter { return a.cfg }

func (a *Arbiter) loop(ctx, gctx context.Context) error {
	defer a.exit()
	stopC, haltC := ctx.Done(), gctx.Done()
	tickC := a.clock.After(a.interval())
	for {
		select {
		case fn := <-a.calls:
			fn()
		case <-tickC:
			now := a.clock.Now()
			a.tick(now)
			if a.stopping && a.drained() {
				a.log.Infow("arbiter stopped", "uptime", now.Sub(a.startedAt))
				return a.halt
			}
			tickC = a.clock.After(a.interval())
		case <-stopC:
			stopC = nil
			a.beginStop("context done")
		case <-haltC:
			haltC = nil
			a.halt = ErrHaltServer
			a.beginStop("mailbox server failed")
		}
	}
}

// exit 在循环返回后关闭 calls：先唤醒阻塞的投递者，再拒绝新的投递，
// 最后在 inline 锁下执行已入队的函数，使其中的 Future 全部完成。
func (a *Arbiter) exit() {
	defer close(a.exited)
	_ = a.server.Load().Close()
	a.cancel()
	close(a.loopDone)
	a.callsMu.Lock()
	a.closed = true
	a.callsMu.Unlock()
	for {
		select {
		case fn := <-a.calls:
			a.inline.Lock()
			fn()
			a.inline.Unlock()
		default:
			return
		}
	}
}

func (a *Arbiter) interval() time.Duration {
	if a.stopping && a.cfg.Tick > 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return a.cfg.Tick
}

// post 把 fn 交给循环执行。循环未启动时在 inline 锁下直接执行，循环已退出时返回 false。
func (a *Arbiter) post(fn func()) bool {
	if !a.running.Load() {
		a.inline.Lock()
		defer a.inline.Unlock()
		fn()
		return true
	}
	a.callsMu.RLock()
	defer a.callsMu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.calls <- fn:
		return true
	case <-a.loopDone:
		return false
	}
}

// call 在循环上执行 fn 并等待完成。不能在循环内部调用。
func (a *Arbiter) call(fn func()) error {
	done := make(chan struct{})
	if !a.post(func() { fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-a.loopDone:
		<-a.exited
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (a *Arbiter) tick(now time.Time) {
	for _, m := range a.sortedMonitors() {
		m.tick(now)
	}
	a.pool.tick(now)
	if err := a.checkRegistry(); err != nil && a.halt == nil {
		a.log.Errorw("registry inconsistent", "err", err)
		a.halt = err
		a.beginStop("registry inconsistent")
	}
}

// checkRegistry 确认注册表包含 arbiter、全部 monitor 与全部被管理 Actor。
func (a *Arbiter) checkRegistry() error {
	if !a.registry.Has(ArbiterID) {
		return errors.Wrap(ErrHaltServer, "arbiter missing from registry")
	}
	for id := range a.monitors {
		if !a.registry.Has(id) {
			return errors.Wrapf(ErrHaltServer, "monitor %s missing from registry", id)
		}
	}
	for id := range a.handles {
		if !a.registry.Has(id) {
			return errors.Wrapf(ErrHaltServer, "actor %s missing from registry", id)
		}
	}
	return nil
}

func (a *Arbiter) beginStop(reason string) {
	if a.stopping {
		return
	}
	a.stopping = true
	now := a.clock.Now()
	a.log.Infow("arbiter stopping", "reason", reason, "monitors", len(a.monitors), "actors", len(a.handles))
	for _, m := range a.sortedMonitors() {
		m.beginStop(now, reason)
	}
	a.pool.stopAll(now, reason)
}

func (a *Arbiter) drained() bool {
	return len(a.monitors) == 0 && len(a.pool.actors) == 0
}

func (a *Arbiter) sortedMonitors() []*Monitor {
	out := make([]*Monitor, 0, len(a.monitors))
	for _, m := range a.monitors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (a *Arbiter) record(id, monitor, from string, to State, reason string) {
	ev := journal.Event{Time: a.clock.Now(), Actor: id, Monitor: monitor, From: from, To: to.String(), Reason: reason}
	a.log.Debugw("transition", "aid", id, "monitor", monitor, "from", from, "to", ev.To, "reason", reason)
	if a.journal != nil {
		if err := a.journal.Append(ev); err != nil {
			a.log.Warnw("journal append failed", "err", err)
		}
	}
	if a.observer != nil {
		a.observer(ev)
	}
}

// heartbeat 记录来自 id 的心跳。
func (a *Arbiter) heartbeat(id string) {
	a.post(func() {
		if h := a.handles[id]; h != nil && h.state == Running {
			h.lastHeartbeat = a.clock.Now()
		}
	})
}

// AddMonitor 创建一个 Actor 池。
func (a *Arbiter) AddMonitor(mc config.Monitor) (*Monitor, error) {
	var m *Monitor
	var err error
	if cerr := a.call(func() { m, err = a.addMonitor(mc) }); cerr != nil {
		return nil, cerr
	}
	return m, err
}

func (a *Arbiter) addMonitor(mc config.Monitor) (*Monitor, error) {
	switch {
	case a.stopping:
		return nil, ErrStopped
	case mc.Name == "":
		return nil, errors.New("monitor name is required")
	case mc.Name == ArbiterID || mc.Name == MonitorTarget || a.registry.Has(mc.Name):
		return nil, errors.Errorf("identity %q already registered", mc.Name)
	case mc.Workers < 0:
		return nil, errors.Errorf("monitor %s: workers must not be negative", mc.Name)
	}
	kind, err := backend.ParseKind(mc.Concurrency)
	if err != nil {
		return nil, err
	}
	m := newMonitor(a, mc, kind)
	a.monitors[m.id] = m
	a.registry.Register(m.Proxy())
	a.record(m.id, "", "", Running, "monitor added")
	a.log.Infow("monitor added", "monitor", m.id, "workers", mc.Workers, "kind", kind)
	return m, nil
}

// Monitor 按名称返回 monitor。
func (a *Arbiter) Monitor(name string) (*Monitor, bool) {
	var m *Monitor
	if err := a.call(func() { m = a.monitors[name] }); err != nil {
		return nil, false
	}
	return m, m != nil
}

// Monitors 返回全部 monitor 名称。
func (a *Arbiter) Monitors() []string {
	var out []string
	_ = a.call(func() {
		for _, m := range a.sortedMonitors() {
			out = append(out, m.id)
		}
	})
	return out
}

// Spawn 启动一个 Actor。Future 在握手完成时以 wire.ActorProxy 完成，
// 启动失败或握手超时时以 SpawnError 失败。
func (a *Arbiter) Spawn(opts SpawnOptions) *mailbox.Future[mailbox.Reply] {
	fut := mailbox.NewFuture[mailbox.Reply]()
	if !a.post(func() { a.spawnNow(opts, fut) }) {
		fut.Complete(mailbox.Reply{Err: &SpawnError{ID: opts.ID, Err: ErrStopped}})
	}
	return fut
}

func (a *Arbiter) spawnNow(opts SpawnOptions, fut *mailbox.Future[mailbox.Reply]) {
	if a.stopping {
		fut.Complete(mailbox.Reply{Err: &SpawnError{ID: opts.ID, Err: ErrStopped}})
		return
	}
	p := a.pool
	if opts.Monitor != "" {
		m := a.monitors[opts.Monitor]
		if m == nil {
			fut.Complete(mailbox.Reply{Err: errors.Wrapf(ErrUnknownActor, "monitor %s", opts.Monitor)})
			return
		}
		if !m.state.Live() {
			fut.Complete(mailbox.Reply{Err: &SpawnError{ID: opts.ID, Err: errors.Errorf("monitor %s is %s", m.id, m.state)}})
			return
		}
		p = m.pool
	}
	h, err := p.spawn(opts, a.clock.Now())
	if err != nil {
		fut.Complete(mailbox.Reply{Err: err})
		return
	}
	if p.target >= 0 {
		p.target++
	}
	h.waiters = append(h.waiters, fut)
}

// GetActor 按身份或名称查找已注册的代理。
func (a *Arbiter) GetActor(id string) (wire.ActorProxy, bool) {
	return a.registry.Get(id)
}

// Registered 返回排序后的全部已注册身份。
func (a *Arbiter) Registered() []string { return a.registry.IDs() }

// KillActor 请求停止一个被管理 Actor，宽限期后强制结束。
func (a *Arbiter) KillActor(id string) (bool, error) {
	found := false
	err := a.call(func() {
		h := a.lookup(id)
		if h == nil {
			return
		}
		found = true
		if h.pool.target > 0 {
			h.pool.target--
		}
		h.pool.stop(h, a.clock.Now(), "kill requested")
	})
	return found, err
}

// Actors 返回 arbiter 直接管理的 Actor 快照。
func (a *Arbiter) Actors() []ActorStatus {
	var out []ActorStatus
	_ = a.call(func() { out = a.pool.statuses() })
	return out
}

func (a *Arbiter) lookup(key string) *ActorHandle {
	if h := a.handles[key]; h != nil {
		return h
	}
	if p, ok := a.registry.Get(key); ok {
		return a.handles[p.ID]
	}
	return nil
}

// Proxy 实现 Self。
func (a *Arbiter) Proxy() wire.ActorProxy {
	return wire.ActorProxy{ID: ArbiterID, Name: ArbiterID, Kind: ArbiterID, Commands: a.commands.acks()}
}

// Info 实现 Self。
func (a *Arbiter) Info() map[string]any {
	info := map[string]any{"id": ArbiterID, "kind": ArbiterID, "pid": os.Getpid()}
	_ = a.call(func() {
		info["uptime"] = a.clock.Now().Sub(a.startedAt).Seconds()
		info["mailbox"] = a.Addr()
		info["state"] = Running.String()
		if a.stopping {
			info["state"] = Stopping.String()
		}
		monitors := make([]any, 0, len(a.monitors))
		for _, m := range a.sortedMonitors() {
			monitors = append(monitors, m.info())
		}
		info["monitors"] = monitors
		actors := make([]any, 0, len(a.pool.actors))
		for _, s := range a.pool.statuses() {
			actors = append(actors, s.infoMap())
		}
		info["actors"] = actors
		info["registered"] = a.registry.Len()
	})
	return info
}

// Send 以 arbiter 身份向 target 发送命令。
func (a *Arbiter) Send(target any, command string, args ...any) *mailbox.Future[mailbox.Reply] {
	return a.sendAs(ArbiterID, target, command, args)
}

func (a *Arbiter) gauges() Gauges {
	g := Gauges{Monitors: len(a.monitors), States: make(map[State]int)}
	for _, h := range a.handles {
		g.States[h.state]++
	}
	return g
}
