package actor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/travisjeffery/go-dynaport"

	"deqinarbiter/backend"
	"deqinarbiter/config"
	"deqinarbiter/journal"
	"deqinarbiter/mailbox"
	"deqinarbiter/testkit"
	"deqinarbiter/wire"
)

func TestMain(m *testing.M) {
	if IsChildProcess() {
		os.Exit(RunChildProcess())
	}
	os.Exit(m.Run())
}

var (
	slowStarted  = make(chan struct{}, 1)
	stallRelease = make(chan struct{})
	sentLater    = make(chan timedReply, 1)
)

// timedReply 是 send_later 发出的请求的结果与耗时。
type timedReply struct {
	err     error
	elapsed time.Duration
}

func init() {
	RegisterCommand("add", func(_ *Request, args []any, _ map[string]any) (any, error) {
		sum := 0
		for _, a := range args {
			n, ok := a.(int)
			if !ok {
				return nil, errors.New("add expects integers")
			}
			sum += n
		}
		return sum, nil
	}, true)
	RegisterCommand("relay", func(req *Request, args []any, _ map[string]any) (any, error) {
		if len(args) < 2 {
			return nil, errors.New("relay expects target and command")
		}
		cmd, _ := args[1].(string)
		return mailbox.Get(req.Ctx, req.Self.Send(args[0], cmd, args[2:]...))
	}, true)
	RegisterCommand("spawn_child", func(req *Request, args []any, _ map[string]any) (any, error) {
		a, ok := req.Self.(*Actor)
		if !ok {
			return nil, errors.New("spawn_child runs on workers")
		}
		name, _ := args[0].(string)
		return mailbox.Get(req.Ctx, a.Spawn(SpawnOptions{Name: name}))
	}, true)
	RegisterCommand("slow", func(req *Request, _ []any, _ map[string]any) (any, error) {
		select {
		case slowStarted <- struct{}{}:
		default:
		}
		select {
		case <-time.After(200 * time.Millisecond):
			return "done", nil
		case <-req.Ctx.Done():
			return nil, req.Ctx.Err()
		}
	}, true)
	RegisterCommand("sleep", func(req *Request, args []any, _ map[string]any) (any, error) {
		secs, _ := args[0].(float64)
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return "awake", nil
		case <-req.Ctx.Done():
			return nil, req.Ctx.Err()
		}
	}, true)
	RegisterCommand("send_later", func(req *Request, args []any, _ map[string]any) (any, error) {
		start := time.Now()
		fut := req.Self.Send(args[0], "sleep", 2.0)
		go func() {
			_, err := mailbox.Get(context.Background(), fut)
			sentLater <- timedReply{err: err, elapsed: time.Since(start)}
		}()
		return nil, nil
	}, false)
	// stall 不响应 stop，只能被强制结束。
	RegisterBehavior("stall", func(context.Context, *Actor) error {
		<-stallRelease
		return nil
	})
	RegisterBehavior("wait", func(ctx context.Context, _ *Actor) error {
		<-ctx.Done()
		return nil
	})
}

func testConfig() config.Arbiter {
	return config.Arbiter{
		Tick:           20 * time.Millisecond,
		GracePeriod:    500 * time.Millisecond,
		ActorTimeout:   time.Second,
		RequestTimeout: 3 * time.Second,
		MinNotify:      50 * time.Millisecond,
		MaxNotify:      200 * time.Millisecond,
		SpawnRate:      100,
	}
}

func startArbiter(t *testing.T, cfg config.Arbiter, opts ...Option) *Arbiter {
	t.Helper()
	a := New(cfg, opts...)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		a.Stop()
		select {
		case <-a.Done():
		case <-time.After(10 * time.Second):
			t.Errorf("arbiter did not stop")
		}
	})
	return a
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func running(m *Monitor) []string {
	var ids []string
	for _, s := range m.Actors() {
		if s.State == Running {
			ids = append(ids, s.Proxy.ID)
		}
	}
	return ids
}

func get(t *testing.T, fut *mailbox.Future[mailbox.Reply]) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return mailbox.Get(ctx, fut)
}

func TestPingBetweenActors(t *testing.T) {
	a := startArbiter(t, testConfig(), WithMonitors(config.Monitor{Name: "web", Workers: 2}))
	m, ok := a.Monitor("web")
	if !ok {
		t.Fatalf("monitor missing")
	}
	waitFor(t, 5*time.Second, "two running workers", func() bool { return len(running(m)) == 2 })
	ids := running(m)

	v, err := get(t, a.Send(ids[0], "ping"))
	if err != nil || v != "pong" {
		t.Fatalf("ping: %v %v", v, err)
	}
	v, err = get(t, a.Send(ids[0], "relay", ids[1], "ping"))
	if err != nil || v != "pong" {
		t.Fatalf("relay ping: %v %v", v, err)
	}
	v, err = get(t, a.Send(ids[0], "relay", "monitor", "info"))
	if err != nil {
		t.Fatalf("monitor info from worker: %v", err)
	}
	if info, _ := v.(map[string]any); info["id"] != "web" {
		t.Fatalf("worker's monitor resolved to %#v", v)
	}
	v, err = get(t, a.Send(ids[0], "echo", "hi"))
	if err != nil || v != "hi" {
		t.Fatalf("echo: %v %v", v, err)
	}
	if _, err := get(t, a.Send(ids[0], "no_such_command")); !errors.Is(err, ErrCommand) {
		t.Fatalf("expected command error, got %v", err)
	}
	if _, err := get(t, a.Send(ids[0], "relay", "ghost", "ping")); !errors.Is(err, ErrUnknownActor) {
		t.Fatalf("expected unknown actor through relay, got %v", err)
	}
	v, err = get(t, a.Send(ids[0], "notify"))
	if err != nil || v != nil {
		t.Fatalf("ack=false command must complete without value: %v %v", v, err)
	}
}

func TestInfoOnProcessActor(t *testing.T) {
	a := startArbiter(t, testConfig())
	v, err := get(t, a.Spawn(SpawnOptions{ID: "w1", Kind: backend.KindProcess}))
	if err != nil {
		t.Fatalf("spawn process actor: %v", err)
	}
	if p := v.(wire.ActorProxy); p.ID != "w1" || p.Kind != "process" {
		t.Fatalf("unexpected proxy: %+v", p)
	}
	v, err = get(t, a.Send("w1", "info"))
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	info := v.(map[string]any)
	if info["id"] != "w1" || info["kind"] != "process" {
		t.Fatalf("unexpected info: %#v", info)
	}
	if pid, _ := info["pid"].(int); pid == 0 || pid == os.Getpid() {
		t.Fatalf("process actor must report its own pid, got %v", info["pid"])
	}
	if _, ok := info["uptime"].(float64); !ok {
		t.Fatalf("uptime missing: %#v", info)
	}

	found, err := a.KillActor("w1")
	if err != nil || !found {
		t.Fatalf("kill: %v %v", found, err)
	}
	waitFor(t, 5*time.Second, "process actor closed", func() bool {
		_, ok := a.GetActor("w1")
		return !ok
	})
}

func TestRunCommand(t *testing.T) {
	a := startArbiter(t, testConfig())
	v, err := get(t, a.Spawn(SpawnOptions{Name: "calc"}))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	p := v.(wire.ActorProxy)
	v, err = get(t, a.Send(p, "run", "add", 2, 3))
	if err != nil || v != 5 {
		t.Fatalf("run add: %v %v", v, err)
	}
	v, err = get(t, a.Send("calc", "add", 4, 5))
	if err != nil || v != 9 {
		t.Fatalf("add by name: %v %v", v, err)
	}
	if _, err := get(t, a.Send(p, "run", "missing")); !errors.Is(err, ErrCommand) {
		t.Fatalf("run of unknown command: %v", err)
	}
	if _, err := get(t, a.Send(p, "add", "x")); !errors.Is(err, ErrCommand) {
		t.Fatalf("command failure must be a command error: %v", err)
	}
}

func TestNestedSpawn(t *testing.T) {
	a := startArbiter(t, testConfig())
	v, err := get(t, a.Spawn(SpawnOptions{ID: "a1"}))
	if err != nil {
		t.Fatalf("spawn a1: %v", err)
	}
	a1 := v.(wire.ActorProxy)
	v, err = get(t, a.Send(a1, "spawn_child", "a2"))
	if err != nil {
		t.Fatalf("nested spawn: %v", err)
	}
	a2 := v.(wire.ActorProxy)
	if a2.ID == a1.ID {
		t.Fatalf("nested actor reused identity %s", a1.ID)
	}
	registered := map[string]bool{}
	for _, id := range a.Registered() {
		registered[id] = true
	}
	if !registered[a1.ID] || !registered[a2.ID] {
		t.Fatalf("registry %v missing %s or %s", a.Registered(), a1.ID, a2.ID)
	}
	for _, p := range []wire.ActorProxy{a1, a2} {
		if v, err := get(t, a.Send(p, "ping")); err != nil || v != "pong" {
			t.Fatalf("ping %s: %v %v", p.ID, v, err)
		}
	}
}

func TestStalledActorIsTerminated(t *testing.T) {
	rec := &recorder{}
	events := testkit.NewRecorder(t, 0)
	observe := func(ev journal.Event) {
		rec.observe(ev)
		events.Put(ev)
	}
	a := startArbiter(t, testConfig(), WithObserver(observe), WithMonitors(config.Monitor{
		Name:        "stuck",
		Workers:     1,
		Behavior:    "stall",
		Timeout:     300 * time.Millisecond,
		GracePeriod: 300 * time.Millisecond,
	}))
	t.Cleanup(func() { close(stallRelease) })
	m, _ := a.Monitor("stuck")
	var id string
	waitFor(t, 5*time.Second, "stalled worker running", func() bool {
		if ids := running(m); len(ids) == 1 {
			id = ids[0]
		}
		return id != ""
	})

	events.ExpectWhere(5*time.Second, func(v any) bool {
		ev := v.(journal.Event)
		return ev.Actor == id && ev.To == Closed.String()
	})
	if !equalPath(rec.path(id), "spawning", "running", "stopping", "terminating", "closed") {
		t.Fatalf("unexpected path: %v", rec.path(id))
	}
	if rec.reason(id, "stopping") != "heartbeat timeout" {
		t.Fatalf("expected heartbeat timeout, got %q", rec.reason(id, "stopping"))
	}
	if _, ok := a.GetActor(id); ok {
		t.Fatalf("terminated actor still registered")
	}
}

func TestStopCancelsBehavior(t *testing.T) {
	rec := &recorder{}
	events := testkit.NewRecorder(t, 0)
	observe := func(ev journal.Event) {
		rec.observe(ev)
		events.Put(ev)
	}
	cfg := testConfig()
	cfg.GracePeriod = 3 * time.Second
	a := startArbiter(t, cfg, WithObserver(observe))
	if _, err := get(t, a.Spawn(SpawnOptions{ID: "bw", Behavior: "wait"})); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := get(t, a.Send("bw", "stop")); err != nil {
		t.Fatalf("stop: %v", err)
	}
	events.ExpectWhere(time.Second, func(v any) bool {
		ev := v.(journal.Event)
		return ev.Actor == "bw" && ev.To == Closed.String()
	})
	if !equalPath(rec.path("bw"), "spawning", "running", "stopping", "closed") {
		t.Fatalf("behavior actor was not stopped cooperatively: %v", rec.path("bw"))
	}
}

func TestActorSendUsesRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 300 * time.Millisecond
	cfg.GracePeriod = 2 * time.Second
	a := startArbiter(t, cfg)
	if _, err := get(t, a.Spawn(SpawnOptions{ID: "w1"})); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// 目标是 arbiter 本身，本地执行没有转发超时，只有 w1 自己的请求超时生效。
	if _, err := get(t, a.Send("w1", "send_later", ArbiterID)); err != nil {
		t.Fatalf("send_later: %v", err)
	}
	select {
	case r := <-sentLater:
		if !errors.Is(r.err, mailbox.ErrTimeout) {
			t.Fatalf("expected timeout, got %v", r.err)
		}
		if r.elapsed >= time.Second {
			t.Fatalf("worker request waited %s, configured request timeout is %s", r.elapsed, cfg.RequestTimeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker request never completed")
	}
}

func TestSpawnAfterStopResolves(t *testing.T) {
	a := New(testConfig())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.Stop()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("arbiter did not stop")
	}
	for i := 0; i < 50; i++ {
		r, ok := a.Spawn(SpawnOptions{}).Await(time.Second)
		if !ok {
			t.Fatalf("spawn %d after stop never resolved", i)
		}
		if !errors.Is(r.Err, ErrSpawn) {
			t.Fatalf("spawn %d after stop: %v", i, r.Err)
		}
	}
	if _, err := get(t, a.Send(ArbiterID, "ping")); !errors.Is(err, ErrStopped) {
		t.Fatalf("send after stop: %v", err)
	}
}

func TestConfigCommand(t *testing.T) {
	a := startArbiter(t, testConfig())
	if _, err := get(t, a.Spawn(SpawnOptions{ID: "w1"})); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	v, err := get(t, a.Send("w1", "relay", ArbiterID, "config"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	settings := v.(map[string]any)
	if settings["request_timeout"] != 3.0 || settings["mailbox_addr"] != a.Addr() || settings["spawn_rate"] != 100 {
		t.Fatalf("unexpected settings: %#v", settings)
	}
	if v, err := get(t, a.Send(ArbiterID, "config", "tick")); err != nil || v != 0.02 {
		t.Fatalf("config tick: %v %v", v, err)
	}
	if _, err := get(t, a.Send(ArbiterID, "config", "nope")); !errors.Is(err, ErrCommand) {
		t.Fatalf("unknown setting: %v", err)
	}
}

func TestGracefulShutdown(t *testing.T) {
	rec := &recorder{}
	path := filepath.Join(t.TempDir(), "lifecycle.journal")
	cfg := testConfig()
	cfg.JournalPath = path
	a := New(cfg, WithObserver(rec.observe), WithMonitors(
		config.Monitor{Name: "web", Workers: 2},
		config.Monitor{Name: "jobs", Workers: 1, Concurrency: "process"},
	))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	waitFor(t, 5*time.Second, "arbiter started", func() bool { return a.Addr() != "" })
	var monitors []*Monitor
	for _, name := range []string{"web", "jobs"} {
		m, ok := a.Monitor(name)
		if !ok {
			t.Fatalf("monitor %s missing", name)
		}
		monitors = append(monitors, m)
	}
	waitFor(t, 10*time.Second, "all workers running", func() bool {
		return len(running(monitors[0])) == 2 && len(running(monitors[1])) == 1
	})
	v, err := get(t, a.Send(running(monitors[0])[0], "spawn_child", "child"))
	if err != nil {
		t.Fatalf("spawn from worker: %v", err)
	}
	if p := v.(wire.ActorProxy); p.Name != "child" {
		t.Fatalf("unexpected child proxy: %+v", p)
	}
	inflight := a.Send("child", "slow")
	select {
	case <-slowStarted:
	case <-time.After(5 * time.Second):
		t.Fatalf("slow request never reached the child")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("arbiter did not stop")
	}
	if v, err := get(t, inflight); err != nil || v != "done" {
		t.Fatalf("in-flight request not drained: %v %v", v, err)
	}
	if got := a.Registered(); len(got) != 1 || got[0] != ArbiterID {
		t.Fatalf("registry not drained: %v", got)
	}

	events, err := journal.ReadFile(path)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	last := map[string]string{}
	for _, ev := range events {
		last[ev.Actor] = ev.To
	}
	if len(last) < 6 {
		t.Fatalf("expected monitors and workers in journal, got %v", last)
	}
	for id, st := range last {
		if st != Closed.String() {
			t.Fatalf("%s ended in %s", id, st)
		}
	}
}

func TestStopCommandShutsDownArbiter(t *testing.T) {
	a := New(testConfig())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatalf("second start accepted")
	}
	if _, err := get(t, a.Send(ArbiterID, "stop")); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("arbiter did not stop")
	}
	if err := a.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := get(t, a.Spawn(SpawnOptions{})); !errors.Is(err, ErrSpawn) {
		t.Fatalf("spawn after stop: %v", err)
	}
}

func TestSpawnTimeoutWhenActorNeverLinks(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 200 * time.Millisecond
	mute := backend.NewThread(func(ctx context.Context, _ backend.Spec) error {
		<-ctx.Done()
		return nil
	})
	a := startArbiter(t, cfg, WithBackend(mute))
	fut := a.Spawn(SpawnOptions{ID: "mute"})
	waitFor(t, time.Second, "mute registered", func() bool {
		_, ok := a.GetActor("mute")
		return ok
	})
	if _, err := get(t, a.Send("mute", "ping")); !errors.Is(err, ErrNotYetConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	_, err := get(t, fut)
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) || spawnErr.ID != "mute" {
		t.Fatalf("expected spawn error, got %v", err)
	}
}

func TestMonitorCommandAllowlist(t *testing.T) {
	a := startArbiter(t, testConfig(), WithMonitors(config.Monitor{Name: "calc", Workers: 1, Commands: []string{"add"}}))
	m, _ := a.Monitor("calc")
	waitFor(t, 5*time.Second, "worker running", func() bool { return len(running(m)) == 1 })
	id := running(m)[0]
	if v, err := get(t, a.Send(id, "add", 1, 1)); err != nil || v != 2 {
		t.Fatalf("allowed command: %v %v", v, err)
	}
	if v, err := get(t, a.Send(id, "ping")); err != nil || v != "pong" {
		t.Fatalf("builtin: %v %v", v, err)
	}
	if _, err := get(t, a.Send(id, "relay", ArbiterID, "ping")); !errors.Is(err, ErrCommand) {
		t.Fatalf("command outside allowlist accepted: %v", err)
	}
	proxy, _ := a.GetActor(id)
	if _, declared := proxy.Commands["relay"]; declared {
		t.Fatalf("proxy declares disallowed command")
	}
	if proxy.Acks("notify") {
		t.Fatalf("notify must be declared without ack")
	}
}

func TestArbiterCommandsOverMailbox(t *testing.T) {
	a := startArbiter(t, testConfig())
	if _, err := get(t, a.Spawn(SpawnOptions{ID: "w1"})); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	v, err := get(t, a.Send("w1", "relay", ArbiterID, "get_actor", "w1"))
	if err != nil || v.(wire.ActorProxy).ID != "w1" {
		t.Fatalf("get_actor: %v %v", v, err)
	}
	v, err = get(t, a.Send("w1", "relay", ArbiterID, "get_actor", "ghost"))
	if err != nil || v != nil {
		t.Fatalf("get_actor of missing id: %v %v", v, err)
	}
	v, err = get(t, a.Send("w1", "relay", ArbiterID, "info"))
	if err != nil || v.(map[string]any)["id"] != ArbiterID {
		t.Fatalf("arbiter info: %v %v", v, err)
	}
	v, err = get(t, a.Send(ArbiterID, "kill_actor", "w1"))
	if err != nil || v != true {
		t.Fatalf("kill_actor: %v %v", v, err)
	}
	waitFor(t, 5*time.Second, "w1 closed", func() bool {
		_, ok := a.GetActor("w1")
		return !ok
	})
	v, err = get(t, a.Send(ArbiterID, "kill_actor", "w1"))
	if err != nil || v != false {
		t.Fatalf("kill_actor of closed actor: %v %v", v, err)
	}
}

func TestLinkRejectsIncompatibleVersion(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 300 * time.Millisecond
	impostor := backend.NewThread(func(ctx context.Context, spec backend.Spec) error {
		c := mailbox.NewClient(spec.ArbiterAddr, nil, mailbox.Options{})
		defer c.Close()
		env := &wire.Envelope{Command: "link", Sender: spec.ID, Target: ArbiterID, Kwargs: map[string]any{"version": "0.1.0"}, Ack: true}
		_, err := mailbox.Get(ctx, c.Request(ctx, env, time.Second))
		return err
	})
	a := startArbiter(t, cfg, WithBackend(impostor))
	if _, err := get(t, a.Spawn(SpawnOptions{ID: "old"})); !errors.Is(err, ErrSpawn) {
		t.Fatalf("incompatible actor linked: %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(dynaport.Get(1)[0]))
	a := startArbiter(t, cfg)
	if _, err := get(t, a.Spawn(SpawnOptions{})); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	resp, err := http.Get("http://" + cfg.MetricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"deqinarbiter_spawned_total 1",
		`deqinarbiter_actors{state="running"} 1`,
		"deqinarbiter_frames_in_total",
		"deqinarbiter_request_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
