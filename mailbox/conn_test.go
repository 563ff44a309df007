package mailbox

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"deqinarbiter/testkit"
	"deqinarbiter/wire"
)

// rawPeer 是直接读写帧的对端，用于检查线上实际出现的信封。
type rawPeer struct {
	nc   net.Conn
	envs chan *wire.Envelope
	err  chan error
}

func newRawPeer(nc net.Conn) *rawPeer {
	p := &rawPeer{nc: nc, envs: make(chan *wire.Envelope, 64), err: make(chan error, 1)}
	go func() {
		codec := wire.NewCodec(nil)
		buf := make([]byte, 4096)
		for {
			n, err := nc.Read(buf)
			if n > 0 {
				codec.Feed(buf[:n])
				for {
					env, derr := codec.Next()
					if derr != nil {
						p.err <- derr
						return
					}
					if env == nil {
						break
					}
					p.envs <- env
				}
			}
			if err != nil {
				p.err <- err
				return
			}
		}
	}()
	return p
}

func (p *rawPeer) send(t *testing.T, env *wire.Envelope) {
	t.Helper()
	b, err := wire.Encode(wire.GobSerializer{}, env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := p.nc.Write(b); err != nil {
		t.Fatalf("raw write: %v", err)
	}
}

func (p *rawPeer) expect(t *testing.T, timeout time.Duration) *wire.Envelope {
	t.Helper()
	select {
	case env := <-p.envs:
		return env
	case <-time.After(timeout):
		t.Fatalf("no envelope within %s", timeout)
		return nil
	}
}

func pipePair(t *testing.T, h Handler) (*Conn, *rawPeer) {
	a, b := net.Pipe()
	c := NewConn(a, h, Options{Name: "test", Timeout: time.Second})
	p := newRawPeer(b)
	t.Cleanup(func() { _ = c.Close(); _ = b.Close() })
	return c, p
}

func connPair(t *testing.T, ha, hb Handler) (*Conn, *Conn) {
	a, b := net.Pipe()
	ca := NewConn(a, ha, Options{Name: "a", Timeout: 2 * time.Second})
	cb := NewConn(b, hb, Options{Name: "b", Timeout: 2 * time.Second})
	t.Cleanup(func() { _ = ca.Close(); _ = cb.Close() })
	return ca, cb
}

func TestRequestCorrelationOutOfOrder(t *testing.T) {
	const n = 40
	double := HandlerFunc(func(_ context.Context, _ *Conn, env *wire.Envelope) (any, error) {
		v := env.Args[0].(int)
		time.Sleep(time.Duration(n-v) * time.Millisecond)
		return v * 2, nil
	})
	client, _ := connPair(t, nil, double)
	futs := make([]*Future[Reply], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futs[i] = client.Request(context.Background(), &wire.Envelope{Command: "double", Args: []any{i}, Ack: true}, 0)
		}()
	}
	wg.Wait()
	for i, f := range futs {
		r, ok := f.Await(3 * time.Second)
		if !ok || r.Err != nil || r.Value != i*2 {
			t.Fatalf("request %d: %#v ok=%v", i, r, ok)
		}
	}
	if client.Pending() != 0 {
		t.Fatalf("pending table not empty: %d", client.Pending())
	}
}

func TestNoAckNeverReplies(t *testing.T) {
	calls := make(chan string, 4)
	h := HandlerFunc(func(_ context.Context, _ *Conn, env *wire.Envelope) (any, error) {
		calls <- env.Command
		if env.Command == "quiet" {
			return nil, ErrNoReply
		}
		return "done", nil
	})
	_, peer := pipePair(t, h)
	peer.send(t, &wire.Envelope{ID: "1", Command: "notify", Ack: false})
	peer.send(t, &wire.Envelope{ID: "2", Command: "quiet", Ack: true})
	peer.send(t, &wire.Envelope{ID: "3", Command: "ping", Ack: true})
	for i := 0; i < 3; i++ {
		<-calls
	}
	env := peer.expect(t, time.Second)
	if !env.IsCallback() || env.ID != "3" || env.Result != "done" {
		t.Fatalf("expected only callback for request 3, got %#v", env)
	}
	select {
	case extra := <-peer.envs:
		t.Fatalf("unexpected envelope on the wire: %#v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoAckRequestResolvesAfterWrite(t *testing.T) {
	c, peer := pipePair(t, nil)
	f := c.Request(context.Background(), &wire.Envelope{Command: "notify", Args: []any{1.5}}, 0)
	r, ok := f.Await(time.Second)
	if !ok || r.Err != nil {
		t.Fatalf("notify future: %#v %v", r, ok)
	}
	env := peer.expect(t, time.Second)
	if env.Ack || env.Command != "notify" {
		t.Fatalf("unexpected envelope %#v", env)
	}
	if c.Pending() != 0 {
		t.Fatalf("fire-and-forget must not register pending")
	}
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	c, peer := pipePair(t, nil)
	futs := make([]*Future[Reply], 10)
	for i := range futs {
		futs[i] = c.Request(context.Background(), &wire.Envelope{Command: "slow", Ack: true}, time.Minute)
		peer.expect(t, time.Second)
	}
	if c.Pending() != 10 {
		t.Fatalf("pending: %d", c.Pending())
	}
	lostCh := make(chan error, 1)
	c.OnClose(func(err error) { lostCh <- err })
	_ = peer.nc.Close()
	for i, f := range futs {
		r, ok := f.Await(time.Second)
		if !ok || !errors.Is(r.Err, ErrConnectionLost) {
			t.Fatalf("future %d: %#v %v", i, r, ok)
		}
	}
	if err := <-lostCh; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("close cause: %v", err)
	}
	if r, _ := c.Request(context.Background(), &wire.Envelope{Command: "x", Ack: true}, 0).Await(time.Second); !errors.Is(r.Err, ErrConnectionLost) {
		t.Fatalf("request on closed conn: %v", r.Err)
	}
	called := false
	c.OnClose(func(error) { called = true })
	if !called {
		t.Fatalf("OnClose after close should run immediately")
	}
}

func TestTimeoutAndLateCallbackDropped(t *testing.T) {
	slow := HandlerFunc(func(_ context.Context, _ *Conn, env *wire.Envelope) (any, error) {
		if env.Command == "slow" {
			time.Sleep(80 * time.Millisecond)
		}
		return env.Command, nil
	})
	client, _ := connPair(t, nil, slow)
	r, _ := client.Request(context.Background(), &wire.Envelope{Command: "slow", Ack: true}, 10*time.Millisecond).Await(time.Second)
	if !errors.Is(r.Err, ErrTimeout) {
		t.Fatalf("expected timeout, got %#v", r)
	}
	time.Sleep(120 * time.Millisecond)
	r, _ = client.Request(context.Background(), &wire.Envelope{Command: "fast", Ack: true}, 0).Await(time.Second)
	if r.Err != nil || r.Value != "fast" {
		t.Fatalf("connection unusable after late callback: %#v", r)
	}
	select {
	case <-client.Done():
		t.Fatalf("late callback must not close the connection")
	default:
	}
}

func TestContextCancelDoesNotRetract(t *testing.T) {
	ran := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, _ *Conn, _ *wire.Envelope) (any, error) {
		time.Sleep(30 * time.Millisecond)
		close(ran)
		return 1, nil
	})
	client, _ := connPair(t, nil, h)
	ctx, cancel := context.WithCancel(context.Background())
	f := client.Request(ctx, &wire.Envelope{Command: "work", Ack: true}, 0)
	cancel()
	r, _ := f.Await(time.Second)
	if !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("expected canceled, got %#v", r)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("remote handler should still run")
	}
}

type codedErr struct{}

func (codedErr) Error() string { return "bad input" }
func (codedErr) Code() string  { return "test_bad_input" }

var errBadInput = errors.New("bad input sentinel")

func TestRemoteErrorsKeepIdentity(t *testing.T) {
	RegisterErrorCode("test_bad_input", errBadInput)
	h := HandlerFunc(func(_ context.Context, _ *Conn, env *wire.Envelope) (any, error) {
		switch env.Command {
		case "coded":
			return nil, codedErr{}
		case "panic":
			panic("kaboom")
		}
		return nil, errors.New("plain")
	})
	client, _ := connPair(t, nil, h)
	r, _ := client.Request(context.Background(), &wire.Envelope{Command: "coded", Ack: true}, 0).Await(time.Second)
	var re *RemoteError
	if !errors.Is(r.Err, errBadInput) || !errors.As(r.Err, &re) || re.Message != "bad input" {
		t.Fatalf("coded error lost identity: %#v", r.Err)
	}
	r, _ = client.Request(context.Background(), &wire.Envelope{Command: "panic", Ack: true}, 0).Await(time.Second)
	if r.Err == nil {
		t.Fatalf("panic should become an error reply")
	}
	r, _ = client.Request(context.Background(), &wire.Envelope{Command: "plain", Ack: true}, 0).Await(time.Second)
	if r.Err == nil || r.Err.Error() != "plain" {
		t.Fatalf("plain error: %#v", r.Err)
	}
}

func TestDuplicateRequestIDIsFatal(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := HandlerFunc(func(_ context.Context, _ *Conn, _ *wire.Envelope) (any, error) {
		<-block
		return nil, nil
	})
	c, peer := pipePair(t, h)
	peer.send(t, &wire.Envelope{ID: "7", Command: "a", Ack: true})
	peer.send(t, &wire.Envelope{ID: "7", Command: "b", Ack: true})
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("connection should close on reused request id")
	}
	if !errors.Is(c.Err(), ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", c.Err())
	}
}

func TestFrameErrorFailsPending(t *testing.T) {
	c, peer := pipePair(t, nil)
	f := c.Request(context.Background(), &wire.Envelope{Command: "ping", Ack: true}, time.Minute)
	peer.expect(t, time.Second)
	_, _ = peer.nc.Write([]byte{0x83, 0x00})
	r, ok := f.Await(time.Second)
	if !ok || !errors.Is(r.Err, ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %#v", r)
	}
	if !errors.Is(c.Err(), wire.ErrFrame) {
		t.Fatalf("expected frame error cause, got %v", c.Err())
	}
}

func TestPartialFramesAcrossReads(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, _ *Conn, env *wire.Envelope) (any, error) {
		return env.Args[0], nil
	})
	_, peer := pipePair(t, h)
	var stream []byte
	for i := 0; i < 5; i++ {
		b, _ := wire.Encode(wire.GobSerializer{}, &wire.Envelope{ID: string(rune('a' + i)), Command: "echo", Args: []any{i}, Ack: true})
		stream = append(stream, b...)
	}
	chaos := &testkit.Chaos{MaxChunk: 5}
	for _, part := range chaos.Split(stream) {
		if _, err := peer.nc.Write(part); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	seen := map[string]any{}
	for i := 0; i < 5; i++ {
		env := peer.expect(t, time.Second)
		seen[env.ID] = env.Result
	}
	for i := 0; i < 5; i++ {
		if seen[string(rune('a'+i))] != i {
			t.Fatalf("missing reply %d: %v", i, seen)
		}
	}
}

func TestDrainWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, _ *Conn, _ *wire.Envelope) (any, error) {
		<-release
		return nil, nil
	})
	c, peer := pipePair(t, h)
	peer.send(t, &wire.Envelope{ID: "1", Command: "work", Ack: true})
	peer.send(t, &wire.Envelope{Command: "fire"})
	deadline := time.Now().Add(time.Second)
	for c.Inflight() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Drain(20 * time.Millisecond) {
		t.Fatalf("drain should time out while handlers run")
	}
	close(release)
	if !c.Drain(time.Second) {
		t.Fatalf("drain should succeed after handlers finish")
	}
}

func TestServerAndClient(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", HandlerFunc(func(_ context.Context, _ *Conn, env *wire.Envelope) (any, error) {
		return "pong", nil
	}), Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	cl := NewClient(srv.Addr(), nil, Options{})
	v, err := Get(context.Background(), cl.Request(context.Background(), &wire.Envelope{Command: "ping", Ack: true}, 0))
	if err != nil || v != "pong" {
		t.Fatalf("ping: %v %v", v, err)
	}
	c1, _ := cl.Conn(context.Background())
	c2, _ := cl.Conn(context.Background())
	if c1 != c2 {
		t.Fatalf("client must reuse its single connection")
	}
	deadline := time.Now().Add(time.Second)
	for srv.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if srv.Len() != 1 {
		t.Fatalf("server conns: %d", srv.Len())
	}
	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	select {
	case <-c1.Done():
	case <-time.After(time.Second):
		t.Fatalf("client conn should observe server close")
	}
	_ = cl.Close()
}

func TestClientDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	cl := NewClient(addr, nil, Options{})
	cl.Attempts = 2
	cl.Backoff = ExponentialBackoff(time.Millisecond, time.Millisecond)
	if _, err := Get(context.Background(), cl.Request(context.Background(), &wire.Envelope{Command: "ping", Ack: true}, 0)); err == nil {
		t.Fatalf("expected dial error")
	}
	if err := cl.Close(); err != nil {
		t.Fatalf("close without conn: %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(10*time.Millisecond, 50*time.Millisecond)
	if b(0) != 10*time.Millisecond || b(1) != 20*time.Millisecond || b(5) != 50*time.Millisecond {
		t.Fatalf("unexpected backoff sequence")
	}
	if ExponentialBackoff(0, 0)(0) != 50*time.Millisecond {
		t.Fatalf("unexpected default base")
	}
}
