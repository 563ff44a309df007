package actor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Metrics 统计 supervision 与邮箱的运行时指标，以 Prometheus 文本格式暴露。
// 它实现 mailbox.Observer，挂在 arbiter 的全部连接上。
type Metrics struct {
	startedAt atomic.Int64

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	requests  atomic.Uint64
	failures  atomic.Uint64

	spawned    atomic.Uint64
	spawnFails atomic.Uint64
	stalls     atomic.Uint64
	kills      atomic.Uint64
	closed     atomic.Uint64

	latBuckets []time.Duration
	latCounts  []atomic.Uint64
	latSumNS   atomic.Uint64
}

// NewMetrics 创建指标收集器。延迟桶覆盖 100 微秒到 5 秒的跨连接请求。
func NewMetrics() *Metrics {
	b := []time.Duration{
		100 * time.Microsecond,
		500 * time.Microsecond,
		1 * time.Millisecond,
		5 * time.Millisecond,
		10 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		5 * time.Second,
	}
	m := &Metrics{latBuckets: b, latCounts: make([]atomic.Uint64, len(b)+1)}
	m.startedAt.Store(time.Now().Unix())
	return m
}

// FrameIn 实现 mailbox.Observer。
func (m *Metrics) FrameIn() { m.framesIn.Add(1) }

// FrameOut 实现 mailbox.Observer。
func (m *Metrics) FrameOut() { m.framesOut.Add(1) }

// RequestDone 实现 mailbox.Observer。
func (m *Metrics) RequestDone(d time.Duration, err error) {
	m.requests.Add(1)
	if err != nil {
		m.failures.Add(1)
	}
	if d < 0 {
		return
	}
	m.latSumNS.Add(uint64(d.Nanoseconds()))
	i := sort.Search(len(m.latBuckets), func(i int) bool { return d <= m.latBuckets[i] })
	m.latCounts[i].Add(1)
}

func (m *Metrics) incSpawned()   { m.spawned.Add(1) }
func (m *Metrics) incSpawnFail() { m.spawnFails.Add(1) }
func (m *Metrics) incStall()     { m.stalls.Add(1) }
func (m *Metrics) incKill()      { m.kills.Add(1) }
func (m *Metrics) incClosed()    { m.closed.Add(1) }

// Gauges 是写指标时由 arbiter 循环提供的瞬时值。
type Gauges struct {
	Monitors int
	States   map[State]int
}

// WriteTo 以 Prometheus 文本格式写出指标。
func (m *Metrics) WriteTo(w io.Writer, g Gauges) {
	counter := func(name string, v uint64) {
		_, _ = fmt.Fprintln(w, "# TYPE deqinarbiter_"+name+" counter")
		_, _ = fmt.Fprintln(w, "deqinarbiter_"+name, v)
	}
	counter("frames_in_total", m.framesIn.Load())
	counter("frames_out_total", m.framesOut.Load())
	counter("requests_total", m.requests.Load())
	counter("request_failures_total", m.failures.Load())
	counter("spawned_total", m.spawned.Load())
	counter("spawn_failures_total", m.spawnFails.Load())
	counter("heartbeat_stalls_total", m.stalls.Load())
	counter("kills_total", m.kills.Load())
	counter("closed_total", m.closed.Load())

	_, _ = fmt.Fprintln(w, "# TYPE deqinarbiter_monitors gauge")
	_, _ = fmt.Fprintln(w, "deqinarbiter_monitors", g.Monitors)
	_, _ = fmt.Fprintln(w, "# TYPE deqinarbiter_actors gauge")
	for s := Spawning; s <= Closed; s++ {
		_, _ = fmt.Fprintf(w, "deqinarbiter_actors{state=%q} %d\n", s.String(), g.States[s])
	}

	_, _ = fmt.Fprintln(w, "# TYPE deqinarbiter_request_seconds histogram")
	var cum uint64
	for i, b := range m.latBuckets {
		cum += m.latCounts[i].Load()
		_, _ = fmt.Fprintln(w, "deqinarbiter_request_seconds_bucket{le=\""+strconv.FormatFloat(b.Seconds(), 'f', -1, 64)+"\"}", cum)
	}
	cum += m.latCounts[len(m.latBuckets)].Load()
	_, _ = fmt.Fprintln(w, "deqinarbiter_request_seconds_bucket{le=\"+Inf\"}", cum)
	_, _ = fmt.Fprintln(w, "deqinarbiter_request_seconds_sum", float64(m.latSumNS.Load())/1e9)
	_, _ = fmt.Fprintln(w, "deqinarbiter_request_seconds_count", cum)

	_, _ = fmt.Fprintln(w, "# TYPE deqinarbiter_uptime_seconds gauge")
	_, _ = fmt.Fprintln(w, "deqinarbiter_uptime_seconds", time.Since(time.Unix(m.startedAt.Load(), 0)).Seconds())
}

// serveMetrics 在 addr 上提供 /metrics，直到 ctx 结束。
func (a *Arbiter) serveMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		var g Gauges
		if err := a.call(func() { g = a.gauges() }); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		a.metrics.WriteTo(w, g)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
