package mailbox

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"deqinarbiter/wire"
)

var (
	// ErrQueueClosed 表示向已关闭的入站队列推送信封。
	ErrQueueClosed = errors.New("mailbox queue closed")
	// ErrQueueFull 表示入站队列已满且策略为拒绝。
	ErrQueueFull = errors.New("mailbox queue full")
)

// Policy 定义入站队列满时的背压策略。
type Policy uint8

const (
	// PolicyBlock 阻塞读循环直到有空间，TCP 窗口随之把背压传回对端。
	PolicyBlock Policy = iota
	// PolicyReject 队列满时返回 ErrQueueFull，连接随之关闭。
	PolicyReject
)

// QueueOptions 配置入站队列。
type QueueOptions struct {
	// Capacity 普通通道每段容量，默认 4096
	Capacity uint64
	// UrgentCapacity 紧急通道每段容量，默认 1024
	UrgentCapacity uint64
	// MaxSegments 每个通道的最大段数，默认 8
	MaxSegments uint64
	// Policy 背压策略，默认 PolicyBlock
	Policy Policy
}

// Queue 是连接读循环与分发循环之间的入站队列。
// callback 走紧急通道，使等待中的请求先于新请求得到处理。
type Queue struct {
	urgent *lane[wire.Envelope]
	normal *lane[wire.Envelope]
	policy Policy
	closed chan struct{}
	notify chan struct{}
	size   atomic.Int64
}

// NewQueue 创建入站队列。
func NewQueue(opts QueueOptions) *Queue {
	if opts.Capacity == 0 {
		opts.Capacity = 4096
	}
	if opts.UrgentCapacity == 0 {
		opts.UrgentCapacity = 1024
	}
	if opts.MaxSegments == 0 {
		opts.MaxSegments = 8
	}
	return &Queue{
		urgent: newLane[wire.Envelope](opts.UrgentCapacity, opts.MaxSegments),
		normal: newLane[wire.Envelope](opts.Capacity, opts.MaxSegments),
		policy: opts.Policy,
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Closed 返回在队列关闭时关闭的通道。
func (q *Queue) Closed() <-chan struct{} { return q.closed }

// Close 关闭队列并唤醒等待者，可重复调用。
func (q *Queue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// Push 按信封类型选择通道入队。
func (q *Queue) Push(env *wire.Envelope) error {
	l := q.normal
	if env.IsCallback() {
		l = q.urgent
	}
	backoff := time.Microsecond
	for {
		select {
		case <-q.closed:
			return ErrQueueClosed
		default:
		}
		if l.push(env) {
			q.size.Add(1)
			select {
			case q.notify <- struct{}{}:
			default:
			}
			return nil
		}
		if q.policy == PolicyReject {
			return ErrQueueFull
		}
		runtime.Gosched()
		time.Sleep(backoff)
		if backoff < 2*time.Millisecond {
			backoff *= 2
		}
	}
}

// Pop 出队一个信封，紧急通道优先。
func (q *Queue) Pop() (*wire.Envelope, bool) {
	if v, ok := q.urgent.pop(); ok {
		q.size.Add(-1)
		return v, true
	}
	if v, ok := q.normal.pop(); ok {
		q.size.Add(-1)
		return v, true
	}
	return nil, false
}

// Len 返回队列中信封的近似数量。
func (q *Queue) Len() int64 { return q.size.Load() }

// Wait 阻塞直到有新信封或队列关闭；关闭时返回 false。
func (q *Queue) Wait() bool {
	select {
	case <-q.notify:
		return true
	case <-q.closed:
		return false
	}
}
