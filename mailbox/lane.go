package mailbox

import "sync/atomic"

// slot 是环中的一个槽位，seq 协调生产者与消费者对该槽的访问权。
type slot[T any] struct {
	seq atomic.Uint64
	val atomic.Pointer[T]
}

// ring 是有界无锁 MPMC 环（Vyukov 算法），容量为 2 的幂。
type ring[T any] struct {
	mask  uint64
	slots []slot[T]
	head  atomic.Uint64
	tail  atomic.Uint64
}

func newRing[T any](capacity uint64) *ring[T] {
	n := uint64(2)
	for n < capacity {
		n <<= 1
	}
	r := &ring[T]{mask: n - 1, slots: make([]slot[T], n)}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

func (r *ring[T]) push(v *T) bool {
	for {
		pos := r.tail.Load()
		s := &r.slots[pos&r.mask]
		switch d := int64(s.seq.Load()) - int64(pos); {
		case d == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				s.val.Store(v)
				s.seq.Store(pos + 1)
				return true
			}
		case d < 0:
			return false
		}
	}
}

func (r *ring[T]) pop() (*T, bool) {
	for {
		pos := r.head.Load()
		s := &r.slots[pos&r.mask]
		switch d := int64(s.seq.Load()) - int64(pos+1); {
		case d == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				v := s.val.Swap(nil)
				s.seq.Store(pos + r.mask + 1)
				return v, true
			}
		case d < 0:
			return nil, false
		}
	}
}

// chunk 是 lane 中链接在一起的一个环。
type chunk[T any] struct {
	r    *ring[T]
	next atomic.Pointer[chunk[T]]
}

// lane 是按需增长的无锁队列：当前环写满时追加新环，直到 maxChunks 个。
// 只允许单个生产者；一旦追加了新环，旧环不再接收写入。
type lane[T any] struct {
	head      atomic.Pointer[chunk[T]]
	tail      atomic.Pointer[chunk[T]]
	chunkCap  uint64
	chunks    atomic.Uint64
	maxChunks uint64
}

func newLane[T any](chunkCap, maxChunks uint64) *lane[T] {
	if maxChunks == 0 {
		maxChunks = 1
	}
	c := &chunk[T]{r: newRing[T](chunkCap)}
	l := &lane[T]{chunkCap: chunkCap, maxChunks: maxChunks}
	l.head.Store(c)
	l.tail.Store(c)
	l.chunks.Store(1)
	return l
}

func (l *lane[T]) push(v *T) bool {
	for {
		t := l.tail.Load()
		if next := t.next.Load(); next != nil {
			l.tail.CompareAndSwap(t, next)
			continue
		}
		if t.r.push(v) {
			return true
		}
		if l.chunks.Load() >= l.maxChunks {
			return false
		}
		if t.next.CompareAndSwap(nil, &chunk[T]{r: newRing[T](l.chunkCap)}) {
			l.chunks.Add(1)
		}
	}
}

func (l *lane[T]) pop() (*T, bool) {
	for {
		h := l.head.Load()
		if v, ok := h.r.pop(); ok {
			return v, true
		}
		next := h.next.Load()
		if next == nil {
			return nil, false
		}
		if l.head.CompareAndSwap(h, next) {
			l.chunks.Add(^uint64(0))
		}
	}
}
