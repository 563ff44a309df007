package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureCompleteOnce(t *testing.T) {
	f := NewFuture[int]()
	var got []int
	var mu sync.Mutex
	f.OnComplete(func(v int) { mu.Lock(); got = append(got, v); mu.Unlock() })
	if !f.Complete(1) || f.Complete(2) {
		t.Fatalf("complete should succeed exactly once")
	}
	f.OnComplete(func(v int) { mu.Lock(); got = append(got, v); mu.Unlock() })
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 1 {
		t.Fatalf("callbacks: %v", got)
	}
}

func TestFutureAwaitManyReaders(t *testing.T) {
	f := NewFuture[string]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok := f.Await(time.Second); !ok || v != "x" {
				t.Errorf("await: %q %v", v, ok)
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	f.Complete("x")
	wg.Wait()
	if v, ok := f.Await(0); !ok || v != "x" {
		t.Fatalf("await after completion: %q %v", v, ok)
	}
}

func TestFutureTimeoutAndContext(t *testing.T) {
	f := NewFuture[int]()
	if _, ok := f.Await(5 * time.Millisecond); ok {
		t.Fatalf("expected timeout")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestThenAll(t *testing.T) {
	a, b := NewFuture[int](), NewFuture[int]()
	sum := Then(All(a, b), func(vs []int) int { return vs[0] + vs[1] })
	b.Complete(3)
	a.Complete(2)
	if v, ok := sum.Await(time.Second); !ok || v != 5 {
		t.Fatalf("sum: %v %v", v, ok)
	}
	if v, ok := All[int]().Await(time.Second); !ok || v != nil {
		t.Fatalf("empty all: %v %v", v, ok)
	}
}

func TestGetReply(t *testing.T) {
	v, err := Get(context.Background(), Resolved(Reply{Value: "pong"}))
	if err != nil || v != "pong" {
		t.Fatalf("get: %v %v", v, err)
	}
	boom := errors.New("boom")
	if _, err := Get(context.Background(), Resolved(Reply{Err: boom})); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
