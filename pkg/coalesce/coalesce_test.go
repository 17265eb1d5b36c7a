package coalesce

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []struct {
		key   string
		value int
	}
}

func (r *recorder) flush(key string, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		key   string
		value int
	}{key, value})
}

func (r *recorder) snapshot() []struct {
	key   string
	value int
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]struct {
		key   string
		value int
	}, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestBurstCollapsesToSingleFlushWithLastValue(t *testing.T) {
	rec := &recorder{}
	c := New[string, int](20*time.Millisecond, 0, rec.flush)
	defer c.Close()

	for i := 1; i <= 50; i++ {
		c.Put("run-1", i)
	}

	time.Sleep(100 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("flush calls = %d, want exactly 1", len(calls))
	}
	if calls[0].key != "run-1" || calls[0].value != 50 {
		t.Errorf("flushed (%s, %d), want (run-1, 50)", calls[0].key, calls[0].value)
	}
}

func TestIndependentKeysFlushIndependently(t *testing.T) {
	rec := &recorder{}
	c := New[string, int](15*time.Millisecond, 0, rec.flush)
	defer c.Close()

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	time.Sleep(80 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 3 {
		t.Fatalf("flush calls = %d, want 3", len(calls))
	}
	seen := map[string]int{}
	for _, call := range calls {
		seen[call.key] = call.value
	}
	if seen["a"] != 1 || seen["b"] != 2 || seen["c"] != 3 {
		t.Errorf("unexpected flushes: %v", seen)
	}
}

func TestPutRestartsQuietWindow(t *testing.T) {
	rec := &recorder{}
	c := New[string, int](50*time.Millisecond, 0, rec.flush)
	defer c.Close()

	c.Put("x", 1)
	time.Sleep(30 * time.Millisecond)
	c.Put("x", 2) // still inside the window: restart it

	time.Sleep(30 * time.Millisecond)
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("flushed before the restarted window elapsed: %v", calls)
	}

	time.Sleep(60 * time.Millisecond)
	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].value != 2 {
		t.Fatalf("flush calls = %v, want single flush of 2", calls)
	}
}

func TestCancelDropsWithoutFlushing(t *testing.T) {
	rec := &recorder{}
	c := New[string, int](20*time.Millisecond, 0, rec.flush)
	defer c.Close()

	c.Put("doomed", 9)
	c.Cancel("doomed")

	time.Sleep(60 * time.Millisecond)
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("cancelled entry was flushed: %v", calls)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

func TestCloseDropsPendingAndRejectsNewPuts(t *testing.T) {
	rec := &recorder{}
	c := New[string, int](20*time.Millisecond, 0, rec.flush)

	c.Put("a", 1)
	c.Close()
	c.Put("b", 2)

	time.Sleep(60 * time.Millisecond)
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("closed coalescer flushed: %v", calls)
	}
}

func TestBoundedBufferFlushesEarliestEarly(t *testing.T) {
	rec := &recorder{}
	c := New[string, int](time.Hour, 2, rec.flush) // window never elapses in-test
	defer c.Close()

	c.Put("first", 1)
	time.Sleep(time.Millisecond)
	c.Put("second", 2)
	time.Sleep(time.Millisecond)
	c.Put("third", 3) // exceeds bound, evicts "first"

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].key != "first" {
		t.Fatalf("expected early flush of the oldest key, got %v", calls)
	}
	if c.Pending() != 2 {
		t.Errorf("pending = %d, want 2", c.Pending())
	}
}
