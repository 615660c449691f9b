package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

func TestMapBounded_OrderMatchesInput(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	results := MapBounded(context.Background(), items, 8, func(_ context.Context, n int) (string, error) {
		// Randomized latency so completion order differs from input order.
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return fmt.Sprintf("item-%d", n), nil
	})

	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("slot %d: unexpected error %v", i, r.Err)
		}
		if want := fmt.Sprintf("item-%d", i); r.Value != want {
			t.Errorf("slot %d = %q, want %q", i, r.Value, want)
		}
	}
}

func TestMapBounded_ConcurrencyBound(t *testing.T) {
	const limit = 3
	var inFlight, peak int32

	items := make([]int, 30)
	MapBounded(context.Background(), items, limit, func(_ context.Context, _ int) (int, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return 0, nil
	})

	if got := atomic.LoadInt32(&peak); got > limit {
		t.Errorf("peak concurrency = %d, exceeds limit %d", got, limit)
	}
}

func TestMapBounded_IsolatesFailures(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}
	failErr := errors.New("remote failure")

	results := MapBounded(context.Background(), items, 2, func(_ context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, failErr
		}
		return n * 10, nil
	})

	for i, r := range results {
		if i%2 == 1 {
			if !errors.Is(r.Err, failErr) {
				t.Errorf("slot %d: err = %v, want failure marker", i, r.Err)
			}
			continue
		}
		if r.Err != nil || r.Value != i*10 {
			t.Errorf("slot %d = %+v", i, r)
		}
	}
}

func TestMapBounded_CancellationErrorsRemainingSlots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	items := make([]int, 20)
	var started int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		results := MapBounded(ctx, items, 1, func(ctx context.Context, _ int) (int, error) {
			if atomic.AddInt32(&started, 1) == 1 {
				cancel()
			}
			return 1, nil
		})
		for _, r := range results {
			if r.Err == nil && r.Value != 1 {
				panic("slot neither completed nor errored")
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("MapBounded did not return after cancellation")
	}
}

func TestMapBounded_EmptyInput(t *testing.T) {
	results := MapBounded(context.Background(), nil, 4, func(_ context.Context, _ int) (int, error) {
		t.Fatal("fn must not be called")
		return 0, nil
	})
	if len(results) != 0 {
		t.Errorf("got %d results for empty input", len(results))
	}
}

func TestLimiter_WaitReturnsOnCancel(t *testing.T) {
	l := NewLimiter(0.0001, 1)
	// Drain the single burst token.
	if err := l.Wait(context.Background(), "https://example.org/a"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://example.org/b"); err == nil {
		t.Error("expected context error while rate limited")
	}
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	l := NewLimiter(0.0001, 1)
	if err := l.Wait(context.Background(), "https://a.example.org/"); err != nil {
		t.Fatalf("host a: %v", err)
	}
	// A different host has its own bucket and must not block.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx, "https://b.example.org/"); err != nil {
		t.Errorf("host b should not be limited: %v", err)
	}
}
