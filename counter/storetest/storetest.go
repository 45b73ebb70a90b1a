// Package storetest is a conformance suite for counter.Store implementations.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-apps-go/counter"
)

// StoreFactory creates a new, empty Store for one subtest.
type StoreFactory func(t *testing.T) counter.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("StartsAtZero", func(t *testing.T) { testStartsAtZero(t, factory) })
	t.Run("AddReturnsNewValue", func(t *testing.T) { testAddReturnsNewValue(t, factory) })
	t.Run("ResetReturnsToZero", func(t *testing.T) { testReset(t, factory) })
	t.Run("ConcurrentAddsAreAtomic", func(t *testing.T) { testConcurrentAdds(t, factory) })
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testStartsAtZero(t *testing.T, factory StoreFactory) {
	s := factory(t)
	v, err := s.Get(testContext(t))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 0 {
		t.Fatalf("initial value = %d, want 0", v)
	}
}

func testAddReturnsNewValue(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	for _, step := range []struct{ delta, want int64 }{{5, 5}, {1, 6}, {-10, -4}} {
		v, err := s.Add(ctx, step.delta)
		if err != nil {
			t.Fatalf("Add(%d): %v", step.delta, err)
		}
		if v != step.want {
			t.Fatalf("Add(%d) = %d, want %d", step.delta, v, step.want)
		}
	}
	if v, _ := s.Get(ctx); v != -4 {
		t.Fatalf("Get after adds = %d, want -4", v)
	}
}

func testReset(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	if _, err := s.Add(ctx, 42); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if v, _ := s.Get(ctx); v != 0 {
		t.Fatalf("Get after reset = %d", v)
	}
	if v, _ := s.Add(ctx, 1); v != 1 {
		t.Fatalf("Add after reset = %d", v)
	}
}

func testConcurrentAdds(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	const n = 50
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Add(ctx, 1)
			if err != nil {
				t.Errorf("Add: %v", err)
				return
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	// Every caller observes a distinct intermediate value.
	unique := make(map[int64]bool)
	for v := range seen {
		if unique[v] {
			t.Fatalf("value %d returned twice", v)
		}
		unique[v] = true
	}
	if v, _ := s.Get(ctx); v != n {
		t.Fatalf("final value = %d, want %d", v, n)
	}
}
