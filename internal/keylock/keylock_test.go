package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLock_SerializesSameKey(t *testing.T) {
	var m Map
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "cars")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxInside)
				if n <= old || atomic.CompareAndSwapInt32(&maxInside, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("max concurrent holders=%d, want 1", maxInside)
	}
	if m.Len() != 0 {
		t.Fatalf("Len()=%d after all unlocks, want 0", m.Len())
	}
}

func TestLock_DistinctKeysDoNotBlock(t *testing.T) {
	var m Map

	unlockA, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock(a): %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) blocked by a: %v", err)
	}
	unlockB()
}

func TestLock_ContextExpiry(t *testing.T) {
	var m Map

	unlock, err := m.Lock(context.Background(), "cars")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "cars"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want DeadlineExceeded", err)
	}

	unlock()
	unlock() // second call is a no-op
	if m.Len() != 0 {
		t.Fatalf("Len()=%d, want 0", m.Len())
	}
}
