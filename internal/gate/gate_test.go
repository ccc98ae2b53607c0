package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireWithinCapacity(t *testing.T) {
	g := New(2, time.Second)
	ctx := context.Background()
	t1, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	t2, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	inUse, queued, capacity := g.Snapshot()
	if inUse != 2 || queued != 0 || capacity != 2 {
		t.Fatalf("snapshot = %d/%d cap %d", inUse, queued, capacity)
	}
	t1.Release()
	t2.Release()
	inUse, _, _ = g.Snapshot()
	if inUse != 0 {
		t.Fatalf("inUse after release = %d", inUse)
	}
}

func TestQueueTimeoutReturnsErrBusy(t *testing.T) {
	g := New(1, 50*time.Millisecond)
	ctx := context.Background()
	held, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	start := time.Now()
	_, err = g.Acquire(ctx)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("timed out too early: %v", elapsed)
	}
	_, queued, _ := g.Snapshot()
	if queued != 0 {
		t.Fatalf("queued after timeout = %d", queued)
	}
}

func TestFIFOOrder(t *testing.T) {
	g := New(1, time.Second)
	ctx := context.Background()
	held, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const waiters = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := g.Acquire(ctx)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			tk.Release()
		}()
		// Wait for this waiter to enqueue before the next arrives.
		for {
			_, queued, _ := g.Snapshot()
			if queued > i {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	// All five are queued in arrival order; releasing drains them FIFO.
	held.Release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("admission order = %v, want arrival order", order)
		}
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New(1, time.Second)
	tk, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	tk.Release()
	tk.Release()
	tk.Release()
	inUse, _, _ := g.Snapshot()
	if inUse != 0 {
		t.Fatalf("inUse = %d after repeated release, want 0", inUse)
	}
	// The slot is still usable exactly once at a time.
	tk2, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	tk2.Release()
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	g := New(1, time.Second)
	held, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx)
		errc <- err
	}()
	for {
		_, queued, _ := g.Snapshot()
		if queued == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	_, queued, _ := g.Snapshot()
	if queued != 0 {
		t.Fatalf("queued = %d after cancel, want 0", queued)
	}
}

func TestSlotConservedUnderChurn(t *testing.T) {
	g := New(3, 200*time.Millisecond)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := g.Acquire(ctx)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			tk.Release()
			tk.Release()
		}()
	}
	wg.Wait()
	inUse, queued, _ := g.Snapshot()
	if inUse != 0 || queued != 0 {
		t.Fatalf("after churn inUse=%d queued=%d, want zeros", inUse, queued)
	}
}
