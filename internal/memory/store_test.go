package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_GetOrCreateReturnsSameMemory(t *testing.T) {
	r := NewRegistry(func() string { return "sys" }, 100)
	ctx := context.Background()
	m1, release, err := r.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m1.AddUser("hello")
	release()
	release() // idempotent

	m2, release2, err := r.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release2()
	if m1 != m2 {
		t.Fatalf("expected the same memory for the same id")
	}
	if got := m2.BuildPrompt(""); got[0].Content != "sys" || len(got) != 2 {
		t.Fatalf("unexpected prompt %+v", got)
	}
}

func TestRegistry_SameKeySerialized(t *testing.T) {
	r := NewRegistry(nil, 0)
	ctx := context.Background()
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, release, err := r.Acquire(ctx, "same")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			m.AddUser("x")
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	if maxInFlight != 1 {
		t.Fatalf("expected at most one holder per key, saw %d", maxInFlight)
	}
	m, _ := r.Peek("same")
	if len(m.History()) != 8 {
		t.Fatalf("expected 8 messages, got %d", len(m.History()))
	}
}

func TestRegistry_DifferentKeysDoNotContend(t *testing.T) {
	r := NewRegistry(nil, 0)
	ctx := context.Background()
	_, releaseA, err := r.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		_, releaseB, err := r.Acquire(ctx, "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("acquire on a different key blocked")
	}
}

func TestRegistry_AcquireHonorsContext(t *testing.T) {
	r := NewRegistry(nil, 0)
	_, release, err := r.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := r.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistry_EvictAndClose(t *testing.T) {
	r := NewRegistry(nil, 0)
	m1, release, _ := r.Acquire(context.Background(), "k")
	release()
	if !r.Evict("k") {
		t.Fatalf("expected evict to report existing key")
	}
	if r.Evict("k") {
		t.Fatalf("second evict must report missing key")
	}
	m2, release2, _ := r.Acquire(context.Background(), "k")
	release2()
	if m1 == m2 {
		t.Fatalf("expected a fresh memory after evict")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 live conversation, got %d", r.Len())
	}
	r.Close()
	if _, _, err := r.Acquire(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
