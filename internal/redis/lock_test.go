package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalSlotLockerSerialisesPerKey(t *testing.T) {
	l := NewLocalSlotLocker()

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithSlotLock(context.Background(), "doc|2025-11-07|14:30", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
}

func TestLocalSlotLockerIndependentKeys(t *testing.T) {
	l := NewLocalSlotLocker()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = l.WithSlotLock(context.Background(), "a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan error, 1)
	go func() {
		done <- l.WithSlotLock(context.Background(), "b", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	close(release)
}

func TestLocalSlotLockerPropagatesError(t *testing.T) {
	l := NewLocalSlotLocker()
	want := errors.New("boom")
	if err := l.WithSlotLock(context.Background(), "a", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := l.WithSlotLock(ctx, "a", func(context.Context) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancelled context to skip fn, got err=%v called=%v", err, called)
	}
}
