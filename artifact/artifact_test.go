package artifact

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	tok := New("/run/current_build.root")
	ctx := context.Background()

	path, ok := tok.Acquire(ctx, time.Second)
	if !ok {
		t.Fatal("expected Acquire to succeed")
	}
	if path != "/run/current_build.root" {
		t.Errorf("path = %q, want /run/current_build.root", path)
	}
	tok.Release(path)

	path2, ok := tok.Acquire(ctx, time.Second)
	if !ok || path2 != path {
		t.Errorf("second Acquire = %q, %v; want %q, true", path2, ok, path)
	}
	tok.Release(path2)
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	tok := New("/run/current_build.root")
	ctx := context.Background()

	held, ok := tok.Acquire(ctx, time.Second)
	if !ok {
		t.Fatal("expected first Acquire to succeed")
	}

	start := time.Now()
	_, ok = tok.Acquire(ctx, 50*time.Millisecond)
	if ok {
		t.Fatal("expected second Acquire to time out while token is held")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}

	tok.Release(held)
}

func TestOnlyOneHolderAtATime(t *testing.T) {
	tok := New("path")
	var active int32
	var mu sync.Mutex
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			path, ok := tok.Acquire(ctx, 2*time.Second)
			if !ok {
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			tok.Release(path)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
}

func TestSnapshotPriorityHint(t *testing.T) {
	tok := New("path")
	if tok.SnapshotPending() {
		t.Fatal("expected no snapshot pending initially")
	}
	tok.RequestSnapshotPriority()
	if !tok.SnapshotPending() {
		t.Error("expected snapshot pending after RequestSnapshotPriority")
	}
	tok.ClearSnapshotPriority()
	if tok.SnapshotPending() {
		t.Error("expected snapshot not pending after ClearSnapshotPriority")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	tok := New("path")
	_, _ = tok.Acquire(context.Background(), time.Second) // drain the token

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, ok := tok.Acquire(ctx, 5*time.Second)
	if ok {
		t.Fatal("expected cancellation to fail Acquire")
	}
}
