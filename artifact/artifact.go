// Package artifact implements the single-slot exclusive-merge token
// guarding the run's CumulativeArtifact (current_build.root), the direct
// Go rendition of the original's queue.Queue(maxsize=1) holding the live
// path (spec.md §5, §9).
package artifact

import (
	"context"
	"sync"
	"time"
)

// Token hands out exclusive access to a single path value. Exactly one
// holder may read or write the artifact at a time; Acquire blocks (up to a
// timeout) until the slot is free, and Release returns the (possibly
// updated) path to the slot.
type Token struct {
	slot chan string

	mu                        sync.Mutex
	snapshotNeedsCurrentBuild bool
}

// New returns a Token pre-seeded with path, ready for one Acquire.
func New(path string) *Token {
	t := &Token{slot: make(chan string, 1)}
	t.slot <- path
	return t
}

// Acquire blocks until the token is available or timeout elapses /
// ctx is cancelled, returning the current artifact path and whether
// acquisition succeeded.
func (t *Token) Acquire(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case path := <-t.slot:
		return path, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Release returns path to the slot, making it available to the next
// Acquire. Callers pass back the (possibly unchanged) artifact path.
func (t *Token) Release(path string) {
	t.slot <- path
}

// RequestSnapshotPriority sets the hint flag a merger checks before
// acquiring the token, so an in-flight snapshot request isn't starved by a
// continuous stream of merges (spec.md §5: "_snapshot_needs_current_build").
func (t *Token) RequestSnapshotPriority() {
	t.mu.Lock()
	t.snapshotNeedsCurrentBuild = true
	t.mu.Unlock()
}

// ClearSnapshotPriority clears the hint flag once the snapshotter has
// copied the artifact.
func (t *Token) ClearSnapshotPriority() {
	t.mu.Lock()
	t.snapshotNeedsCurrentBuild = false
	t.mu.Unlock()
}

// SnapshotPending reports whether a snapshotter is currently waiting on the
// token.
func (t *Token) SnapshotPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotNeedsCurrentBuild
}
