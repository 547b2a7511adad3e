package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	mu    sync.Mutex
	snaps []RunSnapshot
}

func (r *recordingConsumer) OnStatsUpdate(s RunSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingConsumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestCollectorNotifiesConsumersAtOneHertz(t *testing.T) {
	merged := 0
	var mu sync.Mutex
	source := func() RunSnapshot {
		mu.Lock()
		defer mu.Unlock()
		return RunSnapshot{IDRun: 7, MergedCount: merged}
	}

	c := NewCollector(context.Background(), source)
	defer c.Close()

	consumer := &recordingConsumer{}
	c.AddConsumer(consumer)

	mu.Lock()
	merged = 3
	mu.Unlock()

	deadline := time.After(3 * time.Second)
	for consumer.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for collector ticks")
		case <-time.After(50 * time.Millisecond):
		}
	}

	snap := c.GetSnapshot()
	assert.Equal(t, 7, snap.IDRun)
	assert.Greater(t, snap.MergeRate, 0.0, "MergeRate should be positive after merges were recorded")
}

func TestCollectorCloseStopsSampling(t *testing.T) {
	c := NewCollector(context.Background(), func() RunSnapshot { return RunSnapshot{} })
	require.NoError(t, c.Close())
}
