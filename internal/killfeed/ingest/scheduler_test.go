package ingest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/store"
)

func sortedInt64s(in []int64) []int64 {
	out := make([]int64, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestSchedulerOnceSyncsAndSweepsTrackedSet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertTrackedCharacter(ctx, model.TrackedCharacter{EntityID: 2, Name: "Dropped"}))

	sb := newScriptedBackfiller()
	configured := []model.TrackedCharacter{
		{EntityID: 1, Name: "Pilot One"},
		{EntityID: 3, Name: "Pilot Three"},
	}
	scheduler := NewScheduler(s, sb, configured, SchedulerOptions{}, clocktesting.NewFakeClock(testNow))

	require.NoError(t, scheduler.Once(ctx))

	assert.Equal(t, []int64{1, 3}, sortedInt64s(sb.sweptEntities()),
		"a sweep covers exactly the configured set, after synchronization")
	ids, err := s.GetTrackedEntityIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 3: true}, ids)
}

func TestSchedulerOnceCollectsPerEntityErrors(t *testing.T) {
	s := store.NewMemoryStore()
	sb := newScriptedBackfiller()
	sb.errs[2] = errors.New("feed unreachable")
	configured := []model.TrackedCharacter{
		{EntityID: 1, Name: "One"},
		{EntityID: 2, Name: "Two"},
		{EntityID: 3, Name: "Three"},
	}
	scheduler := NewScheduler(s, sb, configured, SchedulerOptions{}, clocktesting.NewFakeClock(testNow))

	err := scheduler.Once(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity 2")
	assert.Contains(t, err.Error(), "feed unreachable")
	assert.Equal(t, []int64{1, 2, 3}, sortedInt64s(sb.sweptEntities()),
		"one entity failing must not cancel the others")
}

func TestSchedulerOnceBoundsConcurrency(t *testing.T) {
	s := store.NewMemoryStore()
	sb := newScriptedBackfiller()
	sb.block = make(chan struct{})
	configured := []model.TrackedCharacter{
		{EntityID: 1, Name: "One"},
		{EntityID: 2, Name: "Two"},
		{EntityID: 3, Name: "Three"},
		{EntityID: 4, Name: "Four"},
	}
	scheduler := NewScheduler(s, sb, configured, SchedulerOptions{MaxConcurrentBackfills: 2}, clocktesting.NewFakeClock(testNow))

	done := make(chan error, 1)
	go func() { done <- scheduler.Once(context.Background()) }()

	require.Eventually(t, func() bool { return sb.currentlyRunning() == 2 },
		time.Second, time.Millisecond, "two sweeps should be in flight")
	assert.Equal(t, 2, sb.peakConcurrency())

	close(sb.block)
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3, 4}, sortedInt64s(sb.sweptEntities()))
	assert.Equal(t, 2, sb.peakConcurrency(), "the limit holds for the whole sweep")
}

func TestSchedulerRunSweepsEachPollInterval(t *testing.T) {
	s := store.NewMemoryStore()
	sb := newScriptedBackfiller()
	clk := clocktesting.NewFakeClock(testNow)
	configured := []model.TrackedCharacter{{EntityID: 1, Name: "One"}}
	scheduler := NewScheduler(s, sb, configured, SchedulerOptions{PollInterval: time.Minute}, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sb.sweptEntities()) == 1 },
		time.Second, time.Millisecond, "first sweep runs immediately")
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)

	clk.Step(time.Minute)
	require.Eventually(t, func() bool { return len(sb.sweptEntities()) == 2 },
		time.Second, time.Millisecond, "next sweep fires after the poll interval")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
