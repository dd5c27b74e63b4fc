package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_CompactReclaimsGarbage(t *testing.T) {
	ctx := context.Background()
	opts := getBaseOptsForTest(t)
	opts.CompactionGarbageRatio = 0.5
	e := openEngineForTest(t, opts)
	mustCreateCollection(t, e, "hot", CollectionOptions{})
	mustCreateCollection(t, e, "cold", CollectionOptions{})
	for round := 0; round < 5; round++ {
		for i := 0; i < 10; i++ {
			mustWrite(t, e, "hot", fmt.Sprint(i), map[string]any{"round": round})
		}
	}
	mustWrite(t, e, "cold", "1", map[string]any{"v": 1})

	var compactions atomic.Int32
	e.HookManager().Register(hooks.EventPostCompaction, hooks.Listen{Fn: func(context.Context, hooks.HookEvent) error {
		compactions.Add(1)
		return nil
	}})

	before, err := e.CollectionStats("hot")
	require.NoError(t, err)
	require.Greater(t, before.GarbageRatio, 0.5)

	results, err := e.Compact(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	byName := map[string]bool{}
	for _, r := range results {
		byName[r.Collection] = r.Skipped
	}
	assert.True(t, byName["cold"], "cold collection is below the threshold")
	assert.False(t, byName["hot"])
	assert.Equal(t, int64(1), e.Metrics().CompactionTotal.Value())
	assert.Equal(t, int32(1), compactions.Load())

	after, err := e.CollectionStats("hot")
	require.NoError(t, err)
	assert.Less(t, after.FileBytes, before.FileBytes)
	assert.Equal(t, 10, after.Live)
	assert.Equal(t, "4", fieldString(t, mustRead(t, e, "hot", "7"), "round"))

	_, err = e.Compact(ctx, true, "cold")
	require.NoError(t, err)
	_, err = e.Compact(ctx, true, "missing")
	require.ErrorIs(t, err, core.ErrCollectionNotFound)
}

func TestServiceManager_CheckpointLoop(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.CheckpointInterval = 20 * time.Millisecond
	e := openEngineForTest(t, opts)
	mustCreateCollection(t, e, "c", CollectionOptions{})
	seq := mustWrite(t, e, "c", "1", map[string]any{"v": 1})

	require.Eventually(t, func() bool {
		e.checkpointMu.Lock()
		defer e.checkpointMu.Unlock()
		return e.lastCheckpoint.AppliedSeq >= seq
	}, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, e.Metrics().CheckpointsTotal.Value())
}

func TestServiceManager_TTLSweepLoop(t *testing.T) {
	opts := getBaseOptsForTest(t)
	clock := core.NewMockClock(testEpoch)
	opts.Clock = clock
	opts.TTLSweepInterval = 20 * time.Millisecond
	e := openEngineForTest(t, opts)
	mustCreateCollection(t, e, "sessions", CollectionOptions{DocumentTTL: time.Minute})
	mustWrite(t, e, "sessions", "s1", map[string]any{"v": 1})

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		count, err := e.store.Count("sessions")
		return err == nil && count == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceManager_ResourceMonitorLoop(t *testing.T) {
	opts := getBaseOptsForTest(t)
	probe := &fakeProbe{memUsed: 10, free: 1 << 30}
	opts.ResourceProbe = probe
	opts.MinFreeDiskBytes = 1 << 20
	opts.ResourceCheckInterval = 20 * time.Millisecond
	e := openEngineForTest(t, opts)
	mustCreateCollection(t, e, "c", CollectionOptions{})

	probe.set(10, 0)
	require.Eventually(t, func() bool {
		_, err := e.Write(context.Background(), "c", "1", newDoc(t, map[string]any{"v": 1}))
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	probe.set(10, 1<<30)
	require.Eventually(t, func() bool {
		_, err := e.Write(context.Background(), "c", "1", newDoc(t, map[string]any{"v": 1}))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceManager_StopIsIdempotent(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.CheckpointInterval = time.Hour
	opts.CompactionInterval = time.Hour
	e := openEngineForTest(t, opts)

	e.serviceManager.Stop()
	e.serviceManager.Stop()
	require.NoError(t, e.Close())
}
