package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProbe struct{}

func (failingProbe) MemoryUsedPercent() (float64, error)  { return 0, errors.New("no procfs") }
func (failingProbe) FreeDiskBytes(string) (uint64, error) { return 0, errors.New("no statfs") }

func TestEngine_DiskFullRefusesWrites(t *testing.T) {
	ctx := context.Background()
	opts := getBaseOptsForTest(t)
	probe := &fakeProbe{memUsed: 10, free: 1 << 30}
	opts.ResourceProbe = probe
	opts.MinFreeDiskBytes = 1 << 20
	e := openEngineForTest(t, opts)
	mustCreateCollection(t, e, "c", CollectionOptions{})
	mustWrite(t, e, "c", "1", map[string]any{"v": 1})
	assert.Equal(t, int64(1<<30), e.Metrics().DiskFreeBytes.Value())

	probe.set(10, 1<<10)
	e.checkResources()
	_, err := e.Write(ctx, "c", "2", newDoc(t, map[string]any{"v": 2}))
	require.ErrorIs(t, err, core.ErrDiskFull)
	_, err = e.Delete(ctx, "c", "1", DeleteOptions{})
	require.ErrorIs(t, err, core.ErrDiskFull)
	assert.NotNil(t, mustRead(t, e, "c", "1"), "reads keep working")
	assert.NoError(t, e.Degraded(), "a full disk is not a durability failure")

	probe.set(10, 1<<30)
	e.checkResources()
	mustWrite(t, e, "c", "2", map[string]any{"v": 2})
}

func TestEngine_MemoryThresholds(t *testing.T) {
	ctx := context.Background()
	opts := getBaseOptsForTest(t)
	probe := &fakeProbe{memUsed: 10, free: 1 << 40}
	opts.ResourceProbe = probe
	opts.MemoryPressurePercent = 80
	opts.MemoryHardLimitPercent = 95
	e := openEngineForTest(t, opts)
	mustCreateCollection(t, e, "c", CollectionOptions{})
	for i := 0; i < 40; i++ {
		mustWrite(t, e, "c", fmt.Sprint(i), map[string]any{"n": i})
	}
	require.Equal(t, 40, e.cache.Len())

	probe.set(85, 1<<40)
	e.checkResources()
	assert.Less(t, e.cache.Len(), 40, "pressure shrinks the cache")
	assert.Equal(t, 85.0, e.Metrics().SystemMemUsedPercent.Value())
	mustWrite(t, e, "c", "more", map[string]any{"n": 1})

	probe.set(97, 1<<40)
	e.checkResources()
	_, err := e.Write(ctx, "c", "refused", newDoc(t, map[string]any{"n": 1}))
	require.ErrorIs(t, err, core.ErrOutOfMemory)

	probe.set(50, 1<<40)
	e.checkResources()
	mustWrite(t, e, "c", "accepted", map[string]any{"n": 1})
}

func TestEngine_ProbeFailureKeepsFlags(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.ResourceProbe = failingProbe{}
	opts.MinFreeDiskBytes = 1 << 20
	opts.MemoryHardLimitPercent = 90
	e := openEngineForTest(t, opts)

	mustCreateCollection(t, e, "c", CollectionOptions{})
	e.diskFull.Store(true)
	e.checkResources()
	assert.True(t, e.diskFull.Load())
	e.diskFull.Store(false)
	e.checkResources()
	assert.False(t, e.diskFull.Load())
	mustWrite(t, e, "c", "1", map[string]any{"v": 1})
}

func TestEngine_UnsetThresholdsSkipChecks(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.ResourceProbe = &fakeProbe{memUsed: 99, free: 0}
	e := openEngineForTest(t, opts)

	mustCreateCollection(t, e, "c", CollectionOptions{})
	mustWrite(t, e, "c", "1", map[string]any{"v": 1})
}
