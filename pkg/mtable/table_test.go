package mtable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hesham-youssef/flashmt/pkg/blockdev"
	"github.com/hesham-youssef/flashmt/pkg/mtable"
)

const (
	testBlockSize     = 64
	testSegmentSize   = 4 * testBlockSize
	testTotalSize     = 4 * testSegmentSize
	testNPageMappings = 10
	testCacheCapacity = 8
)

func newDevice(t *testing.T) *blockdev.MemDevice {
	t.Helper()

	dev, err := blockdev.NewMemDevice(testTotalSize, testSegmentSize, testBlockSize)
	require.NoError(t, err)

	return dev
}

func baseConfig(dev blockdev.Device, create bool) mtable.Config {
	return mtable.Config{
		Device:        dev,
		NPageMappings: testNPageMappings,
		BlockSize:     testBlockSize,
		CacheCapacity: testCacheCapacity,
		Create:        create,
	}
}

func TestOpen_Create_StartsWithNoMappings(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	table, err := mtable.Open(baseConfig(dev, true))
	require.NoError(t, err)
	defer table.Close()

	_, ok, err := table.Lookup(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTable_UpdateThenLookup_RoundTrips(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	table, err := mtable.Open(baseConfig(dev, true))
	require.NoError(t, err)
	defer table.Close()

	logicals := []uint64{0, 1, 6, 7, 8, 9}

	for i, logical := range logicals {
		require.NoError(t, table.Update(logical, 1000+uint64(i)))
	}

	for i, logical := range logicals {
		got, ok, err := table.Lookup(logical)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1000+uint64(i), got)
	}
}

func TestTable_Update_OverwritesExistingMapping(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	table, err := mtable.Open(baseConfig(dev, true))
	require.NoError(t, err)
	defer table.Close()

	require.NoError(t, table.Update(5, 111))
	require.NoError(t, table.Update(5, 222))

	got, ok, err := table.Lookup(5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(222), got)
}

func TestTable_Update_OutOfRange(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	table, err := mtable.Open(baseConfig(dev, true))
	require.NoError(t, err)
	defer table.Close()

	err = table.Update(testNPageMappings, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, mtable.ErrOutOfRange)
}

func TestTable_Lookup_OutOfRange(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	table, err := mtable.Open(baseConfig(dev, true))
	require.NoError(t, err)
	defer table.Close()

	_, _, err = table.Lookup(testNPageMappings + 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, mtable.ErrOutOfRange)
}

func TestTable_EvictionAcrossManyLeaves_RoundTrips(t *testing.T) {
	t.Parallel()

	// Twice the usual device size: the log needs room for seven live
	// leaves plus the per-segment seg_meta and checkpoint roots.
	dev, err := blockdev.NewMemDevice(2*testTotalSize, testSegmentSize, testBlockSize)
	require.NoError(t, err)
	defer dev.Close()

	// All 49 logicals of the padded range are in bounds, so every one of
	// the 7 leaves is reachable; the geometry is the same as for 10.
	cfg := baseConfig(dev, true)
	cfg.NPageMappings = 49

	table, err := mtable.Open(cfg)
	require.NoError(t, err)
	defer table.Close()

	// Writer cache capacity is 4 (see TestConfig_Geometry_ComputesFanoutAndCacheSplit),
	// so touching all 7 leaves of the padded range forces eviction and
	// reacquisition from storage mid-sequence.
	for leaf := uint64(0); leaf < 7; leaf++ {
		logical := leaf * 7
		require.NoError(t, table.Update(logical, 2000+leaf))
	}

	for leaf := uint64(0); leaf < 7; leaf++ {
		logical := leaf * 7
		got, ok, err := table.Lookup(logical)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2000+leaf, got)
	}
}

func TestTable_CloseThenReopen_PersistsMappings(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	table, err := mtable.Open(baseConfig(dev, true))
	require.NoError(t, err)

	require.NoError(t, table.Update(0, 500))
	require.NoError(t, table.Update(9, 700))
	require.NoError(t, table.Close())

	reopened, err := mtable.Open(baseConfig(dev, false))
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Lookup(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(500), got)

	got, ok, err = reopened.Lookup(9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(700), got)
}

func TestOpen_Reopen_RejectsGeometryMismatch(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	table, err := mtable.Open(baseConfig(dev, true))
	require.NoError(t, err)
	require.NoError(t, table.Close())

	cfg := baseConfig(dev, false)
	cfg.NPageMappings = testNPageMappings + 1

	_, err = mtable.Open(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, mtable.ErrGeometryMismatch)
}

func TestOpen_RejectsMissingDeviceAndPath(t *testing.T) {
	t.Parallel()

	_, err := mtable.Open(mtable.Config{NPageMappings: testNPageMappings, BlockSize: testBlockSize, CacheCapacity: testCacheCapacity, Create: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, mtable.ErrInvalidConfig)
}

func TestOpen_RejectsBlockSizeDisagreeingWithDeviceGranularity(t *testing.T) {
	t.Parallel()

	dev := newDevice(t)
	defer dev.Close()

	cfg := baseConfig(dev, true)
	cfg.BlockSize = 32

	_, err := mtable.Open(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, mtable.ErrInvalidConfig)
}
