package lss_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hesham-youssef/flashmt/internal/format"
	"github.com/hesham-youssef/flashmt/pkg/blockdev"
	"github.com/hesham-youssef/flashmt/pkg/lss"
	"github.com/hesham-youssef/flashmt/pkg/mtpc"
)

const (
	testBlockSize   = 64
	testSegmentSize = 4 * testBlockSize
	testTotalSize   = 4 * testSegmentSize
	testFanout      = (testBlockSize - format.HeaderSize) / format.MTEntrySize // 7
	testPadded      = testFanout * testFanout                                 // 49: root + one level of 7-wide leaves
)

// fakeTable is a minimal lss.Table for exercising the store without
// pkg/mtable: a fixed 2-level tree (root + leaves), geometry matching
// testBlockSize/testFanout/testPadded above.
type fakeTable struct {
	root   []byte
	writer *mtpc.Cache
}

func (t *fakeTable) Root() []byte             { return t.root }
func (t *fakeTable) Fanout() uint32           { return testFanout }
func (t *fakeTable) PaddedRange() uint64      { return testPadded }
func (t *fakeTable) BlockSize() uint32        { return testBlockSize }
func (t *fakeTable) NPageMappings() uint32    { return 10 }
func (t *fakeTable) WriterCache() *mtpc.Cache { return t.writer }

func newRoot() []byte {
	root := make([]byte, testBlockSize)
	for i := range root {
		root[i] = 0xFF
	}

	_ = format.EncodeHeader(format.Header{Type: format.BlockMT, Level: 0, LogicalAddress: 0}, root)

	return root
}

// harness wires a fresh device, table, writer/reader caches, and store
// together the way pkg/mtable's Open will.
func harness(t *testing.T) (*lss.Store, *fakeTable, *mtpc.Cache) {
	t.Helper()

	store, table, writer, _ := harnessOverDevice(t, nil)

	return store, table, writer
}

// harnessOverDevice wires a store/table/caches over dev (creating a fresh
// MemDevice if dev is nil), returning the device too so a test can reopen
// the same backing media a second time to exercise recovery.
func harnessOverDevice(t *testing.T, dev blockdev.Device) (*lss.Store, *fakeTable, *mtpc.Cache, blockdev.Device) {
	t.Helper()

	if dev == nil {
		var err error

		dev, err = blockdev.NewMemDevice(testTotalSize, testSegmentSize, testBlockSize)
		require.NoError(t, err)

		t.Cleanup(func() { _ = dev.Close() })
	}

	table := &fakeTable{root: newRoot()}

	store := lss.New(dev)
	writer := mtpc.New(4, testBlockSize, testFanout, testPadded, table.root, store, nil)
	reader := mtpc.New(2, testBlockSize, testFanout, testPadded, table.root, store, writer)
	table.writer = writer

	store.Bind(table, reader)

	return store, table, writer, dev
}

// setLeaf creates (or reuses) the leaf page covering logical and writes
// physical into its slot, flushing and unpinning before returning —
// mirrors mapping_table_update_physical_address for this test's 2-level
// geometry (root directly parents one level of leaves). A leaf already
// allocated on storage but evicted from the cache is re-fetched via
// AcquireFromStorage rather than zero-filled, exactly like the real
// descent: a non-sentinel root slot means the page already exists.
func setLeaf(t *testing.T, table *fakeTable, writer *mtpc.Cache, logical, physical uint64, cleanTail bool) {
	t.Helper()

	leafStart := (logical / testFanout) * testFanout
	leafEnd := leafStart + testFanout

	leaf := writer.GetPageEntry(leafStart, leafEnd)

	if leaf == nil {
		rootIndex := leafStart / testFanout
		rootOff := format.HeaderSize + int(rootIndex)*format.MTEntrySize
		existingAddr := format.DecodeMTEntry(table.root[rootOff : rootOff+format.MTEntrySize])

		var err error

		if existingAddr == format.InvalidAddress {
			leaf, err = writer.Insert(leafStart, leafEnd, 1, nil, cleanTail)
			require.NoError(t, err)

			for i := format.HeaderSize; i < testBlockSize; i++ {
				leaf.Block[i] = 0xFF
			}
		} else {
			leaf, err = writer.AcquireFromStorage(leafStart, leafEnd, existingAddr, nil, cleanTail)
			require.NoError(t, err)
		}
	}

	targetIndex := logical - leafStart
	off := format.HeaderSize + int(targetIndex)*format.MTEntrySize
	format.EncodeMTEntry(physical, leaf.Block[off:off+format.MTEntrySize])

	writer.MarkDirty(leaf)
	writer.Unpin(leaf)
}

func leafPhysicalAddress(root []byte, logical uint64) uint64 {
	targetIndex := logical / testFanout
	off := format.HeaderSize + int(targetIndex)*format.MTEntrySize

	return format.DecodeMTEntry(root[off : off+format.MTEntrySize])
}

func TestStore_Init_WritesSegMetaThenRoot(t *testing.T) {
	t.Parallel()

	store, table, _ := harness(t)

	require.NoError(t, store.Init())

	addr, err := store.Write(table.root, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testBlockSize), addr, "init leaves head right after seg_meta(0..64) + root(64..128)")
}

func TestStore_Write_RoundTripsPayload(t *testing.T) {
	t.Parallel()

	store, _, _ := harness(t)
	require.NoError(t, store.Init())

	payload := make([]byte, testBlockSize)
	require.NoError(t, format.EncodeHeader(format.Header{Type: format.BlockMT, Level: 1, LogicalAddress: 0}, payload))

	addr, err := store.Write(payload, false)
	require.NoError(t, err)

	got := make([]byte, testBlockSize)
	require.NoError(t, store.Read(addr, got))
	assert.Equal(t, payload, got)
}

func TestStore_Write_RejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	store, _, _ := harness(t)
	require.NoError(t, store.Init())

	assert.Panics(t, func() {
		_, _ = store.Write(nil, false)
	})
}

func TestStore_Write_RotatesSegmentAndRewritesRoot(t *testing.T) {
	t.Parallel()

	store, table, writer := harness(t)
	require.NoError(t, store.Init())

	// segment0 has 4 slots: seg_meta(0), root(1) already used by Init;
	// the first leaf flush takes slot 2, and the second, whose write would
	// end exactly at the segment boundary, forces rotation into segment1
	// plus its own seg_meta + checkpoint root.
	for i := uint64(0); i < 3; i++ {
		setLeaf(t, table, writer, i*testFanout, 1000+i, false)

		n, err := writer.FlushAll(false)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	stats, err := store.DebugStats()
	require.NoError(t, err)
	assert.Greater(t, stats.Head, uint64(testSegmentSize), "the flushes should have rotated past segment0")

	// The rotation's checkpoint wrote a fresh root reflecting the first
	// two leaves committed before it; the third leaf's flush landed
	// after that checkpoint root, so the in-memory root (table.root) was
	// already updated for all three by the time FlushAll returned.
	for i := uint64(0); i < 3; i++ {
		assert.NotEqual(t, format.InvalidAddress, leafPhysicalAddress(table.root, i*testFanout))
	}
}

func TestStore_Write_SpaceExhausted_WithoutCleanTail(t *testing.T) {
	t.Parallel()

	store, _, _ := harness(t)
	require.NoError(t, store.Init())

	payload := make([]byte, testBlockSize)
	require.NoError(t, format.EncodeHeader(format.Header{Type: format.BlockMT, Level: 1, LogicalAddress: 0}, payload))

	// Fill every remaining slot across the whole device without ever
	// rotating past occupied space or cleaning the tail.
	var lastErr error

	for i := 0; i < testTotalSize/testBlockSize+2; i++ {
		_, lastErr = store.Write(payload, false)
		if lastErr != nil {
			break
		}
	}

	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, lss.ErrSpaceExhausted)
}

func TestStore_LoadRootAndSegMeta_ReopenFindsLatestCheckpoint(t *testing.T) {
	t.Parallel()

	store, table, writer, dev := harnessOverDevice(t, nil)
	require.NoError(t, store.Init())

	// Force two rotations so there are multiple checkpointed segments to
	// choose between.
	for i := uint64(0); i < 5; i++ {
		setLeaf(t, table, writer, i*testFanout, 2000+i, false)

		_, err := writer.FlushAll(false)
		require.NoError(t, err)
	}

	wantLeaf4 := leafPhysicalAddress(table.root, 4*testFanout)

	// Reopen: fresh store/caches over the same underlying device.
	reopenedStore, _, _, _ := harnessOverDevice(t, dev)

	root, _, err := reopenedStore.LoadRootAndSegMeta()
	require.NoError(t, err)

	gotLeaf4 := leafPhysicalAddress(root, 4*testFanout)
	assert.Equal(t, wantLeaf4, gotLeaf4)
}

func TestStore_ReallocEvict_EmptyIsNoOp(t *testing.T) {
	t.Parallel()

	store, _, _ := harness(t)
	require.NoError(t, store.Init())

	assert.NoError(t, store.ReallocEvict())
	assert.NoError(t, store.ReallocEvict())
}

func TestStore_TailCleaning_SurvivesManyRotationsWithDataIntact(t *testing.T) {
	t.Parallel()

	store, table, writer := harness(t)
	require.NoError(t, store.Init())

	// Seven leaves cover the whole padded range (49 = 7*7); repeatedly
	// rewriting all of them with clean_tail=true drives the log well
	// past several full rotations and exercises tail cleaning on every
	// one of them.
	for round := uint64(0); round < 4; round++ {
		for leaf := uint64(0); leaf < testFanout; leaf++ {
			logical := leaf * testFanout
			setLeaf(t, table, writer, logical, 5000+round*100+leaf, true)

			_, err := writer.FlushAll(true)
			require.NoError(t, err)
		}
	}

	for leaf := uint64(0); leaf < testFanout; leaf++ {
		logical := leaf * testFanout
		addr := leafPhysicalAddress(table.root, logical)
		require.NotEqual(t, format.InvalidAddress, addr)

		buf := make([]byte, testBlockSize)
		require.NoError(t, store.Read(addr, buf))

		hdr, err := format.DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, logical, hdr.LogicalAddress)
		assert.Equal(t, uint8(1), hdr.Level)
	}
}

func TestStore_DebugStats_AccountsForEveryBlock(t *testing.T) {
	t.Parallel()

	store, table, writer := harness(t)
	require.NoError(t, store.Init())

	setLeaf(t, table, writer, 0, 42, false)

	_, err := writer.FlushAll(false)
	require.NoError(t, err)

	stats, err := store.DebugStats()
	require.NoError(t, err)

	assert.Equal(t, uint64(testTotalSize), stats.FlashSize)
	assert.Equal(t, uint64(testTotalSize/testBlockSize), stats.TotalBlocks)
	assert.LessOrEqual(t, stats.AliveBlocks+stats.DeadBlocks+stats.InvalidBlocks, stats.TotalBlocks)
	assert.Greater(t, stats.AliveBlocks, uint64(0))
}

func TestStore_Unpin_Invariant_PropagatesAsPanic(t *testing.T) {
	t.Parallel()

	store, _, writer := harness(t)
	require.NoError(t, store.Init())

	leaf, err := writer.Insert(0, testFanout, 1, nil, false)
	require.NoError(t, err)

	writer.Unpin(leaf)

	assert.Panics(t, func() {
		writer.Unpin(leaf)
	}, "double unpin should surface as an invariant.Violation panic")
}

