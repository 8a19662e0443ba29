package fat

import (
	"testing"

	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/memblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// newClusterTestVolume builds a Volume directly (bypassing Mount) over an
// in-memory device, with just enough FAT geometry wired up to exercise
// cluster.go's entry/chain/allocation logic in isolation.
func newClusterTestVolume(t *testing.T, variant fatfs.Variant, sectorsPerFAT uint32, countOfClusters uint32) *Volume {
	const sectorSize = 512
	const reserved = 2
	const numFATs = 2
	const spc = 1

	firstData := reserved + numFATs*sectorsPerFAT
	totalSectors := uint64(firstData) + uint64(countOfClusters)*spc + 8

	backing := make([]byte, totalSectors*sectorSize)
	stream := bytesextra.NewReadWriteSeeker(backing)
	dev := memblock.New("cluster-test", stream, sectorSize, totalSectors, 1)

	bpb := &BPB{}
	bpb.Variant = variant
	bpb.rawBPB.BytesPerSector = sectorSize
	bpb.rawBPB.SectorsPerCluster = spc
	bpb.rawBPB.ReservedSectors = reserved
	bpb.rawBPB.NumFATs = numFATs
	bpb.SectorsPerFAT = sectorsPerFAT
	bpb.CountOfClusters = countOfClusters
	bpb.FirstDataSector = SectorID(firstData)
	bpb.RootCluster = 2

	return &Volume{
		dev:               dev,
		bpb:               bpb,
		fatStart:          reserved,
		nextFreeCluster:   2,
		totalFreeClusters: countOfClusters - 1,
	}
}

func TestFatEntryLocationFAT16(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	sector, byteOff := v.fatEntryLocation(100)
	assert.EqualValues(t, 0, sector)
	assert.EqualValues(t, 200, byteOff)
}

func TestGetSetClusterEntryFAT16RoundTrip(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	require.NoError(t, v.SetClusterEntry(5, 0x1234))

	got, err := v.GetClusterEntry(5)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1234, got)
}

func TestGetSetClusterEntryFAT32PreservesUpperNibble(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT32, 2, 20)
	require.NoError(t, v.SetClusterEntry(5, 0xFFFFFFFF)) // upper nibble must be masked off on write
	require.NoError(t, v.SetClusterEntry(5, 0x00001234))

	got, err := v.GetClusterEntry(5)
	require.NoError(t, err)
	assert.EqualValues(t, 0x00001234, got)
}

// TestGetSetClusterEntryFAT12OddStraddle exercises the two-sector straddle
// in fatEntryLocation/GetClusterEntry/SetClusterEntry: cluster 341's entry
// byte offset is 511, the last byte of relative FAT sector 0.
func TestGetSetClusterEntryFAT12OddStraddle(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT12, 2, 10)

	sector, byteOff := v.fatEntryLocation(341)
	require.EqualValues(t, 0, sector)
	require.EqualValues(t, 511, byteOff)

	require.NoError(t, v.SetClusterEntry(341, 0x0ABC))
	got, err := v.GetClusterEntry(341)
	require.NoError(t, err)
	assert.EqualValues(t, 0x0ABC, got)
}

// TestGetSetClusterEntryFAT12EvenStraddle covers the other straddle parity:
// cluster 682 is even, so its entry occupies the low nibble of the high
// byte rather than the high nibble.
func TestGetSetClusterEntryFAT12EvenStraddle(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT12, 3, 10)

	sector, byteOff := v.fatEntryLocation(682)
	require.EqualValues(t, 1, sector)
	require.EqualValues(t, 511, byteOff)

	require.NoError(t, v.SetClusterEntry(682, 0x0DEF))
	got, err := v.GetClusterEntry(682)
	require.NoError(t, err)
	assert.EqualValues(t, 0x0DEF, got)
}

func TestIsEOCAndIsBad(t *testing.T) {
	v16 := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	assert.True(t, v16.isEOC(0xFFF8))
	assert.True(t, v16.isEOC(0xFFFF))
	assert.False(t, v16.isEOC(0xFFF7))
	assert.True(t, v16.isBad(0xFFF7))

	v32 := newClusterTestVolume(t, fatfs.FAT32, 2, 20)
	assert.True(t, v32.isEOC(0x0FFFFFF8))
	assert.True(t, v32.isBad(0x0FFFFFF7))
}

func TestWalkChainStopsAtEOC(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	require.NoError(t, v.SetClusterEntry(2, 3))
	require.NoError(t, v.SetClusterEntry(3, 4))
	require.NoError(t, v.SetClusterEntry(4, eocFor(fatfs.FAT16)))

	cur, more, err := v.WalkChain(2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cur)
	assert.True(t, more)

	cur, more, err = v.WalkChain(2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cur)
	assert.False(t, more, "should stop at EOC before consuming the third step")
}

func TestFreeChainMarksEveryNodeFreeAndUpdatesCount(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	require.NoError(t, v.SetClusterEntry(2, 3))
	require.NoError(t, v.SetClusterEntry(3, eocFor(fatfs.FAT16)))
	before := v.totalFreeClusters

	require.NoError(t, v.FreeChain(2))

	e2, err := v.GetClusterEntry(2)
	require.NoError(t, err)
	assert.EqualValues(t, 0, e2)
	e3, err := v.GetClusterEntry(3)
	require.NoError(t, err)
	assert.EqualValues(t, 0, e3)
	assert.EqualValues(t, before+2, v.totalFreeClusters)
}

func TestFreeChainRejectsReservedCluster(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	assert.ErrorIs(t, v.FreeChain(1), fatfs.ErrInvalidCluster)
}

func TestAllocateClustersLinksChainAndZeroes(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	before := v.totalFreeClusters

	start, err := v.AllocateClusters(1, true, nil, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint32(start), uint32(2))

	entry, err := v.GetClusterEntry(start)
	require.NoError(t, err)
	assert.True(t, v.isEOC(entry))
	assert.EqualValues(t, before-1, v.totalFreeClusters)

	sector := v.clusterToSector(start)
	buf := make([]byte, v.bpb.BytesPerSector)
	require.NoError(t, v.dev.ReadSector(uint64(sector), buf))
	for _, b := range buf {
		assert.EqualValues(t, 0, b)
	}
}

func TestAllocateClustersSeedsDotEntriesForNewDirectory(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	parent := ClusterID(5)

	start, err := v.AllocateClusters(1, true, &parent, 0)
	require.NoError(t, err)

	sector := v.clusterToSector(start)
	buf := make([]byte, v.bpb.BytesPerSector)
	require.NoError(t, v.dev.ReadSector(uint64(sector), buf))

	dot := parseSFN(buf[0:32])
	dotdot := parseSFN(buf[32:64])
	assert.Equal(t, ".          ", string(dot.ShortName[:]))
	assert.EqualValues(t, start, dot.FirstCluster)
	assert.Equal(t, "..         ", string(dotdot.ShortName[:]))
	assert.EqualValues(t, parent, dotdot.FirstCluster)
}

func TestAllocateClustersFailsWhenDiskFull(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 4)
	for i := ClusterID(2); i < 2+ClusterID(v.bpb.CountOfClusters); i++ {
		require.NoError(t, v.SetClusterEntry(i, eocFor(fatfs.FAT16)))
	}

	_, err := v.AllocateClusters(1, false, nil, 0)
	assert.ErrorIs(t, err, fatfs.ErrInsufficientDiskSpace)
}

func TestWriteFATSectorMirrorsToSecondFAT(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	v.opts.MaintainTwoFATs = true

	require.NoError(t, v.SetClusterEntry(5, 0x4242))

	mirrorSector := uint64(v.fatStart) + uint64(v.bpb.SectorsPerFAT)
	sector, byteOff := v.fatEntryLocation(5)
	buf := make([]byte, v.bpb.BytesPerSector)
	require.NoError(t, v.dev.ReadSector(mirrorSector+uint64(sector), buf))
	assert.EqualValues(t, 0x42, buf[byteOff])
	assert.EqualValues(t, 0x42, buf[byteOff+1])
}

func TestClusterToSector(t *testing.T) {
	v := newClusterTestVolume(t, fatfs.FAT16, 2, 20)
	assert.EqualValues(t, v.bpb.FirstDataSector, v.clusterToSector(2))
	assert.EqualValues(t, v.bpb.FirstDataSector+1, v.clusterToSector(3))
}
