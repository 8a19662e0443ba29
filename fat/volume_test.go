package fat

import (
	"bytes"
	"testing"

	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
	"github.com/kesari/fatfs/memblock"
	fstesting "github.com/kesari/fatfs/testing"
	"github.com/kesari/fatfs/utilities/compression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFormattedDevice(t *testing.T, totalSectors uint64, opts FormatOptions) blockdev.BDI {
	const sectorSize = 512
	backing := make([]byte, totalSectors*sectorSize)
	dev := fstesting.CreateDefaultDevice(sectorSize, uint(totalSectors), true, backing, t)
	require.NoError(t, Format(dev, opts))
	return dev
}

// TestLoadDiskImageRoundTripsFormattedVolume exercises the testing
// package's compressed-image fixture loader: format a volume, compress
// its backing bytes the way a checked-in fixture would be produced, then
// mount the decompressed stream LoadDiskImage hands back.
func TestLoadDiskImageRoundTripsFormattedVolume(t *testing.T) {
	const sectorSize = 512
	const totalSectors = 2048

	backing := make([]byte, totalSectors*sectorSize)
	dev := fstesting.CreateDefaultDevice(sectorSize, totalSectors, true, backing, t)
	require.NoError(t, Format(dev, FormatOptions{Variant: fatfs.FAT12, Label: "IMGTEST"}))

	var compressed bytes.Buffer
	_, err := compression.CompressImage(bytes.NewReader(backing), &compressed)
	require.NoError(t, err)

	stream := fstesting.LoadDiskImage(t, compressed.Bytes(), sectorSize, totalSectors)
	loaded := memblock.New("loaded-image", stream, sectorSize, totalSectors, 1)

	vol, err := Mount(loaded, fatfs.Options{})
	require.NoError(t, err)
	defer vol.Dismount()
	assert.Equal(t, "IMGTEST", vol.Label())
}

func TestFormatMountCreateWriteReadRoundTrip(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12, Label: "TESTVOL"})

	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)
	assert.Equal(t, fatfs.FAT12, vol.Variant())
	assert.Equal(t, "TESTVOL", vol.Label())

	f, err := vol.Open(`\HELLO.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)

	payload := []byte("hello, fat filesystem")
	n, err := f.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, f.Close())
	require.NoError(t, vol.Dismount())

	vol2, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f2, err := vol2.Open(`\HELLO.TXT`, fatfs.Read)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	n, err = f2.Read(got)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
	require.NoError(t, f2.Close())
}

// TestWriteSpanningMultipleClustersAndDelete covers spec §8's "write enough
// data to span several clusters, then delete and confirm every cluster in
// the chain is freed" scenario.
func TestWriteSpanningMultipleClustersAndDelete(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	spc := int(vol.bpb.SectorsPerCluster)
	sectorSize := int(vol.bpb.BytesPerSector)
	payload := make([]byte, sectorSize*spc*4) // spans exactly 4 clusters
	for i := range payload {
		payload[i] = byte(i)
	}

	f, err := vol.Open(`\BIG.BIN`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	entry, err := vol.Resolve(`\BIG.BIN`)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), entry.Size)

	chain := []ClusterID{entry.FirstCluster}
	cur := entry.FirstCluster
	for {
		next, more, err := vol.WalkChain(cur, 1)
		require.NoError(t, err)
		if !more {
			break
		}
		chain = append(chain, next)
		cur = next
	}
	require.Len(t, chain, 4)

	before := vol.TotalFreeClusters()
	require.NoError(t, vol.Delete(`\BIG.BIN`))
	assert.EqualValues(t, before+4, vol.TotalFreeClusters())

	for _, c := range chain {
		entry, err := vol.GetClusterEntry(c)
		require.NoError(t, err)
		assert.EqualValues(t, 0, entry, "cluster %d should be free", c)
	}

	_, err = vol.Resolve(`\BIG.BIN`)
	assert.ErrorIs(t, err, fatfs.ErrFileNotFound)
}

func TestLongFileNameCreateAppendRoundTrip(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	longName := "this is a long filename that needs vfat entries.txt"
	f, err := vol.Open(`\`+longName, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	first := []byte("first part ")
	_, err = f.Write(first)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := vol.Open(`\`+longName, fatfs.Write|fatfs.Append)
	require.NoError(t, err)
	second := []byte("second part")
	_, err = f2.Write(second)
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	entry, err := vol.Resolve(`\` + longName)
	require.NoError(t, err)
	assert.Equal(t, longName, entry.Name())
	assert.EqualValues(t, len(first)+len(second), entry.Size)

	f3, err := vol.Open(`\`+longName, fatfs.Read)
	require.NoError(t, err)
	got := make([]byte, len(first)+len(second))
	n, err := f3.Read(got)
	require.NoError(t, err)
	assert.Equal(t, len(got), n)
	assert.Equal(t, string(first)+string(second), string(got))
	require.NoError(t, f3.Close())
}

func TestRenamePreservesSizeAndContent(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\OLD.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	payload := []byte("renamed content")
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, vol.Rename(`\OLD.TXT`, `\NEW.TXT`))

	_, err = vol.Resolve(`\OLD.TXT`)
	assert.ErrorIs(t, err, fatfs.ErrFileNotFound)

	renamed, err := vol.Resolve(`\NEW.TXT`)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), renamed.Size)

	f2, err := vol.Open(`\NEW.TXT`, fatfs.Read)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = f2.Read(got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, f2.Close())
}

func TestSectorsPerClusterForSelectsTableRow(t *testing.T) {
	spc, err := sectorsPerClusterFor(fatfs.FAT16, 2097152, 512) // 1024 MiB disk
	require.NoError(t, err)
	assert.EqualValues(t, 32, spc)
}

func TestSectorsPerClusterForRejectsOversizedDisk(t *testing.T) {
	_, err := sectorsPerClusterFor(fatfs.FAT12, 1024*1024*1024, 512) // absurdly large FAT12 disk
	assert.ErrorIs(t, err, fatfs.ErrOutOfRange)
}
