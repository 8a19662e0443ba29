package fat

import (
	"testing"

	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/memblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// TestFormatConvergesFAT12Geometry checks the iterative FAT-size solver
// against a hand-verified geometry: a 2048-sector, 512-byte-sector disk
// converges to sectorsPerCluster=1, a 6-sector FAT, 2003 data clusters, and
// a first data sector of 45 (1 reserved + 2*6 FAT sectors + 32 root sectors).
func TestFormatConvergesFAT12Geometry(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})

	sector := make([]byte, dev.GetSectorSize())
	require.NoError(t, dev.ReadSector(0, sector))
	bpb, err := ParseBPB(sector)
	require.NoError(t, err)

	assert.EqualValues(t, 1, bpb.SectorsPerCluster)
	assert.EqualValues(t, 6, bpb.SectorsPerFAT)
	assert.EqualValues(t, 2003, bpb.CountOfClusters)
	assert.EqualValues(t, 45, bpb.FirstDataSector)
	assert.Equal(t, fatfs.FAT12, bpb.Variant)
}

func TestFormatHonorsExplicitSectorsPerCluster(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12, SectorsPerCluster: 4})

	sector := make([]byte, dev.GetSectorSize())
	require.NoError(t, dev.ReadSector(0, sector))
	bpb, err := ParseBPB(sector)
	require.NoError(t, err)
	assert.EqualValues(t, 4, bpb.SectorsPerCluster)
}

func TestFormatRejectsDiskTooLargeForTableDerivedClusterSize(t *testing.T) {
	const sectorSize = 512
	totalSectors := uint64(40000) // ~19.5 MiB, past FAT12's 16 MiB table ceiling
	backing := make([]byte, totalSectors*sectorSize)
	stream := bytesextra.NewReadWriteSeeker(backing)
	dev := memblock.New("oversized-test", stream, sectorSize, totalSectors, 1)

	err := Format(dev, FormatOptions{Variant: fatfs.FAT12})
	assert.ErrorIs(t, err, fatfs.ErrOutOfRange)
}

func TestFormatWritesBackupBootSectorForFAT32(t *testing.T) {
	dev := newFormattedDevice(t, 70000, FormatOptions{Variant: fatfs.FAT32, SectorsPerCluster: 1})

	primary := make([]byte, dev.GetSectorSize())
	require.NoError(t, dev.ReadSector(0, primary))
	bpb, err := ParseBPB(primary)
	require.NoError(t, err)
	require.Equal(t, fatfs.FAT32, bpb.Variant)

	backup := make([]byte, dev.GetSectorSize())
	require.NoError(t, dev.ReadSector(uint64(bpb.BackupBootSec), backup))
	assert.Equal(t, primary, backup)
}

func TestFormatWritesFSInfoForFAT32(t *testing.T) {
	dev := newFormattedDevice(t, 70000, FormatOptions{Variant: fatfs.FAT32, SectorsPerCluster: 1})

	primary := make([]byte, dev.GetSectorSize())
	require.NoError(t, dev.ReadSector(0, primary))
	bpb, err := ParseBPB(primary)
	require.NoError(t, err)
	require.GreaterOrEqual(t, bpb.CountOfClusters, uint32(65525))

	infoBuf := make([]byte, dev.GetSectorSize())
	require.NoError(t, dev.ReadSector(uint64(bpb.FSInfoSector), infoBuf))
	info := ParseFSInfo(infoBuf)
	require.True(t, info.Valid)
	assert.EqualValues(t, bpb.CountOfClusters-1, info.FreeCount)
	assert.EqualValues(t, 3, info.NextFree)

	backupInfoBuf := make([]byte, dev.GetSectorSize())
	require.NoError(t, dev.ReadSector(uint64(bpb.BackupBootSec)+uint64(bpb.FSInfoSector), backupInfoBuf))
	assert.Equal(t, infoBuf, backupInfoBuf)
}

func TestFormatSeedsReservedAndEOCClusterEntries(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	entry0, err := vol.GetClusterEntry(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0xFF8, entry0) // low 12 bits of 0xFFFFFF00 | Media (0xF8)

	entry1, err := vol.GetClusterEntry(1)
	require.NoError(t, err)
	assert.True(t, vol.isEOC(entry1))
}

func TestFormatWritesVolumeLabelVisibleAfterMount(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12, Label: "MYDISK"})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)
	assert.Equal(t, "MYDISK", vol.Label())
}

func TestFormatWithoutLabelLeavesLabelBlank(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)
	assert.Equal(t, "", vol.Label())
}
