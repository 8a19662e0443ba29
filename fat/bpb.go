// Package fat implements the FAT12/FAT16/FAT32 filesystem engine: BPB/MBR/
// FSInfo parsing, cluster chain management, directory and long-filename
// handling, and synchronous/asynchronous file I/O, against any
// fatfs/blockdev.BDI.
package fat

import (
	"encoding/binary"

	"github.com/kesari/fatfs"
)

// ClusterID is a cluster number; 0 and 1 are reserved, valid data clusters
// start at 2.
type ClusterID uint32

// SectorID is an absolute sector address as seen by the bound BDI (i.e.
// already adjusted for any MBR partition offset).
type SectorID uint64

const (
	// FAT entry sentinels, spec §3.2. Only the free marker is a constant;
	// the EOC/BAD values depend on the variant and come from eocFor/badFor.
	clusterFree ClusterID = 0
)

func eocFor(v fatfs.Variant) uint32 {
	switch v {
	case fatfs.FAT12:
		return 0x0FF8
	case fatfs.FAT16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

func badFor(v fatfs.Variant) uint32 {
	return eocFor(v) - 1
}

// rawBPB mirrors the common BPB prefix shared by all three variants,
// bytes 0-35 of the boot sector, little-endian (spec §6.1).
type rawBPB struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

const bpbCommonSize = 36
const bootSectorSize = 512
const bootSignatureOffset = 510
const bootSignature = 0xAA55

// BPB is the fully parsed, derived-field-populated BIOS Parameter Block,
// spec §3.1/§6.1.
type BPB struct {
	rawBPB

	// FAT32-only fields (zero otherwise).
	FATSize32      uint32
	RootCluster    uint32
	FSInfoSector   uint16
	BackupBootSec  uint16
	ExtFlags       uint16
	FSVersion      uint16
	VolumeLabel    [11]byte
	VolumeID       uint32
	VolumeLabel12  [11]byte // FAT12/16's volume label field lives at a different offset
	DriveNumber    uint8

	// Derived fields, computed once at parse time per the invariants in
	// spec §3.1.
	Variant               fatfs.Variant
	SectorsPerFAT         uint32
	RootDirSectors        uint32
	FirstDataSector       SectorID
	CountOfClusters       uint32
	TotalSectors          uint32
}

// ParseBPB parses a 512-byte boot sector into a BPB, computing every
// derived field and validating the invariants spec §3.1/§4.6 require
// before trusting the sector as a real FAT volume.
func ParseBPB(sector []byte) (*BPB, error) {
	if len(sector) < bootSectorSize {
		return nil, fatfs.ErrInvalidFatVolume.WithMessage("boot sector too short")
	}
	if binary.LittleEndian.Uint16(sector[bootSignatureOffset:]) != bootSignature {
		return nil, fatfs.ErrInvalidFatVolume.WithMessage("missing 0x55AA signature")
	}

	bpb := &BPB{}
	raw := &bpb.rawBPB
	copy(raw.JmpBoot[:], sector[0:3])
	copy(raw.OEMName[:], sector[3:11])
	raw.BytesPerSector = binary.LittleEndian.Uint16(sector[11:13])
	raw.SectorsPerCluster = sector[13]
	raw.ReservedSectors = binary.LittleEndian.Uint16(sector[14:16])
	raw.NumFATs = sector[16]
	raw.RootEntryCount = binary.LittleEndian.Uint16(sector[17:19])
	raw.TotalSectors16 = binary.LittleEndian.Uint16(sector[19:21])
	raw.Media = sector[21]
	raw.FATSize16 = binary.LittleEndian.Uint16(sector[22:24])
	raw.SectorsPerTrack = binary.LittleEndian.Uint16(sector[24:26])
	raw.NumHeads = binary.LittleEndian.Uint16(sector[26:28])
	raw.HiddenSectors = binary.LittleEndian.Uint32(sector[28:32])
	raw.TotalSectors32 = binary.LittleEndian.Uint32(sector[32:36])

	if err := validateGeometry(raw); err != nil {
		return nil, err
	}

	bpb.TotalSectors = uint32(raw.TotalSectors16)
	if bpb.TotalSectors == 0 {
		bpb.TotalSectors = raw.TotalSectors32
	}

	bpb.RootDirSectors = (uint32(raw.RootEntryCount)*32 + uint32(raw.BytesPerSector) - 1) / uint32(raw.BytesPerSector)

	if raw.FATSize16 != 0 {
		bpb.SectorsPerFAT = uint32(raw.FATSize16)
	} else {
		// FAT32 layout: the BPB extension starting at offset 36 carries a
		// 32-bit FAT size plus the FSInfo/root-cluster/backup-sector
		// fields (spec §6.1).
		bpb.FATSize32 = binary.LittleEndian.Uint32(sector[36:40])
		bpb.ExtFlags = binary.LittleEndian.Uint16(sector[40:42])
		bpb.FSVersion = binary.LittleEndian.Uint16(sector[42:44])
		bpb.RootCluster = binary.LittleEndian.Uint32(sector[44:48])
		bpb.FSInfoSector = binary.LittleEndian.Uint16(sector[48:50])
		bpb.BackupBootSec = binary.LittleEndian.Uint16(sector[50:52])
		bpb.DriveNumber = sector[64]
		bpb.VolumeID = binary.LittleEndian.Uint32(sector[67:71])
		copy(bpb.VolumeLabel[:], sector[71:82])
		bpb.SectorsPerFAT = bpb.FATSize32
	}

	totalFATSectors := uint32(raw.NumFATs) * bpb.SectorsPerFAT
	dataSectors := bpb.TotalSectors - uint32(raw.ReservedSectors) - totalFATSectors - bpb.RootDirSectors
	bpb.CountOfClusters = dataSectors / uint32(raw.SectorsPerCluster)
	bpb.FirstDataSector = SectorID(uint32(raw.ReservedSectors) + totalFATSectors + bpb.RootDirSectors)
	bpb.Variant = fatfs.VariantFromClusterCount(bpb.CountOfClusters)

	if bpb.Variant == fatfs.FAT32 && bpb.RootDirSectors != 0 {
		return nil, fatfs.ErrInvalidFatVolume.WithMessage("FAT32 volume has nonzero root directory sectors")
	}
	if bpb.Variant != fatfs.FAT32 {
		copy(bpb.VolumeLabel12[:], sector[43:54])
	}

	return bpb, nil
}

func validateGeometry(raw *rawBPB) error {
	switch raw.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return fatfs.ErrSectorSizeNotSupported
	}

	spc := raw.SectorsPerCluster
	if spc == 0 || (spc&(spc-1)) != 0 {
		return fatfs.ErrInvalidFatVolume.WithMessage("sectors per cluster must be a nonzero power of two")
	}
	if raw.NumFATs == 0 {
		return fatfs.ErrInvalidFatVolume.WithMessage("number of FATs must be nonzero")
	}
	return nil
}

// Serialize writes the BPB back out in its on-disk form; used by Format.
func (b *BPB) Serialize(sector []byte) {
	raw := &b.rawBPB
	copy(sector[0:3], raw.JmpBoot[:])
	copy(sector[3:11], raw.OEMName[:])
	binary.LittleEndian.PutUint16(sector[11:13], raw.BytesPerSector)
	sector[13] = raw.SectorsPerCluster
	binary.LittleEndian.PutUint16(sector[14:16], raw.ReservedSectors)
	sector[16] = raw.NumFATs
	binary.LittleEndian.PutUint16(sector[17:19], raw.RootEntryCount)
	binary.LittleEndian.PutUint16(sector[19:21], raw.TotalSectors16)
	sector[21] = raw.Media
	binary.LittleEndian.PutUint16(sector[22:24], raw.FATSize16)
	binary.LittleEndian.PutUint16(sector[24:26], raw.SectorsPerTrack)
	binary.LittleEndian.PutUint16(sector[26:28], raw.NumHeads)
	binary.LittleEndian.PutUint32(sector[28:32], raw.HiddenSectors)
	binary.LittleEndian.PutUint32(sector[32:36], raw.TotalSectors32)

	if b.Variant == fatfs.FAT32 {
		binary.LittleEndian.PutUint32(sector[36:40], b.FATSize32)
		binary.LittleEndian.PutUint16(sector[40:42], b.ExtFlags)
		binary.LittleEndian.PutUint16(sector[42:44], b.FSVersion)
		binary.LittleEndian.PutUint32(sector[44:48], b.RootCluster)
		binary.LittleEndian.PutUint16(sector[48:50], b.FSInfoSector)
		binary.LittleEndian.PutUint16(sector[50:52], b.BackupBootSec)
		sector[64] = b.DriveNumber
		binary.LittleEndian.PutUint32(sector[67:71], b.VolumeID)
		copy(sector[71:82], b.VolumeLabel[:])
	}

	binary.LittleEndian.PutUint16(sector[bootSignatureOffset:], bootSignature)
}
