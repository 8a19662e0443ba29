package fat

import (
	"github.com/hashicorp/go-multierror"
	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
)

// Volume is a mounted FAT12/16/32 filesystem, spec §3.1.
type Volume struct {
	dev  blockdev.BDI
	opts fatfs.Options
	bpb  *BPB

	// partitionOffset is added to every sector address derived from the
	// BPB when the volume was mounted from inside an MBR partition rather
	// than partitionless.
	partitionOffset SectorID

	fatStart       SectorID // first sector of the first FAT table
	rootDirStart   SectorID // FAT12/16 fixed root; unused (0) for FAT32
	rootDirSectors uint32

	nextFreeCluster   ClusterID
	totalFreeClusters uint32
	fsInfoSector      SectorID // 0xFFFFFFFF marker lives in bpb.FSInfoSector instead

	label [11]byte
}

// Variant reports which of FAT12/FAT16/FAT32 this volume uses.
func (v *Volume) Variant() fatfs.Variant { return v.bpb.Variant }

// CountOfClusters returns the volume's data cluster count.
func (v *Volume) CountOfClusters() uint32 { return v.bpb.CountOfClusters }

// TotalFreeClusters returns the cached free-cluster count.
func (v *Volume) TotalFreeClusters() uint32 { return v.totalFreeClusters }

// Label returns the volume label as it was discovered at mount.
func (v *Volume) Label() string { return render83(v.label, 0) }

// RootDirent synthesizes the root pseudo-entry, spec §4.4.1: name "ROOT",
// cluster = root_cluster for FAT32 or 0 for FAT12/16, size 0.
func (v *Volume) RootDirent() Dirent {
	root := ClusterID(0)
	if v.bpb.Variant == fatfs.FAT32 {
		root = ClusterID(v.bpb.RootCluster)
	}
	name := [11]byte{'R', 'O', 'O', 'T', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	return Dirent{ShortName: name, Attributes: attrDirectory, FirstCluster: root}
}

// Mount tries the device as partitionless, then as each of up to four MBR
// partition slots, per spec §4.6. It returns the first candidate whose BPB
// validates and whose first FAT sector's media byte matches BPB_Media.
func Mount(dev blockdev.BDI, opts fatfs.Options) (*Volume, error) {
	var errs *multierror.Error

	candidates := []SectorID{0}
	bootSector := make([]byte, dev.GetSectorSize())
	if err := dev.ReadSector(0, bootSector); err == nil {
		// TODO: spec §9 flags this as an open question — the original
		// tries every MBR slot including inactive ones (status==0); we
		// reproduce that rather than skip inactive partitions.
		for _, part := range parseMBRPartitions(bootSector) {
			if !part.empty() {
				candidates = append(candidates, SectorID(part.LBAFirst))
			}
		}
	}

	for _, offset := range candidates {
		vol, err := mountAt(dev, opts, offset)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		return vol, nil
	}

	if errs != nil {
		return nil, fatfs.ErrInvalidFatVolume.Wrap(errs)
	}
	return nil, fatfs.ErrInvalidFatVolume
}

func mountAt(dev blockdev.BDI, opts fatfs.Options, offset SectorID) (*Volume, error) {
	sectorSize := dev.GetSectorSize()
	boot := make([]byte, sectorSize)
	if err := dev.ReadSector(uint64(offset), boot); err != nil {
		return nil, err
	}

	bpb, err := ParseBPB(boot)
	if err != nil {
		return nil, err
	}

	totalFATSectors := uint32(bpb.NumFATs) * bpb.SectorsPerFAT
	if bpb.SectorsPerFAT*uint32(sectorSize)*8/entryWidthBits(bpb.Variant) < bpb.CountOfClusters {
		return nil, fatfs.ErrInvalidFatVolume.WithMessage("FAT table too small for cluster count")
	}

	v := &Volume{
		dev:             dev,
		opts:            opts,
		bpb:             bpb,
		partitionOffset: offset,
		fatStart:        offset + SectorID(bpb.ReservedSectors),
		rootDirSectors:  bpb.RootDirSectors,
	}
	if bpb.Variant != fatfs.FAT32 {
		v.rootDirStart = v.fatStart + SectorID(totalFATSectors)
	}

	firstFATSector := make([]byte, sectorSize)
	if err := dev.ReadSector(uint64(v.fatStart), firstFATSector); err != nil {
		return nil, err
	}
	if firstFATSector[0] != bpb.Media {
		return nil, fatfs.ErrInvalidFatVolume.WithMessage("FAT media byte mismatch")
	}

	v.nextFreeCluster = 2
	v.totalFreeClusters = bpb.CountOfClusters - 1

	if bpb.Variant == fatfs.FAT32 {
		fsInfoBuf := make([]byte, sectorSize)
		if err := dev.ReadSector(uint64(offset)+uint64(bpb.FSInfoSector), fsInfoBuf); err == nil {
			info := ParseFSInfo(fsInfoBuf)
			if info.Valid && info.FreeCount <= bpb.CountOfClusters {
				v.totalFreeClusters = info.FreeCount
				v.nextFreeCluster = ClusterID(info.NextFree)
			}
		}
	}

	if err := v.scanVolumeLabel(); err != nil {
		return nil, err
	}

	return v, nil
}

func entryWidthBits(variant fatfs.Variant) uint32 {
	switch variant {
	case fatfs.FAT12:
		return 12
	case fatfs.FAT16:
		return 16
	default:
		return 32
	}
}

// scanVolumeLabel walks the root directory looking for a VOLUME_ID entry
// to populate the label, spec §4.6.
func (v *Volume) scanVolumeLabel() error {
	return v.walkDirectoryRaw(v.RootDirent().FirstCluster, true, func(sector SectorID, offset int, buf []byte) (bool, error) {
		if buf[0] == 0x00 {
			return false, nil // end of directory
		}
		if buf[0] == 0xE5 || isLFNRecord(buf) {
			return true, nil
		}
		sfn := parseSFN(buf)
		if sfn.IsVolumeID() {
			v.label = sfn.ShortName
			return false, nil
		}
		return true, nil
	})
}

// Dismount writes back the (refreshed) FSInfo sector, rebuilding its
// signatures if necessary, per spec §4.6.
func (v *Volume) Dismount() error {
	if v.bpb.Variant != fatfs.FAT32 {
		return nil
	}
	info := FSInfo{FreeCount: v.totalFreeClusters, NextFree: uint32(v.nextFreeCluster), Valid: true}
	buf := make([]byte, v.dev.GetSectorSize())
	info.Serialize(buf)
	return v.dev.WriteSector(uint64(v.partitionOffset)+uint64(v.bpb.FSInfoSector), buf)
}
