package fat

import (
	_ "embed"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
)

//go:embed format_table.csv
var formatTableCSV string

type formatTableRow struct {
	Variant         string `csv:"variant"`
	MaxDiskMiB      uint64 `csv:"max_disk_mib"`
	SectorsPerClust uint8  `csv:"sectors_per_cluster"`
}

// sectorsPerClusterFor derives a suitable cluster size from a fixed
// disk-size → sectors-per-cluster table per variant, spec §4.6. The table
// itself is data, not logic, so it's loaded via gocsv the same way the
// teacher loads its fixture manifests with csv-tagged structs.
func sectorsPerClusterFor(variant fatfs.Variant, totalSectors uint32, bytesPerSector uint16) (uint8, error) {
	var rows []formatTableRow
	if err := gocsv.UnmarshalString(formatTableCSV, &rows); err != nil {
		return 0, fatfs.ErrInvalidParameters.Wrap(err)
	}

	diskMiB := uint64(totalSectors) * uint64(bytesPerSector) / (1024 * 1024)
	for _, row := range rows {
		if !strings.EqualFold(row.Variant, variant.String()) {
			continue
		}
		if diskMiB <= row.MaxDiskMiB {
			return row.SectorsPerClust, nil
		}
	}
	return 0, fatfs.ErrOutOfRange.WithMessage("disk too large for " + variant.String())
}

// FormatOptions configures Format; zero values mean "compute the default".
type FormatOptions struct {
	Variant           fatfs.Variant
	Label             string
	SectorsPerCluster uint8 // 0 = derive from the size table
	NumFATs           uint8 // 0 = 2
}

// Format lays down a fresh FAT volume on dev, spec §4.6.
func Format(dev blockdev.BDI, opts FormatOptions) error {
	sectorSize := uint16(dev.GetSectorSize())
	totalSectors := uint32(dev.GetTotalSectors())

	spc := opts.SectorsPerCluster
	if spc == 0 {
		var err error
		spc, err = sectorsPerClusterFor(opts.Variant, totalSectors, sectorSize)
		if err != nil {
			return err
		}
	}
	numFATs := opts.NumFATs
	if numFATs == 0 {
		numFATs = 2
	}

	reserved := uint16(1)
	rootEntryCount := uint16(0)
	if opts.Variant != fatfs.FAT32 {
		reserved = 1
		rootEntryCount = 512
	} else {
		reserved = 32
	}
	rootDirSectors := (uint32(rootEntryCount)*32 + uint32(sectorSize) - 1) / uint32(sectorSize)

	// Iteratively solve for FAT size: it depends on cluster count, which
	// depends on FAT size. Two passes converge in practice since FAT size
	// changes by at most a handful of sectors between iterations.
	entryWidth := entryWidthBits(opts.Variant)
	fatSize := uint32(1)
	for i := 0; i < 4; i++ {
		dataSectors := totalSectors - uint32(reserved) - numFATs32(numFATs)*fatSize - rootDirSectors
		countOfClusters := dataSectors / uint32(spc)
		needed := (countOfClusters+2)*entryWidth + 7
		needed /= 8
		fatSize = (needed + uint32(sectorSize) - 1) / uint32(sectorSize)
	}

	bpb := &BPB{
		rawBPB: rawBPB{
			BytesPerSector:    sectorSize,
			SectorsPerCluster: spc,
			ReservedSectors:   reserved,
			NumFATs:           numFATs,
			RootEntryCount:    rootEntryCount,
			Media:             0xF8,
			FATSize16:         0,
			TotalSectors32:    totalSectors,
		},
		Variant: opts.Variant,
	}
	bpb.rawBPB.JmpBoot = [3]byte{0xEB, 0x00, 0x90}
	copy(bpb.rawBPB.OEMName[:], []byte("FATFS1.0"))

	if opts.Variant == fatfs.FAT32 {
		bpb.FATSize32 = fatSize
		bpb.RootCluster = 2
		bpb.FSInfoSector = 1
		bpb.BackupBootSec = 6
	} else {
		bpb.rawBPB.FATSize16 = uint16(fatSize)
	}

	totalFATSectors := numFATs32(numFATs) * fatSize
	dataSectors := totalSectors - uint32(reserved) - totalFATSectors - rootDirSectors
	bpb.CountOfClusters = dataSectors / uint32(spc)
	bpb.RootDirSectors = rootDirSectors
	bpb.FirstDataSector = SectorID(uint32(reserved) + totalFATSectors + rootDirSectors)
	bpb.SectorsPerFAT = fatSize
	bpb.TotalSectors = totalSectors

	sector := make([]byte, sectorSize)
	bpb.Serialize(sector)
	if err := dev.WriteSector(0, sector); err != nil {
		return err
	}
	if opts.Variant == fatfs.FAT32 {
		if err := dev.WriteSector(uint64(bpb.BackupBootSec), sector); err != nil {
			return err
		}
	}

	if opts.Variant == fatfs.FAT32 {
		info := FSInfo{Valid: true, FreeCount: bpb.CountOfClusters - 1, NextFree: 3}
		infoSector := make([]byte, sectorSize)
		info.Serialize(infoSector)
		if err := dev.WriteSector(uint64(bpb.FSInfoSector), infoSector); err != nil {
			return err
		}
		if err := dev.WriteSector(uint64(bpb.BackupBootSec)+uint64(bpb.FSInfoSector), infoSector); err != nil {
			return err
		}
	}

	if err := zeroFATs(dev, bpb, reserved, fatSize, numFATs); err != nil {
		return err
	}

	v := &Volume{dev: dev, bpb: bpb, fatStart: SectorID(reserved), rootDirSectors: rootDirSectors}
	if opts.Variant != fatfs.FAT32 {
		v.rootDirStart = v.fatStart + SectorID(totalFATSectors)
	}

	entry0 := uint32(bpb.Media) | 0xFFFFFF00
	entry1 := eocFor(opts.Variant)
	if err := v.SetClusterEntry(0, entry0); err != nil {
		return err
	}
	if err := v.SetClusterEntry(1, entry1); err != nil {
		return err
	}
	if opts.Variant == fatfs.FAT32 {
		if err := v.SetClusterEntry(2, eocFor(opts.Variant)); err != nil {
			return err
		}
	}

	if err := zeroRootDirectory(dev, bpb, v); err != nil {
		return err
	}

	if opts.Label != "" {
		if err := writeVolumeLabel(v, opts.Label); err != nil {
			return err
		}
	}

	return nil
}

func numFATs32(n uint8) uint32 { return uint32(n) }

func zeroFATs(dev blockdev.BDI, bpb *BPB, reserved uint16, fatSize uint32, numFATs uint8) error {
	zero := make([]byte, bpb.BytesPerSector)
	for fatIdx := uint32(0); fatIdx < uint32(numFATs); fatIdx++ {
		base := uint64(reserved) + uint64(fatIdx)*uint64(fatSize)
		for s := uint32(0); s < fatSize; s++ {
			if err := dev.WriteSector(base+uint64(s), zero); err != nil {
				return err
			}
		}
	}
	return nil
}

func zeroRootDirectory(dev blockdev.BDI, bpb *BPB, v *Volume) error {
	zero := make([]byte, bpb.BytesPerSector)
	if bpb.Variant != fatfs.FAT32 {
		for s := uint32(0); s < bpb.RootDirSectors; s++ {
			if err := dev.WriteSector(uint64(v.rootDirStart)+uint64(s), zero); err != nil {
				return err
			}
		}
		return nil
	}
	first := v.clusterToSector(ClusterID(bpb.RootCluster))
	for s := uint32(0); s < uint32(bpb.SectorsPerCluster); s++ {
		if err := dev.WriteSector(uint64(first)+uint64(s), zero); err != nil {
			return err
		}
	}
	return nil
}

func writeVolumeLabel(v *Volume, label string) error {
	var name [11]byte
	for i := range name {
		name[i] = ' '
	}
	copy(name[:], strings.ToUpper(label))

	entry := Dirent{ShortName: name, Attributes: attrVolumeID}
	buf := make([]byte, direntSize)
	entry.serialize(buf)

	root := v.RootDirent().FirstCluster
	isRoot := v.bpb.Variant != fatfs.FAT32
	locs, err := v.findFreeRun(root, isRoot, 1)
	if err != nil {
		return err
	}
	return v.writeEntryAt(locs[0], buf)
}
