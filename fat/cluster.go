package fat

import (
	"encoding/binary"

	"github.com/kesari/fatfs"
)

// fatEntryLocation computes, per spec §4.3.1, the byte offset of cluster
// n's FAT entry from the start of the active FAT, and the sector (relative
// to the first FAT sector, i.e. as readFATSector/writeFATSector expect)
// that contains it (or begins it, for a FAT12 straddle).
func (v *Volume) fatEntryLocation(n ClusterID) (sectorOffset SectorID, byteOffset uint32) {
	var offset uint32
	switch v.bpb.Variant {
	case fatfs.FAT12:
		offset = uint32(n) + uint32(n)/2
	case fatfs.FAT16:
		offset = uint32(n) * 2
	default:
		offset = uint32(n) * 4
	}
	sector := SectorID(offset / uint32(v.bpb.BytesPerSector))
	return sector, offset % uint32(v.bpb.BytesPerSector)
}

// readFATSector reads one sector of the FIRST FAT table into buf (the
// volume's on-demand sector cache is layered in volume.go).
func (v *Volume) readFATSector(sector SectorID, buf []byte) error {
	return v.dev.ReadSector(uint64(v.fatStart)+uint64(sector), buf)
}

func (v *Volume) writeFATSector(sector SectorID, buf []byte) error {
	if err := v.dev.WriteSector(uint64(v.fatStart)+uint64(sector), buf); err != nil {
		return err
	}
	if v.opts.MaintainTwoFATs {
		for fatIdx := uint32(1); fatIdx < uint32(v.bpb.NumFATs); fatIdx++ {
			mirror := uint64(v.fatStart) + uint64(fatIdx)*uint64(v.bpb.SectorsPerFAT) + uint64(sector)
			if err := v.dev.WriteSector(mirror, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetClusterEntry reads the raw FAT entry for cluster n, handling the
// FAT12 two-sector straddle transparently (spec §4.3.1).
func (v *Volume) GetClusterEntry(n ClusterID) (uint32, error) {
	sector, byteOff := v.fatEntryLocation(n)
	buf := make([]byte, v.bpb.BytesPerSector)
	if err := v.readFATSector(sector, buf); err != nil {
		return 0, err
	}

	switch v.bpb.Variant {
	case fatfs.FAT12:
		var lo, hi byte
		if byteOff == uint32(v.bpb.BytesPerSector)-1 {
			lo = buf[byteOff]
			next := make([]byte, v.bpb.BytesPerSector)
			if err := v.readFATSector(sector+1, next); err != nil {
				return 0, err
			}
			hi = next[0]
		} else {
			lo = buf[byteOff]
			hi = buf[byteOff+1]
		}
		raw := uint16(lo) | uint16(hi)<<8
		if n%2 == 0 {
			return uint32(raw & 0x0FFF), nil
		}
		return uint32(raw >> 4), nil
	case fatfs.FAT16:
		return uint32(binary.LittleEndian.Uint16(buf[byteOff:])), nil
	default:
		return binary.LittleEndian.Uint32(buf[byteOff:]) & 0x0FFFFFFF, nil
	}
}

// SetClusterEntry writes a FAT entry, preserving the upper nibble on
// FAT32 and handling the FAT12 straddle (spec §4.3.1).
func (v *Volume) SetClusterEntry(n ClusterID, value uint32) error {
	sector, byteOff := v.fatEntryLocation(n)
	buf := make([]byte, v.bpb.BytesPerSector)
	if err := v.readFATSector(sector, buf); err != nil {
		return err
	}

	switch v.bpb.Variant {
	case fatfs.FAT12:
		straddles := byteOff == uint32(v.bpb.BytesPerSector)-1
		var next []byte
		if straddles {
			next = make([]byte, v.bpb.BytesPerSector)
			if err := v.readFATSector(sector+1, next); err != nil {
				return err
			}
		}

		lo, hi := buf[byteOff], func() byte {
			if straddles {
				return next[0]
			}
			return buf[byteOff+1]
		}()
		raw := uint16(lo) | uint16(hi)<<8

		if n%2 == 0 {
			raw = (raw & 0xF000) | uint16(value&0x0FFF)
		} else {
			raw = (raw & 0x000F) | (uint16(value&0x0FFF) << 4)
		}
		buf[byteOff] = byte(raw)
		if straddles {
			next[0] = byte(raw >> 8)
			if err := v.writeFATSector(sector, buf); err != nil {
				return err
			}
			return v.writeFATSector(sector+1, next)
		}
		buf[byteOff+1] = byte(raw >> 8)
		return v.writeFATSector(sector, buf)

	case fatfs.FAT16:
		binary.LittleEndian.PutUint16(buf[byteOff:], uint16(value))
		return v.writeFATSector(sector, buf)

	default:
		existing := binary.LittleEndian.Uint32(buf[byteOff:])
		merged := (existing & 0xF0000000) | (value & 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(buf[byteOff:], merged)
		return v.writeFATSector(sector, buf)
	}
}

func (v *Volume) isEOC(entry uint32) bool {
	return entry >= eocFor(v.bpb.Variant)
}

func (v *Volume) isBad(entry uint32) bool {
	return entry == badFor(v.bpb.Variant)
}

// WalkChain follows the chain starting at start, for n steps.
// IncreaseClusterAddress, spec §4.3.4: returns false if EOC is hit first.
func (v *Volume) WalkChain(start ClusterID, n int) (ClusterID, bool, error) {
	cur := start
	for i := 0; i < n; i++ {
		entry, err := v.GetClusterEntry(cur)
		if err != nil {
			return 0, false, err
		}
		if v.isEOC(entry) {
			return cur, false, nil
		}
		cur = ClusterID(entry)
	}
	return cur, true, nil
}

// FreeChain walks the chain rooted at start and marks every node free,
// spec §4.3.3.
func (v *Volume) FreeChain(start ClusterID) error {
	cur := start
	for {
		if cur < 2 {
			return fatfs.ErrInvalidCluster
		}
		entry, err := v.GetClusterEntry(cur)
		if err != nil {
			return err
		}
		if err := v.SetClusterEntry(cur, uint32(clusterFree)); err != nil {
			return err
		}
		v.totalFreeClusters++
		if v.isEOC(entry) {
			return nil
		}
		if entry < 2 {
			return fatfs.ErrInvalidCluster
		}
		if v.isBad(entry) {
			return fatfs.ErrCorruptedFile
		}
		cur = ClusterID(entry)
	}
}

// AllocateClusters implements spec §4.3.2: allocates count clusters,
// linking them into a single chain, honoring page alignment, zeroing, and
// the dot/dot-dot seed for a new directory cluster.
func (v *Volume) AllocateClusters(count int, zero bool, parentForDotDot *ClusterID, pageSizeHint int) (ClusterID, error) {
	if count <= 0 {
		return 0, fatfs.ErrInvalidParameters
	}

	start := v.nextFreeCluster
	if start < 2 {
		start = 2
	}

	if pageSizeHint > int(v.bpb.SectorsPerCluster) {
		start = v.alignToPage(start, pageSizeHint)
	}

	searchStart := start
	var chainStart, prev ClusterID
	found := 0
	wrapped := false
	cur := start

	for found < count {
		entry, err := v.GetClusterEntry(cur)
		if err != nil {
			return 0, err
		}
		if entry == uint32(clusterFree) {
			if found == 0 {
				chainStart = cur
			} else {
				if err := v.SetClusterEntry(prev, uint32(cur)); err != nil {
					return 0, err
				}
			}
			if err := v.SetClusterEntry(cur, eocFor(v.bpb.Variant)); err != nil {
				return 0, err
			}
			prev = cur
			found++
			v.totalFreeClusters--
		}

		cur++
		if cur >= ClusterID(v.bpb.CountOfClusters)+2 {
			if wrapped {
				if found > 0 {
					v.FreeChain(chainStart)
				}
				return 0, fatfs.ErrInsufficientDiskSpace
			}
			cur = 2
			wrapped = true
		}
		if wrapped && cur == searchStart && found < count {
			if found > 0 {
				v.FreeChain(chainStart)
			}
			return 0, fatfs.ErrInsufficientDiskSpace
		}
	}

	v.nextFreeCluster = cur

	if zero || parentForDotDot != nil {
		c := chainStart
		for i := 0; i < count; i++ {
			if err := v.zeroCluster(c); err != nil {
				return 0, err
			}
			if i+1 < count {
				next, err := v.GetClusterEntry(c)
				if err != nil {
					return 0, err
				}
				c = ClusterID(next)
			}
		}
	}
	if parentForDotDot != nil {
		if err := v.seedDotEntries(chainStart, *parentForDotDot); err != nil {
			return 0, err
		}
	}

	return chainStart, nil
}

// alignToPage advances start to the next cluster whose first sector is
// page-aligned, bounded by pageSizeHint/sectorsPerCluster candidates
// (spec §4.3.2).
func (v *Volume) alignToPage(start ClusterID, pageSizeHint int) ClusterID {
	spc := int(v.bpb.SectorsPerCluster)
	bound := pageSizeHint / spc
	if bound <= 0 {
		bound = 1
	}
	for i := 0; i < bound; i++ {
		firstSector := v.clusterToSector(start)
		if uint64(firstSector)%uint64(pageSizeHint) == 0 {
			return start
		}
		start++
	}
	return start
}

func (v *Volume) zeroCluster(c ClusterID) error {
	buf := make([]byte, v.bpb.BytesPerSector)
	first := v.clusterToSector(c)
	for s := 0; s < int(v.bpb.SectorsPerCluster); s++ {
		if err := v.dev.WriteSector(uint64(first)+uint64(s), buf); err != nil {
			return err
		}
	}
	return nil
}

// seedDotEntries writes the canonical `.` and `..` entries into the first
// sector of a newly allocated directory cluster. The `..` entry's first-
// cluster field is 0 when the parent is the FAT32 root, even though the
// root's physical cluster isn't 0 (spec §4.3.2).
func (v *Volume) seedDotEntries(newCluster, parent ClusterID) error {
	buf := make([]byte, v.bpb.BytesPerSector)
	dotParent := parent
	if v.bpb.Variant == fatfs.FAT32 && parent == ClusterID(v.bpb.RootCluster) {
		dotParent = 0
	}

	dot := newDirentEntry(".          ", attrDirectory, newCluster, 0)
	dotdot := newDirentEntry("..         ", attrDirectory, dotParent, 0)
	dot.serialize(buf[0:32])
	dotdot.serialize(buf[32:64])

	return v.dev.WriteSector(uint64(v.clusterToSector(newCluster)), buf)
}

// clusterToSector converts a cluster number to its first absolute sector.
func (v *Volume) clusterToSector(c ClusterID) SectorID {
	return v.bpb.FirstDataSector + SectorID((uint32(c)-2)*uint32(v.bpb.SectorsPerCluster))
}
