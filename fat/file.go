package fat

import (
	"github.com/kesari/fatfs"
)

// File is an open file handle, spec §3.4.
type File struct {
	vol   *Volume
	entry resolvedEntry

	flags fatfs.AccessFlags

	currentSize uint32
	cursor      uint32 // logical byte offset

	clusterOrdinal int // which cluster in the chain the cursor is in
	sectorOrdinal  int // which sector within that cluster
	clusterAddr    ClusterID

	buf     []byte
	bufHead int
	dirty   bool

	busy bool

	// op is the in-flight async operation state, non-nil only while an
	// async read/write/stream is suspended awaiting a tick (spec §3.4,
	// §4.5.3, §9).
	op *asyncOp
}

// Open resolves path and returns a handle, spec §4.5.1.
func (v *Volume) Open(path string, flags fatfs.AccessFlags) (*File, error) {
	flags = flags.Normalize()

	entry, err := v.Resolve(path)
	if err != nil {
		if err != fatfs.ErrFileNotFound || !flags.IsCreate() {
			return nil, err
		}
		parent, name := splitParentName(path)
		if _, _, cerr := v.CreateEntry(parent, name, 0, 0); cerr != nil {
			return nil, cerr
		}
		entry, err = v.Resolve(path)
		if err != nil {
			return nil, err
		}
	}

	if entry.IsDirectory() {
		return nil, fatfs.ErrNotAFile
	}

	f := &File{
		vol:         v,
		entry:       entry,
		flags:       flags,
		currentSize: entry.Size,
		clusterAddr: entry.FirstCluster,
		buf:         make([]byte, v.bpb.BytesPerSector),
	}

	if flags.IsOverwrite() {
		if entry.FirstCluster != 0 {
			if err := v.FreeChain(entry.FirstCluster); err != nil {
				return nil, err
			}
		}
		f.entry.FirstCluster = 0
		f.clusterAddr = 0
		f.currentSize = 0
		if err := v.writeEntrySizeAndCluster(&f.entry, 0, 0); err != nil {
			return nil, err
		}
	}

	if flags.IsAppend() {
		if _, err := f.Seek(0, fatfs.SeekEnd); err != nil {
			return nil, err
		}
	} else if !flags.IsUnbuffered() {
		// Load the first sector so a short write at offset 0 into an
		// existing file merges with its trailing content instead of
		// zeroing it out on flush.
		if err := f.loadCurrentSector(); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Seek implements spec §4.5.2.
func (f *File) Seek(offset int64, mode fatfs.SeekMode) (int64, error) {
	if f.flags.IsUnbuffered() && offset%int64(f.vol.bpb.BytesPerSector) != 0 {
		return 0, fatfs.ErrMisalignedIO
	}

	var target int64
	switch mode {
	case fatfs.SeekStart:
		target = offset
	case fatfs.SeekCurrent:
		target = int64(f.cursor) + offset
	case fatfs.SeekEnd:
		if offset != 0 {
			return 0, fatfs.ErrInvalidParameters
		}
		target = int64(f.currentSize)
	default:
		return 0, fatfs.ErrInvalidParameters
	}
	if target < 0 {
		return 0, fatfs.ErrSeekFailed
	}

	if err := f.flushIfDirty(); err != nil {
		return 0, err
	}

	bytesPerCluster := int64(f.vol.bpb.BytesPerSector) * int64(f.vol.bpb.SectorsPerCluster)
	clusterOrdinal := int(target / bytesPerCluster)
	withinCluster := target % bytesPerCluster
	sectorOrdinal := int(withinCluster / int64(f.vol.bpb.BytesPerSector))

	addr, ok, err := f.vol.WalkChain(f.entry.FirstCluster, clusterOrdinal)
	if err != nil {
		return 0, err
	}
	if !ok && target < int64(f.currentSize) {
		return 0, fatfs.ErrSeekFailed
	}

	f.cursor = uint32(target)
	f.clusterOrdinal = clusterOrdinal
	f.sectorOrdinal = sectorOrdinal
	f.clusterAddr = addr
	f.bufHead = int(withinCluster % int64(f.vol.bpb.BytesPerSector))
	f.dirty = false

	// A subsequent buffered Write only fills buf from bufHead onward, so
	// the sector's existing content (the part before bufHead) has to be
	// loaded here rather than left zeroed, or a seek-then-write would
	// clobber the untouched prefix on flush.
	if !f.flags.IsUnbuffered() {
		if err := f.loadCurrentSector(); err != nil {
			return 0, err
		}
	}

	return target, nil
}

func (f *File) flushIfDirty() error {
	if !f.dirty {
		return nil
	}
	if err := f.flushCurrentSector(); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

func (f *File) currentSector() SectorID {
	return f.vol.clusterToSector(f.clusterAddr) + SectorID(f.sectorOrdinal)
}

func (f *File) flushCurrentSector() error {
	if f.clusterAddr == 0 {
		return nil
	}
	return f.vol.dev.WriteSector(uint64(f.currentSector()), f.buf)
}

func (f *File) loadCurrentSector() error {
	if f.clusterAddr == 0 {
		for i := range f.buf {
			f.buf[i] = 0
		}
		return nil
	}
	return f.vol.dev.ReadSector(uint64(f.currentSector()), f.buf)
}

// Write implements the buffered write loop of spec §4.5.3.
func (f *File) Write(p []byte) (int, error) {
	if !f.flags.CanWrite() {
		return 0, fatfs.ErrFileNotOpenedForWriteAccess
	}
	if f.busy {
		return 0, fatfs.ErrFileHandleInUse
	}
	f.busy = true
	defer func() { f.busy = false }()

	if f.flags.IsUnbuffered() {
		return f.writeUnbuffered(p)
	}

	written := 0
	spc := int(f.vol.bpb.SectorsPerCluster)
	sectorSize := int(f.vol.bpb.BytesPerSector)

	for written < len(p) {
		if f.clusterAddr == 0 {
			newCluster, err := f.vol.AllocateClusters(1, false, nil, pageHint(f.flags, f.vol))
			if err != nil {
				return written, err
			}
			f.entry.FirstCluster = newCluster
			f.clusterAddr = newCluster
			f.clusterOrdinal = 0
			f.sectorOrdinal = 0
			f.bufHead = 0
			if err := f.loadCurrentSector(); err != nil {
				return written, err
			}
		}

		n := copy(f.buf[f.bufHead:], p[written:])
		f.bufHead += n
		written += n
		f.dirty = true

		if uint32(f.cursor)+uint32(n) > f.currentSize {
			f.currentSize = f.cursor + uint32(n)
		}
		f.cursor += uint32(n)

		if f.bufHead == sectorSize {
			if err := f.flushCurrentSector(); err != nil {
				return written, err
			}
			f.dirty = false
			f.bufHead = 0

			if f.sectorOrdinal == spc-1 {
				entry, err := f.vol.GetClusterEntry(f.clusterAddr)
				if err != nil {
					return written, err
				}
				if f.vol.isEOC(entry) {
					next, err := f.vol.AllocateClusters(1, false, nil, pageHint(f.flags, f.vol))
					if err != nil {
						return written, err
					}
					if err := f.vol.SetClusterEntry(f.clusterAddr, uint32(next)); err != nil {
						return written, err
					}
					entry = uint32(next)
				}
				f.clusterAddr = ClusterID(entry)
				f.sectorOrdinal = 0
				f.clusterOrdinal++
				if err := f.loadCurrentSector(); err != nil {
					return written, err
				}
			} else {
				f.sectorOrdinal++
				if err := f.loadCurrentSector(); err != nil {
					return written, err
				}
			}
		}
	}
	return written, nil
}

func pageHint(flags fatfs.AccessFlags, v *Volume) int {
	if flags.IsFlashOptimized() {
		return v.dev.GetPageSize()
	}
	return 0
}

func (f *File) writeUnbuffered(p []byte) (int, error) {
	sectorSize := int(f.vol.bpb.BytesPerSector)
	if len(p)%sectorSize != 0 {
		return 0, fatfs.ErrMisalignedIO
	}
	written := 0
	for written < len(p) {
		if f.clusterAddr == 0 {
			newCluster, err := f.vol.AllocateClusters(1, false, nil, pageHint(f.flags, f.vol))
			if err != nil {
				return written, err
			}
			f.entry.FirstCluster = newCluster
			f.clusterAddr = newCluster
		}
		if err := f.vol.dev.WriteSector(uint64(f.currentSector()), p[written:written+sectorSize]); err != nil {
			return written, err
		}
		written += sectorSize
		f.cursor += uint32(sectorSize)
		if f.cursor > f.currentSize {
			f.currentSize = f.cursor
		}
		if err := f.advanceSector(); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (f *File) advanceSector() error {
	spc := int(f.vol.bpb.SectorsPerCluster)
	if f.sectorOrdinal == spc-1 {
		entry, err := f.vol.GetClusterEntry(f.clusterAddr)
		if err != nil {
			return err
		}
		if f.vol.isEOC(entry) {
			next, err := f.vol.AllocateClusters(1, false, nil, pageHint(f.flags, f.vol))
			if err != nil {
				return err
			}
			if err := f.vol.SetClusterEntry(f.clusterAddr, uint32(next)); err != nil {
				return err
			}
			entry = uint32(next)
		}
		f.clusterAddr = ClusterID(entry)
		f.sectorOrdinal = 0
		f.clusterOrdinal++
	} else {
		f.sectorOrdinal++
	}
	return nil
}

// Read implements spec §4.5.5: mirror of write, loading the current
// sector into the handle's buffer at each step before copying out of it.
func (f *File) Read(p []byte) (int, error) {
	if f.busy {
		return 0, fatfs.ErrFileHandleInUse
	}
	f.busy = true
	defer func() { f.busy = false }()

	remaining := int(f.currentSize) - int(f.cursor)
	if remaining <= 0 {
		return 0, nil
	}
	toRead := len(p)
	if toRead > remaining {
		toRead = remaining
	}

	if f.flags.IsUnbuffered() {
		return f.readUnbuffered(p[:toRead])
	}

	read := 0
	sectorSize := int(f.vol.bpb.BytesPerSector)
	for read < toRead {
		if err := f.loadCurrentSector(); err != nil {
			return read, err
		}
		n := copy(p[read:toRead], f.buf[f.bufHead:])
		read += n
		f.cursor += uint32(n)
		f.bufHead += n
		if f.bufHead == sectorSize {
			f.bufHead = 0
			if err := f.advanceSector(); err != nil {
				return read, err
			}
		}
	}
	return read, nil
}

func (f *File) readUnbuffered(p []byte) (int, error) {
	sectorSize := int(f.vol.bpb.BytesPerSector)
	if len(p)%sectorSize != 0 {
		return 0, fatfs.ErrMisalignedIO
	}
	read := 0
	for read < len(p) {
		if err := f.vol.dev.ReadSector(uint64(f.currentSector()), p[read:read+sectorSize]); err != nil {
			return read, err
		}
		read += sectorSize
		f.cursor += uint32(sectorSize)
		if err := f.advanceSector(); err != nil {
			return read, err
		}
	}
	return read, nil
}

// Flush implements spec §4.5.6.
func (f *File) Flush() error {
	if f.dirty {
		if err := f.flushCurrentSector(); err != nil {
			return err
		}
		f.dirty = false
	}
	return f.vol.writeEntrySizeAndCluster(&f.entry, f.currentSize, f.entry.FirstCluster)
}

// Close implements spec §4.5.7: seek to the last valid byte, truncate any
// trailing clusters past that point, flush, and invalidate the handle.
// Recomputing the cluster from current_size here (rather than trusting
// wherever the cursor happens to be parked) matters because a short write
// earlier in the handle's life can leave f.clusterAddr well before EOF.
func (f *File) Close() error {
	if f.entry.sfnLocation == (entryLocation{}) && f.entry.ShortName == [11]byte{} {
		return fatfs.ErrInvalidHandle
	}

	if err := f.flushIfDirty(); err != nil {
		return err
	}

	if f.currentSize == 0 {
		if f.entry.FirstCluster != 0 {
			if err := f.vol.FreeChain(f.entry.FirstCluster); err != nil {
				return err
			}
			f.entry.FirstCluster = 0
		}
		f.clusterAddr = 0
	} else {
		bytesPerCluster := int64(f.vol.bpb.BytesPerSector) * int64(f.vol.bpb.SectorsPerCluster)
		clusterOrdinal := int((int64(f.currentSize) - 1) / bytesPerCluster)
		addr, _, err := f.vol.WalkChain(f.entry.FirstCluster, clusterOrdinal)
		if err != nil {
			return err
		}
		f.clusterAddr = addr
	}

	if f.clusterAddr != 0 {
		entry, err := f.vol.GetClusterEntry(f.clusterAddr)
		if err != nil {
			return err
		}
		if !f.vol.isEOC(entry) {
			if err := f.vol.FreeChain(ClusterID(entry)); err != nil {
				return err
			}
			if err := f.vol.SetClusterEntry(f.clusterAddr, eocFor(f.vol.bpb.Variant)); err != nil {
				return err
			}
		}
	}

	if err := f.Flush(); err != nil {
		return err
	}

	f.entry.sfnLocation = entryLocation{}
	f.entry.ShortName = [11]byte{}
	return nil
}

// writeEntrySizeAndCluster patches the size and first-cluster fields of
// entry's on-disk SFN record, and, as a workaround for flash-card
// behavior, rewrites the following sector too (spec §4.5.6).
func (v *Volume) writeEntrySizeAndCluster(entry *resolvedEntry, size uint32, firstCluster ClusterID) error {
	entry.Size = size
	entry.FirstCluster = firstCluster
	date, timeOfDay, _ := fatfs.CurrentFATDateTime()
	entry.ModifyDate = date
	entry.ModifyTime = timeOfDay

	buf := make([]byte, direntSize)
	entry.Dirent.serialize(buf)
	if err := v.writeEntryAt(entry.sfnLocation, buf); err != nil {
		return err
	}

	nextSector := entry.sfnLocation.sector + 1
	workaround := make([]byte, v.bpb.BytesPerSector)
	if err := v.dev.ReadSector(uint64(nextSector), workaround); err == nil {
		v.dev.WriteSector(uint64(nextSector), workaround)
	}
	return nil
}
