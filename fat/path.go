package fat

import (
	"fmt"
	"strings"

	"github.com/kesari/fatfs"
)

const pathSeparator = `\`

// illegalNameChars is the illegal-character set from spec §4.4.3 (dot is
// handled separately).
const illegalNameChars = `"*+,/:;<=>?[\]|`

// maxDirectoryEntries is the absolute ceiling on entries per directory,
// spec §4.4.3.
const maxDirectoryEntries = 0xFFFF

// walkDirectoryRaw invokes fn once per raw 32-byte entry of the directory
// rooted at root (or the fixed FAT12/16 root when isRoot is set), in
// physical order, stopping when fn returns false or an error. sector is the
// absolute sector the entry's 32 bytes live in, needed by callers that must
// rewrite or delete the entry in place. It is the single iteration
// primitive shared by label scanning, path resolution, query iteration, and
// entry creation's short-name uniqueness search.
func (v *Volume) walkDirectoryRaw(root ClusterID, isRoot bool, fn func(sector SectorID, offset int, buf []byte) (bool, error)) error {
	buf := make([]byte, v.bpb.BytesPerSector)

	if isRoot && v.bpb.Variant != fatfs.FAT32 {
		for s := uint32(0); s < v.rootDirSectors; s++ {
			sector := v.rootDirStart + SectorID(s)
			if err := v.dev.ReadSector(uint64(sector), buf); err != nil {
				return err
			}
			for off := 0; off < len(buf); off += direntSize {
				cont, err := fn(sector, off, buf[off:off+direntSize])
				if err != nil || !cont {
					return err
				}
			}
		}
		return nil
	}

	cluster := root
	for {
		first := v.clusterToSector(cluster)
		for s := uint32(0); s < uint32(v.bpb.SectorsPerCluster); s++ {
			sector := first + SectorID(s)
			if err := v.dev.ReadSector(uint64(sector), buf); err != nil {
				return err
			}
			for off := 0; off < len(buf); off += direntSize {
				cont, err := fn(sector, off, buf[off:off+direntSize])
				if err != nil || !cont {
					return err
				}
			}
		}
		entry, err := v.GetClusterEntry(cluster)
		if err != nil {
			return err
		}
		if v.isEOC(entry) {
			return nil
		}
		cluster = ClusterID(entry)
	}
}

// resolvedEntry carries a Dirent plus enough location info to rewrite or
// delete it.
type resolvedEntry struct {
	Dirent
	parent     ClusterID
	parentRoot bool
	sector     SectorID
	byteOffset int
	// lfnLocations records every physical LFN record location that
	// precedes this SFN, for deletion (spec §4.4.4).
	lfnLocations []entryLocation
	sfnLocation  entryLocation
}

type entryLocation struct {
	sector SectorID
	offset int
}

// maxComponentLength returns the build-time pathname component limit: 12
// without LFN support, 260 with it (spec §4.4.1). This engine always
// supports LFN, so it defers to Options.
func (v *Volume) maxComponentLength() int {
	if v.opts.MaxLFNComponentLength > 0 {
		return v.opts.MaxLFNComponentLength
	}
	return 260
}

// Resolve walks path one component at a time from the root, per spec
// §4.4.1.
func (v *Volume) Resolve(path string) (resolvedEntry, error) {
	components := splitPath(path)
	cur := resolvedEntry{Dirent: v.RootDirent(), parentRoot: true}

	for _, comp := range components {
		if comp == "" {
			return resolvedEntry{}, fatfs.ErrInvalidPath
		}
		if len(comp) > v.maxComponentLength() {
			return resolvedEntry{}, fatfs.ErrFilenameTooLong
		}
		next, err := v.lookupChild(cur.FirstCluster, cur.parentRoot, comp)
		if err != nil {
			return resolvedEntry{}, err
		}
		cur = next
	}
	return cur, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, pathSeparator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, pathSeparator)
}

// lookupChild scans one directory level for a child matching name, by
// either its reconstructed long name or its 11-byte SFN (case-insensitive
// ASCII), per spec §4.4.1.
func (v *Volume) lookupChild(dirCluster ClusterID, isRoot bool, name string) (resolvedEntry, error) {
	var found resolvedEntry
	var ok bool

	var pendingLFN []lfnRecord
	var pendingLocs []entryLocation

	sfnCandidate, hasSFNCandidate := build83Shadow(name)

	err := v.walkDirectoryRaw(dirCluster, isRoot, func(sector SectorID, offset int, buf []byte) (bool, error) {
		if buf[0] == 0x00 {
			return false, nil
		}
		loc := entryLocation{sector: sector, offset: offset}

		if buf[0] == 0xE5 {
			pendingLFN = nil
			pendingLocs = nil
			return true, nil
		}
		if isLFNRecord(buf) {
			rec := parseLFN(buf)
			pendingLFN = append(pendingLFN, rec)
			pendingLocs = append(pendingLocs, loc)
			return true, nil
		}

		sfn := parseSFN(buf)
		longName := reconstructLFN(pendingLFN, sfn.ShortName)
		matches := false
		if longName != "" && unicodeEqualFold(longName, name) {
			matches = true
		} else if hasSFNCandidate && asciiEqualFold(render83(sfn.ShortName, 0), render83(sfnCandidate, 0)) {
			matches = true
		} else if asciiEqualFold(render83(sfn.ShortName, sfn.NTReserved), name) {
			matches = true
		}

		if matches {
			sfn.LongName = longName
			found = resolvedEntry{
				Dirent:       sfn,
				parent:       dirCluster,
				parentRoot:   isRoot,
				lfnLocations: append([]entryLocation(nil), pendingLocs...),
				sfnLocation:  loc,
			}
			ok = true
			return false, nil
		}

		pendingLFN = nil
		pendingLocs = nil
		return true, nil
	})

	if err != nil {
		return resolvedEntry{}, err
	}
	if !ok {
		return resolvedEntry{}, fatfs.ErrFileNotFound
	}
	return found, nil
}

// reconstructLFN rebuilds the long name from its physically-ordered (i.e.
// descending-ordinal) LFN records, validating the checksum against sfn.
func reconstructLFN(records []lfnRecord, sfn [11]byte) string {
	if len(records) == 0 {
		return ""
	}
	sum := lfnChecksum(sfn)
	var units []uint16
	// records were appended in physical (descending ordinal) order; the
	// name reads in ascending ordinal order, so walk records in reverse.
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.checksum != sum {
			return ""
		}
		for _, u := range r.units {
			if u == 0x0000 || u == 0xFFFF {
				continue
			}
			units = append(units, u)
		}
	}
	return string(utf16Decode(units))
}

func utf16Decode(units []uint16) []rune {
	// Minimal UCS-2 decode; FAT long names never use surrogate pairs in
	// practice (spec treats them as straight UCS-2), so no surrogate
	// handling is needed.
	out := make([]rune, 0, len(units))
	for _, u := range units {
		out = append(out, rune(u))
	}
	return out
}

// build83Shadow derives an 8.3 candidate per spec §4.4.2: strip spaces and
// dots (except the last), uppercase, truncate to 8+3. Returns ok=false if
// the name needs LFN (contains lowercase, spaces, extra dots, or exceeds
// 8+3) purely as a hint to the caller — the shadow itself is still
// produced either way, since uniqueness search needs it regardless.
func build83Shadow(name string) (sfn [11]byte, ok bool) {
	base, ext := splitExt(name)
	needsLFN := nameNeedsLFN(name, base, ext)

	cleanBase := stripInvalid83(upper83(base))
	cleanExt := stripInvalid83(upper83(ext))

	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[0:8], padOrTruncate(cleanBase, 8))
	copy(out[8:11], padOrTruncate(cleanExt, 3))

	// A name that really starts with 0xE5 would be indistinguishable from
	// a deleted entry (spec §9); the KANJI lead byte convention stores
	// 0x05 on disk instead, translated back by render83 on read.
	if out[0] == 0xE5 {
		out[0] = 0x05
	}

	return out, !needsLFN
}

func splitExt(name string) (base, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

func nameNeedsLFN(full, base, ext string) bool {
	if strings.ContainsAny(full, " ") {
		return true
	}
	if full != strings.ToUpper(full) {
		return true
	}
	if strings.Count(full, ".") > 1 {
		return true
	}
	if len(base) > 8 || len(ext) > 3 {
		return true
	}
	return false
}

func stripInvalid83(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func padOrTruncate(s string, n int) []byte {
	b := []byte(s)
	if len(b) > n {
		b = b[:n]
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, b)
	return out
}

// validateName checks the illegal-character set and control codes from
// spec §4.4.3.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fatfs.ErrInvalidFilename
	}
	for _, r := range name {
		if r < 0x20 {
			return fatfs.ErrIllegalFilename
		}
		if strings.ContainsRune(illegalNameChars, r) {
			return fatfs.ErrIllegalFilename
		}
	}
	return nil
}

// uniqueShortName implements spec §4.4.2's uniqueness search: iterate
// `~N` suffixes until the candidate doesn't collide with any sibling in
// dirCluster.
func (v *Volume) uniqueShortName(dirCluster ClusterID, isRoot bool, base, ext [11]byte) ([11]byte, error) {
	candidate := base
	for n := 1; n < 1_000_000; n++ {
		collision := false
		err := v.walkDirectoryRaw(dirCluster, isRoot, func(sector SectorID, offset int, buf []byte) (bool, error) {
			if buf[0] == 0x00 {
				return false, nil
			}
			if buf[0] == 0xE5 || isLFNRecord(buf) {
				return true, nil
			}
			existing := parseSFN(buf)
			if existing.ShortName == candidate {
				collision = true
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return candidate, err
		}
		if !collision {
			return candidate, nil
		}
		candidate = suffixShortName(base, n+1)
	}
	return candidate, fatfs.ErrFilenameAlreadyExists
}

func suffixShortName(base [11]byte, n int) [11]byte {
	suffix := fmt.Sprintf("~%d", n)
	nameLen := 8 - len(suffix)
	if nameLen < 1 {
		nameLen = 1
	}
	trimmed := strings.TrimRight(string(base[0:8]), " ")
	if len(trimmed) > nameLen {
		trimmed = trimmed[:nameLen]
	}
	out := base
	for i := 0; i < 8; i++ {
		out[i] = ' '
	}
	copy(out[0:8], trimmed+suffix)
	return out
}

// CreateEntry implements spec §4.4.3.
func (v *Volume) CreateEntry(parentPath, name string, attrs byte, firstClusterHint ClusterID) (*Dirent, bool, error) {
	if err := validateName(name); err != nil {
		return nil, false, err
	}

	parent, err := v.Resolve(parentPath)
	if err != nil {
		return nil, false, err
	}
	if !parent.IsDirectory() && parentPath != "" {
		return nil, false, fatfs.ErrNotADirectory
	}

	sfnShadow, fitsIn83 := build83Shadow(name)
	shortened := !fitsIn83
	base := [11]byte{}
	copy(base[:], sfnShadow[:])
	uniqueSFN, err := v.uniqueShortName(parent.FirstCluster, parent.parentRoot, base, [11]byte{})
	if err != nil {
		return nil, false, err
	}

	lfnCount := 0
	if shortened {
		lfnCount = (len(name) + 12) / 13
	}

	firstCluster := firstClusterHint
	isDir := attrs&attrDirectory != 0
	if isDir && firstCluster == 0 {
		parentForDotDot := parent.FirstCluster
		firstCluster, err = v.AllocateClusters(1, true, &parentForDotDot, 0)
		if err != nil {
			return nil, false, err
		}
	}

	date, timeOfDay, tenths := fatfs.CurrentFATDateTime()
	entry := Dirent{
		ShortName:    uniqueSFN,
		Attributes:   attrs,
		FirstCluster: firstCluster,
		CreateDate:   date,
		CreateTime:   timeOfDay,
		CreateTenths: tenths,
		AccessDate:   date,
		ModifyDate:   date,
		ModifyTime:   timeOfDay,
		LongName:     name,
	}
	if !shortened {
		entry.LongName = ""
	}

	if err := v.writeNewEntry(parent.FirstCluster, parent.parentRoot, name, lfnCount, &entry); err != nil {
		return nil, false, err
	}

	return &entry, shortened, nil
}

// writeNewEntry scans for a run of lfnCount+1 consecutive free entries,
// extending the chain if needed, then writes the LFN records (in
// descending-ordinal physical order) followed by the SFN, per spec
// §4.4.3.
func (v *Volume) writeNewEntry(dirCluster ClusterID, isRoot bool, longName string, lfnCount int, entry *Dirent) error {
	checksum := lfnChecksum(entry.ShortName)
	var records []lfnRecord
	if lfnCount > 0 {
		records = buildLFNRecords(longName, checksum)
	}
	total := len(records) + 1

	locs, err := v.findFreeRun(dirCluster, isRoot, total)
	if err != nil {
		return err
	}

	buf := make([]byte, direntSize)
	for i, rec := range records {
		rec.serialize(buf)
		if err := v.writeEntryAt(locs[i], buf); err != nil {
			return err
		}
	}
	entry.serialize(buf)
	if err := v.writeEntryAt(locs[len(records)], buf); err != nil {
		return err
	}
	return nil
}

// buildLFNRecords splits a long name into 13-UCS2-unit chunks and emits
// them with descending ordinals and the "last" bit (0x40) on the first
// physically-stored entry, per spec §3.3/§4.4.3.
func buildLFNRecords(name string, checksum byte) []lfnRecord {
	if name == "" {
		return nil
	}
	runes := []rune(name)
	var chunks [][]uint16
	for i := 0; i < len(runes); i += 13 {
		end := i + 13
		if end > len(runes) {
			end = len(runes)
		}
		chunk := make([]uint16, 13)
		for j := range chunk {
			if i+j < end {
				chunk[j] = uint16(runes[i+j])
			} else if i+j == end {
				chunk[j] = 0x0000
			} else {
				chunk[j] = 0xFFFF
			}
		}
		chunks = append(chunks, chunk)
	}

	records := make([]lfnRecord, len(chunks))
	for i, chunk := range chunks {
		ordinal := byte(i + 1)
		if i == len(chunks)-1 {
			ordinal |= 0x40
		}
		var r lfnRecord
		r.ordinal = ordinal
		copy(r.units[:], chunk)
		r.checksum = checksum
		records[len(chunks)-1-i] = r
	}
	return records
}

// findFreeRun scans dirCluster for `count` consecutive free (0x00 or
// 0xE5) entries, extending the directory's cluster chain if none is found,
// subject to the ceilings in spec §4.4.3.
func (v *Volume) findFreeRun(dirCluster ClusterID, isRoot bool, count int) ([]entryLocation, error) {
	var run []entryLocation
	var total int
	inRootFixed := isRoot && v.bpb.Variant != fatfs.FAT32

	scan := func(sector SectorID, buf []byte) (bool, []entryLocation) {
		for off := 0; off < len(buf); off += direntSize {
			total++
			ceiling := maxDirectoryEntries
			if inRootFixed {
				ceiling = int(v.rootDirSectors) * int(v.bpb.BytesPerSector) / direntSize
			}
			if total > ceiling {
				return false, nil
			}
			if buf[off] == 0x00 || buf[off] == 0xE5 {
				run = append(run, entryLocation{sector: sector, offset: off})
				if len(run) == count {
					return true, run
				}
			} else {
				run = run[:0]
			}
		}
		return false, nil
	}

	if inRootFixed {
		buf := make([]byte, v.bpb.BytesPerSector)
		for s := uint32(0); s < v.rootDirSectors; s++ {
			sector := v.rootDirStart + SectorID(s)
			if err := v.dev.ReadSector(uint64(sector), buf); err != nil {
				return nil, err
			}
			if done, result := scan(sector, buf); done {
				return result, nil
			}
		}
		return nil, fatfs.ErrRootDirectoryLimitExceeded
	}

	cluster := dirCluster
	buf := make([]byte, v.bpb.BytesPerSector)
	for {
		first := v.clusterToSector(cluster)
		for s := uint32(0); s < uint32(v.bpb.SectorsPerCluster); s++ {
			sector := first + SectorID(s)
			if err := v.dev.ReadSector(uint64(sector), buf); err != nil {
				return nil, err
			}
			if done, result := scan(sector, buf); done {
				return result, nil
			}
		}
		entry, err := v.GetClusterEntry(cluster)
		if err != nil {
			return nil, err
		}
		if v.isEOC(entry) {
			next, err := v.AllocateClusters(1, true, nil, 0)
			if err != nil {
				return nil, err
			}
			if err := v.SetClusterEntry(cluster, uint32(next)); err != nil {
				return nil, err
			}
			cluster = next
			run = run[:0]
			continue
		}
		cluster = ClusterID(entry)
	}
}

func (v *Volume) writeEntryAt(loc entryLocation, buf []byte) error {
	sectorBuf := make([]byte, v.bpb.BytesPerSector)
	if err := v.dev.ReadSector(uint64(loc.sector), sectorBuf); err != nil {
		return err
	}
	copy(sectorBuf[loc.offset:loc.offset+direntSize], buf)
	return v.dev.WriteSector(uint64(loc.sector), sectorBuf)
}

// Delete implements spec §4.4.4: mark every LFN and the SFN as 0xE5 and
// free the chain rooted at the SFN's first cluster.
func (v *Volume) Delete(path string) error {
	entry, err := v.Resolve(path)
	if err != nil {
		return err
	}
	if entry.IsDirectory() {
		return fatfs.ErrNotAFile
	}

	if entry.FirstCluster != 0 {
		if err := v.FreeChain(entry.FirstCluster); err != nil {
			return err
		}
	}

	for _, loc := range entry.lfnLocations {
		if err := v.markDeletedAt(loc); err != nil {
			return err
		}
	}
	return v.markDeletedAt(entry.sfnLocation)
}

func (v *Volume) markDeletedAt(loc entryLocation) error {
	sectorBuf := make([]byte, v.bpb.BytesPerSector)
	if err := v.dev.ReadSector(uint64(loc.sector), sectorBuf); err != nil {
		return err
	}
	sectorBuf[loc.offset] = 0xE5
	return v.dev.WriteSector(uint64(loc.sector), sectorBuf)
}

// Rename resolves oldPath, deletes its directory-entry chain and creates a
// new one under newPath's parent/name pointing at the same first cluster
// and size, preserving file contents (the FAT engine has no in-place
// rename primitive since the 8.3/LFN run length can change).
func (v *Volume) Rename(oldPath, newPath string) error {
	old, err := v.Resolve(oldPath)
	if err != nil {
		return err
	}

	newParentPath, newName := splitParentName(newPath)
	parent, err := v.Resolve(newParentPath)
	if err != nil {
		return err
	}

	attrs := old.Attributes
	created, _, err := v.CreateEntry(newParentPath, newName, attrs, old.FirstCluster)
	if err != nil {
		return err
	}
	created.Size = old.Size
	if err := v.rewriteEntry(parent.FirstCluster, parent.parentRoot, created); err != nil {
		return err
	}

	for _, loc := range old.lfnLocations {
		if err := v.markDeletedAt(loc); err != nil {
			return err
		}
	}
	return v.markDeletedAt(old.sfnLocation)
}

func splitParentName(path string) (parent, name string) {
	trimmed := strings.Trim(path, pathSeparator)
	idx := strings.LastIndex(trimmed, pathSeparator)
	if idx < 0 {
		return "", trimmed
	}
	return pathSeparator + trimmed[:idx], trimmed[idx+1:]
}

// rewriteEntry finds created's SFN location again (CreateEntry doesn't
// return it) and patches in its Size field; used by Rename to carry over
// the source file's size, since CreateEntry always writes a fresh zero-size
// entry.
func (v *Volume) rewriteEntry(dirCluster ClusterID, isRoot bool, created *Dirent) error {
	resolved, err := v.lookupChild(dirCluster, isRoot, created.Name())
	if err != nil {
		return err
	}
	resolved.Size = created.Size
	buf := make([]byte, direntSize)
	resolved.serialize(buf)
	return v.writeEntryAt(resolved.sfnLocation, buf)
}
