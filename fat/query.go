package fat

import (
	"github.com/kesari/fatfs"
	"golang.org/x/exp/slices"
)

// QueryAttrMask controls which normally-hidden entries find_first/
// find_next will yield, spec §4.4.5: hidden/system/volume-id entries are
// returned only when the corresponding bit is explicitly set. Raw long-name
// records are never returned; there is no mask bit for them.
type QueryAttrMask byte

const (
	QueryIncludeHidden   QueryAttrMask = attrHidden
	QueryIncludeSystem   QueryAttrMask = attrSystem
	QueryIncludeVolumeID QueryAttrMask = attrVolumeID
)

// QueryState is the directory iteration cursor, spec §3.5.
type QueryState struct {
	v          *Volume
	dirCluster ClusterID
	isRoot     bool
	mask       QueryAttrMask

	entries []Dirent
	pos     int
}

// FindFirst opens an iterator over dirPath's children, spec §4.4.5.
func (v *Volume) FindFirst(dirPath string, mask QueryAttrMask) (*QueryState, error) {
	dir, err := v.Resolve(dirPath)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory() && dirPath != "" {
		return nil, fatfs.ErrNotADirectory
	}

	entries, err := v.collectEntries(dir.FirstCluster, dir.parentRoot, mask)
	if err != nil {
		return nil, err
	}
	return &QueryState{v: v, dirCluster: dir.FirstCluster, isRoot: dir.parentRoot, mask: mask, entries: entries}, nil
}

// FindNext advances the iterator, returning (nil, false, nil) when
// exhausted rather than an error: running out of entries isn't a failure.
func (q *QueryState) FindNext() (*Dirent, bool, error) {
	if q.pos >= len(q.entries) {
		return nil, false, nil
	}
	e := q.entries[q.pos]
	q.pos++
	return &e, true, nil
}

// FindClose releases the iterator. There's no OS handle to release in
// this implementation; it exists for API parity with spec §6.3.
func (q *QueryState) FindClose() {
	q.entries = nil
}

// collectEntries walks the directory once, reconstructing long names and
// filtering by mask, per spec §4.4.5's clear-staging-buffer-on-checksum-
// break rule.
func (v *Volume) collectEntries(dirCluster ClusterID, isRoot bool, mask QueryAttrMask) ([]Dirent, error) {
	var out []Dirent
	var pendingLFN []lfnRecord

	err := v.walkDirectoryRaw(dirCluster, isRoot, func(sector SectorID, offset int, buf []byte) (bool, error) {
		if buf[0] == 0x00 {
			return false, nil
		}
		if buf[0] == 0xE5 {
			pendingLFN = nil
			return true, nil
		}
		if isLFNRecord(buf) {
			pendingLFN = append(pendingLFN, parseLFN(buf))
			return true, nil
		}

		sfn := parseSFN(buf)
		longName := reconstructLFN(pendingLFN, sfn.ShortName)
		pendingLFN = nil

		if longName == "" && sfn.NTReserved&(reservedLowerBase|reservedLowerExt) != 0 {
			// Synthesize the lowercase long name for an SFN-only entry
			// whose reserved byte encodes lowercase hints, per spec
			// §4.4.5.
			longName = render83(sfn.ShortName, sfn.NTReserved)
		}
		sfn.LongName = longName

		if !entryPassesMask(sfn.Attributes, mask) {
			return true, nil
		}
		out = append(out, sfn)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// gatedAttrs is hidden/system/volume-id: each is suppressed unless the
// caller's mask explicitly sets the matching bit, per spec §4.4.5.
var gatedAttrs = []byte{attrHidden, attrSystem, attrVolumeID}

// entryPassesMask implements the visibility rule in spec §4.4.5.
func entryPassesMask(attrs byte, mask QueryAttrMask) bool {
	if attrs == attrLongName {
		return false
	}
	gated := slices.IndexFunc(gatedAttrs, func(bit byte) bool {
		return attrs&bit != 0 && byte(mask)&bit == 0
	})
	return gated == -1
}
