package fat

import "encoding/binary"

const (
	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000

	fsInfoFreeCountOffset = 488
	fsInfoNextFreeOffset  = 492
)

// FSInfo is the FAT32-only hint sector, spec §6.1.
type FSInfo struct {
	FreeCount uint32 // 0xFFFFFFFF = unknown
	NextFree  uint32 // 0xFFFFFFFF = unknown
	Valid     bool
}

// ParseFSInfo validates the three fixed signatures and extracts the free-
// cluster and next-free hints. A structurally invalid sector (wrong
// signatures) is reported via Valid=false rather than an error: callers
// fall back to recomputing the hints, per spec §4.6's mount algorithm.
func ParseFSInfo(sector []byte) FSInfo {
	lead := binary.LittleEndian.Uint32(sector[0:4])
	structSig := binary.LittleEndian.Uint32(sector[484:488])
	trail := binary.LittleEndian.Uint32(sector[508:512])

	if lead != fsInfoLeadSig || structSig != fsInfoStructSig || trail != fsInfoTrailSig {
		return FSInfo{Valid: false}
	}

	return FSInfo{
		Valid:     true,
		FreeCount: binary.LittleEndian.Uint32(sector[fsInfoFreeCountOffset:]),
		NextFree:  binary.LittleEndian.Uint32(sector[fsInfoNextFreeOffset:]),
	}
}

// Serialize rebuilds a full 512-byte FSInfo sector, signatures included;
// used both by Format and by Dismount when a foreign OS has clobbered the
// signatures (spec §4.6).
func (f FSInfo) Serialize(sector []byte) {
	for i := range sector {
		sector[i] = 0
	}
	binary.LittleEndian.PutUint32(sector[0:4], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(sector[484:488], fsInfoStructSig)
	binary.LittleEndian.PutUint32(sector[fsInfoFreeCountOffset:], f.FreeCount)
	binary.LittleEndian.PutUint32(sector[fsInfoNextFreeOffset:], f.NextFree)
	binary.LittleEndian.PutUint32(sector[508:512], fsInfoTrailSig)
}
