package fatfs

// AccessFlags controls how a file is opened. It mirrors spec §3.4: every
// handle can read, and a handful of flags combine to describe write
// semantics plus two embedded-specific hints.
type AccessFlags uint8

const (
	// Read grants read access. It's implicit on every handle, but is defined
	// explicitly so callers can write e.g. Read|Write.
	Read AccessFlags = 1 << iota
	// Write grants write access to existing clusters.
	Write
	// Append positions the cursor at end of file when the file is opened.
	Append
	// Overwrite truncates the file to zero length on open.
	Overwrite
	// Create creates the file if it doesn't already exist.
	Create
	// NoBuffering requires every I/O to be sector-aligned and bypasses the
	// handle's internal sector buffer, reading/writing directly into the
	// caller's buffer.
	NoBuffering
	// OptimizeForFlash page-aligns new cluster allocations; clusters are not
	// erased before use.
	OptimizeForFlash
)

// Normalize applies the derived rules from spec §3.4: Create, Append, and
// Overwrite all imply Write, and Read is always present.
func (f AccessFlags) Normalize() AccessFlags {
	f |= Read
	if f&(Create|Append|Overwrite) != 0 {
		f |= Write
	}
	return f
}

func (f AccessFlags) CanRead() bool      { return f&Read != 0 }
func (f AccessFlags) CanWrite() bool     { return f&Write != 0 }
func (f AccessFlags) IsAppend() bool     { return f&Append != 0 }
func (f AccessFlags) IsOverwrite() bool  { return f&Overwrite != 0 }
func (f AccessFlags) IsCreate() bool     { return f&Create != 0 }
func (f AccessFlags) IsUnbuffered() bool { return f&NoBuffering != 0 }
func (f AccessFlags) IsFlashOptimized() bool { return f&OptimizeForFlash != 0 }

// SeekMode mirrors spec §4.5.2.
type SeekMode int

const (
	SeekStart SeekMode = iota
	SeekCurrent
	SeekEnd
)

// Variant identifies which of the three on-disk FAT layouts a volume uses.
type Variant int

const (
	FAT12 Variant = 12
	FAT16 Variant = 16
	FAT32 Variant = 32
)

func (v Variant) String() string {
	switch v {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "FAT?"
	}
}

// VariantFromClusterCount implements the rule in spec §3.1: the variant is
// derived strictly from the cluster count, never stored or trusted from the
// BPB directly.
func VariantFromClusterCount(countOfClusters uint32) Variant {
	switch {
	case countOfClusters < 4085:
		return FAT12
	case countOfClusters < 65525:
		return FAT16
	default:
		return FAT32
	}
}
