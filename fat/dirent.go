package fat

import (
	"encoding/binary"
	"strings"

	"github.com/kesari/fatfs"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Attribute flags, spec §3.3.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	// Reserved-byte "lowercase" hints, NT byte at offset 12 (spec §3.3).
	reservedLowerExt  = 0x10
	reservedLowerBase = 0x08
)

const direntSize = 32

// Dirent is the engine's in-memory view of a resolved short-name
// directory entry, with its long name (if any) already reconstructed.
type Dirent struct {
	LongName     string
	ShortName    [11]byte // 8+3, space padded
	Attributes   byte
	NTReserved   byte
	FirstCluster ClusterID
	Size         uint32
	CreateDate   uint16
	CreateTime   uint16
	CreateTenths uint8
	AccessDate   uint16
	ModifyDate   uint16
	ModifyTime   uint16

	// location is where this entry's SFN record lives on disk: the
	// cluster/sector/offset triple needed to rewrite it in place.
location directoryLocation
}

type directoryLocation struct {
	cluster    ClusterID // 0 for a fixed FAT12/16 root
	sectorOrd  int
	entryIndex int
}

func (d *Dirent) IsDirectory() bool { return d.Attributes&attrDirectory != 0 }
func (d *Dirent) IsVolumeID() bool  { return d.Attributes&attrVolumeID != 0 }

// IsDeleted checks the raw on-disk lead byte. A name that really starts
// with 0xE5 is never stored that way on disk in the first place (see
// build83Shadow's KANJI lead byte substitution), so 0xE5 here is
// unambiguously the deleted-entry marker.
func (d *Dirent) IsDeleted() bool { return d.ShortName[0] == 0xE5 }
func (d *Dirent) IsFree() bool    { return d.ShortName[0] == 0x00 }

// Name returns the long name if one was reconstructed, falling back to the
// cleaned-up 8.3 rendering (applying the lowercase hints from the reserved
// byte, spec §3.3).
func (d *Dirent) Name() string {
	if d.LongName != "" {
		return d.LongName
	}
	return render83(d.ShortName, d.NTReserved)
}

func render83(sfn [11]byte, ntReserved byte) string {
	// Undo the KANJI lead byte substitution: a name whose real first byte
	// is 0xE5 is stored on disk as 0x05 so it isn't mistaken for a
	// deleted entry (spec §9, fat.c fat_get_short_name_from_entry).
	if sfn[0] == 0x05 {
		sfn[0] = 0xE5
	}
	base := strings.TrimRight(string(sfn[0:8]), " ")
	ext := strings.TrimRight(string(sfn[8:11]), " ")
	if ntReserved&reservedLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if ntReserved&reservedLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// newDirentEntry builds a minimal SFN-only Dirent, used for `.`/`..` and
// internally by create_entry before long-name decoration is attached.
func newDirentEntry(sfn string, attrs byte, firstCluster ClusterID, size uint32) Dirent {
	var name [11]byte
	copy(name[:], []byte(sfn))
	date, timeOfDay, tenths := currentFATDateTimeHook()
	return Dirent{
		ShortName:    name,
		Attributes:   attrs,
		FirstCluster: firstCluster,
		Size:         size,
		CreateDate:   date,
		CreateTime:   timeOfDay,
		CreateTenths: tenths,
		AccessDate:   date,
		ModifyDate:   date,
		ModifyTime:   timeOfDay,
	}
}

// serialize writes the 32-byte SFN record into buf.
func (d *Dirent) serialize(buf []byte) {
	copy(buf[0:11], d.ShortName[:])
	buf[11] = d.Attributes
	buf[12] = d.NTReserved
	buf[13] = d.CreateTenths
	binary.LittleEndian.PutUint16(buf[14:16], d.CreateTime)
	binary.LittleEndian.PutUint16(buf[16:18], d.CreateDate)
	binary.LittleEndian.PutUint16(buf[18:20], d.AccessDate)
	binary.LittleEndian.PutUint16(buf[20:22], uint16(uint32(d.FirstCluster)>>16))
	binary.LittleEndian.PutUint16(buf[22:24], d.ModifyTime)
	binary.LittleEndian.PutUint16(buf[24:26], d.ModifyDate)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(d.FirstCluster))
	binary.LittleEndian.PutUint32(buf[28:32], d.Size)
}

// parseSFN reads a 32-byte record as an SFN entry. It does not reconstruct
// the long name; that's path.go/query.go's job as it walks the preceding
// LFN chain.
func parseSFN(buf []byte) Dirent {
	var d Dirent
	copy(d.ShortName[:], buf[0:11])
	d.Attributes = buf[11]
	d.NTReserved = buf[12]
	d.CreateTenths = buf[13]
	d.CreateTime = binary.LittleEndian.Uint16(buf[14:16])
	d.CreateDate = binary.LittleEndian.Uint16(buf[16:18])
	d.AccessDate = binary.LittleEndian.Uint16(buf[18:20])
	hi := binary.LittleEndian.Uint16(buf[20:22])
	d.ModifyTime = binary.LittleEndian.Uint16(buf[22:24])
	d.ModifyDate = binary.LittleEndian.Uint16(buf[24:26])
	lo := binary.LittleEndian.Uint16(buf[26:28])
	d.FirstCluster = ClusterID(uint32(hi)<<16 | uint32(lo))
	d.Size = binary.LittleEndian.Uint32(buf[28:32])
	return d
}

// isLFNRecord reports whether a raw 32-byte record is a long-name entry
// rather than a short one (attribute byte == 0x0F exactly).
func isLFNRecord(buf []byte) bool {
	return buf[11] == attrLongName
}

// lfnRecord is one physical 32-byte long-name entry.
type lfnRecord struct {
	ordinal  byte // low 5 bits; bit 6 set on the first physically-stored entry
	units    [13]uint16
	checksum byte
}

func parseLFN(buf []byte) lfnRecord {
	var r lfnRecord
	r.ordinal = buf[0]
	idx := 0
	for _, off := range []int{1, 3, 5, 7, 9} {
		r.units[idx] = binary.LittleEndian.Uint16(buf[off:])
		idx++
	}
	r.checksum = buf[13]
	for _, off := range []int{14, 16, 18, 20, 22, 24} {
		r.units[idx] = binary.LittleEndian.Uint16(buf[off:])
		idx++
	}
	for _, off := range []int{28, 30} {
		r.units[idx] = binary.LittleEndian.Uint16(buf[off:])
		idx++
	}
	return r
}

func (r lfnRecord) serialize(buf []byte) {
	buf[0] = r.ordinal
	idx := 0
	for _, off := range []int{1, 3, 5, 7, 9} {
		binary.LittleEndian.PutUint16(buf[off:], r.units[idx])
		idx++
	}
	buf[11] = attrLongName
	buf[12] = 0
	buf[13] = r.checksum
	for _, off := range []int{14, 16, 18, 20, 22, 24} {
		binary.LittleEndian.PutUint16(buf[off:], r.units[idx])
		idx++
	}
	binary.LittleEndian.PutUint16(buf[26:28], 0)
	for _, off := range []int{28, 30} {
		binary.LittleEndian.PutUint16(buf[off:], r.units[idx])
		idx++
	}
}

// lfnChecksum implements spec §3.3/§8: fold(rotate_right_8(acc)+name[i])
// over the 11-byte SFN name.
func lfnChecksum(sfn [11]byte) byte {
	var sum byte
	for _, b := range sfn {
		sum = (sum>>1 | sum<<7) + b
	}
	return sum
}

var foldCaser = cases.Fold(cases.Compact)
var upperCaser = cases.Upper(language.Und)

// asciiEqualFold does case-insensitive ASCII comparison for 8.3 matching
// (spec §4.4.1); full Unicode case folding (for long-name matching) uses
// golang.org/x/text/cases via foldCaser instead.
func asciiEqualFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

func unicodeEqualFold(a, b string) bool {
	return foldCaser.String(a) == foldCaser.String(b)
}

// upper83 uppercases a long-name component the way 8.3 shadow generation
// requires (spec §4.4.2), using Unicode-aware case mapping rather than
// ASCII-only folding so non-Latin scripts degrade the same way a real
// VFAT implementation's OEM code page conversion would.
func upper83(s string) string {
	return upperCaser.String(s)
}

// currentFATDateTimeHook indirects to the root package's RTC-backed clock
// so the fat package doesn't need its own copy of the fallback-timestamp
// logic (spec §4.4.3).
func currentFATDateTimeHook() (uint16, uint16, uint8) {
	return fatfs.CurrentFATDateTime()
}
