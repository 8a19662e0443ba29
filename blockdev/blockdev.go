// Package blockdev defines the block device interface (BDI) the FAT engine
// is built against, plus the small vocabulary of types its async and
// streaming operations share. Concrete devices live in sibling packages:
// fatfs/memblock for tests and tools, fatfs/sdspi for real hardware.
package blockdev

import "github.com/kesari/fatfs"

// OpState is the caller-owned result word an async operation drives to a
// terminal value. It starts at OpInProgress and is updated in place by the
// device before its completion callback fires, per spec §4.1.1.
type OpState struct {
	Err error
}

// InProgress reports whether the operation this state belongs to has not
// yet reached a terminal result.
func (s *OpState) InProgress() bool {
	return s.Err == fatfs.ErrOpInProgress
}

// NewOpState returns an OpState primed to the in-progress sentinel.
func NewOpState() *OpState {
	return &OpState{Err: fatfs.ErrOpInProgress}
}

// AsyncCallback is invoked exactly once, on the same cooperative thread as
// the tick that completed the operation, per spec §4.1.1.
type AsyncCallback func(state *OpState)

// StreamResponse is returned by a StreamCallback to tell the device how to
// proceed with a multi-sector write, per spec §4.1.1.
type StreamResponse int

const (
	// StreamReady means *buf now points at the next sector to write; the
	// device continues the sequence.
	StreamReady StreamResponse = iota
	// StreamSkip means the caller has no data right now; the device must
	// terminate the sequence cleanly and the operation is re-queued to
	// resume at the next address later.
	StreamSkip
	// StreamStop means the transfer ends here, successfully.
	StreamStop
)

// StreamCallback is invoked once per sector, after that sector has been
// accepted by the device and it has returned to ready. It must return the
// next buffer to write (when responding StreamReady) and the response
// telling the device how to proceed.
type StreamCallback func(state *OpState) (buf []byte, response StreamResponse)

// MediaChangedCallback is invoked with the device's ID and whether media is
// now present, after the change has been debounced across a grace window.
type MediaChangedCallback func(deviceID string, mounted bool)

// BDI is the block device interface every FAT volume is mounted against.
// All sector addresses are absolute device sector numbers; callers
// (fatfs/fat) only ever request whole sectors.
type BDI interface {
	// ReadSector reads exactly one sector of GetSectorSize() bytes into buf.
	ReadSector(addr uint64, buf []byte) error
	// WriteSector writes exactly one sector from buf.
	WriteSector(addr uint64, buf []byte) error

	// ReadSectorAsync/WriteSectorAsync start an asynchronous single-sector
	// transfer. They return fatfs.ErrOpInProgress immediately; state is
	// driven to a terminal error (or nil) and cb is invoked exactly once,
	// no later than the point a caller-driven Tick() call processes the
	// completion.
	ReadSectorAsync(addr uint64, buf []byte, state *OpState, cb AsyncCallback) error
	WriteSectorAsync(addr uint64, buf []byte, state *OpState, cb AsyncCallback) error

	// WriteSectorsStream starts a multi-sector write beginning at addr with
	// firstBuf as the first sector's data. cb is invoked once per sector,
	// after each sector has been accepted and the device is ready again.
	WriteSectorsStream(addr uint64, firstBuf []byte, state *OpState, cb StreamCallback) error

	// EraseSectors is a no-op on non-flash devices; on flash it issues the
	// device's native erase command for the inclusive range [first, last].
	EraseSectors(first, last uint64) error

	// GetSectorSize returns the device's fixed sector size in bytes.
	GetSectorSize() int
	// GetTotalSectors returns the addressable sector count.
	GetTotalSectors() uint64
	// GetPageSize returns the device's natural write page, in sectors: 1
	// for non-flash, the allocation-unit size for SD.
	GetPageSize() int
	// GetDeviceID returns a stable identifier for logging and volume
	// manager registration.
	GetDeviceID() string

	// RegisterMediaChangedCallback installs the callback fired, after
	// debouncing, whenever card presence changes. Passing nil clears it.
	RegisterMediaChangedCallback(cb MediaChangedCallback)

	// Tick drives any pending async/stream state machines one step.
	// Devices with nothing in flight return immediately. This is the Go
	// expression of the cooperative idle_tick() the spec requires callers
	// to invoke repeatedly (spec §5).
	Tick()
}
