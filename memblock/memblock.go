// Package memblock is an in-memory (or file-backed) block device, used by
// the fat package's tests and by cmd/fatctl when no real SD card is
// attached. It adapts the teacher's BlockStream bounds-checking logic onto
// the fatfs/blockdev.BDI interface, and tracks a dirty-sector bitmap the
// way a flash translation layer would.
package memblock

import (
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
)

// Device is a blockdev.BDI backed by an io.ReadWriteSeeker: a
// bytesextra.ReadWriteSeeker over a byte slice in tests, or an *os.File for
// the CLI. Async operations complete synchronously the instant Tick() is
// invoked: there is no real latency to model, but the same submission-order
// guarantees the spec requires of a real device are preserved.
type Device struct {
	mu         sync.Mutex
	stream     io.ReadWriteSeeker
	sectorSize int
	totalSecs  uint64
	pageSize   int
	deviceID   string

	// dirty tracks which sectors have been written at least once. It isn't
	// load-bearing for correctness; it exists so tests and the CLI can
	// report how much of a freshly-formatted image is touched, mirroring
	// the allocation bitmaps a real flash device keeps for wear leveling.
	dirty bitmap.Bitmap

	mediaCB blockdev.MediaChangedCallback
	mounted bool

	pending []pendingOp
}

type pendingOp struct {
	kind pendingKind
	run  func()
}

type pendingKind int

const (
	pendingAsync pendingKind = iota
	pendingStream
)

// New wraps stream as a BDI with the given geometry. pageSize is in
// sectors; pass 1 for non-flash media.
func New(deviceID string, stream io.ReadWriteSeeker, sectorSize int, totalSectors uint64, pageSize int) *Device {
	return &Device{
		stream:     stream,
		sectorSize: sectorSize,
		totalSecs:  totalSectors,
		pageSize:   pageSize,
		deviceID:   deviceID,
		dirty:      bitmap.New(int(totalSectors)),
		mounted:    true,
	}
}

func (d *Device) offset(addr uint64) (int64, error) {
	if addr >= d.totalSecs {
		return 0, fatfs.ErrAddressError.WithMessage(
			fmt.Sprintf("sector %d out of range [0, %d)", addr, d.totalSecs))
	}
	return int64(addr) * int64(d.sectorSize), nil
}

func (d *Device) ReadSector(addr uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readSectorLocked(addr, buf)
}

func (d *Device) readSectorLocked(addr uint64, buf []byte) error {
	if len(buf) != d.sectorSize {
		return fatfs.ErrBufferTooBig.WithMessage("buffer must be exactly one sector")
	}
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if _, err := d.stream.Seek(off, io.SeekStart); err != nil {
		return fatfs.ErrCannotReadMedia.Wrap(err)
	}
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return fatfs.ErrCannotReadMedia.Wrap(err)
	}
	return nil
}

func (d *Device) WriteSector(addr uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeSectorLocked(addr, buf)
}

func (d *Device) writeSectorLocked(addr uint64, buf []byte) error {
	if len(buf) != d.sectorSize {
		return fatfs.ErrBufferTooBig.WithMessage("buffer must be exactly one sector")
	}
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if _, err := d.stream.Seek(off, io.SeekStart); err != nil {
		return fatfs.ErrCannotWriteMedia.Wrap(err)
	}
	if _, err := d.stream.Write(buf); err != nil {
		return fatfs.ErrCannotWriteMedia.Wrap(err)
	}
	d.dirty.Set(int(addr), true)
	return nil
}

// ReadSectorAsync queues a read that completes on the next Tick().
func (d *Device) ReadSectorAsync(addr uint64, buf []byte, state *blockdev.OpState, cb blockdev.AsyncCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state.Err = fatfs.ErrOpInProgress
	d.pending = append(d.pending, pendingOp{kind: pendingAsync, run: func() {
		err := d.ReadSector(addr, buf)
		state.Err = err
		if cb != nil {
			cb(state)
		}
	}})
	return fatfs.ErrOpInProgress
}

// WriteSectorAsync queues a write that completes on the next Tick().
func (d *Device) WriteSectorAsync(addr uint64, buf []byte, state *blockdev.OpState, cb blockdev.AsyncCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state.Err = fatfs.ErrOpInProgress
	d.pending = append(d.pending, pendingOp{kind: pendingAsync, run: func() {
		err := d.WriteSector(addr, buf)
		state.Err = err
		if cb != nil {
			cb(state)
		}
	}})
	return fatfs.ErrOpInProgress
}

// WriteSectorsStream drives the StreamCallback protocol to completion the
// next time Tick() runs: it keeps asking the callback for the next sector
// until it responds Stop or Skip, honoring READY/SKIP/STOP exactly as a
// real device's multi-block state machine would (spec §4.1.1, §4.2.5).
func (d *Device) WriteSectorsStream(addr uint64, firstBuf []byte, state *blockdev.OpState, cb blockdev.StreamCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state.Err = fatfs.ErrOpInProgress
	d.pending = append(d.pending, pendingOp{kind: pendingStream, run: func() {
		cur := addr
		buf := firstBuf
		for {
			if err := d.WriteSector(cur, buf); err != nil {
				state.Err = err
				return
			}
			nextBuf, resp := cb(state)
			switch resp {
			case blockdev.StreamStop:
				state.Err = nil
				return
			case blockdev.StreamSkip:
				// End this sequence and re-queue the rest of the transfer
				// to resume at the next address on a later Tick().
				next := cur + 1
				d.mu.Lock()
				d.pending = append(d.pending, pendingOp{kind: pendingStream, run: func() {
					nextBuf, resp := cb(state)
					if resp != blockdev.StreamReady {
						state.Err = nil
						return
					}
					d.WriteSectorsStream(next, nextBuf, state, cb)
				}})
				d.mu.Unlock()
				return
			default: // StreamReady
				cur++
				if cur >= d.totalSecs {
					state.Err = fatfs.ErrAddressError
					return
				}
				buf = nextBuf
			}
		}
	}})
	return fatfs.ErrOpInProgress
}

func (d *Device) EraseSectors(first, last uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	zero := make([]byte, d.sectorSize)
	for addr := first; addr <= last; addr++ {
		if err := d.writeSectorLocked(addr, zero); err != nil {
			return err
		}
		d.dirty.Set(int(addr), false)
	}
	return nil
}

func (d *Device) GetSectorSize() int      { return d.sectorSize }
func (d *Device) GetTotalSectors() uint64 { return d.totalSecs }
func (d *Device) GetPageSize() int        { return d.pageSize }
func (d *Device) GetDeviceID() string     { return d.deviceID }

func (d *Device) RegisterMediaChangedCallback(cb blockdev.MediaChangedCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mediaCB = cb
}

// SetMounted lets tests and the CLI simulate media insertion/removal; the
// registered callback fires synchronously (there's no debounce window to
// model for an in-memory device).
func (d *Device) SetMounted(mounted bool) {
	d.mu.Lock()
	cb := d.mediaCB
	changed := mounted != d.mounted
	d.mounted = mounted
	d.mu.Unlock()
	if changed && cb != nil {
		cb(d.deviceID, mounted)
	}
}

// Tick runs every queued async/stream operation to completion, in FIFO
// order, matching the spec's submission-order guarantee (§4.1.2).
func (d *Device) Tick() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, op := range pending {
		op.run()
	}
}

var _ blockdev.BDI = (*Device)(nil)
