package sdspi

import (
	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
)

// ReadSector issues CMD17 and reads the single returned data block.
func (d *Driver) ReadSector(addr uint64, buf []byte) error {
	if len(buf) != d.GetSectorSize() {
		return fatfs.ErrBufferTooBig.WithMessage("buffer must be exactly one sector")
	}
	d.bus.assert()
	defer d.bus.deassert()

	r1, err := d.sendCommand(cmdReadSingleBlk, d.blockAddress(addr))
	if err != nil {
		return err
	}
	if translated := r1Error(r1); translated != nil {
		return fatfs.ErrCannotReadMedia.Wrap(translated)
	}
	if err := d.readDataBlock(buf); err != nil {
		return fatfs.ErrCannotReadMedia.Wrap(err)
	}
	return nil
}

// WriteSector issues CMD24 and writes a single data block, per spec
// §4.2.3: token, data, CRC, then poll the data-response token and the
// busy-release signal.
func (d *Driver) WriteSector(addr uint64, buf []byte) error {
	if len(buf) != d.GetSectorSize() {
		return fatfs.ErrBufferTooBig.WithMessage("buffer must be exactly one sector")
	}
	d.bus.assert()
	defer d.bus.deassert()

	r1, err := d.sendCommand(cmdWriteSingleBlk, d.blockAddress(addr))
	if err != nil {
		return err
	}
	if translated := r1Error(r1); translated != nil {
		return fatfs.ErrCannotWriteMedia.Wrap(translated)
	}

	if err := d.writeDataBlock(tokenBlockStart, buf); err != nil {
		return err
	}
	return d.waitProgrammingComplete()
}

// writeDataBlock sends a start token, the block, a (dummy) CRC, then reads
// and validates the data-response token.
func (d *Driver) writeDataBlock(token byte, buf []byte) error {
	d.bus.transfer(token)
	for _, b := range buf {
		d.bus.transfer(b)
	}
	d.bus.transfer(0xFF)
	d.bus.transfer(0xFF)

	resp, ok := d.bus.pollForByte(d.timeoutBudget(), func(v byte) bool { return v != 0xFF })
	if !ok {
		return fatfs.ErrTimeout
	}
	switch resp & dataResponseMask {
	case dataResponseAccepted:
		return nil
	case dataResponseCRCError:
		return fatfs.ErrCrcError
	case dataResponseWriteErr:
		return fatfs.ErrCannotWriteMedia.WithMessage("write rejected")
	default:
		return fatfs.ErrCannotWriteMedia.WithMessage("unrecognized data response")
	}
}

// waitProgrammingComplete polls for the card to release the busy line
// (MISO goes non-zero) after accepting a data block.
func (d *Driver) waitProgrammingComplete() error {
	_, ok := d.bus.pollForByte(d.timeoutBudget(), func(v byte) bool { return v != 0x00 })
	if !ok {
		return fatfs.ErrTimeout
	}
	return nil
}

// ReadSectorAsync enqueues a read; Tick() services it.
func (d *Driver) ReadSectorAsync(addr uint64, buf []byte, state *blockdev.OpState, cb blockdev.AsyncCallback) error {
	state.Err = fatfs.ErrOpInProgress
	d.queue = append(d.queue, request{kind: reqRead, addr: addr, buf: buf, state: state, cb: cb})
	return fatfs.ErrOpInProgress
}

// WriteSectorAsync enqueues a write; Tick() services it.
func (d *Driver) WriteSectorAsync(addr uint64, buf []byte, state *blockdev.OpState, cb blockdev.AsyncCallback) error {
	state.Err = fatfs.ErrOpInProgress
	d.queue = append(d.queue, request{kind: reqWrite, addr: addr, buf: buf, state: state, cb: cb})
	return fatfs.ErrOpInProgress
}

// EraseSectors issues CMD32/CMD33/CMD38, spec §4.1.1.
func (d *Driver) EraseSectors(first, last uint64) error {
	d.bus.assert()
	defer d.bus.deassert()

	r1, err := d.sendCommand(cmdEraseStart, d.blockAddress(first))
	if err != nil {
		return err
	}
	if translated := r1Error(r1); translated != nil {
		return translated
	}
	r1, err = d.sendCommand(cmdEraseEnd, d.blockAddress(last))
	if err != nil {
		return err
	}
	if translated := r1Error(r1); translated != nil {
		return translated
	}
	r1, err = d.sendCommand(cmdErase, 0)
	if err != nil {
		return err
	}
	if translated := r1Error(r1); translated != nil {
		return translated
	}
	return d.waitProgrammingComplete()
}

// Tick drives the request queue and any in-flight multi-block write,
// servicing either one step of the active stream or, when no stream is
// active, the head-of-queue request, per tick — the cooperative model in spec §5 requires no
// operation to block the caller's main loop for long.
func (d *Driver) Tick() {
	d.tickMedia()

	if d.activeStream != nil {
		d.stepStream()
		return
	}

	if len(d.queue) == 0 {
		return
	}

	req := d.queue[0]
	d.queue = d.queue[1:]

	switch req.kind {
	case reqRead:
		err := d.ReadSector(req.addr, req.buf)
		req.state.Err = err
		if req.cb != nil {
			req.cb(req.state)
		}
	case reqWrite:
		err := d.WriteSector(req.addr, req.buf)
		req.state.Err = err
		if req.cb != nil {
			req.cb(req.state)
		}
	case reqMultiWrite:
		d.beginStream(req)
	}
}

// tickMedia debounces a pending media-presence flip across
// MediaDebounceTicks ticks before firing the callback, per spec §4.1.1.
func (d *Driver) tickMedia() {
	if d.pendingMedia == d.mediaPresent {
		d.debounceCounter = 0
		return
	}
	d.debounceCounter++
	window := d.opts.MediaDebounceTicks
	if window <= 0 {
		window = 1
	}
	if d.debounceCounter >= window {
		d.mediaPresent = d.pendingMedia
		d.debounceCounter = 0
		if d.mediaCB != nil {
			d.mediaCB(d.deviceID, d.mediaPresent)
		}
	}
}

// SetMediaPresent lets the platform's card-detect line feed presence
// changes in; the debounce logic in Tick() decides when (or whether) to
// report it.
func (d *Driver) SetMediaPresent(present bool) {
	d.pendingMedia = present
}
