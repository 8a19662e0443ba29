package sdspi

import (
	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
)

// WriteSectorsStream starts a CMD25 multi-block write session, spec §4.2.5.
// The session is enqueued like any other request and only actually begins
// once it reaches the head of the queue, preserving submission order.
func (d *Driver) WriteSectorsStream(addr uint64, firstBuf []byte, state *blockdev.OpState, cb blockdev.StreamCallback) error {
	state.Err = fatfs.ErrOpInProgress
	d.queue = append(d.queue, request{
		kind:      reqMultiWrite,
		addr:      addr,
		buf:       firstBuf,
		state:     state,
		streamCb:  cb,
		needsData: false,
	})
	return fatfs.ErrOpInProgress
}

// beginStream issues CMD25 and writes the first block, then hands control
// to stepStream for the remainder.
func (d *Driver) beginStream(req request) {
	d.bus.assert()

	r1, err := d.sendCommand(cmdWriteMultiBlk, d.blockAddress(req.addr))
	if err != nil {
		d.finishStream(req.state, err)
		return
	}
	if translated := r1Error(r1); translated != nil {
		d.finishStream(req.state, fatfs.ErrCannotWriteMedia.Wrap(translated))
		return
	}

	ru := d.GetPageSize()
	if ru <= 0 {
		ru = 1
	}

	buf := req.buf
	if req.needsData {
		// The pump must invoke the stream callback before starting the
		// transfer, per spec §4.2.4's needs_data flag.
		var resp blockdev.StreamResponse
		buf, resp = req.streamCb(req.state)
		if resp != blockdev.StreamReady {
			d.finishStream(req.state, nil)
			return
		}
	}

	d.activeStream = &streamState{
		addr:              req.addr,
		buf:               buf,
		state:             req.state,
		cb:                req.streamCb,
		blocksRemainingRU: ru,
	}
	d.writeStreamBlock()
}

// writeStreamBlock writes the currently buffered sector of the active
// stream and, on success, asks the callback how to proceed.
func (d *Driver) writeStreamBlock() {
	s := d.activeStream
	if err := d.writeDataBlock(tokenBlockStartMulti, s.buf); err != nil {
		d.finishStream(s.state, err)
		return
	}
	if err := d.waitProgrammingComplete(); err != nil {
		d.finishStream(s.state, err)
		return
	}

	s.blocksRemainingRU--

	// If the RU is exhausted and more requests are waiting, force a STOP
	// so the bus doesn't sit idle across an allocation-unit boundary while
	// other work is queued (spec §4.2.5 step 4). This is not the caller
	// asking to stop, so the transfer must resume with a fresh CMD25
	// rather than being reported as finished.
	if s.blocksRemainingRU == 0 && len(d.queue) > 0 {
		d.stopStream(s, stopRUBoundary)
		return
	}

	buf, resp := s.cb(s.state)
	switch resp {
	case blockdev.StreamReady:
		s.addr++
		s.buf = buf
		if s.blocksRemainingRU == 0 {
			ru := d.GetPageSize()
			if ru <= 0 {
				ru = 1
			}
			s.blocksRemainingRU = ru
		}
	case blockdev.StreamSkip:
		d.stopStream(s, stopSkip)
	case blockdev.StreamStop:
		d.stopStream(s, stopCallerStop)
	}
}

// stopReason distinguishes why stopStream was called. Only stopCallerStop
// is a genuine end of the logical transfer; the others must re-queue a
// continuation so the caller's data isn't silently truncated.
type stopReason int

const (
	stopSkip stopReason = iota
	stopCallerStop
	stopRUBoundary
)

// stopStream sends the multi-block stop token, waits for busy-release,
// deasserts CS, and publishes the result. On Skip and on a forced
// RU-boundary stop, the remainder of the logical transfer is re-queued to
// resume at the next address later via a fresh CMD25.
func (d *Driver) stopStream(s *streamState, why stopReason) {
	d.bus.transfer(tokenBlockStopMulti)
	d.bus.transfer(0xFF)
	d.waitProgrammingComplete()
	d.bus.deassert()
	d.activeStream = nil

	if why == stopSkip || why == stopRUBoundary {
		d.queue = append(d.queue, request{
			kind:      reqMultiWrite,
			addr:      s.addr + 1,
			state:     s.state,
			streamCb:  s.cb,
			needsData: true,
		})
		return
	}
	s.state.Err = nil
}

// stepStream is called from Tick() whenever a stream is in progress; it
// writes the block already buffered in the stream state, and
// writeStreamBlock then asks the callback how to proceed.
func (d *Driver) stepStream() {
	s := d.activeStream
	if s == nil {
		return
	}
	d.writeStreamBlock()
}

func (d *Driver) finishStream(state *blockdev.OpState, err error) {
	d.bus.deassert()
	d.activeStream = nil
	state.Err = err
}
