package fat

import (
	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
)

// asyncOpKind distinguishes the two async jump tables a file handle can be
// running, spec §4.5.3/§4.5.4.
type asyncOpKind int

const (
	asyncNone asyncOpKind = iota
	asyncWrite
	asyncRead
	asyncStream
)

// asyncState is the tagged-state-enum the design notes (spec §9) call for:
// a poll() step driven by the device's Tick(), rather than a goto-based
// state machine.
type asyncState int

const (
	stateBegin asyncState = iota
	stateAwaitingIO
	stateDone
)

// asyncOp holds an in-flight async read/write/stream's parameters, spec
// §3.4's "operation-state sub-record".
type asyncOp struct {
	kind  asyncOpKind
	state asyncState

	data      []byte
	offset    int
	devState  *blockdev.OpState
	err       error
	onDone    func(error)

	// stream-only fields.
	streamPos int
}

// WriteAsync starts an asynchronous buffered write, spec §4.5.3. The
// caller must invoke Poll() (directly, or indirectly via the device's
// Tick()) until it returns a terminal error other than
// fatfs.ErrOpInProgress.
func (f *File) WriteAsync(p []byte, onDone func(error)) error {
	if f.op != nil {
		return fatfs.ErrFileHandleInUse
	}
	if !f.flags.CanWrite() {
		return fatfs.ErrFileNotOpenedForWriteAccess
	}
	f.op = &asyncOp{kind: asyncWrite, state: stateBegin, data: p, onDone: onDone}
	return f.Poll()
}

// ReadAsync starts an asynchronous buffered read, mirroring WriteAsync.
func (f *File) ReadAsync(p []byte, onDone func(error)) error {
	if f.op != nil {
		return fatfs.ErrFileHandleInUse
	}
	f.op = &asyncOp{kind: asyncRead, state: stateBegin, data: p, onDone: onDone}
	return f.Poll()
}

// Poll advances the file's in-flight async operation one step. It's safe
// to call repeatedly (e.g. from a scheduler's tick loop); once the
// operation finishes it invokes onDone and returns the terminal error (nil
// on success).
func (f *File) Poll() error {
	op := f.op
	if op == nil {
		return fatfs.ErrIdle
	}

	switch op.state {
	case stateBegin:
		var n int
		var err error
		switch op.kind {
		case asyncWrite:
			n, err = f.Write(op.data[op.offset:])
		case asyncRead:
			n, err = f.Read(op.data[op.offset:])
		}
		op.offset += n
		if err != nil {
			return f.finishAsync(err)
		}
		if op.offset >= len(op.data) {
			return f.finishAsync(nil)
		}
		// Part of the data is still outstanding: report in-progress now;
		// the next Poll() moves back to stateBegin and issues a Write/Read
		// for the remainder.
		op.state = stateAwaitingIO
		return fatfs.ErrOpInProgress
	case stateAwaitingIO:
		op.state = stateBegin
		return fatfs.ErrOpInProgress
	default:
		return fatfs.ErrIdle
	}
}

func (f *File) finishAsync(err error) error {
	op := f.op
	f.op = nil
	if op.onDone != nil {
		op.onDone(err)
	}
	return err
}

// StreamWrite implements spec §4.5.4: preconditions are that the file
// already has at least one cluster and Alloc(length) succeeded. It drives
// the BDI's WriteSectorsStream, supplying sectors out of data as the
// device requests them and following cluster boundaries by allocating
// ahead of the cursor exactly as the buffered writer does.
func (f *File) StreamWrite(data []byte) error {
	if !f.flags.CanWrite() {
		return fatfs.ErrFileNotOpenedForWriteAccess
	}
	if f.entry.FirstCluster == 0 {
		return fatfs.ErrInvalidParameters
	}

	sectorSize := int(f.vol.bpb.BytesPerSector)
	if len(data)%sectorSize != 0 {
		return fatfs.ErrMisalignedIO
	}

	pos := sectorSize // first sector already consumed as firstBuf below
	state := blockdev.NewOpState()

	cb := func(devState *blockdev.OpState) ([]byte, blockdev.StreamResponse) {
		if pos >= len(data) {
			return nil, blockdev.StreamStop
		}
		if err := f.advanceSector(); err != nil {
			devState.Err = err
			return nil, blockdev.StreamStop
		}
		buf := data[pos : pos+sectorSize]
		pos += sectorSize
		return buf, blockdev.StreamReady
	}

	err := f.vol.dev.WriteSectorsStream(uint64(f.currentSector()), data[:sectorSize], state, cb)
	if err != fatfs.ErrOpInProgress && err != nil {
		return err
	}

	// Drain the device's queue synchronously: StreamWrite ticks the device
	// itself until the stream finishes, so it returns only after the whole
	// transfer has completed, like a blocking write.
	for state.InProgress() {
		f.vol.dev.Tick()
	}

	f.cursor += uint32(len(data))
	if f.cursor > f.currentSize {
		f.currentSize = f.cursor
	}
	return state.Err
}

// Alloc pre-allocates bytes worth of clusters at the end of the file's
// current chain, without changing current_size; it's the precondition
// StreamWrite requires (spec §4.5.4) and also serves as a growth hint a
// caller can issue ahead of a predictable burst of buffered writes
// (grounded on the original's file_alloc pre-allocation behavior).
func (f *File) Alloc(bytes int) error {
	bytesPerCluster := int(f.vol.bpb.BytesPerSector) * int(f.vol.bpb.SectorsPerCluster)
	clustersNeeded := (bytes + bytesPerCluster - 1) / bytesPerCluster
	if clustersNeeded == 0 {
		return nil
	}

	if f.entry.FirstCluster == 0 {
		first, err := f.vol.AllocateClusters(1, false, nil, pageHint(f.flags, f.vol))
		if err != nil {
			return err
		}
		f.entry.FirstCluster = first
		f.clusterAddr = first
		clustersNeeded--
	}

	tail := f.clusterAddr
	for {
		entry, err := f.vol.GetClusterEntry(tail)
		if err != nil {
			return err
		}
		if f.vol.isEOC(entry) {
			break
		}
		tail = ClusterID(entry)
	}

	for i := 0; i < clustersNeeded; i++ {
		next, err := f.vol.AllocateClusters(1, false, nil, pageHint(f.flags, f.vol))
		if err != nil {
			return err
		}
		if err := f.vol.SetClusterEntry(tail, uint32(next)); err != nil {
			return err
		}
		tail = next
	}
	return nil
}
