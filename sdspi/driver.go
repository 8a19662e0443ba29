// Package sdspi implements the SD-over-SPI block device driver: card
// initialization, command framing, single- and multi-block read/write, an
// internal request queue, and the streaming multi-block write protocol the
// FAT engine's stream writer drives. It implements fatfs/blockdev.BDI.
package sdspi

import (
	"fmt"

	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
)

// Driver is a blockdev.BDI backed by a real (or faked) SD card over SPI.
// Per spec §5, it is single-threaded and cooperative: all state advances
// only inside Tick(), which the caller must invoke repeatedly from its
// main loop.
type Driver struct {
	bus      *Bus
	opts     fatfs.Options
	deviceID string

	card CardInfo

	queue []request

	// activeStream holds the in-progress multi-block write state machine,
	// or nil when idle.
	activeStream *streamState

	mediaCB         blockdev.MediaChangedCallback
	mediaPresent    bool
	pendingMedia    bool
	debounceCounter int
}

type requestKind int

const (
	reqRead requestKind = iota
	reqWrite
	reqMultiWrite
)

type request struct {
	kind      requestKind
	addr      uint64
	buf       []byte
	state     *blockdev.OpState
	cb        blockdev.AsyncCallback
	streamCb  blockdev.StreamCallback
	needsData bool // multi_write only: callback must be invoked before the transfer starts
}

// streamState is the multi-block write state machine from spec §4.2.5:
// Idle → AwaitingData → Transferring → WaitAccepted → Programming →
// (Continue|Stop|Skip).
type streamState struct {
	addr              uint64
	buf               []byte
	state             *blockdev.OpState
	cb                blockdev.StreamCallback
	blocksRemainingRU int
}

// New constructs a driver bound to bus, with deviceID used for media-change
// reporting and volume manager registration.
func New(deviceID string, bus *Bus, opts fatfs.Options) *Driver {
	return &Driver{bus: bus, opts: opts, deviceID: deviceID}
}

// sendCommand transmits a framed command and polls for R1, per spec
// §4.2.2.
func (d *Driver) sendCommand(cmd command, arg uint32) (byte, error) {
	frame := frameCommand(cmd, arg)
	for _, b := range frame {
		if _, err := d.bus.transfer(b); err != nil {
			return 0, fatfs.ErrCommunicationError.Wrap(err)
		}
	}

	r1, ok := d.bus.pollForByte(d.timeoutBudget(), func(v byte) bool { return v&0x80 == 0 })
	if !ok {
		return 0, fatfs.ErrTimeout
	}
	return r1, nil
}

func (d *Driver) timeoutBudget() int {
	if d.opts.SPITimeoutBytes > 0 {
		return d.opts.SPITimeoutBytes
	}
	return spiTimeoutBytes
}

// r1Error translates an R1 error bit pattern to a sentinel error, per the
// fixed table in spec §4.2.2. A clear R1 (other than the idle bit) is not
// an error.
func r1Error(r1 byte) error {
	switch {
	case r1&r1InvalidParameter != 0:
		return fatfs.ErrInvalidParameters
	case r1&r1AddressError != 0:
		return fatfs.ErrAddressError
	case r1&r1EraseSeqError != 0:
		return fatfs.ErrCommunicationError.WithMessage("erase sequence error")
	case r1&r1CrcError != 0:
		return fatfs.ErrCrcError
	case r1&r1IllegalCommand != 0:
		return fatfs.ErrCommunicationError.WithMessage("illegal command")
	case r1&r1EraseReset != 0:
		return fatfs.ErrCommunicationError.WithMessage("erase reset")
	default:
		return nil
	}
}

// Init runs the card initialization sequence, spec §4.2.1.
func (d *Driver) Init() error {
	d.bus.clockFast(false)
	d.bus.deassert()

	// Step 1: idle >=74 clocks, CS high, MOSI high (0xFF).
	for i := 0; i < 10; i++ {
		d.bus.transfer(0xFF)
	}

	d.bus.assert()
	defer d.bus.deassert()

	// Step 2: CMD0 until idle, up to 3 retries.
	var r1 byte
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		r1, err = d.sendCommand(cmdGoIdleState, 0)
		if err == nil && r1 == r1Idle {
			break
		}
	}
	if r1 != r1Idle {
		return fatfs.ErrDeviceNotReady.WithMessage("card did not enter idle state")
	}

	// Step 3: CMD8 with pattern 0x1AA.
	const checkPattern = 0x1AA
	r1, err = d.sendCommand(cmdSendIfCond, checkPattern)
	if err != nil {
		return err
	}
	if r1&r1IllegalCommand != 0 {
		d.card.SpecVersion = Version1
	} else {
		echo := d.readR7Trailer()
		if echo != checkPattern {
			return fatfs.ErrInvalidFatVolume.WithMessage("CMD8 pattern/voltage mismatch")
		}
		d.card.SpecVersion = Version2
	}

	// Step 4: CMD55+ACMD41 with HCS until ready.
	const hcsBit = 1 << 30
	for i := 0; i < d.timeoutBudget(); i++ {
		if _, err := d.sendCommand(cmdAppCmd, 0); err != nil {
			return err
		}
		r1, err = d.sendCommand(acmdSDSendOpCond, hcsBit)
		if err != nil {
			return err
		}
		if r1&r1IllegalCommand != 0 {
			return fatfs.ErrInvalidFatVolume.WithMessage("ACMD41 rejected")
		}
		if r1 == 0 {
			break
		}
	}

	// Step 5: CMD58 READ_OCR.
	r1, err = d.sendCommand(cmdReadOCR, 0)
	if err != nil {
		return err
	}
	ocr := d.readOCRTrailer()
	d.card.HighCapacity = ocr&(1<<30) != 0

	// Step 6: CMD9 SEND_CSD.
	if err := d.readCSD(); err != nil {
		return err
	}

	// Step 7: for v2, CMD55+ACMD13 SD_STATUS.
	if d.card.SpecVersion == Version2 {
		if err := d.readSDStatus(); err != nil {
			return err
		}
		d.card.RUSizeBlocks = recordingUnitSize(d.card.SpeedClass, d.card.CapacityBlocks)
	}

	d.card.BlockLength = 512

	// Step 8: raise clock.
	d.bus.clockFast(true)
	d.mediaPresent = true
	return nil
}

// readR7Trailer reads the 4-byte echo-back trailer of an R7 response
// (CMD8): the low 12 bits are the voltage/pattern we compare against.
func (d *Driver) readR7Trailer() uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		b, _ := d.bus.transfer(0xFF)
		v = v<<8 | uint32(b)
	}
	return v
}

func (d *Driver) readOCRTrailer() uint32 {
	return d.readR7Trailer()
}

// readCSD issues CMD9 and parses the minimal fields the spec requires:
// block length (always 512 on SD), capacity, and v1's TAAC/NSAC/R2W.
func (d *Driver) readCSD() error {
	if _, err := d.sendCommand(cmdSendCSD, 0); err != nil {
		return err
	}
	buf := make([]byte, 16)
	if err := d.readDataBlock(buf); err != nil {
		return err
	}

	if d.card.SpecVersion == Version1 {
		d.card.TAAC = buf[1]
		d.card.NSAC = buf[2]
		cSizeMult := ((buf[9] & 0x03) << 1) | (buf[10] >> 7)
		cSize := (uint32(buf[6]&0x03) << 10) | (uint32(buf[7]) << 2) | (uint32(buf[8]) >> 6)
		d.card.R2WFactor = (buf[12] >> 2) & 0x07
		d.card.CapacityBlocks = uint64(cSize+1) * (1 << (cSizeMult + 2))
	} else {
		cSize := (uint32(buf[7]&0x3F) << 16) | (uint32(buf[8]) << 8) | uint32(buf[9])
		d.card.CapacityBlocks = uint64(cSize+1) * 1024
	}
	return nil
}

// readSDStatus issues ACMD13 and parses the speed class and AU size.
func (d *Driver) readSDStatus() error {
	if _, err := d.sendCommand(cmdAppCmd, 0); err != nil {
		return err
	}
	if _, err := d.sendCommand(acmdSDStatus, 0); err != nil {
		return err
	}
	buf := make([]byte, 64)
	if err := d.readDataBlock(buf); err != nil {
		return err
	}
	d.card.SpeedClass = int(buf[8])
	auSizeIndex := buf[10] >> 4
	if auSizeIndex > 0 && auSizeIndex <= 9 {
		d.card.AUSizeBlocks = (1 << (auSizeIndex + 3)) / 512 * 1024
	}
	return nil
}

// readDataBlock waits for the 0xFE start token, reads len(buf) bytes plus a
// 2-byte CRC, and discards the CRC.
func (d *Driver) readDataBlock(buf []byte) error {
	_, ok := d.bus.pollForByte(d.timeoutBudget(), func(v byte) bool { return v == tokenBlockStart })
	if !ok {
		return fatfs.ErrTimeout
	}
	for i := range buf {
		b, err := d.bus.transfer(0xFF)
		if err != nil {
			return fatfs.ErrCannotReadMedia.Wrap(err)
		}
		buf[i] = b
	}
	d.bus.transfer(0xFF)
	d.bus.transfer(0xFF)
	return nil
}

// blockAddress converts an absolute sector number to the argument CMD17/
// CMD24/CMD25 expect: byte address for standard-capacity cards, block
// address (== sector number) for high-capacity ones.
func (d *Driver) blockAddress(addr uint64) uint32 {
	if d.card.HighCapacity {
		return uint32(addr)
	}
	return uint32(addr) * uint32(d.card.BlockLength)
}

func (d *Driver) CardInfo() CardInfo { return d.card }

func (d *Driver) GetSectorSize() int      { return 512 }
func (d *Driver) GetTotalSectors() uint64 { return d.card.CapacityBlocks }
func (d *Driver) GetDeviceID() string     { return d.deviceID }

// GetPageSize returns the card's recording-unit size for SD, per spec
// §4.1.1 (the filesystem uses this to align cluster allocation to the
// card's erase/program boundary).
func (d *Driver) GetPageSize() int {
	if d.card.RUSizeBlocks > 0 {
		return d.card.RUSizeBlocks
	}
	return 1
}

func (d *Driver) RegisterMediaChangedCallback(cb blockdev.MediaChangedCallback) {
	d.mediaCB = cb
}

var _ blockdev.BDI = (*Driver)(nil)

func (d *Driver) errorf(format string, args ...interface{}) error {
	return fatfs.ErrCommunicationError.WithMessage(fmt.Sprintf(format, args...))
}
