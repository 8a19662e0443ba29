package sdspi

// Bus abstracts the SPI peripheral plus its chip-select and DMA engine.
// Register-level programming is explicitly out of scope for this driver;
// an implementation backs this interface with whatever peripheral access
// the target MCU exposes.
type Bus struct {
	impl BusImpl
}

// BusImpl is implemented by the caller's hardware (or fake) SPI binding.
// TransferByte clocks one byte in both directions (SPI is always
// full-duplex); the driver relies on this for command/response framing and
// uses 0xFF as filler whenever it only cares about one direction.
//
// DMA hand-off (spec §4.2.6) is modeled as TransferBlock: the driver primes
// the bus once per data block rather than per byte, leaving it up to the
// implementation whether that's a real two-channel DMA transfer or a tight
// byte loop.
type BusImpl interface {
	// SetChipSelect asserts (true) or deasserts (false) CS.
	SetChipSelect(asserted bool)
	// TransferByte writes out and returns the byte clocked in.
	TransferByte(out byte) (in byte, err error)
	// TransferBlock clocks out every byte of out and simultaneously fills
	// in with what was clocked in. len(out) must equal len(in).
	TransferBlock(out, in []byte) error
	// SetClockFast raises the SPI clock to the post-init operating speed
	// (spec §4.2.1 step 8); SetClockFast(false) restores the slow
	// initialization rate.
	SetClockFast(fast bool)
}

// NewBus wraps a BusImpl.
func NewBus(impl BusImpl) *Bus {
	return &Bus{impl: impl}
}

func (b *Bus) assert()          { b.impl.SetChipSelect(true) }
func (b *Bus) deassert()        { b.impl.SetChipSelect(false) }
func (b *Bus) clockFast(v bool) { b.impl.SetClockFast(v) }

func (b *Bus) transfer(out byte) (byte, error) {
	return b.impl.TransferByte(out)
}

// pollForByte clocks 0xFF repeatedly until the received byte satisfies
// accept, or the budget runs out.
func (b *Bus) pollForByte(budget int, accept func(byte) bool) (byte, bool) {
	for i := 0; i < budget; i++ {
		v, err := b.transfer(0xFF)
		if err != nil {
			return 0, false
		}
		if accept(v) {
			return v, true
		}
	}
	return 0, false
}
