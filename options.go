package fatfs

// Options carries the build-time knobs the original C library expressed as
// preprocessor defines. Go has no preprocessor, so they become fields with
// the same defaults the spec calls out, set once when a Volume or Driver is
// constructed.
type Options struct {
	// MaintainTwoFATs mirrors FAT_MAINTAIN_TWO_FAT_TABLES (spec §4.3.2):
	// every FAT sector write is mirrored to the second table.
	MaintainTwoFATs bool

	// MaxLFNComponentLength bounds a single path component's length during
	// resolution (spec §4.4.1): 12 without LFN support, 260 with it.
	MaxLFNComponentLength int

	// SPITimeoutBytes bounds how many bytes sdspi polls MISO for an R1/data
	// token before giving up (spec §4.2.2).
	SPITimeoutBytes int

	// AsyncQueueDepth is carried in Options but no package reads it; the SD
	// driver's internal request queue is not bounded.
	AsyncQueueDepth int

	// MediaDebounceTicks is how many idle ticks a media-presence change must
	// persist before the registered callback fires (spec §4.1.1).
	MediaDebounceTicks int

	// Multithreaded is carried in Options but no package reads it; the
	// engine always runs in the cooperative single-threaded mode.
	Multithreaded bool
}

// DefaultOptions returns the spec's defaults.
func DefaultOptions() Options {
	return Options{
		MaintainTwoFATs:        true,
		MaxLFNComponentLength:  260,
		SPITimeoutBytes:        8192,
		AsyncQueueDepth:        4,
		MediaDebounceTicks:     3,
		Multithreaded:          false,
	}
}
