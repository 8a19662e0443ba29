// Package cache wraps a blockdev.BDI with a write-back sector cache: reads
// are fetched from the underlying device once and kept around, writes land
// in the cache and are marked dirty, and Flush pushes dirty sectors back out
// in one pass. cmd/fatctl wraps the image device in this before a bulk
// put/cat so a long copy doesn't round-trip every sector write to the
// backing file individually.
package cache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/kesari/fatfs/blockdev"
)

// Device is a blockdev.BDI that caches sectors of an underlying device in
// memory. Everything outside the synchronous ReadSector/WriteSector path
// (async ops, streaming writes, erase, Tick, media-changed) passes straight
// through to the wrapped device; those paths already have their own
// completion semantics a cache would only complicate.
type Device struct {
	under blockdev.BDI

	loaded bitmap.Bitmap
	dirty  bitmap.Bitmap
	data   []byte

	sectorSize int
	totalSecs  uint64
}

// New wraps under in a sector cache. Memory for the whole device is
// allocated up front; sector contents are loaded from under lazily, sector
// by sector, as sectors are touched.
func New(under blockdev.BDI) *Device {
	total := under.GetTotalSectors()
	size := under.GetSectorSize()
	return &Device{
		under:      under,
		loaded:     bitmap.NewSlice(int(total)),
		dirty:      bitmap.NewSlice(int(total)),
		data:       make([]byte, uint64(size)*total),
		sectorSize: size,
		totalSecs:  total,
	}
}

func (d *Device) slice(addr uint64) ([]byte, error) {
	if addr >= d.totalSecs {
		return nil, fmt.Errorf("sector %d out of range [0, %d)", addr, d.totalSecs)
	}
	start := addr * uint64(d.sectorSize)
	return d.data[start : start+uint64(d.sectorSize)], nil
}

func (d *Device) ReadSector(addr uint64, buf []byte) error {
	slot, err := d.slice(addr)
	if err != nil {
		return err
	}
	if !d.loaded.Get(int(addr)) {
		if err := d.under.ReadSector(addr, slot); err != nil {
			return err
		}
		d.loaded.Set(int(addr), true)
	}
	copy(buf, slot)
	return nil
}

func (d *Device) WriteSector(addr uint64, buf []byte) error {
	slot, err := d.slice(addr)
	if err != nil {
		return err
	}
	copy(slot, buf)
	d.loaded.Set(int(addr), true)
	d.dirty.Set(int(addr), true)
	return nil
}

// Flush writes every dirty sector back to the underlying device, in
// ascending order, and marks them clean.
func (d *Device) Flush() error {
	for addr := uint64(0); addr < d.totalSecs; addr++ {
		if !d.dirty.Get(int(addr)) {
			continue
		}
		slot, err := d.slice(addr)
		if err != nil {
			return err
		}
		if err := d.under.WriteSector(addr, slot); err != nil {
			return fmt.Errorf("failed to flush sector %d: %w", addr, err)
		}
		d.dirty.Set(int(addr), false)
	}
	return nil
}

func (d *Device) ReadSectorAsync(addr uint64, buf []byte, state *blockdev.OpState, cb blockdev.AsyncCallback) error {
	return d.under.ReadSectorAsync(addr, buf, state, cb)
}

func (d *Device) WriteSectorAsync(addr uint64, buf []byte, state *blockdev.OpState, cb blockdev.AsyncCallback) error {
	return d.under.WriteSectorAsync(addr, buf, state, cb)
}

func (d *Device) WriteSectorsStream(addr uint64, firstBuf []byte, state *blockdev.OpState, cb blockdev.StreamCallback) error {
	return d.under.WriteSectorsStream(addr, firstBuf, state, cb)
}

func (d *Device) EraseSectors(first, last uint64) error {
	for addr := first; addr <= last; addr++ {
		d.dirty.Set(int(addr), false)
		d.loaded.Set(int(addr), false)
	}
	return d.under.EraseSectors(first, last)
}

func (d *Device) GetSectorSize() int      { return d.sectorSize }
func (d *Device) GetTotalSectors() uint64 { return d.totalSecs }
func (d *Device) GetPageSize() int        { return d.under.GetPageSize() }
func (d *Device) GetDeviceID() string     { return d.under.GetDeviceID() }

func (d *Device) RegisterMediaChangedCallback(cb blockdev.MediaChangedCallback) {
	d.under.RegisterMediaChangedCallback(cb)
}

func (d *Device) Tick() { d.under.Tick() }

var _ blockdev.BDI = (*Device)(nil)
