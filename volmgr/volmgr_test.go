package volmgr

import (
	"testing"

	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/fat"
	"github.com/kesari/fatfs/memblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func newFormattedDevice(t *testing.T, deviceID string, totalSectors uint64) *memblock.Device {
	const sectorSize = 512
	backing := make([]byte, totalSectors*sectorSize)
	stream := bytesextra.NewReadWriteSeeker(backing)
	dev := memblock.New(deviceID, stream, sectorSize, totalSectors, 1)
	require.NoError(t, fat.Format(dev, fat.FormatOptions{Variant: fatfs.FAT12}))
	return dev
}

func TestMountVolumeByLabelUnknownLabelFails(t *testing.T) {
	m := New()
	_, err := m.MountVolumeByLabel("SD0")
	assert.ErrorIs(t, err, fatfs.ErrFileNotFound)
}

func TestMountDismountRoundTripFiresCallbacks(t *testing.T) {
	m := New()
	dev := newFormattedDevice(t, "sd0", 2048)
	m.RegisterStorageDevice("SD0", dev, fatfs.Options{})

	var mountedLabel string
	var mountedVol *fat.Volume
	m.RegisterVolumeMountedCallback(func(label string, vol *fat.Volume) {
		mountedLabel = label
		mountedVol = vol
	})

	var dismountedLabel string
	m.RegisterVolumeDismountedCallback(func(label string) {
		dismountedLabel = label
	})

	vol, err := m.MountVolumeByLabel("SD0")
	require.NoError(t, err)
	require.NotNil(t, vol)
	assert.Equal(t, "SD0", mountedLabel)
	assert.Same(t, vol, mountedVol)

	require.NoError(t, m.DismountVolumeByLabel("SD0"))
	assert.Equal(t, "SD0", dismountedLabel)

	err = m.DismountVolumeByLabel("SD0")
	assert.ErrorIs(t, err, fatfs.ErrFileNotFound, "dismounting an already-dismounted label must fail")
}

func TestMediaChangedAutoDismountsAndNotifies(t *testing.T) {
	m := New()
	dev := newFormattedDevice(t, "sd0", 2048)
	m.RegisterStorageDevice("SD0", dev, fatfs.Options{})

	var events []bool
	m.RegisterMediaChangedCallback(func(label string, present bool) {
		assert.Equal(t, "SD0", label)
		events = append(events, present)
	})

	_, err := m.MountVolumeByLabel("SD0")
	require.NoError(t, err)

	dev.SetMounted(true) // memblock.New starts the device as present, so this is no transition and fires nothing
	dev.SetMounted(false)
	require.Equal(t, []bool{false}, events)

	err = m.DismountVolumeByLabel("SD0")
	assert.ErrorIs(t, err, fatfs.ErrFileNotFound, "media-changed auto-dismount must have already cleared the mounted flag")
}

func TestMediaChangedWithoutPriorMountDoesNotPanic(t *testing.T) {
	m := New()
	dev := newFormattedDevice(t, "sd0", 2048)
	m.RegisterStorageDevice("SD0", dev, fatfs.Options{})

	called := false
	m.RegisterMediaChangedCallback(func(label string, present bool) { called = true })

	dev.SetMounted(false)
	assert.True(t, called)
}

func TestRegisterFilesystemIsANoop(t *testing.T) {
	m := New()
	m.RegisterFilesystem("FAT")
}
