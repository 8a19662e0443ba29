// Package volmgr is the thin label → device/filesystem registry spec §6.3
// describes: register_filesystem, register_storage_device,
// mount_volume_by_label, and the mounted/dismounted/media-changed
// notification hooks. It is intentionally trivial (spec §1) — no caching,
// no background scanning, just bookkeeping over fatfs/fat.Mount.
package volmgr

import (
	"sync"

	"github.com/kesari/fatfs"
	"github.com/kesari/fatfs/blockdev"
	"github.com/kesari/fatfs/fat"
)

// MountedCallback fires after a volume is mounted under its label.
type MountedCallback func(label string, vol *fat.Volume)

// DismountedCallback fires after a volume is dismounted and removed from
// the registry.
type DismountedCallback func(label string)

// MediaChangedCallback fires when a registered device reports a media
// change, before the manager auto-dismounts the volume that was sitting on
// it (if any).
type MediaChangedCallback func(label string, present bool)

type entry struct {
	dev     blockdev.BDI
	opts    fatfs.Options
	vol     *fat.Volume
	mounted bool
}

// Manager is a registry of storage devices indexed by label, each mounted
// on demand.
type Manager struct {
	mu      sync.Mutex
	devices map[string]*entry

	onMounted     []MountedCallback
	onDismounted  []DismountedCallback
	onMediaChange []MediaChangedCallback
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{devices: make(map[string]*entry)}
}

// RegisterStorageDevice associates dev with label, spec §6.3's
// register_storage_device. It does not mount the volume; call
// MountVolumeByLabel for that. Registering a media-changed callback on dev
// itself is the caller's job if it wants per-device notification in
// addition to the manager's own.
func (m *Manager) RegisterStorageDevice(label string, dev blockdev.BDI, opts fatfs.Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[label] = &entry{dev: dev, opts: opts}

	dev.RegisterMediaChangedCallback(func(deviceID string, present bool) {
		m.handleMediaChanged(label, present)
	})
}

// RegisterFilesystem exists for API parity with spec §6.3's
// register_filesystem: in a C build with multiple on-disk filesystem
// vtables, this is how a caller would add a new one. This engine supports
// exactly one (FAT12/16/32 auto-detected by fat.Mount), so there's nothing
// to dispatch on; the method is a no-op retained so callers porting code
// against the conceptual API surface have somewhere to call it.
func (m *Manager) RegisterFilesystem(name string) {
	_ = name
}

// MountVolumeByLabel mounts (or re-mounts) the device registered under
// label and returns the resulting volume.
func (m *Manager) MountVolumeByLabel(label string) (*fat.Volume, error) {
	m.mu.Lock()
	e, ok := m.devices[label]
	m.mu.Unlock()
	if !ok {
		return nil, fatfs.ErrFileNotFound.WithMessage("no storage device registered under label " + label)
	}

	vol, err := fat.Mount(e.dev, e.opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	e.vol = vol
	e.mounted = true
	callbacks := append([]MountedCallback(nil), m.onMounted...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(label, vol)
	}
	return vol, nil
}

// DismountVolumeByLabel dismounts the volume registered under label, if
// mounted.
func (m *Manager) DismountVolumeByLabel(label string) error {
	m.mu.Lock()
	e, ok := m.devices[label]
	m.mu.Unlock()
	if !ok || !e.mounted {
		return fatfs.ErrFileNotFound
	}

	if err := e.vol.Dismount(); err != nil {
		return err
	}

	m.mu.Lock()
	e.mounted = false
	e.vol = nil
	callbacks := append([]DismountedCallback(nil), m.onDismounted...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(label)
	}
	return nil
}

// RegisterVolumeMountedCallback adds a callback invoked after every
// successful MountVolumeByLabel call, spec §6.3.
func (m *Manager) RegisterVolumeMountedCallback(cb MountedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMounted = append(m.onMounted, cb)
}

// RegisterVolumeDismountedCallback adds a callback invoked after every
// successful DismountVolumeByLabel call.
func (m *Manager) RegisterVolumeDismountedCallback(cb DismountedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDismounted = append(m.onDismounted, cb)
}

// RegisterMediaChangedCallback adds a callback invoked whenever any
// registered device reports a media change.
func (m *Manager) RegisterMediaChangedCallback(cb MediaChangedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMediaChange = append(m.onMediaChange, cb)
}

func (m *Manager) handleMediaChanged(label string, present bool) {
	m.mu.Lock()
	e, ok := m.devices[label]
	var autoDismount bool
	if ok && e.mounted && !present {
		autoDismount = true
	}
	callbacks := append([]MediaChangedCallback(nil), m.onMediaChange...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(label, present)
	}
	if autoDismount {
		// The card is gone; there's nothing left to flush to, so drop the
		// mount state without attempting Dismount's FSInfo write-back.
		m.mu.Lock()
		e.mounted = false
		e.vol = nil
		m.mu.Unlock()
	}
}
