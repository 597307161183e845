package resource

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/jvs-project/replvol/internal/backing"
	"github.com/jvs-project/replvol/internal/metadata"
	"github.com/jvs-project/replvol/pkg/model"
	"github.com/jvs-project/replvol/pkg/uuidutil"
)

// LocalDisk is the attached local storage of a volume: the backing device,
// the metadata device and the in-memory copy of the persistent record.
type LocalDisk struct {
	Backing backing.Device
	Meta    backing.Device

	mu       sync.Mutex
	geometry metadata.Geometry
	md       *metadata.Record
	dirty    bool
	// knownSize is the backing capacity seen at the last size determination.
	knownSize uint64
}

// NewLocalDisk wraps opened devices. md may be nil until metadata is read.
func NewLocalDisk(b, m backing.Device, g metadata.Geometry, md *metadata.Record) *LocalDisk {
	return &LocalDisk{Backing: b, Meta: m, geometry: g, md: md, knownSize: b.Capacity()}
}

// Geometry returns the current metadata layout.
func (d *LocalDisk) Geometry() metadata.Geometry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geometry
}

// SetGeometry replaces the metadata layout.
func (d *LocalDisk) SetGeometry(g metadata.Geometry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.geometry = g
	if d.md != nil {
		d.md.MDSize, d.md.ALOffset, d.md.BMOffset = g.MDSize, g.ALOffset, g.BMOffset
		d.dirty = true
	}
}

// KnownSize returns the backing capacity remembered by the last size determination.
func (d *LocalDisk) KnownSize() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.knownSize
}

func (d *LocalDisk) SetKnownSize(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.knownSize = n
}

// MD returns a copy of the metadata record.
func (d *LocalDisk) MD() metadata.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return metadata.Record{}
	}
	return *d.md
}

// SetMD replaces the metadata record and marks it dirty.
func (d *LocalDisk) SetMD(r *metadata.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.md = r.Clone()
	d.dirty = true
}

// UpdateMD edits the metadata record in place and marks it dirty.
func (d *LocalDisk) UpdateMD(fn func(r *metadata.Record)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return
	}
	fn(d.md)
	d.dirty = true
}

// MarkDirty schedules the record for the next SyncMD.
func (d *LocalDisk) MarkDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// Dirty reports whether the in-memory record differs from the device.
func (d *LocalDisk) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// SyncMD writes the record if it changed since the last write.
func (d *LocalDisk) SyncMD() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty || d.md == nil {
		return nil
	}
	if err := metadata.Write(d.Meta, d.geometry, d.md); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := d.Meta.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	d.dirty = false
	return nil
}

// Flags returns the persistent flags.
func (d *LocalDisk) Flags() model.MDFlags {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return 0
	}
	return d.md.Flags
}

// SetFlags sets and clears flag bits, marking the record dirty on change.
func (d *LocalDisk) SetFlags(set, clear model.MDFlags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return
	}
	nf := (d.md.Flags | set) &^ clear
	if nf != d.md.Flags {
		d.md.Flags = nf
		d.dirty = true
	}
}

// UUIDs returns the generation identifiers.
func (d *LocalDisk) UUIDs() [model.UISize]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return [model.UISize]uint64{}
	}
	return d.md.UUID
}

// UUID returns one generation identifier.
func (d *LocalDisk) UUID(idx int) uint64 {
	return d.UUIDs()[idx]
}

func (d *LocalDisk) setUUIDLocked(idx int, val uint64, primary bool) {
	if idx == model.UICurrent {
		if primary {
			val |= 1
		} else {
			val &^= 1
		}
	}
	d.md.UUID[idx] = val
	d.dirty = true
}

// SetUUID stores val in slot idx. Replacing a non-zero slot rotates the old
// value into the history.
func (d *LocalDisk) SetUUID(idx int, val uint64, primary bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return
	}
	if old := d.md.UUID[idx]; old != 0 && idx != model.UIHistoryStart && idx != model.UIHistoryEnd {
		d.md.UUID[model.UIHistoryEnd] = d.md.UUID[model.UIHistoryStart]
		d.md.UUID[model.UIHistoryStart] = old
	}
	d.setUUIDLocked(idx, val, primary)
}

// ClearBitmapUUID empties the bitmap slot without rotating its value
// into the history.
func (d *LocalDisk) ClearBitmapUUID() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return
	}
	d.setUUIDLocked(model.UIBitmap, 0, false)
}

// SetCurrentBit sets or clears the primary bit of the current UUID.
func (d *LocalDisk) SetCurrentBit(primary bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return
	}
	d.setUUIDLocked(model.UICurrent, d.md.UUID[model.UICurrent], primary)
}

// NewCurrentUUID starts a new data generation: the current UUID becomes
// the bitmap UUID and a fresh value becomes current. It returns the new
// current UUID.
func (d *LocalDisk) NewCurrentUUID(primary bool) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.md == nil {
		return 0
	}
	d.md.UUID[model.UIBitmap] = d.md.UUID[model.UICurrent]
	d.setUUIDLocked(model.UICurrent, uuidutil.NewGeneration(), primary)
	return d.md.UUID[model.UICurrent]
}

// Close closes both devices.
func (d *LocalDisk) Close() error {
	var result error
	if d.Meta != nil && d.Meta != d.Backing {
		if err := d.Meta.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close meta device: %w", err))
		}
	}
	if d.Backing != nil {
		if err := d.Backing.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close backing device: %w", err))
		}
	}
	return result
}
