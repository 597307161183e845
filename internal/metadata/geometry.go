// Package metadata describes where a volume's persistent metadata lives
// and reads and writes its superblock record.
package metadata

import "github.com/jvs-project/replvol/pkg/model"

// Layout constants, all in 512-byte sectors.
const (
	// ReservedSectors is the size of one slot of fixed indexed metadata (128 MiB).
	ReservedSectors = 128 << 11
	// ALOffset is where the activity log starts relative to the superblock.
	ALOffset = 8
	// ALSectors is the size of the activity log area.
	ALSectors = 64
	// BMOffset is where the bitmap starts in external layouts.
	BMOffset = ALOffset + ALSectors
	// SectorsPerBitmapSector is how much data one sector of bitmap covers
	// (4096 bits, 4 KiB each).
	SectorsPerBitmapSector = 1 << 15

	// MaxSectorsFixed bounds devices using fixed indexed metadata.
	MaxSectorsFixed = (ReservedSectors - BMOffset) * SectorsPerBitmapSector
	// MaxSectorsFlex bounds devices using a flexible layout.
	MaxSectorsFlex = uint64(0xffff7fff) << 3
	// MinFlexSectors is the smallest usable flexible metadata device.
	MinFlexSectors = 2 << 10
)

// Geometry is the placement of the metadata areas for one volume.
type Geometry struct {
	Index    int    `json:"index"`
	MDOffset uint64 `json:"md_offset"` // superblock sector on the metadata device
	MDSize   uint64 `json:"md_size"`   // sectors
	ALOffset int64  `json:"al_offset"` // relative to MDOffset
	BMOffset int64  `json:"bm_offset"` // relative to MDOffset
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// ComputeGeometry derives the metadata placement for meta index idx.
// backingCap and metaCap are device capacities in sectors; for internal
// layouts the metadata device is the backing device.
func ComputeGeometry(idx int, backingCap, metaCap uint64) Geometry {
	g := Geometry{Index: idx}
	switch idx {
	case model.MetaIndexFlexExternal:
		g.MDSize = metaCap
		g.MDOffset = 0
		g.ALOffset = ALOffset
		g.BMOffset = BMOffset
	case model.MetaIndexInternal, model.MetaIndexFlexInternal:
		if backingCap >= ALOffset {
			// superblock in the last 4 KiB aligned block
			g.MDOffset = (backingCap &^ 7) - ALOffset
		}
		g.ALOffset = -ALSectors
		size := alignUp(backingCap, SectorsPerBitmapSector) / SectorsPerBitmapSector
		size = alignUp(size, 8)
		size += BMOffset
		g.MDSize = size
		g.BMOffset = -int64(size) + ALOffset
	default:
		g.MDSize = ReservedSectors
		g.MDOffset = ReservedSectors * uint64(idx)
		g.ALOffset = ALOffset
		g.BMOffset = BMOffset
	}
	return g
}

// Internal reports whether metadata sits at the end of the backing device.
func (g Geometry) Internal() bool {
	return model.MetaIndexIsInternal(g.Index)
}

// FirstSector is the lowest sector occupied by metadata.
func (g Geometry) FirstSector() uint64 {
	if g.Internal() {
		return uint64(int64(g.MDOffset) + g.BMOffset)
	}
	return g.MDOffset
}

// LastSector is the highest sector occupied by metadata.
func (g Geometry) LastSector() uint64 {
	if g.Internal() {
		return g.MDOffset + ALOffset - 1
	}
	return g.MDOffset + g.MDSize
}

// BitmapSectors is the size of the bitmap area.
func (g Geometry) BitmapSectors() uint64 {
	if g.MDSize < BMOffset {
		return 0
	}
	return g.MDSize - BMOffset
}

// ALByteOffset is the absolute byte offset of the activity log area.
func (g Geometry) ALByteOffset() int64 {
	return (int64(g.MDOffset) + g.ALOffset) << model.SectorShift
}

// BMByteOffset is the absolute byte offset of the bitmap area.
func (g Geometry) BMByteOffset() int64 {
	return (int64(g.MDOffset) + g.BMOffset) << model.SectorShift
}

// SuperByteOffset is the absolute byte offset of the superblock.
func (g Geometry) SuperByteOffset() int64 {
	return int64(g.MDOffset) << model.SectorShift
}

// MaxCapacity is the largest data size the layout can describe, given
// the backing device capacity.
func (g Geometry) MaxCapacity(backingCap uint64) uint64 {
	switch {
	case g.Internal():
		if backingCap == 0 {
			return 0
		}
		return min(MaxSectorsFlex, g.FirstSector())
	case g.Index == model.MetaIndexFlexExternal:
		s := min(MaxSectorsFlex, backingCap)
		return min(s, g.BitmapSectors()*SectorsPerBitmapSector)
	default:
		return min(uint64(MaxSectorsFixed), backingCap)
	}
}

// MinMetaSectors is the smallest metadata device that can hold index idx.
func MinMetaSectors(idx int) uint64 {
	if idx < 0 {
		return MinFlexSectors
	}
	return ReservedSectors * uint64(idx+1)
}

// DeviceLimit is the hard limit for a layout regardless of device sizes.
func DeviceLimit(idx int) uint64 {
	if idx < 0 {
		return MaxSectorsFlex
	}
	return MaxSectorsFixed
}
