package metadata

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/jvs-project/replvol/pkg/model"
	"github.com/jvs-project/replvol/pkg/uuidutil"
)

const (
	magic      = 0x52564d44 // "RVMD"
	version    = 1
	superBytes = 4096
	headerLen  = 16
)

// ErrInvalid is returned when no valid superblock is found.
var ErrInvalid = errors.New("invalid metadata")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is the persistent metadata of one volume.
type Record struct {
	LaSize     uint64               `json:"la_size_sect"`
	UUID       [model.UISize]uint64 `json:"uuid"`
	DeviceUUID uint64               `json:"device_uuid"`
	Flags      model.MDFlags        `json:"flags"`
	ALExtents  int                  `json:"al_nr_extents"`
	MDSize     uint64               `json:"md_size_sect"`
	ALOffset   int64                `json:"al_offset"`
	BMOffset   int64                `json:"bm_offset"`
	BMBlock    uint32               `json:"bm_bytes_per_bit"`
}

// NewRecord returns the record of freshly created metadata.
func NewRecord(g Geometry, alExtents int) *Record {
	r := &Record{
		DeviceUUID: uuidutil.NewGeneration(),
		ALExtents:  alExtents,
		MDSize:     g.MDSize,
		ALOffset:   g.ALOffset,
		BMOffset:   g.BMOffset,
		BMBlock:    4096,
	}
	r.UUID[model.UICurrent] = model.UUIDJustCreated
	return r
}

// Clone returns a copy.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Read loads the superblock described by g.
func Read(dev io.ReaderAt, g Geometry) (*Record, error) {
	buf := make([]byte, superBytes)
	if _, err := dev.ReadAt(buf, g.SuperByteOffset()); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read superblock: %w", err)
	}

	if binary.BigEndian.Uint32(buf[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalid)
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, v)
	}
	n := binary.BigEndian.Uint32(buf[8:12])
	if n > superBytes-headerLen {
		return nil, fmt.Errorf("%w: record length %d", ErrInvalid, n)
	}
	payload := buf[headerLen : headerLen+n]
	if crc32.Checksum(payload, crcTable) != binary.BigEndian.Uint32(buf[12:16]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}

	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if r.ALOffset != g.ALOffset {
		return nil, fmt.Errorf("%w: unexpected al_offset: %d (expected %d)", ErrInvalid, r.ALOffset, g.ALOffset)
	}
	if r.BMOffset != g.BMOffset {
		return nil, fmt.Errorf("%w: unexpected bm_offset: %d (expected %d)", ErrInvalid, r.BMOffset, g.BMOffset)
	}
	if r.MDSize != g.MDSize {
		return nil, fmt.Errorf("%w: unexpected md_size: %d (expected %d)", ErrInvalid, r.MDSize, g.MDSize)
	}
	if r.BMBlock != 4096 {
		return nil, fmt.Errorf("%w: unexpected bm_bytes_per_bit: %d", ErrInvalid, r.BMBlock)
	}

	return &r, nil
}

// Write stores r at the superblock described by g.
func Write(dev io.WriterAt, g Geometry, r *Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if len(payload) > superBytes-headerLen {
		return fmt.Errorf("metadata record too large: %d bytes", len(payload))
	}

	buf := make([]byte, superBytes)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[12:16], crc32.Checksum(payload, crcTable))
	copy(buf[headerLen:], payload)

	if _, err := dev.WriteAt(buf, g.SuperByteOffset()); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return nil
}
