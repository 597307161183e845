// Package bitmap tracks which 4 KiB blocks of a volume are out of sync
// with the peer.
package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sync"
)

// SectorsPerBit is the number of 512-byte sectors one bit covers.
const SectorsPerBit = 8

// DefaultMaxBits caps the in-memory bitmap (covers 64 TiB).
const DefaultMaxBits = 1 << 34

// ErrNoMem is returned when a resize would exceed the allocation limit.
var ErrNoMem = errors.New("bitmap allocation failed")

// Bitmap is an in-memory out-of-sync bitmap.
type Bitmap struct {
	mu      sync.Mutex
	words   []uint64
	nbits   uint64
	sectors uint64
	maxBits uint64
}

// New returns an empty bitmap that refuses to grow beyond maxBits.
func New(maxBits uint64) *Bitmap {
	if maxBits == 0 {
		maxBits = DefaultMaxBits
	}
	return &Bitmap{maxBits: maxBits}
}

func bitsFor(sectors uint64) uint64 {
	return (sectors + SectorsPerBit - 1) / SectorsPerBit
}

// Resize changes the covered capacity. Newly covered blocks are marked out
// of sync when setNew is true.
func (b *Bitmap) Resize(sectors uint64, setNew bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := bitsFor(sectors)
	if n > b.maxBits {
		return fmt.Errorf("%w: %d bits requested, limit %d", ErrNoMem, n, b.maxBits)
	}

	words := make([]uint64, (n+63)/64)
	copy(words, b.words)
	old := b.nbits
	b.words, b.nbits, b.sectors = words, n, sectors

	if n < old {
		b.clearTail()
	} else if setNew {
		for i := old; i < n; i++ {
			b.words[i/64] |= 1 << (i % 64)
		}
	}
	return nil
}

func (b *Bitmap) clearTail() {
	if r := b.nbits % 64; r != 0 {
		b.words[len(b.words)-1] &= (1 << r) - 1
	}
}

// Capacity is the covered size in sectors.
func (b *Bitmap) Capacity() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sectors
}

// Bits is the number of bits.
func (b *Bitmap) Bits() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nbits
}

// Weight is the number of set (out-of-sync) bits.
func (b *Bitmap) Weight() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var w uint64
	for _, x := range b.words {
		w += uint64(bits.OnesCount64(x))
	}
	return w
}

// AllSet reports whether every block is out of sync.
func (b *Bitmap) AllSet() bool {
	return b.Weight() == b.Bits()
}

// SetAll marks everything out of sync.
func (b *Bitmap) SetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
	b.clearTail()
}

// ClearAll marks everything in sync.
func (b *Bitmap) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.words)
}

// SetRange marks sectors [start, end) out of sync and returns the number
// of bits that changed.
func (b *Bitmap) SetRange(start, end uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if end > b.sectors {
		end = b.sectors
	}
	var changed uint64
	for i := start / SectorsPerBit; i < bitsFor(end); i++ {
		m := uint64(1) << (i % 64)
		if b.words[i/64]&m == 0 {
			b.words[i/64] |= m
			changed++
		}
	}
	return changed
}

// Test reports whether the block containing sector is out of sync.
func (b *Bitmap) Test(sector uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sector / SectorsPerBit
	if i >= b.nbits {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// ByteLen is the on-disk size of the bitmap.
func (b *Bitmap) ByteLen() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.words)) * 8
}

// WriteTo stores the whole bitmap at byte offset off of w.
func (b *Bitmap) WriteTo(w io.WriterAt, off int64) error {
	b.mu.Lock()
	buf := make([]byte, len(b.words)*8)
	for i, x := range b.words {
		binary.LittleEndian.PutUint64(buf[i*8:], x)
	}
	b.mu.Unlock()

	if _, err := w.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write bitmap: %w", err)
	}
	return nil
}

// ReadFrom loads the whole bitmap from byte offset off of r.
func (b *Bitmap) ReadFrom(r io.ReaderAt, off int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, len(b.words)*8)
	if _, err := r.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read bitmap: %w", err)
	}
	for i := range b.words {
		b.words[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	b.clearTail()
	return nil
}
