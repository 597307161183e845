// Package actlog implements the activity log: the bounded set of extents
// that may have in-flight writes and must be resynced after a crash of a
// primary.
package actlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jvs-project/replvol/internal/bitmap"
)

// ExtentSectors is the size of one activity log extent (4 MiB).
const ExtentSectors = 1 << 13

// areaBytes is the size of the on-disk activity log area.
const areaBytes = 64 * 512

const alMagic = 0x52564c47 // "RVLG"

// ErrBusy is returned when the log is still referenced.
var ErrBusy = errors.New("activity log in use")

// Log is an activity log with a fixed number of slots.
type Log struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots  int
	refs   map[uint32]int
	lru    []uint32 // least recently used first
	locked bool
}

// New returns an empty log with n slots.
func New(n int) *Log {
	l := &Log{slots: n, refs: map[uint32]int{}}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Slots is the number of extents the log can hold.
func (l *Log) Slots() int {
	return l.slots
}

// Begin marks extent active for one write. It blocks while the log is
// locked or all slots hold referenced extents.
func (l *Log) Begin(extent uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if !l.locked {
			if _, ok := l.refs[extent]; ok {
				l.refs[extent]++
				l.touch(extent)
				return
			}
			if len(l.lru) < l.slots || l.evictOne() {
				l.refs[extent] = 1
				l.lru = append(l.lru, extent)
				return
			}
		}
		l.cond.Wait()
	}
}

// Complete drops one reference taken by Begin.
func (l *Log) Complete(extent uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs[extent] > 0 {
		l.refs[extent]--
	}
	l.cond.Broadcast()
}

func (l *Log) touch(extent uint32) {
	for i, e := range l.lru {
		if e == extent {
			l.lru = append(append(l.lru[:i:i], l.lru[i+1:]...), extent)
			return
		}
	}
}

func (l *Log) evictOne() bool {
	for i, e := range l.lru {
		if l.refs[e] == 0 {
			delete(l.refs, e)
			l.lru = append(l.lru[:i:i], l.lru[i+1:]...)
			return true
		}
	}
	return false
}

// InUse is the number of outstanding references.
func (l *Log) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.refs {
		n += r
	}
	return n
}

// Active returns the extents currently held in the log, sorted.
func (l *Log) Active() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]uint32(nil), l.lru...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lock waits until no other holder has the log locked and takes the lock.
// New writes block until Unlock.
func (l *Log) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
}

// TryLock takes the lock if it is free.
func (l *Log) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked = true
	return true
}

// Unlock releases the lock.
func (l *Log) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	l.cond.Broadcast()
}

// Shrink drops every extent without references.
func (l *Log) Shrink() {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.lru[:0]
	for _, e := range l.lru {
		if l.refs[e] > 0 {
			kept = append(kept, e)
			continue
		}
		delete(l.refs, e)
	}
	l.lru = kept
	l.cond.Broadcast()
}

// Replace returns a log with n slots carrying over the active extents, or
// ErrBusy if writes are in flight.
func (l *Log) Replace(n int) (*Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.refs {
		if r > 0 {
			return nil, ErrBusy
		}
	}
	nl := New(n)
	for _, e := range l.lru {
		if len(nl.lru) == n {
			break
		}
		nl.refs[e] = 0
		nl.lru = append(nl.lru, e)
	}
	return nl, nil
}

// WriteTo persists the active extent numbers at byte offset off.
func (l *Log) WriteTo(w io.WriterAt, off int64) error {
	active := l.Active()
	if 8+4*len(active) > areaBytes {
		active = active[:(areaBytes-8)/4]
	}
	buf := make([]byte, areaBytes)
	binary.BigEndian.PutUint32(buf[0:4], alMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(active)))
	for i, e := range active {
		binary.BigEndian.PutUint32(buf[8+4*i:], e)
	}
	if _, err := w.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write activity log: %w", err)
	}
	return nil
}

// ReadFrom loads the extents recorded at byte offset off into the log.
// A blank area is an empty log.
func (l *Log) ReadFrom(r io.ReaderAt, off int64) error {
	buf := make([]byte, areaBytes)
	if _, err := r.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read activity log: %w", err)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != alMagic {
		return nil
	}
	n := int(binary.BigEndian.Uint32(buf[4:8]))
	if 8+4*n > areaBytes {
		return fmt.Errorf("activity log corrupt: %d extents", n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		e := binary.BigEndian.Uint32(buf[8+4*i:])
		if _, ok := l.refs[e]; ok || len(l.lru) >= l.slots {
			continue
		}
		l.refs[e] = 0
		l.lru = append(l.lru, e)
	}
	return nil
}

// ApplyTo marks every active extent out of sync in bm and returns the
// number of bits that changed.
func (l *Log) ApplyTo(bm *bitmap.Bitmap) uint64 {
	var changed uint64
	for _, e := range l.Active() {
		start := uint64(e) * ExtentSectors
		changed += bm.SetRange(start, start+ExtentSectors)
	}
	return changed
}
