package backing

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jvs-project/replvol/pkg/model"
)

const memPageSize = 4096

// MemOpener serves sparse in-memory devices. It backs tests and dry runs.
type MemOpener struct {
	mu      sync.Mutex
	devices map[string]*MemDevice
	claims  *claims
}

// NewMemOpener returns an empty in-memory opener.
func NewMemOpener() *MemOpener {
	return &MemOpener{devices: map[string]*MemDevice{}, claims: newClaims()}
}

// Add registers a device of the given size in sectors at path.
func (o *MemOpener) Add(path string, sectors uint64) *MemDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := &MemDevice{path: path, sectors: sectors, pages: map[int64][]byte{}}
	o.devices[path] = d
	return d
}

// Alias makes path name the same device as target.
func (o *MemOpener) Alias(path, target string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.devices[path] = o.devices[target]
}

// Device returns the device registered at path.
func (o *MemOpener) Device(path string) *MemDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices[path]
}

// Open claims the device at path for holder.
func (o *MemOpener) Open(path string, holder any) (Device, error) {
	o.mu.Lock()
	d, ok := o.devices[path]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: no such device", path)
	}
	if err := o.claims.claim(d.path, holder); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	return &memHandle{MemDevice: d, opener: o, path: path}, nil
}

// MemDevice is a sparse in-memory device.
type MemDevice struct {
	mu         sync.Mutex
	path       string
	sectors    uint64
	pages      map[int64][]byte
	opens      int
	failReads  bool
	failWrites bool
}

// ErrInjected is returned by reads or writes after a failure was injected.
var ErrInjected = errors.New("injected I/O error")

// SetSectors changes the device size, as if the device was grown or shrunk.
func (d *MemDevice) SetSectors(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sectors = n
}

// FailReads makes all following reads fail.
func (d *MemDevice) FailReads(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failReads = v
}

// FailWrites makes all following writes fail.
func (d *MemDevice) FailWrites(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrites = v
}

// Opens is the number of handles currently open.
func (d *MemDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *MemDevice) size() int64 {
	return int64(d.sectors) << model.SectorShift
}

func (d *MemDevice) readAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failReads {
		return 0, ErrInjected
	}
	if off >= d.size() {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off < d.size() {
		page, in := off/memPageSize, off%memPageSize
		chunk := min(int64(len(p)-n), memPageSize-in, d.size()-off)
		if buf, ok := d.pages[page]; ok {
			copy(p[n:n+int(chunk)], buf[in:in+chunk])
		} else {
			clear(p[n : n+int(chunk)])
		}
		n += int(chunk)
		off += chunk
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *MemDevice) writeAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrites {
		return 0, ErrInjected
	}
	if off+int64(len(p)) > d.size() {
		return 0, fmt.Errorf("write beyond end of %s", d.path)
	}
	n := 0
	for n < len(p) {
		page, in := off/memPageSize, off%memPageSize
		chunk := min(int64(len(p)-n), memPageSize-in)
		buf, ok := d.pages[page]
		if !ok {
			buf = make([]byte, memPageSize)
			d.pages[page] = buf
		}
		copy(buf[in:in+chunk], p[n:n+int(chunk)])
		n += int(chunk)
		off += chunk
	}
	return n, nil
}

type memHandle struct {
	*MemDevice
	opener *MemOpener
	path   string
	once   sync.Once
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error)  { return h.readAt(p, off) }
func (h *memHandle) WriteAt(p []byte, off int64) (int, error) { return h.writeAt(p, off) }
func (h *memHandle) Path() string                             { return h.path }
func (h *memHandle) ID() string                               { return h.MemDevice.path }
func (h *memHandle) Sync() error                              { return nil }

func (h *memHandle) Capacity() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sectors
}

func (h *memHandle) Close() error {
	h.once.Do(func() {
		h.mu.Lock()
		h.opens--
		h.mu.Unlock()
		h.opener.claims.release(h.MemDevice.path)
	})
	return nil
}
