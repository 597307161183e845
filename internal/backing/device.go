// Package backing opens the local devices a volume replicates onto: the
// backing device holding user data and the device holding metadata.
package backing

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClaimed is returned when a device is already held by another owner.
var ErrClaimed = errors.New("device is claimed by another owner")

// Device is an opened backing or metadata device.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Path is the path the device was opened by.
	Path() string
	// ID identifies the underlying device, so that two paths naming the
	// same device compare equal.
	ID() string
	// Capacity is the usable size in 512-byte sectors.
	Capacity() uint64
	Sync() error
	Close() error
}

// Opener opens devices on behalf of a holder. A device may be opened more
// than once by the same holder but never by two different holders.
type Opener interface {
	Open(path string, holder any) (Device, error)
}

// SameDevice reports whether a and b refer to the same underlying device.
func SameDevice(a, b Device) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}

// claims tracks exclusive ownership of devices by ID.
type claims struct {
	mu    sync.Mutex
	owner map[string]any
	count map[string]int
}

func newClaims() *claims {
	return &claims{owner: map[string]any{}, count: map[string]int{}}
}

func (c *claims) claim(id string, holder any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owner[id]; ok && cur != holder {
		return fmt.Errorf("%s: %w", id, ErrClaimed)
	}
	c.owner[id] = holder
	c.count[id]++
	return nil
}

func (c *claims) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count[id]--
	if c.count[id] <= 0 {
		delete(c.count, id)
		delete(c.owner, id)
	}
}
