// Package resource holds the runtime cells of the replication control
// plane: connections, their member volumes and the attached local disks.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jvs-project/replvol/internal/peer"
	"github.com/jvs-project/replvol/pkg/hashalg"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/model"
)

var (
	// ErrGone is returned when the owning connection no longer exists.
	ErrGone = errors.New("connection is gone")
	// ErrReadOnly is returned when opening a non-Primary volume for writing.
	ErrReadOnly = errors.New("volume is read-only")
	// ErrVolumeExists is returned when a volume number is already taken.
	ErrVolumeExists = errors.New("volume number already in use")
)

// Crypto holds the digest handles derived from a network configuration.
type Crypto struct {
	CramHMAC  hashalg.Factory
	Integrity hashalg.Factory
	Csums     hashalg.Factory
	Verify    hashalg.Factory
}

// Connection groups the volumes replicated to one peer.
type Connection struct {
	name string
	refs atomic.Int32

	// serial orders connection wide state requests that ask for it.
	serial sync.Mutex

	// mu is the state critical section of the connection and its volumes.
	mu      sync.Mutex
	cstate  model.ConnState
	volumes map[int]*Volume
	changed chan struct{}

	net     Snapshot[model.NetConf]
	resOpts Snapshot[model.ResOpts]
	crypto  atomic.Pointer[Crypto]
	link    atomic.Pointer[linkBox]

	worker *Worker
	log    *logging.Logger
}

type linkBox struct{ peer.Link }

// NewConnection creates a StandAlone connection with one reference held
// by the caller.
func NewConnection(name string, link peer.Link) *Connection {
	if link == nil {
		link = peer.Nop{}
	}
	c := &Connection{
		name:    name,
		cstate:  model.ConnStandAlone,
		volumes: make(map[int]*Volume),
		changed: make(chan struct{}),
		worker:  NewWorker(name),
		log:     logging.WithFields(map[string]any{"conn": name}),
	}
	c.refs.Store(1)
	ro := model.DefaultResOpts()
	c.resOpts.Publish(&ro)
	c.link.Store(&linkBox{link})
	return c
}

func (c *Connection) Name() string            { return c.name }
func (c *Connection) Log() *logging.Logger    { return c.log }
func (c *Connection) Worker() *Worker         { return c.worker }
func (c *Connection) Link() peer.Link         { return c.link.Load().Link }
func (c *Connection) SetLink(l peer.Link)     { c.link.Store(&linkBox{l}) }
func (c *Connection) Crypto() *Crypto         { return c.crypto.Load() }
func (c *Connection) SetCrypto(cr *Crypto)    { c.crypto.Store(cr) }
func (c *Connection) AgreedProtocol() int     { return c.Link().AgreedProtocol() }
func (c *Connection) ResOpts() *model.ResOpts { return c.resOpts.Load() }

// Get takes a reference.
func (c *Connection) Get() { c.refs.Add(1) }

// Put drops a reference and reports whether it was the last one.
func (c *Connection) Put() bool {
	n := c.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("connection %s: reference count underflow", c.name))
	}
	return n == 0
}

// Refs returns the current reference count.
func (c *Connection) Refs() int { return int(c.refs.Load()) }

// Lock enters the state critical section.
func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }

// Serialize takes the connection request lock and returns its release.
func (c *Connection) Serialize() (unlock func()) {
	c.serial.Lock()
	return c.serial.Unlock
}

// ChangedLocked returns a channel closed at the next state commit.
func (c *Connection) ChangedLocked() <-chan struct{} { return c.changed }

// NotifyLocked wakes everyone waiting for a state change.
func (c *Connection) NotifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// ConnState returns the connection state.
func (c *Connection) ConnState() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cstate
}

func (c *Connection) ConnStateLocked() model.ConnState     { return c.cstate }
func (c *Connection) SetConnStateLocked(s model.ConnState) { c.cstate = s }

// Net returns the published network parameters, or nil when unconfigured.
func (c *Connection) Net() *model.NetConf { return c.net.Load() }

// PublishNet installs nc and returns the previous snapshot.
func (c *Connection) PublishNet(nc *model.NetConf) *model.NetConf { return c.net.Publish(nc) }

// CompareAndPublishNet installs nc only if old is still current.
func (c *Connection) CompareAndPublishNet(old, nc *model.NetConf) bool {
	return c.net.CompareAndPublish(old, nc)
}

// PublishResOpts installs ro and returns the previous snapshot.
func (c *Connection) PublishResOpts(ro *model.ResOpts) *model.ResOpts { return c.resOpts.Publish(ro) }

// AddVolume creates volume number on this connection with the given minor.
func (c *Connection) AddVolume(minor, number int) (*Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.volumes[number]; ok {
		return nil, ErrVolumeExists
	}
	v := newVolume(c, minor, number)
	c.volumes[number] = v
	return v, nil
}

// RemoveVolume detaches volume number from the connection.
func (c *Connection) RemoveVolume(number int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.volumes, number)
}

// Volume returns volume number, or nil.
func (c *Connection) Volume(number int) *Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumes[number]
}

// Volumes returns the member volumes ordered by number.
func (c *Connection) Volumes() []*Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.VolumesLocked()
}

// VolumesLocked is Volumes with the connection lock held.
func (c *Connection) VolumesLocked() []*Volume {
	out := make([]*Volume, 0, len(c.volumes))
	for _, v := range c.volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out
}

// NumVolumes returns the number of member volumes.
func (c *Connection) NumVolumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.volumes)
}

// FencingPolicy returns the strictest policy over volumes whose local disk
// is at least Consistent, or NotAvailable when there is none.
func (c *Connection) FencingPolicy() model.FencingPolicy {
	fp := model.FencingNotAvailable
	for _, v := range c.Volumes() {
		if ldev := v.GetLdev(model.DiskConsistent); ldev != nil {
			if dc := v.DiskConf(); dc != nil && dc.Fencing > fp {
				fp = dc.Fencing
			}
			v.PutLdev()
		}
	}
	return fp
}

// Close stops the connection worker after it drained its queue.
func (c *Connection) Close() {
	c.worker.Stop()
}
