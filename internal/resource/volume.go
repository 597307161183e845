package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/jvs-project/replvol/internal/actlog"
	"github.com/jvs-project/replvol/internal/bitmap"
	"github.com/jvs-project/replvol/pkg/model"
)

// Flag is an auxiliary volume flag.
type Flag uint32

const (
	FlagCrashedPrimary Flag = 1 << iota
	FlagResizePending
	FlagUseDegrWfcT
	FlagALSuspended
	FlagNewCurUUID
	FlagResyncAfterNeg
	FlagMDDirty
	FlagBitmapIO
)

var flagNames = []struct {
	f Flag
	n string
}{
	{FlagCrashedPrimary, "crashed-primary"},
	{FlagResizePending, "resize-pending"},
	{FlagUseDegrWfcT, "use-degr-wfc-t"},
	{FlagALSuspended, "al-suspended"},
	{FlagNewCurUUID, "new-cur-uuid"},
	{FlagResyncAfterNeg, "resync-after-negotiation"},
	{FlagMDDirty, "md-dirty"},
	{FlagBitmapIO, "bitmap-io"},
}

// Volume is one replicated block range of a connection.
type Volume struct {
	minor  int
	number int
	conn   weak.Pointer[Connection]

	// serial orders role changes and generation UUID changes.
	serial sync.Mutex

	// guarded by the connection lock
	state    model.State
	pending  *model.DiskState
	openCnt  int
	peerUUID [model.UISize]uint64

	flags atomic.Uint32
	disk  Snapshot[model.DiskConf]

	ldevMu   sync.Mutex
	ldevCond *sync.Cond
	ldev     *LocalDisk
	localCnt int

	Gate      IOGate
	APPending Counter

	capacity atomic.Uint64
	readOnly atomic.Bool
	peerSize atomic.Uint64
	edUUID   atomic.Uint64

	bm atomic.Pointer[bitmap.Bitmap]
	al atomic.Pointer[actlog.Log]

	// sizeMu allows one size determination at a time.
	sizeMu sync.Mutex
}

func newVolume(c *Connection, minor, number int) *Volume {
	v := &Volume{minor: minor, number: number, conn: weak.Make(c)}
	v.ldevCond = sync.NewCond(&v.ldevMu)
	v.state = model.State{
		Role: model.RoleSecondary,
		Peer: model.RoleUnknown,
		Conn: c.cstate,
		Disk: model.DiskDiskless,
		PDsk: model.DiskDUnknown,
	}
	v.readOnly.Store(true)
	return v
}

func (v *Volume) Minor() int  { return v.minor }
func (v *Volume) Number() int { return v.number }

// Conn returns the owning connection, or nil once it was destroyed.
func (v *Volume) Conn() *Connection {
	return v.conn.Value()
}

// Serialize takes the per-volume role lock and returns its release.
func (v *Volume) Serialize() (unlock func()) {
	v.serial.Lock()
	return v.serial.Unlock
}

// State returns the composite state.
func (v *Volume) State() model.State {
	c := v.Conn()
	if c == nil {
		return v.state
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return v.state
}

// StateLocked returns the composite state. The connection lock must be held.
func (v *Volume) StateLocked() model.State { return v.state }

// SetStateLocked installs s. The connection lock must be held; only the
// state engine calls this.
func (v *Volume) SetStateLocked(s model.State) { v.state = s }

// PendingDiskLocked returns the disk state stashed for negotiation.
func (v *Volume) PendingDiskLocked() (model.DiskState, bool) {
	if v.pending == nil {
		return 0, false
	}
	return *v.pending, true
}

// StashDiskLocked remembers the disk state to apply once the peer state
// exchange finished. A nil argument clears it.
func (v *Volume) StashDiskLocked(d *model.DiskState) { v.pending = d }

// PeerUUIDsLocked returns the generation UUIDs last reported by the peer.
func (v *Volume) PeerUUIDsLocked() [model.UISize]uint64 { return v.peerUUID }

func (v *Volume) SetPeerUUIDsLocked(u [model.UISize]uint64) { v.peerUUID = u }

// Open marks the device as opened by an application. Opening for writing
// requires the Primary role.
func (v *Volume) Open(write bool) error {
	c := v.Conn()
	if c == nil {
		return ErrGone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if write && v.state.Role != model.RolePrimary {
		return ErrReadOnly
	}
	v.openCnt++
	return nil
}

// Release undoes one Open.
func (v *Volume) Release() {
	c := v.Conn()
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.openCnt > 0 {
		v.openCnt--
	}
}

// OpenCountLocked returns the number of openers.
func (v *Volume) OpenCountLocked() int { return v.openCnt }

// Test reports whether all bits of f are set.
func (v *Volume) Test(f Flag) bool { return Flag(v.flags.Load())&f == f }

// Set sets f and reports whether it was clear before.
func (v *Volume) Set(f Flag) bool {
	for {
		old := v.flags.Load()
		if v.flags.CompareAndSwap(old, old|uint32(f)) {
			return Flag(old)&f == 0
		}
	}
}

// Clear clears f and reports whether it was set before.
func (v *Volume) Clear(f Flag) bool {
	for {
		old := v.flags.Load()
		if v.flags.CompareAndSwap(old, old&^uint32(f)) {
			return Flag(old)&f != 0
		}
	}
}

// FlagNames lists the set flags.
func (v *Volume) FlagNames() []string {
	cur := Flag(v.flags.Load())
	var out []string
	for _, e := range flagNames {
		if cur&e.f != 0 {
			out = append(out, e.n)
		}
	}
	return out
}

// DiskConf returns the published disk parameters, or nil when diskless.
func (v *Volume) DiskConf() *model.DiskConf { return v.disk.Load() }

// PublishDiskConf installs dc and returns the previous snapshot.
func (v *Volume) PublishDiskConf(dc *model.DiskConf) *model.DiskConf { return v.disk.Publish(dc) }

// CompareAndPublishDiskConf installs dc only if old is still current.
func (v *Volume) CompareAndPublishDiskConf(old, dc *model.DiskConf) bool {
	return v.disk.CompareAndPublish(old, dc)
}

// SetLdev installs ldev, or clears it when ldev is nil. Installing fails
// if a disk is already installed.
func (v *Volume) SetLdev(ldev *LocalDisk) bool {
	v.ldevMu.Lock()
	defer v.ldevMu.Unlock()
	if v.ldev != nil && ldev != nil {
		return false
	}
	v.ldev = ldev
	return true
}

// GetLdev takes a reference on the local disk if the disk state is at
// least min. The caller must PutLdev when done.
func (v *Volume) GetLdev(min model.DiskState) *LocalDisk {
	c := v.Conn()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return v.getLdevLocked(min)
}

// GetLdevLocked is GetLdev with the connection lock held.
func (v *Volume) GetLdevLocked(min model.DiskState) *LocalDisk {
	return v.getLdevLocked(min)
}

func (v *Volume) getLdevLocked(min model.DiskState) *LocalDisk {
	if v.state.Disk < min {
		return nil
	}
	v.ldevMu.Lock()
	defer v.ldevMu.Unlock()
	if v.ldev == nil {
		return nil
	}
	v.localCnt++
	return v.ldev
}

// PutLdev drops a reference taken by GetLdev.
func (v *Volume) PutLdev() {
	v.ldevMu.Lock()
	defer v.ldevMu.Unlock()
	v.localCnt--
	if v.localCnt <= 0 {
		v.localCnt = 0
		v.ldevCond.Broadcast()
	}
}

// LocalRefs returns the number of outstanding local disk references.
func (v *Volume) LocalRefs() int {
	v.ldevMu.Lock()
	defer v.ldevMu.Unlock()
	return v.localCnt
}

// WaitNoLocalRefs waits until every local disk reference was dropped.
func (v *Volume) WaitNoLocalRefs(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		v.ldevMu.Lock()
		v.ldevCond.Broadcast()
		v.ldevMu.Unlock()
	})
	defer stop()

	v.ldevMu.Lock()
	defer v.ldevMu.Unlock()
	for v.localCnt > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.ldevCond.Wait()
	}
	return nil
}

// TakeLdev removes and returns the local disk once no references remain.
func (v *Volume) TakeLdev() *LocalDisk {
	v.ldevMu.Lock()
	defer v.ldevMu.Unlock()
	for v.localCnt > 0 {
		v.ldevCond.Wait()
	}
	l := v.ldev
	v.ldev = nil
	return l
}

// HasLdev reports whether local storage is installed.
func (v *Volume) HasLdev() bool {
	v.ldevMu.Lock()
	defer v.ldevMu.Unlock()
	return v.ldev != nil
}

// Capacity is the agreed size in sectors.
func (v *Volume) Capacity() uint64     { return v.capacity.Load() }
func (v *Volume) SetCapacity(n uint64) { v.capacity.Store(n) }

// ReadOnly reports the read-only flag of the exposed device.
func (v *Volume) ReadOnly() bool     { return v.readOnly.Load() }
func (v *Volume) SetReadOnly(b bool) { v.readOnly.Store(b) }

// PeerSize is the backing size reported by the peer, 0 when unknown.
func (v *Volume) PeerSize() uint64     { return v.peerSize.Load() }
func (v *Volume) SetPeerSize(n uint64) { v.peerSize.Store(n) }

// ExposedUUID is the current UUID of the data exposed to applications.
func (v *Volume) ExposedUUID() uint64     { return v.edUUID.Load() }
func (v *Volume) SetExposedUUID(u uint64) { v.edUUID.Store(u) }

func (v *Volume) Bitmap() *bitmap.Bitmap     { return v.bm.Load() }
func (v *Volume) SetBitmap(b *bitmap.Bitmap) { v.bm.Store(b) }
func (v *Volume) ActLog() *actlog.Log        { return v.al.Load() }
func (v *Volume) SetActLog(l *actlog.Log)    { v.al.Store(l) }

// LockSize serializes size determinations and returns the release.
func (v *Volume) LockSize() (unlock func()) {
	v.sizeMu.Lock()
	return v.sizeMu.Unlock
}
