package attach

import (
	"context"
	"fmt"

	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/metadata"
	"github.com/jvs-project/replvol/internal/peer"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/model"
)

// SizeFlags modify a size determination.
type SizeFlags uint8

const (
	// SizeForced assumes the peer has the space while not connected.
	SizeForced SizeFlags = 1 << iota
	// SizeNoResync leaves newly added space in sync.
	SizeNoResync
)

// SizeResult is the outcome of a size determination.
type SizeResult int

const (
	SizeUnchanged SizeResult = iota
	SizeGrew
	SizeShrunk
	SizeError
)

func (r SizeResult) String() string {
	switch r {
	case SizeUnchanged:
		return "unchanged"
	case SizeGrew:
		return "grew"
	case SizeShrunk:
		return "shrunk"
	case SizeError:
		return "error"
	}
	return fmt.Sprintf("SizeResult(%d)", int(r))
}

// SizeInputs are the sizes an agreed size is derived from, in sectors.
// Zero means unknown.
type SizeInputs struct {
	Peer       uint64
	LastAgreed uint64
	Local      uint64
	User       uint64
}

// NewDevSize derives the agreed size. A user size wins; tooBig reports
// that it exceeds what the devices offer.
func NewDevSize(in SizeInputs) (size uint64, tooBig bool) {
	switch {
	case in.Peer != 0 && in.Local != 0:
		size = min(in.Peer, in.Local)
	case in.LastAgreed != 0:
		size = in.LastAgreed
		if in.Local != 0 && in.Local < size {
			size = in.Local
		}
		if in.Peer != 0 && in.Peer < size {
			size = in.Peer
		}
	case in.Peer != 0:
		size = in.Peer
	default:
		size = in.Local
	}

	if in.User != 0 {
		tooBig = in.User > size
		size = in.User
	}
	return size, tooBig
}

func (n *Negotiator) newDevSize(v *resource.Volume, ldev *resource.LocalDisk, dc *model.DiskConf, assumePeerHasSpace bool) uint64 {
	log := n.log.WithFields(map[string]any{"minor": v.Minor()})
	in := SizeInputs{
		Peer:       v.PeerSize(),
		LastAgreed: ldev.MD().LaSize,
		Local:      ldev.Geometry().MaxCapacity(ldev.Backing.Capacity()),
	}
	if dc != nil {
		in.User = dc.DiskSize
	}
	if assumePeerHasSpace && v.State().Conn < model.ConnConnected {
		log.Warn("resize while not connected was forced by the user")
		in.Peer = in.Local
	}

	size, tooBig := NewDevSize(in)
	if in.User == 0 && size == 0 {
		log.Error("both nodes diskless")
	}
	if tooBig {
		plain, _ := NewDevSize(SizeInputs{Peer: in.Peer, LastAgreed: in.LastAgreed, Local: in.Local})
		log.Warn("requested disk size is too big", map[string]any{"requested": in.User, "available": plain})
	}
	return size
}

// DetermineSize recomputes the metadata layout and the agreed size of v
// and resizes the bitmap to match. Callers sync metadata afterwards.
func (n *Negotiator) DetermineSize(ctx context.Context, v *resource.Volume, flags SizeFlags) SizeResult {
	ldev := v.GetLdev(model.DiskAttaching)
	if ldev == nil {
		return SizeError
	}
	defer v.PutLdev()
	defer v.LockSize()()

	// Writes waiting for an activity log slot would deadlock against the
	// lock below.
	v.Gate.Suspend()
	defer v.Gate.Resume()
	if al := v.ActLog(); al != nil {
		al.Lock()
		defer al.Unlock()
	}

	log := n.log.WithFields(map[string]any{"minor": v.Minor()})
	old := ldev.Geometry()
	prevFirst, prevSize := old.FirstSector(), old.MDSize
	la := ldev.MD().LaSize

	g := metadata.ComputeGeometry(old.Index, ldev.Backing.Capacity(), ldev.Meta.Capacity())
	if g != old {
		ldev.SetGeometry(g)
	}
	ldev.SetKnownSize(ldev.Backing.Capacity())

	rv := SizeUnchanged
	size := n.newDevSize(v, ldev, v.DiskConf(), flags&SizeForced != 0)

	bm := v.Bitmap()
	if v.Capacity() != size || bm.Capacity() != size {
		if err := bm.Resize(size, flags&SizeNoResync == 0); err != nil {
			size = bm.Capacity()
			if size == 0 {
				log.ErrorErr("out of memory, could not allocate bitmap", err)
			} else {
				log.ErrorErr("bitmap resize failed, leaving size unchanged", err, map[string]any{"size": size})
			}
			rv = SizeError
		}
		v.SetCapacity(size)
		ldev.UpdateMD(func(r *metadata.Record) { r.LaSize = size })
		log.Info("size", map[string]any{"sectors": size, "kib": size >> 1})
	}
	if rv == SizeError {
		n.recordSize(v, rv, la, size)
		return rv
	}

	laChanged := la != size
	mdMoved := prevFirst != g.FirstSector() || prevSize != g.MDSize
	if laChanged || mdMoved {
		if al := v.ActLog(); al != nil {
			al.Shrink()
		}
		reason := "md moved"
		switch {
		case laChanged && mdMoved:
			reason = "size changed and md moved"
		case laChanged:
			reason = "size changed"
		}
		log.Info("writing the whole bitmap", map[string]any{"reason": reason})
		if err := bm.WriteTo(ldev.Meta, g.BMByteOffset()); err != nil {
			log.ErrorErr("write bitmap", err)
			n.recordSize(v, SizeError, la, size)
			return SizeError
		}
		ldev.MarkDirty()
	}

	switch {
	case size > la:
		rv = SizeGrew
	case size < la:
		rv = SizeShrunk
	}
	n.recordSize(v, rv, la, size)
	return rv
}

func (n *Negotiator) recordSize(v *resource.Volume, rv SizeResult, old, size uint64) {
	n.opts.Metrics.RecordResize(rv.String())
	if rv == SizeUnchanged {
		return
	}
	e := events.Event{
		Kind:    events.KindSizeChange,
		Volume:  v.Number(),
		Minor:   v.Minor(),
		Old:     fmt.Sprint(old),
		New:     fmt.Sprint(size),
		Details: map[string]any{"result": rv.String()},
	}
	if c := v.Conn(); c != nil {
		e.Conn = c.Name()
	}
	n.opts.Events.Publish(e)
}

// Resize changes the agreed size of v to size sectors, or to whatever the
// devices offer when size is 0.
func (n *Negotiator) Resize(ctx context.Context, v *resource.Volume, size uint64, force, noResync bool) error {
	c := v.Conn()
	if c == nil {
		return resource.ErrGone
	}
	s := v.State()
	if s.Conn > model.ConnConnected {
		return errclass.ErrResizeResync
	}
	if s.Role != model.RolePrimary && s.Peer != model.RolePrimary {
		return errclass.ErrNoPrimary
	}

	ldev := v.GetLdev(model.DiskNegotiating)
	if ldev == nil {
		return errclass.ErrNoDisk
	}
	defer v.PutLdev()

	if noResync && c.AgreedProtocol() < 93 {
		return errclass.ErrNeedAPV93
	}

	ldev.SetKnownSize(ldev.Backing.Capacity())
	if dc := v.DiskConf(); dc != nil && dc.DiskSize != size {
		ndc := dc.Clone()
		ndc.DiskSize = size
		v.PublishDiskConf(ndc)
	}

	var flags SizeFlags
	if force {
		flags |= SizeForced
	}
	if noResync {
		flags |= SizeNoResync
	}
	rv := n.DetermineSize(ctx, v, flags)
	if err := ldev.SyncMD(); err != nil {
		n.log.ErrorErr("sync metadata", err, map[string]any{"minor": v.Minor()})
	}
	if rv == SizeError {
		return errclass.ErrNoMemBitmap
	}

	if v.State().Conn == model.ConnConnected {
		if rv == SizeGrew {
			v.Set(resource.FlagResizePending)
		}
		link := c.Link()
		if err := link.SendUUIDs(v.Number(), ldev.UUIDs(), false); err != nil {
			c.Log().ErrorErr("send uuids", err)
		}
		sizes := peer.Sizes{
			Backing:      ldev.Backing.Capacity(),
			User:         size,
			Current:      v.Capacity(),
			TriggerReply: true,
			NoResync:     noResync,
		}
		if err := link.SendSizes(v.Number(), sizes); err != nil {
			c.Log().ErrorErr("send sizes", err)
		}
	}
	return nil
}
