// Package attach brings local storage under a volume and keeps the
// volume's size in agreement with the local and the peer's storage.
package attach

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/jvs-project/replvol/internal/backing"
	"github.com/jvs-project/replvol/internal/bitmap"
	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/metadata"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/internal/state"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/metrics"
	"github.com/jvs-project/replvol/pkg/model"
)

// sharedMeta holds indexed metadata devices, which several volumes use at
// different indexes.
type sharedMeta struct{}

// Options configure a Negotiator.
type Options struct {
	Opener backing.Opener
	// BitmapMaxBits caps the in-memory bitmap; 0 selects the default.
	BitmapMaxBits uint64
	Events        events.Broadcaster
	Metrics       *metrics.Registry
	Log           *logging.Logger
}

// Negotiator attaches and detaches local disks and determines sizes.
type Negotiator struct {
	engine *state.Engine
	opts   Options
	log    *logging.Logger
}

// New creates a negotiator. Without an opener devices are opened from the
// file system.
func New(engine *state.Engine, opts Options) *Negotiator {
	if opts.Opener == nil {
		opts.Opener = backing.NewFileOpener()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}
	return &Negotiator{
		engine: engine,
		opts:   opts,
		log:    log.WithFields(map[string]any{"component": "attach"}),
	}
}

// Attach opens the devices named by dc, reads their metadata and makes
// them the local disk of v. A failure after the disk went Attaching
// leaves v Diskless with every device handle closed.
func (n *Negotiator) Attach(ctx context.Context, v *resource.Volume, dc *model.DiskConf) error {
	c := v.Conn()
	if c == nil {
		return resource.ErrGone
	}
	log := n.log.WithFields(map[string]any{"conn": c.Name(), "minor": v.Minor()})

	if v.State().Disk > model.DiskDiskless {
		return errclass.ErrDiskConfigured
	}
	// The previous disk may just now be on its way out.
	c.Worker().Settle()
	if err := v.WaitNoLocalRefs(ctx); err != nil {
		return errclass.ErrIntr.WithMessage(err.Error())
	}
	if v.HasLdev() {
		return errclass.ErrDiskConfigured
	}

	dc = dc.Clone()
	if dc.MetaDevIdx < model.MetaIndexFlexInternal {
		return errclass.ErrMDIdxInvalid
	}
	if dc.MetaDev == "" && model.MetaIndexIsInternal(dc.MetaDevIdx) {
		dc.MetaDev = dc.BackingDev
	}
	if nc := c.Net(); nc != nil && dc.Fencing == model.FencingStonith && nc.Protocol == model.ProtocolA {
		return errclass.ErrStonithAndProtA
	}

	nbc, err := n.open(v, dc)
	if err != nil {
		return err
	}
	// Until v owns the devices they are closed on every return path.
	defer func() {
		if nbc == nil {
			return
		}
		if err := nbc.Close(); err != nil {
			log.ErrorErr("close devices", err)
		}
	}()

	g := nbc.Geometry()
	bcap, mcap := nbc.Backing.Capacity(), nbc.Meta.Capacity()
	maxCap := g.MaxCapacity(bcap)
	if maxCap < dc.DiskSize {
		return errclass.ErrDiskTooSmall.WithMessagef("max capacity %d smaller than disk size %d", maxCap, dc.DiskSize)
	}
	if need := metadata.MinMetaSectors(dc.MetaDevIdx); mcap < need {
		log.Warn("refusing attach: md-device too small", map[string]any{"needed_sectors": need})
		return errclass.ErrMDDiskTooSmall.WithMessagef("at least %d sectors needed for this meta-disk type", need)
	}
	// A diskless Primary already exposes its size.
	if cur := v.Capacity(); maxCap < cur {
		return errclass.ErrDiskTooSmall.WithMessagef("max capacity %d smaller than current size %d", maxCap, cur)
	}
	if limit := metadata.DeviceLimit(dc.MetaDevIdx); bcap > limit {
		log.Warn("truncating very big lower level device", map[string]any{"max_sectors": limit})
		if dc.MetaDevIdx >= 0 {
			log.Warn("using internal or flexible meta data may help")
		}
	}

	v.Gate.Suspend()
	v.APPending.WaitZero()
	c.Worker().Flush()
	rv := n.engine.RequestState(ctx, v, model.NewDelta().WithDisk(model.DiskAttaching), state.Verbose)
	v.Gate.Resume()
	if !rv.Succeeded() {
		return errclass.FromState(rv)
	}

	if v.Bitmap() == nil {
		v.SetBitmap(bitmap.New(n.opts.BitmapMaxBits))
	}

	md, err := metadata.Read(nbc.Meta, g)
	if err != nil {
		if errors.Is(err, metadata.ErrInvalid) {
			return n.fail(ctx, v, log, errclass.ErrMDInvalid.WithMessage(err.Error()))
		}
		return n.fail(ctx, v, log, errclass.ErrIOMDDisk.WithMessage(err.Error()))
	}
	nbc.SetMD(md)

	s := v.State()
	if s.Conn < model.ConnConnected && s.Role == model.RolePrimary &&
		v.ExposedUUID()&^1 != md.UUID[model.UICurrent]&^1 {
		return n.fail(ctx, v, log, errclass.ErrDataNotCurrent.WithMessagef(
			"can only attach to data with current UUID %016X", v.ExposedUUID()))
	}

	if err := confstore.CheckALSize(v, dc.ALExtents); err != nil {
		return n.fail(ctx, v, log, err)
	}

	if md.Flags.Has(model.MDFConsistent) {
		if size := n.newDevSize(v, nbc, dc, false); size < md.LaSize {
			return n.fail(ctx, v, log, errclass.ErrDiskTooSmall.WithMessage("refusing to truncate a consistent device"))
		}
	}

	al := v.ActLog()
	if err := al.ReadFrom(nbc.Meta, g.ALByteOffset()); err != nil {
		return n.fail(ctx, v, log, errclass.ErrIOMDDisk.WithMessage(err.Error()))
	}

	// From here on the volume owns the devices; the Failed to Diskless
	// transition releases them.
	if !v.SetLdev(nbc) {
		return n.fail(ctx, v, log, errclass.ErrDiskConfigured)
	}
	v.PublishDiskConf(dc)
	ldev := nbc
	nbc = nil

	cpDiscovered := false
	if md.Flags.Has(model.MDFCrashedPrimary) {
		v.Set(resource.FlagCrashedPrimary)
	} else {
		v.Clear(resource.FlagCrashedPrimary)
	}
	if md.Flags.Has(model.MDFPrimaryInd) && !(s.Role == model.RolePrimary && s.SuspNod) {
		v.Set(resource.FlagCrashedPrimary)
		cpDiscovered = true
	}

	// A degraded Primary that crashed will likely not find its peer
	// either, so it waits with the degraded timeout.
	v.Clear(resource.FlagUseDegrWfcT)
	if s.Role != model.RolePrimary && md.Flags.Has(model.MDFPrimaryInd) && !md.Flags.Has(model.MDFConnectedInd) {
		v.Set(resource.FlagUseDegrWfcT)
	}

	switch n.DetermineSize(ctx, v, 0) {
	case SizeError:
		return n.fail(ctx, v, log, errclass.ErrNoMemBitmap)
	case SizeGrew:
		v.Set(resource.FlagResyncAfterNeg)
	}

	bm := v.Bitmap()
	bmOff := ldev.Geometry().BMByteOffset()
	if md.Flags.Has(model.MDFFullSync) {
		log.Info("assuming that all blocks are out of sync (full sync)")
		bm.SetAll()
		if err := bm.WriteTo(ldev.Meta, bmOff); err != nil {
			return n.fail(ctx, v, log, errclass.ErrIOMDDisk.WithMessage(err.Error()))
		}
		ldev.SetFlags(0, model.MDFFullSync)
	} else if err := bm.ReadFrom(ldev.Meta, bmOff); err != nil {
		return n.fail(ctx, v, log, errclass.ErrIOMDDisk.WithMessage(err.Error()))
	}

	if cpDiscovered {
		changed := al.ApplyTo(bm)
		log.Info("crashed primary, marked active extents out of sync", map[string]any{"bits": changed})
		if err := bm.WriteTo(ldev.Meta, bmOff); err != nil {
			return n.fail(ctx, v, log, errclass.ErrIOMDDisk.WithMessage(err.Error()))
		}
	}

	if bm.AllSet() {
		v.Set(resource.FlagALSuspended)
	}

	target, peerOutdated := diskFromFlags(md.Flags, dc.Fencing)
	rv = n.engine.Attached(ctx, v, target, peerOutdated, state.Verbose)
	if !rv.Succeeded() {
		return n.fail(ctx, v, log, errclass.FromState(rv))
	}

	ldev.SetCurrentBit(v.State().Role == model.RolePrimary)
	if err := ldev.SyncMD(); err != nil {
		log.ErrorErr("sync metadata", err)
	}

	log.Info("attached", map[string]any{
		"disk":     v.State().Disk.String(),
		"capacity": v.Capacity(),
		"backing":  dc.BackingDev,
	})
	return nil
}

// diskFromFlags derives the disk state persisted metadata allows.
func diskFromFlags(f model.MDFlags, fp model.FencingPolicy) (disk model.DiskState, peerOutdated bool) {
	switch {
	case !f.Has(model.MDFConsistent):
		disk = model.DiskInconsistent
	case f.Has(model.MDFWasUpToDate):
		disk = model.DiskConsistent
	default:
		disk = model.DiskOutdated
	}
	peerOutdated = f.Has(model.MDFPeerOutdated)
	if disk == model.DiskConsistent && (peerOutdated || fp == model.FencingDontCare) {
		disk = model.DiskUpToDate
	}
	return disk, peerOutdated
}

// open opens the backing and metadata devices and checks that the
// metadata index fits how they were named.
func (n *Negotiator) open(v *resource.Volume, dc *model.DiskConf) (*resource.LocalDisk, error) {
	bdev, err := n.opts.Opener.Open(dc.BackingDev, v)
	if err != nil {
		if errors.Is(err, backing.ErrClaimed) {
			return nil, errclass.ErrBdClaimDisk.WithMessage(err.Error())
		}
		return nil, errclass.ErrOpenDisk.WithMessage(err.Error())
	}

	var holder any = v
	if dc.MetaDevIdx >= 0 {
		holder = sharedMeta{}
	}
	mdev, err := n.opts.Opener.Open(dc.MetaDev, holder)
	if err != nil {
		closeAll(n.log, bdev)
		if errors.Is(err, backing.ErrClaimed) {
			return nil, errclass.ErrBdClaimMDDisk.WithMessage(err.Error())
		}
		return nil, errclass.ErrOpenMDDisk.WithMessage(err.Error())
	}

	if backing.SameDevice(bdev, mdev) != model.MetaIndexIsInternal(dc.MetaDevIdx) {
		closeAll(n.log, mdev, bdev)
		return nil, errclass.ErrMDIdxInvalid.WithMessage("internal meta data needs the backing device as meta device")
	}

	g := metadata.ComputeGeometry(dc.MetaDevIdx, bdev.Capacity(), mdev.Capacity())
	return resource.NewLocalDisk(bdev, mdev, g, nil), nil
}

func closeAll(log *logging.Logger, devs ...backing.Device) {
	var result error
	for _, d := range devs {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", d.Path(), err))
		}
	}
	if result != nil {
		log.ErrorErr("close devices", result)
	}
}

// fail degrades the disk to Failed, waits for the engine to finish the
// way to Diskless and returns err.
func (n *Negotiator) fail(ctx context.Context, v *resource.Volume, log *logging.Logger, err error) error {
	log.ErrorErr("attach failed", err)
	ctx = context.WithoutCancel(ctx)
	n.engine.RequestState(ctx, v, model.NewDelta().WithDisk(model.DiskFailed), state.Hard)
	if werr := n.engine.WaitFor(ctx, v, func(s model.State) bool { return s.Disk != model.DiskFailed }); werr != nil {
		return err
	}
	if c := v.Conn(); c != nil {
		c.Worker().Settle()
	}
	return err
}

// Detach takes the local disk away from v. It returns NothingToDo for a
// diskless volume and ErrIntr when ctx ends before the disk is gone.
func (n *Negotiator) Detach(ctx context.Context, v *resource.Volume) (model.StateResult, error) {
	c := v.Conn()
	if c == nil {
		return model.SSUnknownError, resource.ErrGone
	}

	// No writer may wait in the activity log while the disk goes away.
	v.Gate.Suspend()
	rv := n.engine.RequestState(ctx, v, model.NewDelta().WithDisk(model.DiskFailed), state.Verbose|state.Ordered)
	err := n.engine.WaitFor(ctx, v, func(s model.State) bool { return s.Disk != model.DiskFailed })
	v.Gate.Resume()

	if rv == model.SSIsDiskless {
		rv = model.SSNothingToDo
	}
	if err != nil {
		return rv, err
	}
	if rv.Succeeded() {
		c.Worker().Settle()
		n.log.Info("detached", map[string]any{"conn": c.Name(), "minor": v.Minor()})
	}
	return rv, nil
}

// CompleteNegotiation applies the disk state stashed by Attach once the
// peer's state and UUIDs were exchanged.
func (n *Negotiator) CompleteNegotiation(ctx context.Context, v *resource.Volume) model.StateResult {
	c := v.Conn()
	if c == nil {
		return model.SSUnknownError
	}
	c.Lock()
	disk, ok := v.PendingDiskLocked()
	negotiating := v.StateLocked().Disk == model.DiskNegotiating
	c.Unlock()
	if !ok || !negotiating {
		return model.SSNothingToDo
	}
	return n.engine.RequestState(ctx, v, model.NewDelta().WithDisk(disk), state.Verbose)
}
