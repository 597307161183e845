package admin

import (
	"context"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/jvs-project/replvol/internal/confstore"
	res "github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/internal/state"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/model"
	"github.com/jvs-project/replvol/pkg/pathutil"
)

// requestState is a plain administrative state change.
const requestState = state.Verbose | state.Ordered

type roleParams struct {
	AssumeUpToDate bool `yaml:"assume-uptodate"`
}

type resizeParams struct {
	Size     string `yaml:"size"`
	Force    bool   `yaml:"force"`
	NoResync bool   `yaml:"no-resync"`
}

type disconnectParams struct {
	Force bool `yaml:"force"`
}

type newUUIDParams struct {
	ClearBitmap bool `yaml:"clear-bm"`
}

type noParams struct{}

// parseSize converts a byte quantity such as "10Gi" into sectors.
func parseSize(s string) (uint64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, errclass.ErrMandatoryTag.WithMessagef("invalid size %q: %v", s, err)
	}
	b, ok := q.AsInt64()
	if !ok || b < 0 {
		return 0, errclass.ErrMandatoryTag.WithMessagef("invalid size %q", s)
	}
	return uint64(b) >> model.SectorShift, nil
}

func (d *Dispatcher) newConnection(ctx context.Context, rc *reqCtx) error {
	name := rc.req.Conn
	if name == "" {
		return errclass.ErrMandatoryTag.WithMessage("connection name missing")
	}
	if strings.Contains(name, "/") {
		return errclass.ErrInvalidRequest.WithMessage("invalid connection name")
	}
	if rc.c != nil {
		if rc.req.Exclusive {
			return errclass.ErrInvalidRequest.WithMessage("connection exists")
		}
		return nil
	}
	c, _, err := d.reg.CreateConnection(name)
	if err != nil {
		return err
	}
	registry.Release(c)
	return nil
}

func (d *Dispatcher) delConnection(ctx context.Context, rc *reqCtx) error {
	return d.reg.DeleteConnection(rc.c)
}

func (d *Dispatcher) newMinor(ctx context.Context, rc *reqCtx) error {
	req := rc.req
	if req.Minor < 0 || req.Minor >= d.reg.MinorCount() {
		return errclass.ErrInvalidRequest.WithMessage("requested minor out of range")
	}
	if req.Volume < 0 || req.Volume >= registry.MaxVolumes {
		return errclass.ErrInvalidRequest.WithMessage("requested volume id out of range")
	}
	if rc.v != nil {
		if req.Exclusive {
			return errclass.ErrMinorExists
		}
		return nil
	}
	_, err := d.reg.AddVolume(rc.c, req.Minor, req.Volume)
	return err
}

func (d *Dispatcher) delMinor(ctx context.Context, rc *reqCtx) error {
	return d.reg.DeleteVolume(rc.v)
}

// down demotes, disconnects and detaches every volume of a connection and
// then removes the volumes and the connection.
func (d *Dispatcher) down(ctx context.Context, rc *reqCtx) error {
	c := rc.c
	if c == nil {
		return errclass.ErrConnNotKnown
	}

	for _, v := range c.Volumes() {
		if rv := d.engine.SetRole(ctx, v, model.RoleSecondary, false); rv < model.SSSuccess {
			rc.reply.Info = "failed to demote"
			return stateErr(rv)
		}
	}

	if rv := d.tryDisconnect(ctx, c, false); rv < model.SSSuccess {
		rc.reply.Info = "failed to disconnect"
		return stateErr(rv)
	}

	for _, v := range c.Volumes() {
		rv, err := d.neg.Detach(ctx, v)
		if err != nil {
			return err
		}
		if rv < model.SSSuccess {
			rc.reply.Info = "failed to detach"
			return stateErr(rv)
		}
	}

	// Everything is Secondary, StandAlone and Diskless now.
	c.Worker().Settle()

	for _, v := range c.Volumes() {
		if err := d.reg.DeleteVolume(v); err != nil {
			return errclass.ErrMinorConfigured.WithMessage("failed to delete volume")
		}
	}
	if err := d.reg.DeleteConnection(c); err != nil {
		return errclass.ErrConnInUse.WithMessage("failed to delete connection")
	}
	return nil
}

func (d *Dispatcher) primary(ctx context.Context, rc *reqCtx) error {
	var p roleParams
	if err := confstore.Decode(&p, rc.req.Attrs); err != nil {
		return err
	}
	return stateErr(d.engine.SetRole(ctx, rc.v, model.RolePrimary, p.AssumeUpToDate))
}

func (d *Dispatcher) secondary(ctx context.Context, rc *reqCtx) error {
	if err := confstore.Decode(&noParams{}, rc.req.Attrs); err != nil {
		return err
	}
	return stateErr(d.engine.SetRole(ctx, rc.v, model.RoleSecondary, false))
}

func (d *Dispatcher) attach(ctx context.Context, rc *reqCtx) error {
	attrs := rc.req.Attrs
	if s, ok := attrs["size"]; ok {
		n, err := parseSize(s)
		if err != nil {
			return err
		}
		attrs = cloneAttrs(attrs)
		attrs["size"] = strconv.FormatUint(n, 10)
	}
	dc, err := confstore.NewDiskConf(attrs)
	if err != nil {
		return err
	}
	if err := pathutil.ValidateDevicePath(dc.BackingDev); err != nil {
		return err
	}
	if dc.MetaDev != "" {
		if err := pathutil.ValidateDevicePath(dc.MetaDev); err != nil {
			return err
		}
	}
	return d.neg.Attach(ctx, rc.v, dc)
}

func (d *Dispatcher) detach(ctx context.Context, rc *reqCtx) error {
	rv, err := d.neg.Detach(ctx, rc.v)
	if err != nil {
		return err
	}
	return stateErr(rv)
}

func (d *Dispatcher) diskOpts(ctx context.Context, rc *reqCtx) error {
	return d.store.UpdateDisk(rc.v, rc.req.Attrs, rc.req.SetDefaults)
}

func (d *Dispatcher) connect(ctx context.Context, rc *reqCtx) error {
	if err := d.store.Connect(rc.c, rc.req.Attrs); err != nil {
		return err
	}
	rv := d.engine.ConnRequestState(ctx, rc.c, model.NewDelta().WithConn(model.ConnUnconnected), state.Verbose)
	return stateErr(rv)
}

func (d *Dispatcher) netOpts(ctx context.Context, rc *reqCtx) error {
	return d.store.UpdateNet(rc.c, rc.req.Attrs, rc.req.SetDefaults)
}

// tryDisconnect takes c to StandAlone, outdating whichever side the state
// rules or the peer insist on.
func (d *Dispatcher) tryDisconnect(ctx context.Context, c *res.Connection, force bool) model.StateResult {
	disconnecting := model.NewDelta().WithConn(model.ConnDisconnecting)
	var f state.Flags
	if force {
		f = state.Hard
	}

	rv := d.engine.ConnRequestState(ctx, c, disconnecting, f)
	switch rv {
	case model.SSAlreadyStandAlone:
		return model.SSSuccess
	case model.SSPrimaryNop:
		rv = d.engine.ConnRequestState(ctx, c, disconnecting.WithPDsk(model.DiskOutdated), state.Verbose)
	case model.SSCWFailedByPeer:
		rv = d.engine.ConnRequestState(ctx, c, disconnecting.WithDisk(model.DiskOutdated), 0)
		if rv == model.SSIsDiskless || rv == model.SSLowerThanOutdated {
			rv = d.engine.ConnRequestState(ctx, c, disconnecting, state.Hard)
		}
	}

	if rv >= model.SSSuccess {
		c.Link().StopReceiver()
		// A forced disconnect may have raced with a receiver restart.
		rv2 := d.engine.ConnRequestState(ctx, c, model.NewDelta().WithConn(model.ConnStandAlone), state.Verbose|state.Hard)
		if rv2 < model.SSSuccess {
			c.Log().Error("unexpected result going StandAlone", map[string]any{"result": rv2.String()})
		}
	}
	return rv
}

func (d *Dispatcher) disconnect(ctx context.Context, rc *reqCtx) error {
	var p disconnectParams
	if err := confstore.Decode(&p, rc.req.Attrs); err != nil {
		return err
	}
	rv := d.tryDisconnect(ctx, rc.c, p.Force)
	if rv < model.SSSuccess {
		return stateErr(rv)
	}
	return nil
}

func (d *Dispatcher) resize(ctx context.Context, rc *reqCtx) error {
	var p resizeParams
	if err := confstore.Decode(&p, rc.req.Attrs); err != nil {
		return err
	}
	var size uint64
	if p.Size != "" {
		n, err := parseSize(p.Size)
		if err != nil {
			return err
		}
		size = n
	}
	return d.neg.Resize(ctx, rc.v, size, p.Force, p.NoResync)
}

func (d *Dispatcher) resourceOpts(ctx context.Context, rc *reqCtx) error {
	return d.store.UpdateResOpts(rc.c, rc.req.Attrs, rc.req.SetDefaults)
}

// invalidate discards the local data. Without a connection the disk is
// marked Inconsistent right away; with one a full resync starts.
func (d *Dispatcher) invalidate(ctx context.Context, rc *reqCtx) error {
	v := rc.v
	syncT := model.NewDelta().WithConn(model.ConnStartingSyncT)

	rv := d.engine.RequestState(ctx, v, syncT, state.Ordered)
	if rv < model.SSSuccess && rv != model.SSNeedConnection {
		rv = d.engine.RequestState(ctx, v, syncT, requestState)
	}
	for rv == model.SSNeedConnection {
		if ctx.Err() != nil {
			return errclass.ErrIntr
		}
		if v.State().Conn < model.ConnConnected {
			rv = d.engine.RequestState(ctx, v, model.NewDelta().WithDisk(model.DiskInconsistent), state.Verbose|state.LocalOnly)
			if rv != model.SSNeedConnection {
				break
			}
		}
		rv = d.engine.RequestState(ctx, v, syncT, requestState)
	}
	return stateErr(rv)
}

func (d *Dispatcher) invalidatePeer(ctx context.Context, rc *reqCtx) error {
	return stateErr(d.engine.RequestState(ctx, rc.v, model.NewDelta().WithConn(model.ConnStartingSyncS), requestState))
}

func (d *Dispatcher) pauseSync(ctx context.Context, rc *reqCtx) error {
	rv := d.engine.RequestState(ctx, rc.v, model.NewDelta().WithUserIsp(true), requestState)
	if rv == model.SSNothingToDo {
		return errclass.ErrPauseIsSet
	}
	return errclass.FromState(rv)
}

func (d *Dispatcher) resumeSync(ctx context.Context, rc *reqCtx) error {
	rv := d.engine.RequestState(ctx, rc.v, model.NewDelta().WithUserIsp(false), requestState)
	if rv != model.SSNothingToDo {
		return errclass.FromState(rv)
	}
	s := rc.v.State()
	if s.Conn == model.ConnPausedSyncS || s.Conn == model.ConnPausedSyncT {
		switch {
		case s.AftrIsp:
			return errclass.ErrPicAfterDep
		case s.PeerIsp:
			return errclass.ErrPicPeerDep
		}
	}
	return errclass.ErrPauseIsClear
}

func (d *Dispatcher) suspendIO(ctx context.Context, rc *reqCtx) error {
	return stateErr(d.engine.RequestState(ctx, rc.v, model.NewDelta().WithSusp(true), requestState))
}

func (d *Dispatcher) resumeIO(ctx context.Context, rc *reqCtx) error {
	v, c := rc.v, rc.c

	if v.Test(res.FlagNewCurUUID) {
		if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
			s := v.State()
			u := ldev.NewCurrentUUID(s.Role == model.RolePrimary)
			if s.Role == model.RolePrimary {
				v.SetExposedUUID(u)
			}
			if s.Conn >= model.ConnConnected {
				if err := c.Link().SendUUIDs(v.Number(), ldev.UUIDs(), false); err != nil {
					c.Log().ErrorErr("send uuids", err)
				}
			}
			v.PutLdev()
		}
		v.Clear(res.FlagNewCurUUID)
	}

	v.Gate.Suspend()
	defer v.Gate.Resume()

	rv := d.engine.RequestState(ctx, v, model.NewDelta().WithSusp(false).WithSuspNod(false).WithSuspFen(false), requestState)
	if rv == model.SSSuccess {
		s := v.State()
		if s.Conn < model.ConnConnected {
			c.Link().ClearTransferLog()
		}
		if s.Disk == model.DiskDiskless || s.Disk == model.DiskFailed {
			c.Link().RestartFrozenRequests(true)
		}
	}
	return stateErr(rv)
}

func (d *Dispatcher) outdate(ctx context.Context, rc *reqCtx) error {
	return stateErr(d.engine.RequestState(ctx, rc.v, model.NewDelta().WithDisk(model.DiskOutdated), requestState))
}

func (d *Dispatcher) startVerify(ctx context.Context, rc *reqCtx) error {
	if err := confstore.Decode(&noParams{}, rc.req.Attrs); err != nil {
		return err
	}
	return stateErr(d.engine.RequestState(ctx, rc.v, model.NewDelta().WithConn(model.ConnVerifyS), requestState))
}

// newCurrentUUID starts a new data generation. On a connected pair with
// freshly created metadata and clear-bm it skips the initial sync: both
// sides are declared UpToDate.
func (d *Dispatcher) newCurrentUUID(ctx context.Context, rc *reqCtx) error {
	var p newUUIDParams
	if err := confstore.Decode(&p, rc.req.Attrs); err != nil {
		return err
	}
	v, c := rc.v, rc.c

	defer v.Serialize()()

	ldev := v.GetLdev(model.DiskInconsistent)
	if ldev == nil {
		return errclass.ErrNoDisk
	}
	defer v.PutLdev()

	s := v.State()
	skipInitialSync := false
	if s.Conn == model.ConnConnected && c.AgreedProtocol() >= 90 &&
		ldev.UUID(model.UICurrent) == model.UUIDJustCreated && p.ClearBitmap {
		rc.log.Info("preparing to skip initial sync")
		skipInitialSync = true
	} else if s.Conn != model.ConnStandAlone {
		return errclass.ErrConnected
	}

	primary := s.Role == model.RolePrimary
	ldev.SetUUID(model.UIBitmap, 0, false)
	ldev.NewCurrentUUID(primary)

	var result error
	if p.ClearBitmap {
		bm := v.Bitmap()
		if bm == nil {
			return errclass.ErrNoDisk
		}
		bm.ClearAll()
		if err := bm.WriteTo(ldev.Meta, ldev.Geometry().BMByteOffset()); err != nil {
			rc.log.ErrorErr("writing bitmap failed", err)
			result = errclass.ErrIOMDDisk.WithMessage(err.Error())
		}
		if skipInitialSync {
			if err := c.Link().SendUUIDs(v.Number(), ldev.UUIDs(), true); err != nil {
				c.Log().ErrorErr("send uuids", err)
			}
			ldev.ClearBitmapUUID()
			rc.log.Info("cleared bitmap UUID", map[string]any{"uuids": ldev.UUIDs()})
			d.engine.RequestState(ctx, v,
				model.NewDelta().WithDisk(model.DiskUpToDate).WithPDsk(model.DiskUpToDate),
				state.Verbose|state.Hard|state.LocalOnly)
		}
	}

	if err := ldev.SyncMD(); err != nil {
		rc.log.ErrorErr("sync metadata", err)
	}
	return result
}

func cloneAttrs(a confstore.Attrs) confstore.Attrs {
	out := make(confstore.Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
