package state

import (
	"context"

	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/model"
)

// afterStateChange runs on the connection worker once a transition was
// committed.
func (e *Engine) afterStateChange(c *resource.Connection, t *transition) {
	for _, ch := range t.changes {
		if ch.v == nil || ch.os == ch.ns {
			continue
		}
		e.afterVolume(c, ch)
	}

	if t.oc != t.nc {
		c.Log().Info("connection state change", map[string]any{
			"old": t.oc.String(),
			"new": t.nc.String(),
		})
		e.opts.Events.Publish(events.Event{
			Kind: events.KindConnection,
			Conn: c.Name(),
			Old:  t.oc.String(),
			New:  t.nc.String(),
		})
	}

	if t.oc != model.ConnStandAlone && t.nc == model.ConnStandAlone {
		releaseNet(c)
	}

	// A Primary that lost its peer outdates it in the background.
	if t.oc >= model.ConnConnected && t.nc < model.ConnConnected && e.fencer != nil {
		for _, ch := range t.changes {
			if ch.v != nil && ch.ns.Role == model.RolePrimary && ch.ns.PDsk >= model.DiskDUnknown {
				e.fencer.TryOutdatePeerAsync(c)
				break
			}
		}
	}
}

func (e *Engine) afterVolume(c *resource.Connection, ch change) {
	v, os, ns := ch.v, ch.os, ch.ns
	link := c.Link()
	log := c.Log().WithFields(map[string]any{"minor": v.Minor(), "volume": v.Number()})

	log.Info("state change", map[string]any{"old": os.String(), "new": ns.String()})
	e.opts.Events.Publish(events.Event{
		Kind:   events.KindStateChange,
		Conn:   c.Name(),
		Volume: v.Number(),
		Minor:  v.Minor(),
		Old:    os.String(),
		New:    ns.String(),
	})

	if ns.Conn >= model.ConnConnected {
		if err := link.SendState(v.Number(), ns); err != nil {
			log.ErrorErr("send state", err)
		}
	}

	// Lost contact to the peer's copy of the data.
	if peerData(os.PDsk) && !peerData(ns.PDsk) {
		if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
			if (ns.Role == model.RolePrimary || ns.Peer == model.RolePrimary) &&
				ldev.UUID(model.UIBitmap) == 0 && ns.Disk >= model.DiskUpToDate {
				if ns.Suspended() {
					v.Set(resource.FlagNewCurUUID)
				} else {
					e.newCurrentUUID(v, ldev, ns)
				}
			}
			v.PutLdev()
		}
	}

	if os.Suspended() && !ns.Suspended() && v.Test(resource.FlagNewCurUUID) {
		if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
			e.newCurrentUUID(v, ldev, ns)
			v.PutLdev()
		}
		v.Clear(resource.FlagNewCurUUID)
	}

	// The fence handler resolved a frozen Primary.
	if os.SuspFen && !ns.SuspFen {
		if ns.Conn >= model.ConnConnected {
			link.RestartFrozenRequests(false)
		} else {
			link.ClearTransferLog()
		}
	}

	// Reconnected while frozen for fencing: the peer is reachable again.
	if ns.SuspFen && os.Conn < model.ConnConnected && ns.Conn >= model.ConnConnected {
		v.Clear(resource.FlagNewCurUUID)
		e.ConnRequestState(context.Background(), c, model.NewDelta().WithSuspFen(false), Hard)
	}

	if os.Disk != model.DiskFailed && ns.Disk == model.DiskFailed {
		log.Warn("local disk failed, going diskless")
		if ldev := v.GetLdev(model.DiskFailed); ldev != nil {
			if err := ldev.SyncMD(); err != nil {
				log.ErrorErr("sync metadata", err)
			}
			v.PutLdev()
		}
		c.Worker().Queue(func() { e.goDiskless(v) })
	}

	if os.Disk != model.DiskDiskless && ns.Disk == model.DiskDiskless {
		e.releaseDisk(v, log)
	}

	if ns.Disk > model.DiskDiskless {
		if ldev := v.GetLdev(model.DiskAttaching); ldev != nil {
			if err := ldev.SyncMD(); err != nil {
				log.ErrorErr("sync metadata", err)
			}
			v.PutLdev()
		}
	}
}

// peerData reports whether a peer disk state stands for usable data.
func peerData(d model.DiskState) bool {
	return d >= model.DiskInconsistent && d != model.DiskDUnknown && d != model.DiskOutdated
}

func (e *Engine) newCurrentUUID(v *resource.Volume, ldev *resource.LocalDisk, ns model.State) {
	u := ldev.NewCurrentUUID(ns.Role == model.RolePrimary)
	if ns.Role == model.RolePrimary {
		v.SetExposedUUID(u)
	}
	if c := v.Conn(); c != nil && ns.Conn >= model.ConnConnected {
		if err := c.Link().SendUUIDs(v.Number(), ldev.UUIDs(), false); err != nil {
			c.Log().ErrorErr("send uuids", err)
		}
	}
}

// goDiskless finishes a failed disk once all references drained.
func (e *Engine) goDiskless(v *resource.Volume) {
	ctx := context.Background()
	if err := v.WaitNoLocalRefs(ctx); err != nil {
		return
	}
	e.RequestState(ctx, v, model.NewDelta().WithDisk(model.DiskDiskless), Hard)
}

// releaseDisk closes the backing devices of a volume that went diskless.
func (e *Engine) releaseDisk(v *resource.Volume, log *logging.Logger) {
	ldev := v.TakeLdev()
	v.PublishDiskConf(nil)
	v.SetActLog(nil)
	if ldev == nil {
		return
	}
	if err := ldev.SyncMD(); err != nil {
		log.ErrorErr("sync metadata", err)
	}
	if err := ldev.Close(); err != nil {
		log.ErrorErr("close local disk", err)
	}
	log.Info("local disk released")
}
