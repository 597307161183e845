package state

import (
	"context"
	"time"

	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/model"
)

// maxRoleTries bounds the promotion loop.
const maxRoleTries = 4

// SetRole changes the local role of v. For promotions it escalates
// through outdating or fencing the peer, and with force through declaring
// the local data UpToDate. It returns the last outcome.
func (e *Engine) SetRole(ctx context.Context, v *resource.Volume, role model.Role, force bool) model.StateResult {
	c := v.Conn()
	if c == nil {
		return model.SSUnknownError
	}
	log := c.Log().WithFields(map[string]any{"minor": v.Minor(), "role": role.String()})

	defer v.Serialize()()

	d := model.NewDelta().WithRole(role)
	rv := model.SSUnknownError
	forced := false

	for try := 0; try < maxRoleTries; {
		try++
		rv = e.RequestState(ctx, v, d, WaitComplete)

		// Outdating succeeded first, but now the peer showed up.
		if rv == model.SSCWFailedByPeer && d.PDsk != nil {
			d = d.WithoutPDsk()
			continue
		}

		cur := v.State()

		if rv == model.SSNoUpToDateDisk && force &&
			cur.Disk < model.DiskUpToDate && cur.Disk >= model.DiskInconsistent {
			d = d.WithDisk(model.DiskUpToDate)
			forced = true
			continue
		}

		if rv == model.SSNoUpToDateDisk && cur.Disk == model.DiskConsistent && d.PDsk == nil {
			if e.tryOutdatePeer(ctx, c) {
				d = d.WithDisk(model.DiskUpToDate)
			}
			continue
		}

		if rv == model.SSNothingToDo {
			return rv
		}

		if rv == model.SSPrimaryNop && d.PDsk == nil {
			if !e.tryOutdatePeer(ctx, c) && force {
				log.Warn("forced into split brain situation")
				d = d.WithPDsk(model.DiskOutdated)
			}
			continue
		}

		if rv == model.SSTwoPrimaries {
			// The peer may be declared dead soon, retry once more.
			if err := e.sleep(ctx, e.twoPrimariesBackoff(c)); err != nil {
				return rv
			}
			if try < maxRoleTries {
				try = maxRoleTries - 1
			}
			continue
		}

		if rv < model.SSSuccess {
			rv = e.RequestState(ctx, v, d, Verbose|WaitComplete)
			if rv < model.SSSuccess {
				return rv
			}
		}
		break
	}

	if rv < model.SSSuccess {
		return rv
	}

	if forced {
		log.Warn("forced to consider local data as UpToDate")
	}
	e.finishRole(v, role, forced)
	return rv
}

func (e *Engine) tryOutdatePeer(ctx context.Context, c *resource.Connection) bool {
	if e.fencer == nil {
		return false
	}
	return e.fencer.TryOutdatePeer(ctx, c)
}

// twoPrimariesBackoff is one ping timeout plus a tenth of a second.
func (e *Engine) twoPrimariesBackoff(c *resource.Connection) time.Duration {
	nc := c.Net()
	if nc == nil {
		return e.opts.FallbackBackoff
	}
	return time.Duration(nc.PingTimeo+1) * 100 * time.Millisecond
}

// finishRole applies the side effects of a successful role change.
func (e *Engine) finishRole(v *resource.Volume, role model.Role, forced bool) {
	c := v.Conn()
	if c == nil {
		return
	}

	v.APPending.WaitZero()

	if role == model.RoleSecondary {
		v.SetReadOnly(true)
		if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
			ldev.SetCurrentBit(false)
			v.PutLdev()
		}
	} else {
		if nc := c.Net(); nc != nil && nc.DiscardMyData {
			nn := nc.Clone()
			nn.DiscardMyData = false
			c.CompareAndPublishNet(nc, nn)
		}
		v.SetReadOnly(false)
		if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
			s := v.State()
			if ((s.Conn < model.ConnConnected || s.PDsk <= model.DiskFailed) && ldev.UUID(model.UIBitmap) == 0) || forced {
				v.SetExposedUUID(ldev.NewCurrentUUID(true))
			}
			ldev.SetCurrentBit(true)
			v.PutLdev()
		}
	}

	s := v.State()
	if s.Conn >= model.ConnWFReportParams {
		link := c.Link()
		if forced {
			if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
				if err := link.SendUUIDs(v.Number(), ldev.UUIDs(), false); err != nil {
					c.Log().ErrorErr("send uuids", err)
				}
				v.PutLdev()
			}
		}
		if err := link.SendState(v.Number(), s); err != nil {
			c.Log().ErrorErr("send state", err)
		}
	}

	if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
		if err := ldev.SyncMD(); err != nil {
			c.Log().ErrorErr("sync metadata", err)
		}
		v.PutLdev()
	}
}
