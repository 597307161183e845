package state

import (
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/model"
)

// fencingOf returns the fencing policy of v, DontCare without a disk.
func fencingOf(v *resource.Volume, disk model.DiskState) model.FencingPolicy {
	if disk < model.DiskInconsistent {
		return model.FencingDontCare
	}
	if dc := v.DiskConf(); dc != nil {
		return dc.Fencing
	}
	return model.FencingDontCare
}

// isValidState checks ns on its own. The connection lock must be held.
func isValidState(c *resource.Connection, v *resource.Volume, ns model.State) model.StateResult {
	nc := c.Net()
	fp := fencingOf(v, ns.Disk)

	if nc != nil && !(nc.TwoPrimaries && nc.Protocol == model.ProtocolC) && ns.Role == model.RolePrimary {
		if ns.Peer == model.RolePrimary {
			return model.SSTwoPrimaries
		}
		for _, o := range c.VolumesLocked() {
			if o != v && o.StateLocked().Peer == model.RolePrimary {
				return model.SSOVolPeerPri
			}
		}
	}

	verify := ns.Conn == model.ConnVerifyS || ns.Conn == model.ConnVerifyT

	switch {
	case ns.Role == model.RoleSecondary && v.OpenCountLocked() > 0:
		return model.SSDeviceInUse
	case ns.Role == model.RolePrimary && ns.Conn < model.ConnConnected && ns.Disk < model.DiskUpToDate:
		return model.SSNoUpToDateDisk
	case fp >= model.FencingResilient && ns.Role == model.RolePrimary &&
		ns.Conn < model.ConnConnected && ns.PDsk >= model.DiskDUnknown:
		return model.SSPrimaryNop
	case ns.Role == model.RolePrimary && ns.Disk <= model.DiskInconsistent && ns.PDsk <= model.DiskInconsistent:
		return model.SSNoUpToDateDisk
	case ns.Conn > model.ConnConnected && ns.Disk < model.DiskInconsistent:
		return model.SSNoLocalDisk
	case ns.Conn > model.ConnConnected && ns.PDsk < model.DiskInconsistent:
		return model.SSNoRemoteDisk
	case ns.Conn > model.ConnConnected && ns.Disk < model.DiskUpToDate && ns.PDsk < model.DiskUpToDate:
		return model.SSNoUpToDateDisk
	case (ns.Conn == model.ConnConnected || ns.Conn == model.ConnWFBitMapS ||
		ns.Conn == model.ConnSyncSource || ns.Conn == model.ConnPausedSyncS) && ns.Disk == model.DiskOutdated:
		return model.SSConnectedOutdates
	case verify && (nc == nil || nc.VerifyAlg == ""):
		return model.SSNoVerifyAlg
	case verify && c.AgreedProtocol() < 88:
		return model.SSNotSupported
	case ns.Conn >= model.ConnConnected && ns.PDsk == model.DiskDUnknown:
		return model.SSConnectedOutdates
	}
	return model.SSSuccess
}

// isValidSoftTransition checks the step from os to ns. Later rules take
// precedence over earlier ones.
func isValidSoftTransition(os, ns model.State) model.StateResult {
	rv := model.SSSuccess

	if (ns.Conn == model.ConnStartingSyncT || ns.Conn == model.ConnStartingSyncS) && os.Conn > model.ConnConnected {
		rv = model.SSResyncRunning
	}
	if ns.Conn == model.ConnDisconnecting && os.Conn == model.ConnStandAlone {
		rv = model.SSAlreadyStandAlone
	}
	if ns.Disk > model.DiskAttaching && os.Disk == model.DiskDiskless {
		rv = model.SSIsDiskless
	}
	if ns.Conn == model.ConnWFConnection && os.Conn < model.ConnUnconnected {
		rv = model.SSNoNetConfig
	}
	if ns.Disk == model.DiskOutdated && os.Disk < model.DiskOutdated && os.Disk != model.DiskAttaching {
		rv = model.SSLowerThanOutdated
	}
	if ns.Conn == model.ConnDisconnecting && os.Conn == model.ConnUnconnected {
		rv = model.SSInTransientState
	}
	if (ns.Conn == model.ConnVerifyS || ns.Conn == model.ConnVerifyT) && os.Conn < model.ConnConnected {
		rv = model.SSNeedConnection
	}
	if (ns.Conn == model.ConnVerifyS || ns.Conn == model.ConnVerifyT) &&
		ns.Conn != os.Conn && os.Conn > model.ConnConnected {
		rv = model.SSResyncRunning
	}
	if (ns.Conn == model.ConnStartingSyncS || ns.Conn == model.ConnStartingSyncT) && os.Conn < model.ConnConnected {
		rv = model.SSNeedConnection
	}
	if (ns.Conn == model.ConnSyncTarget || ns.Conn == model.ConnSyncSource) &&
		ns.Conn != os.Conn && os.Conn > model.ConnConnected {
		rv = model.SSResyncRunning
	}
	return rv
}

// isValidTransition holds the rules that even forced requests obey.
func isValidTransition(os, ns model.State) model.StateResult {
	if ns.Conn != os.Conn {
		switch {
		case ns.Conn.IsNetworkError() && os.Conn <= model.ConnDisconnecting:
			return model.SSNeedConnection
		case os.Conn.IsNetworkError() && ns.Conn != model.ConnUnconnected &&
			ns.Conn != model.ConnDisconnecting:
			return model.SSInTransientState
		case os.Conn == model.ConnDisconnecting && ns.Conn != model.ConnStandAlone:
			return model.SSInTransientState
		}
	}
	if ns.Disk == model.DiskFailed && os.Disk == model.DiskDiskless {
		return model.SSIsDiskless
	}
	return model.SSSuccess
}

// peerLost reports whether s is a Primary that lost a peer it cannot
// prove outdated.
func peerLost(s model.State) bool {
	return s.Role == model.RolePrimary && s.Conn < model.ConnConnected && s.PDsk > model.DiskOutdated
}

// sanitize derives the dimensions implied by the requested ones. The
// connection lock must be held.
func sanitize(c *resource.Connection, v *resource.Volume, os, ns model.State) model.State {
	if ns.Conn < model.ConnConnected {
		ns.PeerIsp = false
		ns.Peer = model.RoleUnknown
		if ns.PDsk > model.DiskDUnknown || ns.PDsk < model.DiskInconsistent {
			ns.PDsk = model.DiskDUnknown
		}
	}

	if ns.Conn <= model.ConnDisconnecting && ns.Disk == model.DiskDiskless {
		ns.PDsk = model.DiskDUnknown
	}

	if ns.Conn == model.ConnStandAlone && ns.Disk == model.DiskDiskless && ns.Role == model.RoleSecondary {
		ns.AftrIsp = false
	}

	// A failing disk aborts any resync.
	if ns.Conn > model.ConnConnected && (ns.Disk <= model.DiskFailed || ns.PDsk <= model.DiskFailed) {
		ns.Conn = model.ConnConnected
	}

	// The connection broke before the disk finished negotiating.
	if ns.Conn < model.ConnConnected && ns.Disk == model.DiskNegotiating {
		if d, ok := v.PendingDiskLocked(); ok {
			ns.Disk = d
		} else {
			ns.Disk = model.DiskFailed
		}
	}

	if ns.SyncPaused() {
		switch ns.Conn {
		case model.ConnSyncSource:
			ns.Conn = model.ConnPausedSyncS
		case model.ConnSyncTarget:
			ns.Conn = model.ConnPausedSyncT
		}
	} else {
		switch ns.Conn {
		case model.ConnPausedSyncS:
			ns.Conn = model.ConnSyncSource
		case model.ConnPausedSyncT:
			ns.Conn = model.ConnSyncTarget
		}
	}

	if ro := c.ResOpts(); ro != nil && ro.OnNoData == model.OnNoDataSuspendIO &&
		ns.Role == model.RolePrimary && ns.Disk < model.DiskUpToDate && ns.PDsk < model.DiskUpToDate {
		ns.SuspNod = true
	}

	// Freeze I/O while fence-peer runs, only on entering the lost state
	// and only with a disk good enough to fence for.
	if ns.Disk >= model.DiskConsistent && fencingOf(v, ns.Disk) == model.FencingStonith &&
		peerLost(ns) && !peerLost(os) {
		ns.SuspFen = true
	}
	return ns
}
