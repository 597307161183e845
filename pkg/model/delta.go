package model

import "strings"

// Delta is a partial state: every non-nil field is a dimension the caller
// wants to change, and its value is the requested target.
type Delta struct {
	Role    *Role
	Peer    *Role
	Conn    *ConnState
	Disk    *DiskState
	PDsk    *DiskState
	Susp    *bool
	SuspNod *bool
	SuspFen *bool
	AftrIsp *bool
	PeerIsp *bool
	UserIsp *bool
}

// NewDelta returns an empty delta.
func NewDelta() Delta { return Delta{} }

func (d Delta) WithRole(r Role) Delta      { d.Role = &r; return d }
func (d Delta) WithPeer(r Role) Delta      { d.Peer = &r; return d }
func (d Delta) WithConn(c ConnState) Delta { d.Conn = &c; return d }
func (d Delta) WithDisk(s DiskState) Delta { d.Disk = &s; return d }
func (d Delta) WithPDsk(s DiskState) Delta { d.PDsk = &s; return d }
func (d Delta) WithSusp(v bool) Delta      { d.Susp = &v; return d }
func (d Delta) WithSuspNod(v bool) Delta   { d.SuspNod = &v; return d }
func (d Delta) WithSuspFen(v bool) Delta   { d.SuspFen = &v; return d }
func (d Delta) WithAftrIsp(v bool) Delta   { d.AftrIsp = &v; return d }
func (d Delta) WithPeerIsp(v bool) Delta   { d.PeerIsp = &v; return d }
func (d Delta) WithUserIsp(v bool) Delta   { d.UserIsp = &v; return d }
func (d Delta) WithoutPDsk() Delta         { d.PDsk = nil; return d }
func (d Delta) WithoutDisk() Delta         { d.Disk = nil; return d }

// IsEmpty reports whether the delta requests no change at all.
func (d Delta) IsEmpty() bool {
	return d.Role == nil && d.Peer == nil && d.Conn == nil && d.Disk == nil &&
		d.PDsk == nil && d.Susp == nil && d.SuspNod == nil && d.SuspFen == nil &&
		d.AftrIsp == nil && d.PeerIsp == nil && d.UserIsp == nil
}

// Merge returns d with every field set in o overriding the same field in d.
func (d Delta) Merge(o Delta) Delta {
	if o.Role != nil {
		d.Role = o.Role
	}
	if o.Peer != nil {
		d.Peer = o.Peer
	}
	if o.Conn != nil {
		d.Conn = o.Conn
	}
	if o.Disk != nil {
		d.Disk = o.Disk
	}
	if o.PDsk != nil {
		d.PDsk = o.PDsk
	}
	if o.Susp != nil {
		d.Susp = o.Susp
	}
	if o.SuspNod != nil {
		d.SuspNod = o.SuspNod
	}
	if o.SuspFen != nil {
		d.SuspFen = o.SuspFen
	}
	if o.AftrIsp != nil {
		d.AftrIsp = o.AftrIsp
	}
	if o.PeerIsp != nil {
		d.PeerIsp = o.PeerIsp
	}
	if o.UserIsp != nil {
		d.UserIsp = o.UserIsp
	}
	return d
}

// Apply overlays d onto cur. It never validates.
func Apply(cur State, d Delta) State {
	ns := cur
	if d.Role != nil {
		ns.Role = *d.Role
	}
	if d.Peer != nil {
		ns.Peer = *d.Peer
	}
	if d.Conn != nil {
		ns.Conn = *d.Conn
	}
	if d.Disk != nil {
		ns.Disk = *d.Disk
	}
	if d.PDsk != nil {
		ns.PDsk = *d.PDsk
	}
	if d.Susp != nil {
		ns.Susp = *d.Susp
	}
	if d.SuspNod != nil {
		ns.SuspNod = *d.SuspNod
	}
	if d.SuspFen != nil {
		ns.SuspFen = *d.SuspFen
	}
	if d.AftrIsp != nil {
		ns.AftrIsp = *d.AftrIsp
	}
	if d.PeerIsp != nil {
		ns.PeerIsp = *d.PeerIsp
	}
	if d.UserIsp != nil {
		ns.UserIsp = *d.UserIsp
	}
	return ns
}

func (d Delta) String() string {
	var parts []string
	if d.Role != nil {
		parts = append(parts, "role:"+d.Role.String())
	}
	if d.Peer != nil {
		parts = append(parts, "peer:"+d.Peer.String())
	}
	if d.Conn != nil {
		parts = append(parts, "conn:"+d.Conn.String())
	}
	if d.Disk != nil {
		parts = append(parts, "disk:"+d.Disk.String())
	}
	if d.PDsk != nil {
		parts = append(parts, "pdsk:"+d.PDsk.String())
	}
	flag := func(name string, v *bool) {
		if v == nil {
			return
		}
		if *v {
			parts = append(parts, name+":1")
		} else {
			parts = append(parts, name+":0")
		}
	}
	flag("susp", d.Susp)
	flag("susp_nod", d.SuspNod)
	flag("susp_fen", d.SuspFen)
	flag("aftr_isp", d.AftrIsp)
	flag("peer_isp", d.PeerIsp)
	flag("user_isp", d.UserIsp)
	return "{" + strings.Join(parts, " ") + "}"
}
