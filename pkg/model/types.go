package model

import (
	"encoding/json"
	"fmt"
)

// Role is the local or peer role of a volume.
type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleSecondary
)

var roleNames = [...]string{"Unknown", "Primary", "Secondary"}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	for i, n := range roleNames {
		if n == s {
			return Role(i), nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func parseName(names []string, s, kind string) (int, error) {
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

// ConnState is the replication link state. Values are ordered: everything
// at or above Connected means a peer session is established.
type ConnState int

const (
	ConnStandAlone ConnState = iota
	ConnDisconnecting
	ConnUnconnected
	ConnTimeout
	ConnBrokenPipe
	ConnNetworkFailure
	ConnProtocolError
	ConnTearDown
	ConnWFConnection
	ConnWFReportParams
	ConnConnected
	ConnStartingSyncS
	ConnStartingSyncT
	ConnWFBitMapS
	ConnWFBitMapT
	ConnWFSyncUUID
	ConnSyncSource
	ConnSyncTarget
	ConnVerifyS
	ConnVerifyT
	ConnPausedSyncS
	ConnPausedSyncT
	ConnAhead
	ConnBehind
)

var connNames = [...]string{
	"StandAlone", "Disconnecting", "Unconnected", "Timeout", "BrokenPipe",
	"NetworkFailure", "ProtocolError", "TearDown", "WFConnection", "WFReportParams",
	"Connected", "StartingSyncS", "StartingSyncT", "WFBitMapS", "WFBitMapT",
	"WFSyncUUID", "SyncSource", "SyncTarget", "VerifyS", "VerifyT",
	"PausedSyncS", "PausedSyncT", "Ahead", "Behind",
}

func (c ConnState) String() string {
	if c < 0 || int(c) >= len(connNames) {
		return fmt.Sprintf("ConnState(%d)", int(c))
	}
	return connNames[c]
}

// IsNetworkError reports whether c is one of the transient network failure states.
func (c ConnState) IsNetworkError() bool {
	return c >= ConnTimeout && c <= ConnTearDown
}

// IsResyncing reports whether a resync or its preparation is in progress.
func (c ConnState) IsResyncing() bool {
	return c > ConnConnected && c != ConnVerifyS && c != ConnVerifyT && c < ConnAhead
}

// IsVerifying reports whether an online verify is running.
func (c ConnState) IsVerifying() bool {
	return c == ConnVerifyS || c == ConnVerifyT
}

// DiskState is the state of the local or peer backing store. Values are
// ordered by how trustworthy the data is.
type DiskState int

const (
	DiskDiskless DiskState = iota
	DiskAttaching
	DiskFailed
	DiskNegotiating
	DiskInconsistent
	DiskOutdated
	DiskDUnknown
	DiskConsistent
	DiskUpToDate
)

var diskNames = [...]string{
	"Diskless", "Attaching", "Failed", "Negotiating", "Inconsistent",
	"Outdated", "DUnknown", "Consistent", "UpToDate",
}

func (d DiskState) String() string {
	if d < 0 || int(d) >= len(diskNames) {
		return fmt.Sprintf("DiskState(%d)", int(d))
	}
	return diskNames[d]
}

// FencingPolicy is the per-volume fencing policy. NotAvailable is only
// produced when aggregating over volumes without a consistent disk.
type FencingPolicy int

const (
	FencingNotAvailable FencingPolicy = iota - 1
	FencingDontCare
	FencingResilient
	FencingStonith
)

var fencingNames = map[FencingPolicy]string{
	FencingNotAvailable: "not-available",
	FencingDontCare:     "dont-care",
	FencingResilient:    "resource-only",
	FencingStonith:      "resource-and-stonith",
}

func (p FencingPolicy) String() string {
	if n, ok := fencingNames[p]; ok {
		return n
	}
	return fmt.Sprintf("FencingPolicy(%d)", int(p))
}

func (p FencingPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *FencingPolicy) UnmarshalText(b []byte) error {
	for k, v := range fencingNames {
		if v == string(b) && k != FencingNotAvailable {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown fencing policy %q", string(b))
}

// WireProtocol is the replication acknowledgement protocol.
type WireProtocol int

const (
	ProtocolA WireProtocol = iota + 1
	ProtocolB
	ProtocolC
)

func (p WireProtocol) String() string {
	switch p {
	case ProtocolA:
		return "A"
	case ProtocolB:
		return "B"
	case ProtocolC:
		return "C"
	}
	return fmt.Sprintf("WireProtocol(%d)", int(p))
}

func (p WireProtocol) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *WireProtocol) UnmarshalText(b []byte) error {
	switch string(b) {
	case "A", "1":
		*p = ProtocolA
	case "B", "2":
		*p = ProtocolB
	case "C", "3":
		*p = ProtocolC
	default:
		return fmt.Errorf("unknown protocol %q", string(b))
	}
	return nil
}

// Metadata index values below zero select a flexible layout.
const (
	MetaIndexInternal     = -1
	MetaIndexFlexExternal = -2
	MetaIndexFlexInternal = -3
)

// MetaIndexIsInternal reports whether idx places metadata on the backing device.
func MetaIndexIsInternal(idx int) bool {
	return idx == MetaIndexInternal || idx == MetaIndexFlexInternal
}

// State is the composite state of one volume as seen through its connection.
type State struct {
	Role    Role      `json:"role"`
	Peer    Role      `json:"peer"`
	Conn    ConnState `json:"conn"`
	Disk    DiskState `json:"disk"`
	PDsk    DiskState `json:"pdsk"`
	Susp    bool      `json:"susp"`
	SuspNod bool      `json:"susp_nod"`
	SuspFen bool      `json:"susp_fen"`
	AftrIsp bool      `json:"aftr_isp"`
	PeerIsp bool      `json:"peer_isp"`
	UserIsp bool      `json:"user_isp"`
}

// Suspended reports whether application I/O is frozen for any reason.
func (s State) Suspended() bool {
	return s.Susp || s.SuspNod || s.SuspFen
}

// SyncPaused reports whether a resync is held back by any dependency.
func (s State) SyncPaused() bool {
	return s.AftrIsp || s.PeerIsp || s.UserIsp
}

func (s State) String() string {
	out := fmt.Sprintf("{ cs:%s ro:%s/%s ds:%s/%s", s.Conn, s.Role, s.Peer, s.Disk, s.PDsk)
	if s.Susp {
		out += " s"
	}
	if s.SuspNod {
		out += " n"
	}
	if s.SuspFen {
		out += " f"
	}
	if s.AftrIsp {
		out += " a"
	}
	if s.PeerIsp {
		out += " p"
	}
	if s.UserIsp {
		out += " u"
	}
	return out + " }"
}

// MarshalJSON renders enum values by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		Role: s.Role.String(), Peer: s.Peer.String(), Conn: s.Conn.String(),
		Disk: s.Disk.String(), PDsk: s.PDsk.String(),
		Susp: s.Susp, SuspNod: s.SuspNod, SuspFen: s.SuspFen,
		AftrIsp: s.AftrIsp, PeerIsp: s.PeerIsp, UserIsp: s.UserIsp,
	})
}

type stateJSON struct {
	Role    string `json:"role"`
	Peer    string `json:"peer"`
	Conn    string `json:"conn"`
	Disk    string `json:"disk"`
	PDsk    string `json:"pdsk"`
	Susp    bool   `json:"susp"`
	SuspNod bool   `json:"susp_nod"`
	SuspFen bool   `json:"susp_fen"`
	AftrIsp bool   `json:"aftr_isp"`
	PeerIsp bool   `json:"peer_isp"`
	UserIsp bool   `json:"user_isp"`
}

// UnmarshalJSON parses the form written by MarshalJSON.
func (s *State) UnmarshalJSON(b []byte) error {
	var j stateJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	var out State
	var err error
	if out.Role, err = ParseRole(j.Role); err != nil {
		return err
	}
	if out.Peer, err = ParseRole(j.Peer); err != nil {
		return err
	}
	conn, err := parseName(connNames[:], j.Conn, "connection state")
	if err != nil {
		return err
	}
	disk, err := parseName(diskNames[:], j.Disk, "disk state")
	if err != nil {
		return err
	}
	pdsk, err := parseName(diskNames[:], j.PDsk, "disk state")
	if err != nil {
		return err
	}
	out.Conn, out.Disk, out.PDsk = ConnState(conn), DiskState(disk), DiskState(pdsk)
	out.Susp, out.SuspNod, out.SuspFen = j.Susp, j.SuspNod, j.SuspFen
	out.AftrIsp, out.PeerIsp, out.UserIsp = j.AftrIsp, j.PeerIsp, j.UserIsp
	*s = out
	return nil
}
