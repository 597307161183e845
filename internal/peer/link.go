// Package peer defines the boundary to the replication link: what the
// control plane tells the peer node and what it asks of it.
package peer

import (
	"context"

	"github.com/jvs-project/replvol/pkg/model"
)

// LatestProtocol is the newest link protocol version this node speaks.
const LatestProtocol = 101

// Sizes is a size announcement for one volume, in sectors.
type Sizes struct {
	Backing      uint64 `json:"backing"`
	User         uint64 `json:"user"`
	Current      uint64 `json:"current"`
	TriggerReply bool   `json:"trigger_reply"`
	NoResync     bool   `json:"no_resync"`
}

// Link is the replication link of one connection.
type Link interface {
	// AgreedProtocol is the protocol version negotiated with the peer, or 0
	// when no session was ever established.
	AgreedProtocol() int
	// RequestStateChange asks the peer to approve a cluster-wide change.
	RequestStateChange(ctx context.Context, vnr int, d model.Delta) model.StateResult
	SendState(vnr int, s model.State) error
	SendUUIDs(vnr int, uuids [model.UISize]uint64, skipInitialSync bool) error
	SendSizes(vnr int, s Sizes) error
	SendSyncParams(vnr int, nc *model.NetConf, dc *model.DiskConf) error
	SendProtocol(nc *model.NetConf) error
	// StopReceiver tears down the session threads before going StandAlone.
	StopReceiver()
	// ClearTransferLog drops requests frozen while the link was down.
	ClearTransferLog()
	// RestartFrozenRequests retries or fails requests frozen while I/O was suspended.
	RestartFrozenRequests(fail bool)
}

// Nop is a link with no peer behind it. Cluster-wide changes need no
// approval.
type Nop struct{}

func (Nop) AgreedProtocol() int { return 0 }

func (Nop) RequestStateChange(context.Context, int, model.Delta) model.StateResult {
	return model.SSCWNoNeed
}

func (Nop) SendState(int, model.State) error                          { return nil }
func (Nop) SendUUIDs(int, [model.UISize]uint64, bool) error           { return nil }
func (Nop) SendSizes(int, Sizes) error                                { return nil }
func (Nop) SendSyncParams(int, *model.NetConf, *model.DiskConf) error { return nil }
func (Nop) SendProtocol(*model.NetConf) error                         { return nil }
func (Nop) StopReceiver()                                             {}
func (Nop) ClearTransferLog()                                         {}
func (Nop) RestartFrozenRequests(bool)                                {}
