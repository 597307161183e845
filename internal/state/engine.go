// Package state is the state transition engine. Every change of a
// volume's or connection's composite state goes through RequestState or
// ConnRequestState, which validate the candidate against the legality
// predicates, ask the peer where the change is cluster wide, commit under
// the connection lock and queue the follow-up work on the connection
// worker.
package state

import (
	"context"
	"time"

	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/metrics"
	"github.com/jvs-project/replvol/pkg/model"
)

// Flags modify how a request is carried out.
type Flags uint32

const (
	// Verbose logs rejections at error level.
	Verbose Flags = 1 << iota
	// WaitComplete returns only after the follow-up work ran.
	WaitComplete
	// Serialize orders the request after other serialized requests of
	// the same connection.
	Serialize
	// Hard skips the soft predicates. Hard transition rules still apply.
	Hard
	// LocalOnly never asks the peer for approval.
	LocalOnly

	Ordered = WaitComplete | Serialize
)

// Fencer outdates the peer when the local node wants to be Primary
// without a connection.
type Fencer interface {
	TryOutdatePeer(ctx context.Context, c *resource.Connection) bool
	TryOutdatePeerAsync(c *resource.Connection)
}

// Options configure an Engine.
type Options struct {
	// FallbackBackoff is the pause after a two-primaries race when the
	// connection has no network configuration.
	FallbackBackoff time.Duration
	Events          events.Broadcaster
	Metrics         *metrics.Registry
	Log             *logging.Logger
}

// Engine validates and commits state changes.
type Engine struct {
	opts   Options
	fencer Fencer
	log    *logging.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.FallbackBackoff <= 0 {
		opts.FallbackBackoff = 100 * time.Millisecond
	}
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}
	return &Engine{
		opts:  opts,
		log:   log.WithFields(map[string]any{"component": "state"}),
		sleep: sleepCtx,
	}
}

// SetFencer installs the fencing coordinator. It must be called before
// the engine is shared.
func (e *Engine) SetFencer(f Fencer) { e.fencer = f }

// SetSleep replaces the backoff sleep.
func (e *Engine) SetSleep(fn func(ctx context.Context, d time.Duration) error) { e.sleep = fn }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// change is the old and new state of one volume in a transition. v is nil
// for a connection without volumes.
type change struct {
	v      *resource.Volume
	os, ns model.State
}

type transition struct {
	oc, nc  model.ConnState
	changes []change
}

func (t *transition) unchanged() bool {
	if t.oc != t.nc {
		return false
	}
	for _, ch := range t.changes {
		if ch.os != ch.ns {
			return false
		}
	}
	return true
}

// RequestState applies d to volume v.
func (e *Engine) RequestState(ctx context.Context, v *resource.Volume, d model.Delta, f Flags) model.StateResult {
	c := v.Conn()
	if c == nil {
		return model.SSUnknownError
	}
	return e.request(ctx, c, v, d, f)
}

// ConnRequestState applies d to every volume of c atomically. One
// rejecting volume rejects the whole request.
func (e *Engine) ConnRequestState(ctx context.Context, c *resource.Connection, d model.Delta, f Flags) model.StateResult {
	return e.request(ctx, c, nil, d, f)
}

func (e *Engine) request(ctx context.Context, c *resource.Connection, target *resource.Volume, d model.Delta, f Flags) model.StateResult {
	if f&Serialize != 0 {
		defer c.Serialize()()
	}

	c.Lock()
	t := e.build(c, target, d)
	rv, bad := e.validate(c, t, f)
	if rv < model.SSSuccess {
		c.Unlock()
		e.rejected(c, bad, rv, f)
		return rv
	}
	if rv == model.SSNothingToDo {
		c.Unlock()
		e.opts.Metrics.RecordStateChange("nothing-to-do")
		return rv
	}

	if f&(LocalOnly|Hard) == 0 && t.clusterWide() {
		c.Unlock()
		vnr := -1
		if target != nil {
			vnr = target.Number()
		}
		prv := c.Link().RequestStateChange(ctx, vnr, d)
		if prv < model.SSSuccess {
			e.opts.Metrics.RecordStateChange("refused-by-peer")
			if f&Verbose != 0 {
				c.Log().Error("state change refused by peer", map[string]any{
					"request": d.String(),
					"result":  prv.String(),
				})
			}
			return model.SSCWFailedByPeer
		}

		// The state may have moved while the peer was deciding.
		c.Lock()
		t = e.build(c, target, d)
		rv, bad = e.validate(c, t, f)
		if rv < model.SSSuccess {
			c.Unlock()
			e.rejected(c, bad, rv, f)
			return rv
		}
		if rv == model.SSNothingToDo {
			c.Unlock()
			e.opts.Metrics.RecordStateChange("nothing-to-do")
			return rv
		}
		if prv == model.SSCWSuccess {
			rv = model.SSCWSuccess
		}
	}

	return e.commitAndUnlock(ctx, c, t, f, rv)
}

// commitAndUnlock commits t, releases the connection lock and queues the
// follow-up work.
func (e *Engine) commitAndUnlock(ctx context.Context, c *resource.Connection, t *transition, f Flags, rv model.StateResult) model.StateResult {
	e.commitLocked(c, t)
	c.Unlock()
	e.opts.Metrics.RecordStateChange("success")

	done := c.Worker().Queue(func() { e.afterStateChange(c, t) })
	if f&WaitComplete != 0 {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return rv
}

// Attached installs the disk state derived from freshly read metadata.
// While the connection is up the decision waits for the peer's state: the
// disk goes Negotiating, target is stashed for the negotiation to finish
// and the cached peer UUIDs are dropped, all in one step.
func (e *Engine) Attached(ctx context.Context, v *resource.Volume, target model.DiskState, peerOutdated bool, f Flags) model.StateResult {
	c := v.Conn()
	if c == nil {
		return model.SSUnknownError
	}

	c.Lock()
	d := model.NewDelta().WithDisk(target)
	if peerOutdated {
		d = d.WithPDsk(model.DiskOutdated)
	}
	negotiating := c.ConnStateLocked() == model.ConnConnected
	if negotiating {
		d = model.NewDelta().WithDisk(model.DiskNegotiating)
	}

	t := e.build(c, v, d)
	rv, bad := e.validate(c, t, f)
	if rv < model.SSSuccess {
		c.Unlock()
		e.rejected(c, bad, rv, f)
		return rv
	}
	if rv == model.SSNothingToDo {
		c.Unlock()
		return rv
	}
	if negotiating {
		v.StashDiskLocked(&target)
		v.SetPeerUUIDsLocked([model.UISize]uint64{})
	}
	return e.commitAndUnlock(ctx, c, t, f, rv)
}

func (e *Engine) rejected(c *resource.Connection, bad change, rv model.StateResult, f Flags) {
	e.opts.Metrics.RecordStateChange("rejected")
	fields := map[string]any{
		"result": rv.String(),
		"old":    bad.os.String(),
		"new":    bad.ns.String(),
	}
	if bad.v != nil {
		fields["minor"] = bad.v.Minor()
	}
	if f&Verbose != 0 {
		c.Log().Error("state change failed", fields)
		return
	}
	c.Log().Debug("state change rejected", fields)
}

// connLevel reports whether s belongs to the connection rather than to a
// single volume's resync.
func connLevel(s model.ConnState) bool { return s <= model.ConnConnected }

// build computes the candidate states. The connection lock must be held.
func (e *Engine) build(c *resource.Connection, target *resource.Volume, d model.Delta) *transition {
	t := &transition{oc: c.ConnStateLocked()}
	t.nc = t.oc

	// What siblings of a single volume request inherit.
	shared := model.Delta{Susp: d.Susp, SuspNod: d.SuspNod, SuspFen: d.SuspFen}
	if d.Conn != nil && (target == nil || connLevel(*d.Conn)) {
		shared.Conn = d.Conn
		t.nc = *d.Conn
		if !connLevel(t.nc) {
			t.nc = model.ConnConnected
		}
	}

	vols := c.VolumesLocked()
	for _, v := range vols {
		vd := shared
		if target == nil || v == target {
			vd = d
		}
		os := v.StateLocked()
		ns := sanitize(c, v, os, model.Apply(os, vd))
		t.changes = append(t.changes, change{v: v, os: os, ns: ns})
	}
	if len(vols) == 0 {
		t.changes = append(t.changes, change{
			os: connOnly(t.oc),
			ns: connOnly(t.nc),
		})
	}
	return t
}

func connOnly(cs model.ConnState) model.State {
	return model.State{
		Role: model.RoleSecondary,
		Peer: model.RoleUnknown,
		Conn: cs,
		Disk: model.DiskDiskless,
		PDsk: model.DiskDUnknown,
	}
}

// validate checks every change and returns the first rejection together
// with the offending change.
func (e *Engine) validate(c *resource.Connection, t *transition, f Flags) (model.StateResult, change) {
	if t.unchanged() {
		return model.SSNothingToDo, change{}
	}
	for _, ch := range t.changes {
		if ch.os == ch.ns {
			continue
		}
		rv := model.SSSuccess
		if f&Hard == 0 && ch.os.Conn < model.ConnConnected && ch.ns.Conn > model.ConnConnected {
			// Resync and verify need an established connection.
			return model.SSNeedConnection, ch
		}
		if f&Hard == 0 && ch.v != nil {
			rv = isValidState(c, ch.v, ch.ns)
			if rv < model.SSSuccess {
				if isValidState(c, ch.v, ch.os) == rv {
					rv = isValidSoftTransition(ch.os, ch.ns)
				}
			} else {
				rv = isValidSoftTransition(ch.os, ch.ns)
			}
		} else if f&Hard == 0 {
			rv = isValidSoftTransition(ch.os, ch.ns)
		}
		if rv >= model.SSSuccess {
			rv = isValidTransition(ch.os, ch.ns)
		}
		if rv < model.SSSuccess {
			return rv, ch
		}
	}
	return model.SSSuccess, change{}
}

// clusterWide reports whether the peer has to approve the transition.
func (t *transition) clusterWide() bool {
	for _, ch := range t.changes {
		if clusterWideChange(ch.os, ch.ns) {
			return true
		}
	}
	return false
}

func clusterWideChange(os, ns model.State) bool {
	connected := os.Conn >= model.ConnConnected && ns.Conn >= model.ConnConnected
	return (connected &&
		((ns.Role == model.RolePrimary && os.Role != model.RolePrimary) ||
			(ns.Conn == model.ConnStartingSyncT && os.Conn != model.ConnStartingSyncT) ||
			(ns.Conn == model.ConnStartingSyncS && os.Conn != model.ConnStartingSyncS) ||
			(ns.Disk == model.DiskFailed && os.Disk != model.DiskFailed) ||
			(ns.Disk == model.DiskOutdated && os.Disk != model.DiskOutdated))) ||
		(os.Conn >= model.ConnConnected && ns.Conn == model.ConnDisconnecting) ||
		(os.Conn == model.ConnConnected && ns.Conn == model.ConnVerifyS)
}

// commitLocked installs the new states, updates the persistent flags and
// wakes waiters. The connection lock must be held.
func (e *Engine) commitLocked(c *resource.Connection, t *transition) {
	for _, ch := range t.changes {
		if ch.v == nil {
			continue
		}
		ch.v.SetStateLocked(ch.ns)
		if ch.ns.Disk != model.DiskNegotiating {
			ch.v.StashDiskLocked(nil)
		}
		updateMDFlagsLocked(ch.v, ch.os, ch.ns)
	}
	c.SetConnStateLocked(t.nc)
	c.NotifyLocked()
}

const managedMDFlags = model.MDFConsistent | model.MDFPrimaryInd | model.MDFConnectedInd |
	model.MDFWasUpToDate | model.MDFPeerOutdated | model.MDFCrashedPrimary

func updateMDFlagsLocked(v *resource.Volume, os, ns model.State) {
	ldev := v.GetLdevLocked(model.DiskInconsistent)
	if ldev == nil {
		return
	}
	defer v.PutLdev()

	var mdf model.MDFlags
	if v.Test(resource.FlagCrashedPrimary) {
		mdf |= model.MDFCrashedPrimary
	}
	if ns.Role == model.RolePrimary || (ns.PDsk < model.DiskInconsistent && ns.Peer == model.RolePrimary) {
		mdf |= model.MDFPrimaryInd
	}
	if ns.Conn > model.ConnWFReportParams {
		mdf |= model.MDFConnectedInd
	}
	if ns.Disk > model.DiskInconsistent {
		mdf |= model.MDFConsistent
	}
	if ns.Disk > model.DiskOutdated {
		mdf |= model.MDFWasUpToDate
	}
	if ns.PDsk <= model.DiskOutdated && ns.PDsk >= model.DiskInconsistent {
		mdf |= model.MDFPeerOutdated
	}
	ldev.SetFlags(mdf, managedMDFlags&^mdf)

	if os.Disk < model.DiskConsistent && ns.Disk >= model.DiskConsistent {
		v.SetExposedUUID(ldev.UUID(model.UICurrent))
	}
}

// WaitFor blocks until pred holds for the state of v. It returns
// ErrIntr when ctx ends first.
func (e *Engine) WaitFor(ctx context.Context, v *resource.Volume, pred func(model.State) bool) error {
	c := v.Conn()
	if c == nil {
		return resource.ErrGone
	}
	for {
		c.Lock()
		s := v.StateLocked()
		ch := c.ChangedLocked()
		c.Unlock()
		if pred(s) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errclass.ErrIntr.WithMessage(ctx.Err().Error())
		}
	}
}

// releaseNet drops the network configuration of a connection that went
// StandAlone.
func releaseNet(c *resource.Connection) {
	c.Link().StopReceiver()
	confstore.ReleaseNet(c)
}
