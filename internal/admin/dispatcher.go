// Package admin dispatches administrative requests. Every request is
// resolved to a connection and a volume before a handler runs; requests
// that change anything run one at a time.
package admin

import (
	"context"
	"time"

	"github.com/jvs-project/replvol/internal/attach"
	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/internal/state"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/metrics"
	"github.com/jvs-project/replvol/pkg/uuidutil"
)

type need uint8

const (
	needMinor need = 1 << iota
	needConn
)

type command struct {
	needs    need
	readOnly bool
	run      func(d *Dispatcher, ctx context.Context, rc *reqCtx) error
}

var commands = map[Opcode]command{
	OpNewConnection:  {run: (*Dispatcher).newConnection},
	OpDelConnection:  {needs: needConn, run: (*Dispatcher).delConnection},
	OpNewMinor:       {needs: needConn, run: (*Dispatcher).newMinor},
	OpDelMinor:       {needs: needMinor, run: (*Dispatcher).delMinor},
	OpDown:           {run: (*Dispatcher).down},
	OpPrimary:        {needs: needMinor, run: (*Dispatcher).primary},
	OpSecondary:      {needs: needMinor, run: (*Dispatcher).secondary},
	OpAttach:         {needs: needMinor, run: (*Dispatcher).attach},
	OpDetach:         {needs: needMinor, run: (*Dispatcher).detach},
	OpDiskOpts:       {needs: needMinor, run: (*Dispatcher).diskOpts},
	OpConnect:        {needs: needConn, run: (*Dispatcher).connect},
	OpNetOpts:        {needs: needConn, run: (*Dispatcher).netOpts},
	OpDisconnect:     {needs: needConn, run: (*Dispatcher).disconnect},
	OpResize:         {needs: needMinor, run: (*Dispatcher).resize},
	OpResourceOpts:   {needs: needConn, run: (*Dispatcher).resourceOpts},
	OpInvalidate:     {needs: needMinor, run: (*Dispatcher).invalidate},
	OpInvalidatePeer: {needs: needMinor, run: (*Dispatcher).invalidatePeer},
	OpPauseSync:      {needs: needMinor, run: (*Dispatcher).pauseSync},
	OpResumeSync:     {needs: needMinor, run: (*Dispatcher).resumeSync},
	OpSuspendIO:      {needs: needMinor, run: (*Dispatcher).suspendIO},
	OpResumeIO:       {needs: needMinor, run: (*Dispatcher).resumeIO},
	OpOutdate:        {needs: needMinor, run: (*Dispatcher).outdate},
	OpStartVerify:    {needs: needMinor, run: (*Dispatcher).startVerify},
	OpNewCurrentUUID: {needs: needMinor, run: (*Dispatcher).newCurrentUUID},
	OpGetStatus:      {needs: needMinor, readOnly: true, run: (*Dispatcher).getStatus},
	OpGetTimeoutType: {needs: needMinor, readOnly: true, run: (*Dispatcher).getTimeoutType},
}

// Opcodes lists the known opcodes.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, len(commands))
	for op := range commands {
		out = append(out, op)
	}
	return out
}

// Options configure a Dispatcher.
type Options struct {
	Registry *registry.Registry
	Engine   *state.Engine
	Attach   *attach.Negotiator
	Store    *confstore.Store
	Metrics  *metrics.Registry
	Log      *logging.Logger
}

// Dispatcher routes requests to their handlers.
type Dispatcher struct {
	reg    *registry.Registry
	engine *state.Engine
	neg    *attach.Negotiator
	store  *confstore.Store
	met    *metrics.Registry
	log    *logging.Logger
}

// New creates a dispatcher. A missing store checks against the registry.
func New(opts Options) *Dispatcher {
	if opts.Store == nil {
		opts.Store = confstore.New(opts.Registry)
	}
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}
	return &Dispatcher{
		reg:    opts.Registry,
		engine: opts.Engine,
		neg:    opts.Attach,
		store:  opts.Store,
		met:    opts.Metrics,
		log:    log.WithFields(map[string]any{"component": "admin"}),
	}
}

// reqCtx is the resolved target of one request.
type reqCtx struct {
	req   *Request
	reply *Reply
	v     *resource.Volume
	c     *resource.Connection
	refs  []*resource.Connection
	log   *logging.Logger
}

func (rc *reqCtx) release() {
	for _, c := range rc.refs {
		registry.Release(c)
	}
	rc.refs = nil
}

// Do runs req and returns its reply. Failures are reported in the reply,
// never as a Go error.
func (d *Dispatcher) Do(ctx context.Context, req *Request) *Reply {
	start := time.Now()
	reply := &Reply{
		Op:        req.Op,
		RequestID: uuidutil.NewRequestID(),
		Minor:     req.Minor,
		Conn:      req.Conn,
	}
	log := d.log.WithFields(map[string]any{
		"cmd":        string(req.Op),
		"minor":      req.Minor,
		"conn":       req.Conn,
		"request_id": reply.RequestID,
	})
	log.Info("admin request", map[string]any{"exclusive": req.Exclusive, "set_defaults": req.SetDefaults})

	reply.setResult(d.dispatch(ctx, req, reply, log))

	log.Info("admin reply", map[string]any{"code": reply.Code, "name": reply.Name})
	d.met.RecordAdmin(string(req.Op), reply.Name, time.Since(start).Seconds())
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request, reply *Reply, log *logging.Logger) error {
	cmd, ok := commands[req.Op]
	if !ok {
		return errclass.ErrInvalidRequest.WithMessagef("unknown command %q", req.Op)
	}

	if !cmd.readOnly {
		release, err := d.reg.Serialize(ctx)
		if err != nil {
			return err
		}
		defer release()
	}

	rc := &reqCtx{req: req, reply: reply, log: log}
	defer rc.release()
	if err := d.prepare(rc, cmd.needs); err != nil {
		return err
	}
	return cmd.run(d, ctx, rc)
}

// prepare resolves the minor and connection named by the request and
// takes a connection reference for the duration of the request.
func (d *Dispatcher) prepare(rc *reqCtx, needs need) error {
	req := rc.req
	if req.Minor >= 0 {
		v, c := d.reg.VolumeConn(req.Minor)
		if v != nil {
			rc.v = v
			rc.refs = append(rc.refs, c)
		}
	}
	var named *resource.Connection
	if req.Conn != "" {
		if named = d.reg.Get(req.Conn); named != nil {
			rc.refs = append(rc.refs, named)
		}
	}

	if rc.v == nil && needs&needMinor != 0 {
		return errclass.ErrMinorInvalid.WithMessage("unknown minor")
	}
	if named == nil && needs&needConn != 0 {
		return errclass.ErrInvalidRequest.WithMessage("unknown connection")
	}

	if rc.v != nil && named != nil && rc.v.Conn() != named {
		rc.log.Warn("minor belongs to a different connection", map[string]any{"owner": rc.v.Conn().Name()})
		return errclass.ErrInvalidRequest.WithMessage("minor exists in different connection")
	}
	if rc.v != nil && req.Volume != NoVolume && req.Volume != rc.v.Number() {
		rc.log.Warn("minor is a different volume", map[string]any{"volume": rc.v.Number()})
		return errclass.ErrInvalidRequest.WithMessage("minor exists as different volume")
	}

	rc.c = named
	if rc.c == nil && rc.v != nil {
		rc.c = rc.v.Conn()
	}
	return nil
}
