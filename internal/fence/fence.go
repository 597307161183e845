// Package fence outdates the peer through the external fence-peer helper
// before a node without a connection may become Primary.
package fence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/internal/state"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/metrics"
	"github.com/jvs-project/replvol/pkg/model"
)

// ExecCommandContext creates helper processes. Tests replace it.
var ExecCommandContext = exec.CommandContext

// HelperCommand is the helper verb used for fencing.
const HelperCommand = "fence-peer"

// Options configure a Coordinator.
type Options struct {
	// Helper is the path of the helper program.
	Helper  string
	Timeout time.Duration
	Events  events.Broadcaster
	Metrics *metrics.Registry
	Log     *logging.Logger
}

// Coordinator runs the fence-peer helper and applies its verdict.
type Coordinator struct {
	engine *state.Engine
	opts   Options
	log    *logging.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator and installs it as the engine's fencer.
func New(engine *state.Engine, opts Options) *Coordinator {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Coordinator{
		engine: engine,
		opts:   opts,
		log:    log.WithFields(map[string]any{"component": "fence"}),
		ctx:    ctx,
		cancel: cancel,
	}
	engine.SetFencer(f)
	return f
}

// TryOutdatePeer reports whether it is now safe to assume the peer is not
// a live conflicting Primary.
func (f *Coordinator) TryOutdatePeer(ctx context.Context, c *resource.Connection) bool {
	log := f.log.WithFields(map[string]any{"conn": c.Name()})

	if cs := c.ConnState(); cs >= model.ConnWFReportParams {
		log.Error("fencing requested while connected", map[string]any{"cstate": cs.String()})
		return false
	}

	fp := c.FencingPolicy()
	switch fp {
	case model.FencingNotAvailable:
		log.Warn("not fencing peer, not even Consistent myself")
		f.opts.Metrics.RecordFence("not-available")
		// A handshake racing with us decides about the frozen I/O instead.
		if c.ConnState() < model.ConnWFReportParams {
			f.engine.ConnRequestState(ctx, c, model.NewDelta().WithSuspFen(false), state.Verbose|state.Hard)
		}
		return false
	case model.FencingDontCare:
		return true
	}

	exit := f.run(ctx, c, HelperCommand)
	outcome := Classify(exit)
	highest := highestDisk(c)
	fields := map[string]any{
		"exit":    exit,
		"outcome": outcome.String(),
		"result":  outcome.Describe(highest),
	}
	f.opts.Metrics.RecordFence(outcome.String())

	switch outcome {
	case Broken:
		log.Error("fence-peer helper broken", fields)
		return false
	case PeerPrimary:
		log.Error("peer is primary, outdating myself", fields)
	case PeerStonithed:
		if fp != model.FencingStonith {
			log.Error("fence-peer returned 7 but fencing is not resource-and-stonith", fields)
		}
	}
	log.Info("fence-peer helper returned", fields)

	d, _ := outcome.Delta(highest)
	// The connection may have come back while the helper was running.
	if c.ConnState() < model.ConnWFReportParams {
		f.engine.ConnRequestState(ctx, c, d, state.Verbose)
	} else {
		log.Info("ignoring fence-peer exit code")
	}

	return highestPeerDisk(c) <= model.DiskOutdated
}

// TryOutdatePeerAsync fences in the background and drops the result.
func (f *Coordinator) TryOutdatePeerAsync(c *resource.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.log.Error("could not start fencing task, coordinator closed", map[string]any{"conn": c.Name()})
		return
	}
	c.Get()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer c.Put()
		f.TryOutdatePeer(f.ctx, c)
	}()
}

// Close cancels running helpers and joins the background tasks.
func (f *Coordinator) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	f.wg.Wait()
}

// run invokes "<helper> <cmd> <conn>" and returns its exit status. A
// helper that cannot be started counts as exit status 0.
func (f *Coordinator) run(ctx context.Context, c *resource.Connection, cmdName string) int {
	syncMetadata(c)

	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	cmd := ExecCommandContext(ctx, f.opts.Helper, cmdName, c.Name())
	cmd.Env = helperEnv(c.Net())

	log := f.log.WithFields(map[string]any{"conn": c.Name(), "helper": f.opts.Helper})
	log.Info("calling helper", map[string]any{"cmd": cmdName})
	f.opts.Events.Publish(events.Event{Kind: events.KindHelperPre, Conn: c.Name(), Helper: cmdName})

	exit := 0
	err := cmd.Run()
	var ee *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		exit = ee.ExitCode() & 0xff
	default:
		log.ErrorErr("helper failed to run", err)
	}

	log.Info("helper returned", map[string]any{"cmd": cmdName, "exit": exit})
	f.opts.Events.Publish(events.Event{Kind: events.KindHelperPost, Conn: c.Name(), Helper: cmdName, Exit: exit})
	return exit
}

func helperEnv(nc *model.NetConf) []string {
	env := []string{
		"HOME=/",
		"TERM=linux",
		"PATH=/sbin:/usr/sbin:/bin:/usr/bin",
	}
	if nc == nil {
		return env
	}
	host, _, err := net.SplitHostPort(nc.PeerAddr)
	if err != nil {
		host = nc.PeerAddr
	}
	af := "ipv6"
	if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
		af = "ipv4"
	}
	return append(env,
		fmt.Sprintf("RV_PEER_AF=%s", af),
		fmt.Sprintf("RV_PEER_ADDRESS=%s", host),
	)
}

// syncMetadata writes out dirty metadata so the helper sees current flags.
func syncMetadata(c *resource.Connection) {
	for _, v := range c.Volumes() {
		if ldev := v.GetLdev(model.DiskInconsistent); ldev != nil {
			if err := ldev.SyncMD(); err != nil {
				c.Log().ErrorErr("sync metadata", err, map[string]any{"minor": v.Minor()})
			}
			v.PutLdev()
		}
	}
}

func highestDisk(c *resource.Connection) model.DiskState {
	d := model.DiskDiskless
	for _, v := range c.Volumes() {
		if s := v.State(); s.Disk > d {
			d = s.Disk
		}
	}
	return d
}

func highestPeerDisk(c *resource.Connection) model.DiskState {
	d := model.DiskDiskless
	for _, v := range c.Volumes() {
		if s := v.State(); s.PDsk > d {
			d = s.PDsk
		}
	}
	return d
}
