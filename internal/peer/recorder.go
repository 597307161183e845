package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/jvs-project/replvol/pkg/model"
)

// Call is one recorded link interaction.
type Call struct {
	Op   string
	VNR  int
	Data any
}

// Recorder is a link that records every interaction and answers state
// change requests through Decide. It stands in for a real peer in tests
// and dry runs.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	Protocol int
	// Decide answers RequestStateChange; nil approves everything.
	Decide func(vnr int, d model.Delta) model.StateResult
}

// NewRecorder returns a recorder speaking the latest protocol.
func NewRecorder() *Recorder {
	return &Recorder{Protocol: LatestProtocol}
}

func (r *Recorder) record(op string, vnr int, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, VNR: vnr, Data: data})
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Ops returns the recorded operation names in order.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Op
	}
	return out
}

// Count returns how often op was called.
func (r *Recorder) Count(op string) int {
	n := 0
	for _, o := range r.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (r *Recorder) AgreedProtocol() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Protocol
}

func (r *Recorder) RequestStateChange(_ context.Context, vnr int, d model.Delta) model.StateResult {
	r.record("request-state", vnr, d)
	if r.Decide == nil {
		return model.SSCWSuccess
	}
	return r.Decide(vnr, d)
}

func (r *Recorder) SendState(vnr int, s model.State) error {
	r.record("state", vnr, s)
	return nil
}

func (r *Recorder) SendUUIDs(vnr int, uuids [model.UISize]uint64, skip bool) error {
	op := "uuids"
	if skip {
		op = "uuids-skip-initial-sync"
	}
	r.record(op, vnr, uuids)
	return nil
}

func (r *Recorder) SendSizes(vnr int, s Sizes) error {
	r.record("sizes", vnr, s)
	return nil
}

func (r *Recorder) SendSyncParams(vnr int, nc *model.NetConf, dc *model.DiskConf) error {
	rate := 0
	if dc != nil {
		rate = dc.ResyncRate
	}
	r.record("sync-params", vnr, fmt.Sprintf("rate=%d", rate))
	return nil
}

func (r *Recorder) SendProtocol(nc *model.NetConf) error {
	r.record("protocol", -1, nc.Protocol)
	return nil
}

func (r *Recorder) StopReceiver()     { r.record("stop-receiver", -1, nil) }
func (r *Recorder) ClearTransferLog() { r.record("clear-transfer-log", -1, nil) }

func (r *Recorder) RestartFrozenRequests(fail bool) {
	r.record("restart-frozen", -1, fail)
}
