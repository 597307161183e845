// Package events broadcasts state change notifications to interested
// listeners: a JSONL log, webhooks and in-process subscribers.
package events

import (
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindStateChange Kind = "state.change"
	KindHelperPre   Kind = "helper.pre"
	KindHelperPost  Kind = "helper.post"
	KindSizeChange  Kind = "size.change"
	KindConnection  Kind = "connection"
	KindVolume      Kind = "volume"
)

// Event is one notification.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Conn      string         `json:"conn,omitempty"`
	Volume    int            `json:"volume"`
	Minor     int            `json:"minor"`
	Old       string         `json:"old,omitempty"`
	New       string         `json:"new,omitempty"`
	Helper    string         `json:"helper,omitempty"`
	Exit      int            `json:"exit,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Broadcaster receives events. Publish must not block for long; it is
// called from state change processing.
type Broadcaster interface {
	Publish(Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// Fanout publishes to every member.
type Fanout []Broadcaster

func (f Fanout) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, b := range f {
		b.Publish(e)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of what was published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the published events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
