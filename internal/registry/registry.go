// Package registry holds the connections and volumes known to the daemon.
// It is created once per daemon and handed to everything that needs to
// find a connection by name or a volume by minor.
package registry

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/peer"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/model"
	"github.com/jvs-project/replvol/pkg/pathutil"
)

// MaxVolumes bounds volume numbers within a connection.
const MaxVolumes = 256

// Options configure a Registry.
type Options struct {
	// MinorCount bounds minor numbers.
	MinorCount int
	// NewLink creates the replication link of a new connection. Nil
	// gives every connection a peer.Nop link.
	NewLink func(name string) peer.Link
	Events  events.Broadcaster
	Log     *logging.Logger
}

// Registry indexes connections by name and volumes by minor.
type Registry struct {
	opts Options
	log  *logging.Logger

	// adm serializes administrative requests.
	adm *semaphore.Weighted

	mu     sync.RWMutex
	conns  map[string]*resource.Connection
	minors map[int]*resource.Volume
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.MinorCount <= 0 {
		opts.MinorCount = 1 << 20
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Log == nil {
		opts.Log = logging.WithFields(map[string]any{"component": "registry"})
	}
	return &Registry{
		opts:   opts,
		log:    opts.Log,
		adm:    semaphore.NewWeighted(1),
		conns:  make(map[string]*resource.Connection),
		minors: make(map[int]*resource.Volume),
	}
}

// MinorCount returns the exclusive upper bound of minor numbers.
func (r *Registry) MinorCount() int { return r.opts.MinorCount }

// Serialize waits for exclusive administrative access. The returned
// function releases it.
func (r *Registry) Serialize(ctx context.Context) (release func(), err error) {
	if err := r.adm.Acquire(ctx, 1); err != nil {
		return nil, errclass.ErrIntr.WithMessage("interrupted waiting for other requests")
	}
	return func() { r.adm.Release(1) }, nil
}

// Get returns connection name with a reference held for the caller, or
// nil. Callers hand the reference back with Release.
func (r *Registry) Get(name string) *resource.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.conns[pathutil.NormalizeName(name)]
	if c != nil {
		c.Get()
	}
	return c
}

// Release drops a reference obtained from Get or VolumeConn and stops the
// connection once nobody holds it any more.
func Release(c *resource.Connection) {
	if c.Put() {
		c.Close()
	}
}

// VolumeConn returns the volume with the given minor and its connection
// with a reference held, or nils.
func (r *Registry) VolumeConn(minor int) (*resource.Volume, *resource.Connection) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := r.minors[minor]
	if v == nil {
		return nil, nil
	}
	c := v.Conn()
	if c == nil {
		return nil, nil
	}
	c.Get()
	return v, c
}

// Connections returns all connections ordered by name. No references are
// taken; use it under Serialize or for read-only inspection.
func (r *Registry) Connections() []*resource.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*resource.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// VolumeByMinor returns the volume with the given minor, or nil.
func (r *Registry) VolumeByMinor(minor int) *resource.Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minors[minor]
}

// CreateConnection registers a StandAlone connection. existed reports
// that name was already registered, in which case that connection is
// returned. Either way the caller holds a reference.
func (r *Registry) CreateConnection(name string) (c *resource.Connection, existed bool, err error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, false, err
	}
	name = pathutil.NormalizeName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[name]; c != nil {
		c.Get()
		return c, true, nil
	}

	var link peer.Link
	if r.opts.NewLink != nil {
		link = r.opts.NewLink(name)
	}
	c = resource.NewConnection(name, link)
	r.conns[name] = c
	c.Get()

	r.log.Info("connection created", map[string]any{"conn": name})
	r.opts.Events.Publish(events.Event{Kind: events.KindConnection, Conn: name, New: "created"})
	return c, false, nil
}

// DeleteConnection unregisters c, which must be StandAlone with no volumes
// left, and drops the registry's reference.
func (r *Registry) DeleteConnection(c *resource.Connection) error {
	r.mu.Lock()
	if c.NumVolumes() > 0 {
		r.mu.Unlock()
		return errclass.ErrConnInUse
	}
	if cs := c.ConnState(); cs != model.ConnStandAlone {
		r.mu.Unlock()
		return errclass.ErrConnInUse.WithMessagef("connection is %s", cs)
	}
	if r.conns[c.Name()] != c {
		r.mu.Unlock()
		return errclass.ErrConnNotKnown
	}
	delete(r.conns, c.Name())
	r.mu.Unlock()

	Release(c)
	r.log.Info("connection deleted", map[string]any{"conn": c.Name()})
	r.opts.Events.Publish(events.Event{Kind: events.KindConnection, Conn: c.Name(), New: "deleted"})
	return nil
}

// AddVolume creates volume number with the given minor on c.
func (r *Registry) AddVolume(c *resource.Connection, minor, number int) (*resource.Volume, error) {
	if minor < 0 || minor >= r.opts.MinorCount {
		return nil, errclass.ErrInvalidRequest.WithMessagef("requested minor %d out of range", minor)
	}
	if number < 0 || number >= MaxVolumes {
		return nil, errclass.ErrInvalidRequest.WithMessagef("requested volume number %d out of range", number)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.minors[minor]; ok {
		return nil, errclass.ErrMinorExists
	}
	v, err := c.AddVolume(minor, number)
	if err != nil {
		return nil, errclass.ErrMinorExists.WithMessagef("volume %d already exists on %s", number, c.Name())
	}
	r.minors[minor] = v

	c.Log().Info("volume created", map[string]any{"minor": minor, "volume": number})
	r.opts.Events.Publish(events.Event{Kind: events.KindVolume, Conn: c.Name(), Volume: number, Minor: minor, New: "created"})
	return v, nil
}

// DeleteVolume removes v, which must be Diskless and Secondary.
func (r *Registry) DeleteVolume(v *resource.Volume) error {
	s := v.State()
	if s.Disk != model.DiskDiskless || s.Role != model.RoleSecondary {
		return errclass.ErrMinorConfigured
	}
	c := v.Conn()

	r.mu.Lock()
	if r.minors[v.Minor()] == v {
		delete(r.minors, v.Minor())
	}
	r.mu.Unlock()

	ev := events.Event{Kind: events.KindVolume, Volume: v.Number(), Minor: v.Minor(), New: "deleted"}
	if c != nil {
		c.RemoveVolume(v.Number())
		ev.Conn = c.Name()
		c.Log().Info("volume deleted", map[string]any{"minor": v.Minor(), "volume": v.Number()})
	}
	r.opts.Events.Publish(ev)
	return nil
}

// Cursor is the resume point of a Dump: the connection to continue with
// and the first volume number not yet returned.
type Cursor struct {
	Conn   string `json:"conn"`
	Volume int    `json:"volume"`
}

// Entry is one dumped item. Volume is nil for a connection that has no
// volumes.
type Entry struct {
	Conn   *resource.Connection
	Volume *resource.Volume
}

// Dump returns up to limit entries starting at cursor, ordered by
// connection name and volume number. It returns the cursor to resume from
// and whether the dump is complete. A non-empty filter restricts the dump
// to that connection. Connections and volumes added or removed between
// calls never cause an entry to be returned twice.
func (r *Registry) Dump(cursor Cursor, limit int, filter string) (out []Entry, next Cursor, done bool, err error) {
	if limit <= 0 {
		limit = 1
	}

	var conns []*resource.Connection
	if filter != "" {
		r.mu.RLock()
		c := r.conns[pathutil.NormalizeName(filter)]
		r.mu.RUnlock()
		if c == nil {
			return nil, cursor, true, errclass.ErrConnNotKnown.WithMessagef("unknown connection %s", filter)
		}
		conns = []*resource.Connection{c}
	} else {
		conns = r.Connections()
	}

	i := sort.Search(len(conns), func(i int) bool { return conns[i].Name() >= cursor.Conn })
	for ; i < len(conns); i++ {
		c := conns[i]
		first := 0
		if c.Name() == cursor.Conn {
			first = cursor.Volume
		}

		vols := c.Volumes()
		if len(vols) == 0 {
			if first > 0 {
				continue
			}
			if len(out) == limit {
				return out, Cursor{Conn: c.Name()}, false, nil
			}
			out = append(out, Entry{Conn: c})
			continue
		}
		for _, v := range vols {
			if v.Number() < first {
				continue
			}
			if len(out) == limit {
				return out, Cursor{Conn: c.Name(), Volume: v.Number()}, false, nil
			}
			out = append(out, Entry{Conn: c, Volume: v})
		}
	}
	return out, Cursor{}, true, nil
}
