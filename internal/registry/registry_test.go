package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/replvol/internal/events"
	"github.com/jvs-project/replvol/internal/peer"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/model"
)

func newRegistry(t *testing.T) (*registry.Registry, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	return registry.New(registry.Options{MinorCount: 16, Events: rec}), rec
}

func mustConn(t *testing.T, r *registry.Registry, name string) *resource.Connection {
	t.Helper()
	c, existed, err := r.CreateConnection(name)
	require.NoError(t, err)
	require.False(t, existed)
	registry.Release(c)
	return c
}

func TestCreateConnection(t *testing.T) {
	r, rec := newRegistry(t)

	c, existed, err := r.CreateConnection("r0")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, 2, c.Refs())
	assert.Equal(t, model.ConnStandAlone, c.ConnState())

	again, existed, err := r.CreateConnection("r0")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Same(t, c, again)
	assert.Equal(t, 3, c.Refs())
	registry.Release(again)
	registry.Release(c)

	_, _, err = r.CreateConnection("bad/name")
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)

	assert.Len(t, rec.OfKind(events.KindConnection), 1)
}

func TestCreateConnectionUsesLinkFactory(t *testing.T) {
	link := peer.NewRecorder()
	r := registry.New(registry.Options{NewLink: func(string) peer.Link { return link }})
	c := mustConn(t, r, "r0")
	assert.Same(t, link, c.Link())
}

func TestGetHoldsReference(t *testing.T) {
	r, _ := newRegistry(t)
	c := mustConn(t, r, "r0")

	got := r.Get("r0")
	require.Same(t, c, got)
	assert.Equal(t, 2, c.Refs())
	registry.Release(got)
	assert.Equal(t, 1, c.Refs())

	assert.Nil(t, r.Get("r1"))
}

func TestConnectionsSorted(t *testing.T) {
	r, _ := newRegistry(t)
	for _, n := range []string{"web", "db", "mail"} {
		mustConn(t, r, n)
	}
	var names []string
	for _, c := range r.Connections() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"db", "mail", "web"}, names)
}

func TestAddVolume(t *testing.T) {
	r, rec := newRegistry(t)
	c := mustConn(t, r, "r0")
	d := mustConn(t, r, "r1")

	v, err := r.AddVolume(c, 3, 0)
	require.NoError(t, err)
	assert.Same(t, v, r.VolumeByMinor(3))
	assert.Same(t, c, v.Conn())

	_, err = r.AddVolume(d, 3, 0)
	assert.ErrorIs(t, err, errclass.ErrMinorExists)
	_, err = r.AddVolume(c, 4, 0)
	assert.ErrorIs(t, err, errclass.ErrMinorExists)
	_, err = r.AddVolume(c, 16, 1)
	assert.ErrorIs(t, err, errclass.ErrInvalidRequest)
	_, err = r.AddVolume(c, 5, registry.MaxVolumes)
	assert.ErrorIs(t, err, errclass.ErrInvalidRequest)

	vv, vc := r.VolumeConn(3)
	require.Same(t, v, vv)
	require.Same(t, c, vc)
	assert.Equal(t, 2, c.Refs())
	registry.Release(vc)

	vv, vc = r.VolumeConn(9)
	assert.Nil(t, vv)
	assert.Nil(t, vc)

	assert.Len(t, rec.OfKind(events.KindVolume), 1)
}

func TestDeleteVolumeRequiresDisklessSecondary(t *testing.T) {
	r, _ := newRegistry(t)
	c := mustConn(t, r, "r0")
	v, err := r.AddVolume(c, 1, 0)
	require.NoError(t, err)

	c.Lock()
	s := v.StateLocked()
	s.Role = model.RolePrimary
	v.SetStateLocked(s)
	c.Unlock()
	assert.ErrorIs(t, r.DeleteVolume(v), errclass.ErrMinorConfigured)

	c.Lock()
	s.Role = model.RoleSecondary
	v.SetStateLocked(s)
	c.Unlock()
	require.NoError(t, r.DeleteVolume(v))
	assert.Nil(t, r.VolumeByMinor(1))
	assert.Equal(t, 0, c.NumVolumes())

	_, err = r.AddVolume(c, 1, 0)
	assert.NoError(t, err)
}

func TestDeleteConnection(t *testing.T) {
	r, rec := newRegistry(t)
	c := mustConn(t, r, "r0")
	v, err := r.AddVolume(c, 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, r.DeleteConnection(c), errclass.ErrConnInUse)

	require.NoError(t, r.DeleteVolume(v))

	// A connection still talking to its peer stays registered.
	c.Lock()
	c.SetConnStateLocked(model.ConnWFConnection)
	c.Unlock()
	assert.ErrorIs(t, r.DeleteConnection(c), errclass.ErrConnInUse)
	got := r.Get("r0")
	assert.Same(t, c, got)
	registry.Release(got)

	c.Lock()
	c.SetConnStateLocked(model.ConnStandAlone)
	c.Unlock()
	require.NoError(t, r.DeleteConnection(c))
	assert.Nil(t, r.Get("r0"))
	assert.Equal(t, 0, c.Refs())
	assert.ErrorIs(t, r.DeleteConnection(c), errclass.ErrConnNotKnown)

	kinds := rec.OfKind(events.KindConnection)
	require.Len(t, kinds, 2)
	assert.Equal(t, "deleted", kinds[1].New)
}

func TestSerialize(t *testing.T) {
	r, _ := newRegistry(t)
	release, err := r.Serialize(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Serialize(ctx)
	assert.ErrorIs(t, err, errclass.ErrIntr)

	release()
	release, err = r.Serialize(context.Background())
	require.NoError(t, err)
	release()
}

func dumpAll(t *testing.T, r *registry.Registry, limit int, filter string) []string {
	t.Helper()
	var out []string
	var cur registry.Cursor
	for i := 0; i < 100; i++ {
		entries, next, done, err := r.Dump(cur, limit, filter)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(entries), limit)
		for _, e := range entries {
			out = append(out, entryName(e))
		}
		if done {
			return out
		}
		cur = next
	}
	t.Fatal("dump did not finish")
	return nil
}

func entryName(e registry.Entry) string {
	if e.Volume == nil {
		return e.Conn.Name()
	}
	return e.Conn.Name() + "/" + string(rune('0'+e.Volume.Number()))
}

func populate(t *testing.T, r *registry.Registry) {
	t.Helper()
	a := mustConn(t, r, "a")
	mustConn(t, r, "b")
	c := mustConn(t, r, "c")
	minor := 0
	for _, n := range []int{0, 1, 2} {
		_, err := r.AddVolume(a, minor, n)
		require.NoError(t, err)
		minor++
	}
	for _, n := range []int{0, 5} {
		_, err := r.AddVolume(c, minor, n)
		require.NoError(t, err)
		minor++
	}
}

func TestDump(t *testing.T) {
	r, _ := newRegistry(t)
	populate(t, r)

	want := []string{"a/0", "a/1", "a/2", "b", "c/0", "c/5"}
	for _, limit := range []int{1, 2, 4, 10} {
		assert.Equal(t, want, dumpAll(t, r, limit, ""), "limit %d", limit)
	}
	assert.Equal(t, []string{"c/0", "c/5"}, dumpAll(t, r, 1, "c"))
	assert.Equal(t, []string{"b"}, dumpAll(t, r, 3, "b"))

	_, _, _, err := r.Dump(registry.Cursor{}, 1, "zz")
	assert.ErrorIs(t, err, errclass.ErrConnNotKnown)
}

func TestDumpResumesAcrossChanges(t *testing.T) {
	r, _ := newRegistry(t)
	populate(t, r)

	entries, cur, done, err := r.Dump(registry.Cursor{}, 2, "")
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, []string{"a/0", "a/1"}, []string{entryName(entries[0]), entryName(entries[1])})
	assert.Equal(t, registry.Cursor{Conn: "a", Volume: 2}, cur)

	// The volume at the cursor goes away and a connection sorting before
	// the cursor appears; neither disturbs the rest of the dump.
	require.NoError(t, r.DeleteVolume(r.VolumeByMinor(2)))
	mustConn(t, r, "0")

	var rest []string
	for !done {
		entries, cur, done, err = r.Dump(cur, 2, "")
		require.NoError(t, err)
		for _, e := range entries {
			rest = append(rest, entryName(e))
		}
	}
	assert.Equal(t, []string{"b", "c/0", "c/5"}, rest)
}
