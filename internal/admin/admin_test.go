package admin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/internal/attach"
	"github.com/jvs-project/replvol/internal/backing"
	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/internal/peer"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/internal/state"
	"github.com/jvs-project/replvol/pkg/model"
)

const devSectors = 1 << 20

type stack struct {
	reg    *registry.Registry
	engine *state.Engine
	mem    *backing.MemOpener
	links  map[string]*peer.Recorder
	d      *admin.Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{mem: backing.NewMemOpener(), links: map[string]*peer.Recorder{}}
	s.mem.Add("/dev/sdb", devSectors)
	require.NoError(t, attach.CreateMD(s.mem, "/dev/sdb", "", model.MetaIndexInternal, 0))

	s.reg = registry.New(registry.Options{
		MinorCount: 64,
		NewLink: func(name string) peer.Link {
			l := peer.NewRecorder()
			s.links[name] = l
			return l
		},
	})
	s.engine = state.New(state.Options{FallbackBackoff: time.Millisecond})
	s.d = admin.New(admin.Options{
		Registry: s.reg,
		Engine:   s.engine,
		Attach:   attach.New(s.engine, attach.Options{Opener: s.mem}),
	})
	return s
}

func (s *stack) do(op admin.Opcode, edit func(r *admin.Request)) *admin.Reply {
	req := admin.NewRequest(op)
	if edit != nil {
		edit(req)
	}
	return s.d.Do(context.Background(), req)
}

func (s *stack) mustDo(t *testing.T, op admin.Opcode, edit func(r *admin.Request)) *admin.Reply {
	t.Helper()
	reply := s.do(op, edit)
	require.True(t, reply.OK(), "%s: %s %s", op, reply.Name, reply.Info)
	return reply
}

func onConn(name string) func(r *admin.Request) {
	return func(r *admin.Request) { r.Conn = name }
}

func onMinor(minor int, attrs confstore.Attrs) func(r *admin.Request) {
	return func(r *admin.Request) {
		r.Minor = minor
		r.Attrs = attrs
	}
}

// volume creates connection r0 with volume 0 at minor 1.
func (s *stack) volume(t *testing.T) *resource.Volume {
	t.Helper()
	s.mustDo(t, admin.OpNewConnection, onConn("r0"))
	s.mustDo(t, admin.OpNewMinor, func(r *admin.Request) {
		r.Conn, r.Minor, r.Volume = "r0", 1, 0
	})
	v := s.reg.VolumeByMinor(1)
	require.NotNil(t, v)
	return v
}

func (s *stack) attach(t *testing.T) *resource.Volume {
	t.Helper()
	v := s.volume(t)
	s.mustDo(t, admin.OpAttach, onMinor(1, confstore.Attrs{"disk": "/dev/sdb"}))
	require.Equal(t, model.DiskInconsistent, v.State().Disk)
	return v
}

func TestUnknownOpcode(t *testing.T) {
	s := newStack(t)
	reply := s.do("frobnicate", nil)
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)
	assert.Equal(t, admin.ExitError, reply.Exit)
	assert.NotEmpty(t, reply.RequestID)
}

func TestEveryOpcodeIsRouted(t *testing.T) {
	assert.Len(t, admin.Opcodes(), 26)
}

func TestNewConnection(t *testing.T) {
	s := newStack(t)

	reply := s.do(admin.OpNewConnection, nil)
	assert.Equal(t, "E_MANDATORY_TAG", reply.Name)

	s.mustDo(t, admin.OpNewConnection, onConn("r0"))
	s.mustDo(t, admin.OpNewConnection, onConn("r0"))

	reply = s.do(admin.OpNewConnection, func(r *admin.Request) {
		r.Conn, r.Exclusive = "r0", true
	})
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)

	reply = s.do(admin.OpNewConnection, onConn("a/b"))
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)

	c := s.reg.Get("r0")
	require.NotNil(t, c)
	defer registry.Release(c)
	assert.Equal(t, 2, c.Refs())
}

func TestNewMinor(t *testing.T) {
	s := newStack(t)

	reply := s.do(admin.OpNewMinor, func(r *admin.Request) { r.Conn, r.Minor, r.Volume = "r0", 1, 0 })
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name, reply.Info)

	s.volume(t)

	reply = s.do(admin.OpNewMinor, func(r *admin.Request) { r.Conn, r.Minor, r.Volume = "r0", 64, 1 })
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)
	reply = s.do(admin.OpNewMinor, func(r *admin.Request) { r.Conn, r.Minor, r.Volume = "r0", 2, registry.MaxVolumes })
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)

	s.mustDo(t, admin.OpNewMinor, func(r *admin.Request) { r.Conn, r.Minor, r.Volume = "r0", 1, 0 })
	reply = s.do(admin.OpNewMinor, func(r *admin.Request) {
		r.Conn, r.Minor, r.Volume, r.Exclusive = "r0", 1, 0, true
	})
	assert.Equal(t, "E_MINOR_EXISTS", reply.Name)

	reply = s.do(admin.OpNewMinor, func(r *admin.Request) { r.Conn, r.Minor, r.Volume = "r0", 1, 3 })
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)
	assert.Contains(t, reply.Info, "different volume")
}

func TestTargetResolution(t *testing.T) {
	s := newStack(t)
	s.volume(t)
	s.mustDo(t, admin.OpNewConnection, onConn("r1"))

	reply := s.do(admin.OpSecondary, onMinor(9, nil))
	assert.Equal(t, "E_MINOR_INVALID", reply.Name)

	reply = s.do(admin.OpNetOpts, onConn("nope"))
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)

	reply = s.do(admin.OpSecondary, func(r *admin.Request) { r.Minor, r.Conn = 1, "r1" })
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)
	assert.Contains(t, reply.Info, "different connection")
}

func TestPrimaryNeedsData(t *testing.T) {
	s := newStack(t)
	v := s.volume(t)

	reply := s.do(admin.OpPrimary, onMinor(1, nil))
	assert.Equal(t, int(model.SSNoUpToDateDisk), reply.Code)
	assert.Equal(t, admin.ExitStateRejected, reply.Exit)
	assert.Equal(t, model.RoleSecondary, v.State().Role)

	reply = s.do(admin.OpPrimary, onMinor(1, confstore.Attrs{"bogus": "1"}))
	assert.Equal(t, "E_MANDATORY_TAG", reply.Name)
}

func TestAttachPromoteDemoteDetach(t *testing.T) {
	s := newStack(t)
	v := s.attach(t)

	reply := s.do(admin.OpAttach, onMinor(1, confstore.Attrs{"disk": "/dev/sdb"}))
	assert.False(t, reply.OK())

	s.mustDo(t, admin.OpPrimary, onMinor(1, confstore.Attrs{"assume-uptodate": "true"}))
	st := v.State()
	assert.Equal(t, model.RolePrimary, st.Role)
	assert.Equal(t, model.DiskUpToDate, st.Disk)

	reply = s.mustDo(t, admin.OpPrimary, onMinor(1, nil))
	assert.Equal(t, int(model.SSNothingToDo), reply.Code)

	reply = s.do(admin.OpDelMinor, onMinor(1, nil))
	assert.Equal(t, "E_MINOR_CONFIGURED", reply.Name)

	s.mustDo(t, admin.OpSecondary, onMinor(1, nil))
	s.mustDo(t, admin.OpDetach, onMinor(1, nil))
	assert.Equal(t, model.DiskDiskless, v.State().Disk)
	assert.False(t, v.HasLdev())

	reply = s.mustDo(t, admin.OpDetach, onMinor(1, nil))
	assert.Equal(t, int(model.SSNothingToDo), reply.Code)

	s.mustDo(t, admin.OpDelMinor, onMinor(1, nil))
	assert.Nil(t, s.reg.VolumeByMinor(1))
}

func TestAttachRejectsRelativePath(t *testing.T) {
	s := newStack(t)
	s.volume(t)
	reply := s.do(admin.OpAttach, onMinor(1, confstore.Attrs{"disk": "dev/sdb"}))
	assert.Equal(t, "E_INVALID_REQUEST", reply.Name)

	reply = s.do(admin.OpAttach, onMinor(1, confstore.Attrs{"disk": "/dev/sdb", "size": "lots"}))
	assert.Equal(t, "E_MANDATORY_TAG", reply.Name)
}

func TestAttachWithUserSize(t *testing.T) {
	s := newStack(t)
	v := s.volume(t)
	s.mustDo(t, admin.OpAttach, onMinor(1, confstore.Attrs{"disk": "/dev/sdb", "size": "64Mi"}))
	assert.Equal(t, uint64(64<<20>>model.SectorShift), v.DiskConf().DiskSize)
	assert.Equal(t, uint64(64<<20>>model.SectorShift), v.Capacity())
}

func TestPauseResumeSync(t *testing.T) {
	s := newStack(t)
	v := s.volume(t)

	s.mustDo(t, admin.OpPauseSync, onMinor(1, nil))
	assert.True(t, v.State().UserIsp)

	reply := s.do(admin.OpPauseSync, onMinor(1, nil))
	assert.Equal(t, "E_PAUSE_IS_SET", reply.Name)
	assert.Equal(t, admin.ExitError, reply.Exit)

	s.mustDo(t, admin.OpResumeSync, onMinor(1, nil))
	assert.False(t, v.State().UserIsp)

	reply = s.do(admin.OpResumeSync, onMinor(1, nil))
	assert.Equal(t, "E_PAUSE_IS_CLEAR", reply.Name)
}

func TestSuspendResumeIO(t *testing.T) {
	s := newStack(t)
	v := s.volume(t)

	s.mustDo(t, admin.OpSuspendIO, onMinor(1, nil))
	assert.True(t, v.State().Susp)

	s.mustDo(t, admin.OpResumeIO, onMinor(1, nil))
	assert.False(t, v.State().Susp)
	assert.False(t, v.Gate.Suspended())

	link := s.links["r0"]
	assert.Equal(t, 1, link.Count("clear-transfer-log"))
	assert.Equal(t, 1, link.Count("restart-frozen"))
}

func TestConnectDisconnect(t *testing.T) {
	s := newStack(t)
	s.volume(t)
	attrs := confstore.Attrs{"my-addr": "10.0.0.1:7789", "peer-addr": "10.0.0.2:7789"}

	s.mustDo(t, admin.OpConnect, func(r *admin.Request) { r.Conn, r.Attrs = "r0", attrs })
	c := s.reg.Get("r0")
	require.NotNil(t, c)
	defer registry.Release(c)
	assert.Equal(t, model.ConnUnconnected, c.ConnState())
	require.NotNil(t, c.Net())

	reply := s.do(admin.OpConnect, func(r *admin.Request) { r.Conn, r.Attrs = "r0", attrs })
	assert.Equal(t, "E_NET_CONFIGURED", reply.Name)

	reply = s.do(admin.OpDisconnect, onConn("r0"))
	assert.Equal(t, int(model.SSInTransientState), reply.Code)
	assert.Equal(t, admin.ExitStateRejected, reply.Exit)

	s.mustDo(t, admin.OpDisconnect, func(r *admin.Request) {
		r.Conn, r.Attrs = "r0", confstore.Attrs{"force": "true"}
	})
	c.Worker().Settle()
	assert.Equal(t, model.ConnStandAlone, c.ConnState())
	assert.Nil(t, c.Net())
	assert.GreaterOrEqual(t, s.links["r0"].Count("stop-receiver"), 1)

	s.mustDo(t, admin.OpDisconnect, onConn("r0"))
}

func TestDelConnectionNeedsStandAlone(t *testing.T) {
	s := newStack(t)
	s.mustDo(t, admin.OpNewConnection, onConn("r0"))
	attrs := confstore.Attrs{"my-addr": "10.0.0.1:7789", "peer-addr": "10.0.0.2:7789"}
	s.mustDo(t, admin.OpConnect, func(r *admin.Request) { r.Conn, r.Attrs = "r0", attrs })

	reply := s.do(admin.OpDelConnection, onConn("r0"))
	assert.Equal(t, "E_CONN_IN_USE", reply.Name)
	c := s.reg.Get("r0")
	require.NotNil(t, c)
	defer registry.Release(c)

	s.mustDo(t, admin.OpDisconnect, func(r *admin.Request) {
		r.Conn, r.Attrs = "r0", confstore.Attrs{"force": "true"}
	})
	c.Worker().Settle()
	require.Equal(t, model.ConnStandAlone, c.ConnState())

	s.mustDo(t, admin.OpDelConnection, onConn("r0"))
	assert.Nil(t, s.reg.Get("r0"))
}

func TestInvalidateWithoutConnection(t *testing.T) {
	s := newStack(t)
	v := s.attach(t)
	s.mustDo(t, admin.OpPrimary, onMinor(1, confstore.Attrs{"assume-uptodate": "true"}))
	s.mustDo(t, admin.OpSecondary, onMinor(1, nil))
	require.Equal(t, model.DiskUpToDate, v.State().Disk)

	s.mustDo(t, admin.OpInvalidate, onMinor(1, nil))
	assert.Equal(t, model.DiskInconsistent, v.State().Disk)

	reply := s.do(admin.OpInvalidatePeer, onMinor(1, nil))
	assert.Equal(t, int(model.SSNeedConnection), reply.Code)

	reply = s.do(admin.OpStartVerify, onMinor(1, nil))
	assert.Equal(t, admin.ExitStateRejected, reply.Exit)
}

func TestOutdate(t *testing.T) {
	s := newStack(t)
	v := s.attach(t)

	reply := s.do(admin.OpOutdate, onMinor(1, nil))
	assert.Equal(t, int(model.SSLowerThanOutdated), reply.Code)

	s.mustDo(t, admin.OpPrimary, onMinor(1, confstore.Attrs{"assume-uptodate": "true"}))
	s.mustDo(t, admin.OpSecondary, onMinor(1, nil))
	s.mustDo(t, admin.OpOutdate, onMinor(1, nil))
	assert.Equal(t, model.DiskOutdated, v.State().Disk)
}

func TestNewCurrentUUIDStandAlone(t *testing.T) {
	s := newStack(t)
	v := s.attach(t)

	ldev := v.GetLdev(model.DiskInconsistent)
	require.NotNil(t, ldev)
	defer v.PutLdev()
	before := ldev.UUID(model.UICurrent)

	s.mustDo(t, admin.OpNewCurrentUUID, onMinor(1, confstore.Attrs{"clear-bm": "true"}))
	assert.NotEqual(t, before, ldev.UUID(model.UICurrent))
	assert.Equal(t, before, ldev.UUID(model.UIBitmap))
	assert.Zero(t, v.Bitmap().Weight())
	assert.Zero(t, s.links["r0"].Count("uuids-skip-initial-sync"))
}

func TestNewCurrentUUIDNeedsDisk(t *testing.T) {
	s := newStack(t)
	s.volume(t)
	reply := s.do(admin.OpNewCurrentUUID, onMinor(1, nil))
	assert.Equal(t, "E_NO_DISK", reply.Name)
}

func TestNewCurrentUUIDSkipsInitialSync(t *testing.T) {
	s := newStack(t)
	v := s.attach(t)
	c := v.Conn()

	nc := model.DefaultNetConf()
	nc.MyAddr, nc.PeerAddr = "10.0.0.1:7789", "10.0.0.2:7789"
	c.PublishNet(&nc)
	d := model.NewDelta().WithConn(model.ConnConnected).WithPeer(model.RoleSecondary).WithPDsk(model.DiskInconsistent)
	require.True(t, s.engine.ConnRequestState(context.Background(), c, d, state.Hard|state.WaitComplete).Succeeded())

	reply := s.do(admin.OpNewCurrentUUID, onMinor(1, nil))
	assert.Equal(t, "E_CONNECTED", reply.Name)

	s.mustDo(t, admin.OpNewCurrentUUID, onMinor(1, confstore.Attrs{"clear-bm": "true"}))
	st := v.State()
	assert.Equal(t, model.DiskUpToDate, st.Disk)
	assert.Equal(t, model.DiskUpToDate, st.PDsk)
	assert.Equal(t, 1, s.links["r0"].Count("uuids-skip-initial-sync"))

	ldev := v.GetLdev(model.DiskInconsistent)
	require.NotNil(t, ldev)
	defer v.PutLdev()
	assert.Zero(t, ldev.UUID(model.UIBitmap))
}

func TestStatusAndTimeoutType(t *testing.T) {
	s := newStack(t)
	s.attach(t)

	reply := s.mustDo(t, admin.OpGetStatus, onMinor(1, nil))
	require.NotNil(t, reply.Status)
	st := reply.Status
	assert.Equal(t, "r0", st.Conn)
	assert.Equal(t, 1, st.Minor)
	assert.Equal(t, 0, st.Volume)
	assert.Equal(t, "StandAlone", st.ConnState)
	require.NotNil(t, st.State)
	assert.Equal(t, model.DiskInconsistent, st.State.Disk)
	assert.Len(t, st.UUIDs, model.UISize)
	assert.NotZero(t, st.BitsTotal)

	reply = s.mustDo(t, admin.OpGetTimeoutType, onMinor(1, nil))
	assert.Equal(t, "default", reply.TimeoutType)
}

func TestStatusAll(t *testing.T) {
	s := newStack(t)
	s.volume(t)
	s.mustDo(t, admin.OpNewMinor, func(r *admin.Request) { r.Conn, r.Minor, r.Volume = "r0", 2, 1 })
	s.mustDo(t, admin.OpNewConnection, onConn("r1"))

	var all []admin.Status
	var cur registry.Cursor
	for done := false; !done; {
		var page []admin.Status
		var err error
		page, cur, done, err = s.d.StatusAll(cur, 1, "")
		require.NoError(t, err)
		all = append(all, page...)
	}
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Minor)
	assert.Equal(t, 2, all[1].Minor)
	assert.Equal(t, "r1", all[2].Conn)
	assert.Equal(t, admin.NoVolume, all[2].Volume)

	_, _, _, err := s.d.StatusAll(registry.Cursor{}, 10, "missing")
	assert.Error(t, err)
}

func TestDown(t *testing.T) {
	s := newStack(t)
	v := s.attach(t)
	s.mustDo(t, admin.OpPrimary, onMinor(1, confstore.Attrs{"assume-uptodate": "true"}))
	c := v.Conn()

	s.mustDo(t, admin.OpDown, onConn("r0"))
	assert.Nil(t, s.reg.VolumeByMinor(1))
	assert.Nil(t, s.reg.Get("r0"))
	assert.Equal(t, 0, c.Refs())
	assert.False(t, v.HasLdev())

	reply := s.do(admin.OpDown, onConn("r0"))
	assert.Equal(t, "E_CONN_NOT_KNOWN", reply.Name)
}

func TestReadOnlyRequestsSkipSerialization(t *testing.T) {
	s := newStack(t)
	s.volume(t)

	release, err := s.reg.Serialize(context.Background())
	require.NoError(t, err)
	defer release()

	reply := s.mustDo(t, admin.OpGetTimeoutType, onMinor(1, nil))
	assert.Equal(t, "default", reply.TimeoutType)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := admin.NewRequest(admin.OpSecondary)
	req.Minor = 1
	reply = s.d.Do(ctx, req)
	assert.Equal(t, "E_INTR", reply.Name)
}
