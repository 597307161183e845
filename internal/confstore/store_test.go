package confstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/replvol/internal/backing"
	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/internal/metadata"
	"github.com/jvs-project/replvol/internal/peer"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/model"
)

type fakeLookup struct {
	conns  []*resource.Connection
	minors map[int]*resource.Volume
}

func (f *fakeLookup) Connections() []*resource.Connection  { return f.conns }
func (f *fakeLookup) VolumeByMinor(m int) *resource.Volume { return f.minors[m] }

func newStore(t *testing.T, names ...string) (*confstore.Store, *fakeLookup) {
	t.Helper()
	l := &fakeLookup{minors: map[int]*resource.Volume{}}
	for _, n := range names {
		c := resource.NewConnection(n, nil)
		t.Cleanup(c.Close)
		l.conns = append(l.conns, c)
	}
	return confstore.New(l), l
}

func connAttrs(my, peerAddr string) confstore.Attrs {
	return confstore.Attrs{"my-addr": my, "peer-addr": peerAddr}
}

func TestConnectPublishesDefaults(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]

	attrs := connAttrs("10.0.0.1:7789", "10.0.0.2:7789")
	attrs["ping-timeout"] = "7"
	attrs["verify-alg"] = "sha256"
	require.NoError(t, s.Connect(c, attrs))

	nc := c.Net()
	require.NotNil(t, nc)
	assert.Equal(t, 7, nc.PingTimeo)
	assert.Equal(t, model.ProtocolC, nc.Protocol)
	assert.Equal(t, 60, nc.Timeout)
	require.NotNil(t, c.Crypto())
	assert.NotNil(t, c.Crypto().Verify)
	assert.Nil(t, c.Crypto().Csums)

	err := s.Connect(c, connAttrs("10.0.0.1:7789", "10.0.0.2:7789"))
	assert.ErrorIs(t, err, errclass.ErrNetConfigured)
}

func TestConnectRequiresAddresses(t *testing.T) {
	s, l := newStore(t, "r0")
	err := s.Connect(l.conns[0], confstore.Attrs{"my-addr": "10.0.0.1:7789"})
	assert.ErrorIs(t, err, errclass.ErrMandatoryTag)
	assert.Nil(t, l.conns[0].Net())
}

func TestConnectAddressConflict(t *testing.T) {
	s, l := newStore(t, "r0", "r1")
	require.NoError(t, s.Connect(l.conns[0], connAttrs("10.0.0.1:7789", "10.0.0.2:7789")))

	err := s.Connect(l.conns[1], connAttrs("10.0.0.1:7790", "10.0.0.2:7789"))
	assert.ErrorIs(t, err, errclass.ErrPeerAddr)
	assert.Nil(t, l.conns[1].Net(), "nothing may be published on conflict")

	err = s.Connect(l.conns[1], connAttrs("10.0.0.1:7789", "10.0.0.3:7789"))
	assert.ErrorIs(t, err, errclass.ErrLocalAddr)
	assert.Nil(t, l.conns[1].Net())

	require.NoError(t, s.Connect(l.conns[1], connAttrs("10.0.0.1:7790", "10.0.0.3:7789")))
}

func TestConnectValidation(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
		want  *errclass.Error
	}{
		{"two primaries need protocol C", map[string]string{"allow-two-primaries": "true", "protocol": "B"}, errclass.ErrNotProtoC},
		{"congestion needs protocol A", map[string]string{"on-congestion": "pull-ahead"}, errclass.ErrCongNotProtoA},
		{"unknown option", map[string]string{"bogus": "1"}, errclass.ErrMandatoryTag},
		{"bad number", map[string]string{"timeout": "soon"}, errclass.ErrMandatoryTag},
		{"bad protocol", map[string]string{"protocol": "D"}, errclass.ErrMandatoryTag},
		{"unknown verify alg", map[string]string{"verify-alg": "rot13"}, errclass.ErrVerifyAlg},
		{"unknown csums alg", map[string]string{"csums-alg": "rot13"}, errclass.ErrCsumsAlg},
		{"unknown integrity alg", map[string]string{"data-integrity-alg": "rot13"}, errclass.ErrIntegrityAlg},
		{"unknown auth alg", map[string]string{"cram-hmac-alg": "rot13"}, errclass.ErrAuthAlg},
		{"auth alg not a digest", map[string]string{"cram-hmac-alg": "crc32c"}, errclass.ErrAuthAlgND},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, l := newStore(t, "r0")
			attrs := connAttrs("10.0.0.1:7789", "10.0.0.2:7789")
			for k, v := range tt.attrs {
				attrs[k] = v
			}
			err := s.Connect(l.conns[0], attrs)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, l.conns[0].Net())
		})
	}
}

func TestSharedSecretClamped(t *testing.T) {
	s, l := newStore(t, "r0")
	attrs := connAttrs("a:1", "b:1")
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	attrs["shared-secret"] = long
	require.NoError(t, s.Connect(l.conns[0], attrs))
	assert.Len(t, l.conns[0].Net().SharedSecret, model.SharedSecretMax-1)
}

func TestNumericSecretStaysString(t *testing.T) {
	s, l := newStore(t, "r0")
	attrs := connAttrs("a:1", "b:1")
	attrs["shared-secret"] = "0123"
	require.NoError(t, s.Connect(l.conns[0], attrs))
	assert.Equal(t, "0123", l.conns[0].Net().SharedSecret)
}

func TestUpdateNet(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]

	err := s.UpdateNet(c, confstore.Attrs{"timeout": "30"}, false)
	assert.ErrorIs(t, err, errclass.ErrInvalidRequest)

	require.NoError(t, s.Connect(c, connAttrs("a:1", "b:1")))
	held := c.Net()

	require.NoError(t, s.UpdateNet(c, confstore.Attrs{"timeout": "30", "ko-count": "3"}, false))
	assert.Equal(t, 30, c.Net().Timeout)
	assert.Equal(t, 3, c.Net().KoCount)
	assert.Equal(t, 60, held.Timeout, "readers keep their snapshot")

	require.NoError(t, s.UpdateNet(c, nil, true))
	assert.Equal(t, 60, c.Net().Timeout)
	assert.Equal(t, "a:1", c.Net().MyAddr)
}

func TestUpdateNetRejectsInvariant(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	require.NoError(t, s.Connect(c, connAttrs("a:1", "b:1")))
	before := c.Net()

	err := s.UpdateNet(c, confstore.Attrs{"peer-addr": "c:1", "timeout": "5"}, false)
	assert.ErrorIs(t, err, errclass.ErrMandatoryTag)
	assert.Same(t, before, c.Net())

	// Repeating the current value is fine.
	require.NoError(t, s.UpdateNet(c, confstore.Attrs{"peer-addr": "b:1"}, false))
}

func TestUpdateNetAtomicOnFailure(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	require.NoError(t, s.Connect(c, connAttrs("a:1", "b:1")))
	before := c.Net()
	crypto := c.Crypto()

	err := s.UpdateNet(c, confstore.Attrs{"resync-rate": "1"}, false)
	assert.ErrorIs(t, err, errclass.ErrMandatoryTag)
	err = s.UpdateNet(c, confstore.Attrs{"ping-int": "3", "verify-alg": "nope"}, false)
	assert.ErrorIs(t, err, errclass.ErrVerifyAlg)

	assert.Same(t, before, c.Net())
	assert.Same(t, crypto, c.Crypto())
	assert.Equal(t, 10, c.Net().PingInt)
}

func TestUpdateNetSendsProtocolOnIntegrityChange(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	rec := peer.NewRecorder()
	c.SetLink(rec)
	require.NoError(t, s.Connect(c, connAttrs("a:1", "b:1")))

	require.NoError(t, s.UpdateNet(c, confstore.Attrs{"data-integrity-alg": "sha1"}, false))
	assert.Equal(t, 1, rec.Count("protocol"))
}

func attachFake(t *testing.T, c *resource.Connection, minor int, dc *model.DiskConf, disk model.DiskState) *resource.Volume {
	t.Helper()
	v, err := c.AddVolume(minor, minor)
	require.NoError(t, err)
	op := backing.NewMemOpener()
	op.Add("/dev/d", 1<<20)
	dev, err := op.Open("/dev/d", t)
	require.NoError(t, err)
	g := metadata.ComputeGeometry(model.MetaIndexInternal, dev.Capacity(), dev.Capacity())
	ldev := resource.NewLocalDisk(dev, dev, g, metadata.NewRecord(g, dc.ALExtents))
	t.Cleanup(func() { ldev.Close() })
	require.True(t, v.SetLdev(ldev))
	v.PublishDiskConf(dc)
	c.Lock()
	st := v.StateLocked()
	st.Disk = disk
	v.SetStateLocked(st)
	c.Unlock()
	return v
}

func TestStonithIncompatibleWithProtocolA(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	dc := model.DefaultDiskConf()
	dc.Fencing = model.FencingStonith
	attachFake(t, c, 0, &dc, model.DiskUpToDate)

	attrs := connAttrs("a:1", "b:1")
	attrs["protocol"] = "A"
	assert.ErrorIs(t, s.Connect(c, attrs), errclass.ErrStonithAndProtA)
}

func TestDiscardMyDataOnPrimary(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	v, err := c.AddVolume(0, 0)
	require.NoError(t, err)
	c.Lock()
	st := v.StateLocked()
	st.Role = model.RolePrimary
	v.SetStateLocked(st)
	c.Unlock()

	attrs := connAttrs("a:1", "b:1")
	attrs["discard-my-data"] = "true"
	assert.ErrorIs(t, s.Connect(c, attrs), errclass.ErrDiscard)
}

func TestUpdateDisk(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]

	v0, err := c.AddVolume(9, 9)
	require.NoError(t, err)
	assert.ErrorIs(t, s.UpdateDisk(v0, confstore.Attrs{"resync-rate": "10"}, false), errclass.ErrNoDisk)

	dc := model.DefaultDiskConf()
	dc.BackingDev = "/dev/d"
	v := attachFake(t, c, 0, &dc, model.DiskUpToDate)

	require.NoError(t, s.UpdateDisk(v, confstore.Attrs{"resync-rate": "0", "al-extents": "100000"}, false))
	got := v.DiskConf()
	assert.Equal(t, model.ResyncRateMin, got.ResyncRate)
	assert.Equal(t, model.ALExtentsMax, got.ALExtents)
	assert.Equal(t, model.ALExtentsMax, v.ActLog().Slots())
	assert.Equal(t, 1237, dc.ALExtents, "old snapshot untouched")

	err = s.UpdateDisk(v, confstore.Attrs{"disk": "/dev/other"}, false)
	assert.ErrorIs(t, err, errclass.ErrMandatoryTag)

	require.NoError(t, s.UpdateDisk(v, confstore.Attrs{"fencing": "resource-only"}, false))
	assert.Equal(t, model.FencingResilient, v.DiskConf().Fencing)
}

func TestUpdateDiskActLogInUse(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	dc := model.DefaultDiskConf()
	v := attachFake(t, c, 0, &dc, model.DiskUpToDate)
	require.NoError(t, confstore.CheckALSize(v, dc.ALExtents))
	v.ActLog().Begin(5)

	err := s.UpdateDisk(v, confstore.Attrs{"al-extents": "500"}, false)
	assert.ErrorIs(t, err, errclass.ErrActLogInUse)
	assert.Same(t, &dc, v.DiskConf())

	v.ActLog().Complete(5)
	require.NoError(t, s.UpdateDisk(v, confstore.Attrs{"al-extents": "500"}, false))
	assert.Equal(t, 500, v.ActLog().Slots())
}

func TestUpdateDiskRacingPublishKeepsActLog(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	dc := model.DefaultDiskConf()
	v := attachFake(t, c, 0, &dc, model.DiskUpToDate)
	require.NoError(t, confstore.CheckALSize(v, dc.ALExtents))
	al := v.ActLog()

	other := dc.Clone()
	other.ResyncRate = 4096
	var gateClosed bool
	s.SetBeforeDiskPublish(func() {
		gateClosed = v.Gate.Suspended()
		v.PublishDiskConf(other)
	})

	err := s.UpdateDisk(v, confstore.Attrs{"al-extents": "500"}, false)
	assert.ErrorIs(t, err, errclass.ErrInvalidRequest)
	assert.True(t, gateClosed)
	assert.False(t, v.Gate.Suspended())
	assert.Same(t, other, v.DiskConf())
	assert.Same(t, al, v.ActLog())
	assert.Equal(t, 1237, v.ActLog().Slots())

	s.SetBeforeDiskPublish(nil)
	require.NoError(t, s.UpdateDisk(v, confstore.Attrs{"al-extents": "500"}, false))
	assert.Equal(t, 500, v.ActLog().Slots())
	assert.Equal(t, 500, v.DiskConf().ALExtents)
	assert.Equal(t, 4096, v.DiskConf().ResyncRate)
}

func TestUpdateDiskWaitsForInflightIO(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	dc := model.DefaultDiskConf()
	v := attachFake(t, c, 0, &dc, model.DiskUpToDate)

	v.Gate.Enter()
	done := make(chan error, 1)
	go func() { done <- s.UpdateDisk(v, confstore.Attrs{"al-extents": "500"}, false) }()

	select {
	case err := <-done:
		t.Fatalf("update finished with I/O in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	v.Gate.Exit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("update did not finish")
	}
	assert.Equal(t, 500, v.ActLog().Slots())
}

func TestResyncAfterCycle(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]
	dc0 := model.DefaultDiskConf()
	v0 := attachFake(t, c, 0, &dc0, model.DiskUpToDate)
	dc1 := model.DefaultDiskConf()
	dc1.ResyncAfter = 0
	v1 := attachFake(t, c, 1, &dc1, model.DiskUpToDate)
	l.minors[0], l.minors[1] = v0, v1

	assert.ErrorIs(t, s.CheckResyncAfter(v0, 5), errclass.ErrSyncAfter)
	assert.ErrorIs(t, s.CheckResyncAfter(v0, -2), errclass.ErrSyncAfter)
	assert.ErrorIs(t, s.CheckResyncAfter(v0, 1), errclass.ErrSyncAfterCycle)
	assert.NoError(t, s.CheckResyncAfter(v1, 0))
	assert.NoError(t, s.CheckResyncAfter(v0, -1))

	err := s.UpdateDisk(v0, confstore.Attrs{"resync-after": "1"}, false)
	assert.ErrorIs(t, err, errclass.ErrSyncAfterCycle)
}

func TestUpdateResOpts(t *testing.T) {
	s, l := newStore(t, "r0")
	c := l.conns[0]

	require.NoError(t, s.UpdateResOpts(c, confstore.Attrs{"cpu-mask": "ff,00000001"}, false))
	assert.Equal(t, "ff,00000001", c.ResOpts().CPUMask)

	err := s.UpdateResOpts(c, confstore.Attrs{"cpu-mask": "zz"}, false)
	assert.ErrorIs(t, err, errclass.ErrCPUMaskParse)
	assert.Equal(t, "ff,00000001", c.ResOpts().CPUMask)

	err = s.UpdateResOpts(c, confstore.Attrs{"on-no-data-accessible": "panic"}, false)
	assert.ErrorIs(t, err, errclass.ErrMandatoryTag)

	require.NoError(t, s.UpdateResOpts(c, nil, true))
	assert.Equal(t, model.OnNoDataIOError, c.ResOpts().OnNoData)
	assert.Empty(t, c.ResOpts().CPUMask)
}

func TestParseCPUMask(t *testing.T) {
	got, err := confstore.ParseCPUMask("ff,00000001")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 0xff}, got)

	got, err = confstore.ParseCPUMask("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewDiskConf(t *testing.T) {
	dc, err := confstore.NewDiskConf(confstore.Attrs{
		"disk": "/dev/sdb", "meta-disk": "/dev/sdc", "meta-disk-index": "-2", "al-extents": "3",
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdb", dc.BackingDev)
	assert.Equal(t, model.MetaIndexFlexExternal, dc.MetaDevIdx)
	assert.Equal(t, model.ALExtentsMin, dc.ALExtents)

	_, err = confstore.NewDiskConf(confstore.Attrs{"fencing": "sometimes"})
	assert.ErrorIs(t, err, errclass.ErrMandatoryTag)
}

func TestOptionNames(t *testing.T) {
	names := confstore.OptionNames[model.ResOpts]()
	assert.Equal(t, []string{"cpu-mask", "on-no-data-accessible"}, names)
}
