package resource_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/replvol/internal/backing"
	"github.com/jvs-project/replvol/internal/metadata"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/model"
)

func TestSnapshotPublishKeepsOldReaders(t *testing.T) {
	var s resource.Snapshot[model.NetConf]
	assert.Nil(t, s.Load())

	first := model.DefaultNetConf()
	s.Publish(&first)
	held := s.Load()

	next := held.Clone()
	next.Timeout = 99
	prev := s.Publish(next)

	assert.Same(t, held, prev)
	assert.Equal(t, 60, held.Timeout)
	assert.Equal(t, 99, s.Load().Timeout)
	assert.False(t, s.CompareAndPublish(held, &first))
}

func TestWorkerRunsInOrder(t *testing.T) {
	w := resource.NewWorker("t")
	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		w.Queue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	w.Flush()
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	mu.Unlock()

	w.Stop()
	done := w.Queue(func() { t.Error("ran after stop") })
	<-done
}

func TestWorkerStopDrains(t *testing.T) {
	w := resource.NewWorker("t")
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		w.Queue(func() { n.Add(1) })
	}
	w.Stop()
	assert.Equal(t, int32(5), n.Load())
}

func TestWorkerSettleWaitsForFollowUps(t *testing.T) {
	w := resource.NewWorker("t")
	defer w.Stop()
	var n atomic.Int32
	w.Queue(func() {
		time.Sleep(5 * time.Millisecond)
		w.Queue(func() {
			w.Queue(func() { n.Add(1) })
		})
	})
	w.Settle()
	assert.Equal(t, int32(1), n.Load())
}

func TestIOGateSuspendWaitsForActive(t *testing.T) {
	var g resource.IOGate
	g.Enter()

	suspended := make(chan struct{})
	go func() {
		g.Suspend()
		close(suspended)
	}()

	select {
	case <-suspended:
		t.Fatal("suspend returned with active I/O")
	case <-time.After(20 * time.Millisecond):
	}
	g.Exit()
	<-suspended
	assert.True(t, g.Suspended())

	entered := make(chan struct{})
	go func() {
		g.Enter()
		close(entered)
	}()
	select {
	case <-entered:
		t.Fatal("entered a suspended gate")
	case <-time.After(20 * time.Millisecond):
	}
	g.Resume()
	<-entered
	assert.Equal(t, 1, g.Active())
	g.Exit()
}

func TestCounterWaitZero(t *testing.T) {
	var c resource.Counter
	c.Inc()
	c.Inc()
	done := make(chan struct{})
	go func() {
		c.WaitZero()
		close(done)
	}()
	c.Dec()
	select {
	case <-done:
		t.Fatal("returned early")
	case <-time.After(10 * time.Millisecond):
	}
	c.Dec()
	<-done
	assert.Equal(t, 0, c.Value())
}

func TestConnectionVolumes(t *testing.T) {
	c := resource.NewConnection("r0", nil)
	defer c.Close()

	v1, err := c.AddVolume(11, 1)
	require.NoError(t, err)
	_, err = c.AddVolume(10, 0)
	require.NoError(t, err)
	_, err = c.AddVolume(12, 1)
	assert.ErrorIs(t, err, resource.ErrVolumeExists)

	vols := c.Volumes()
	require.Len(t, vols, 2)
	assert.Equal(t, 0, vols[0].Number())
	assert.Same(t, c, v1.Conn())

	s := v1.State()
	assert.Equal(t, model.RoleSecondary, s.Role)
	assert.Equal(t, model.DiskDiskless, s.Disk)
	assert.Equal(t, model.DiskDUnknown, s.PDsk)
	assert.Equal(t, model.ConnStandAlone, s.Conn)

	c.RemoveVolume(1)
	assert.Nil(t, c.Volume(1))
	assert.Equal(t, 1, c.NumVolumes())
}

func TestConnectionRefs(t *testing.T) {
	c := resource.NewConnection("r0", nil)
	defer c.Close()
	c.Get()
	assert.Equal(t, 2, c.Refs())
	assert.False(t, c.Put())
	assert.True(t, c.Put())
}

func TestVolumeFlags(t *testing.T) {
	c := resource.NewConnection("r0", nil)
	defer c.Close()
	v, err := c.AddVolume(0, 0)
	require.NoError(t, err)

	assert.True(t, v.Set(resource.FlagCrashedPrimary))
	assert.False(t, v.Set(resource.FlagCrashedPrimary))
	assert.True(t, v.Test(resource.FlagCrashedPrimary))
	assert.Equal(t, []string{"crashed-primary"}, v.FlagNames())
	assert.True(t, v.Clear(resource.FlagCrashedPrimary))
	assert.False(t, v.Clear(resource.FlagCrashedPrimary))
}

func TestVolumeOpenNeedsPrimaryForWrite(t *testing.T) {
	c := resource.NewConnection("r0", nil)
	defer c.Close()
	v, err := c.AddVolume(0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Open(true), resource.ErrReadOnly)
	require.NoError(t, v.Open(false))
	c.Lock()
	assert.Equal(t, 1, v.OpenCountLocked())
	c.Unlock()
	v.Release()
	c.Lock()
	assert.Equal(t, 0, v.OpenCountLocked())
	c.Unlock()
}

func newLocalDisk(t *testing.T) *resource.LocalDisk {
	t.Helper()
	op := backing.NewMemOpener()
	op.Add("/dev/data", 1<<21)
	dev, err := op.Open("/dev/data", t)
	require.NoError(t, err)
	meta, err := op.Open("/dev/data", t)
	require.NoError(t, err)
	g := metadata.ComputeGeometry(model.MetaIndexInternal, dev.Capacity(), meta.Capacity())
	return resource.NewLocalDisk(dev, meta, g, metadata.NewRecord(g, 1237))
}

func TestLdevReferences(t *testing.T) {
	c := resource.NewConnection("r0", nil)
	defer c.Close()
	v, err := c.AddVolume(0, 0)
	require.NoError(t, err)

	ldev := newLocalDisk(t)
	require.True(t, v.SetLdev(ldev))
	assert.False(t, v.SetLdev(ldev))

	// Diskless volumes hand out no references.
	assert.Nil(t, v.GetLdev(model.DiskInconsistent))

	c.Lock()
	s := v.StateLocked()
	s.Disk = model.DiskUpToDate
	v.SetStateLocked(s)
	c.Unlock()

	got := v.GetLdev(model.DiskInconsistent)
	require.Same(t, ldev, got)
	assert.Equal(t, 1, v.LocalRefs())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, v.WaitNoLocalRefs(ctx), context.DeadlineExceeded)

	v.PutLdev()
	require.NoError(t, v.WaitNoLocalRefs(context.Background()))
	assert.Same(t, ldev, v.TakeLdev())
	assert.False(t, v.HasLdev())
	require.NoError(t, ldev.Close())
}

func TestLocalDiskUUIDs(t *testing.T) {
	ldev := newLocalDisk(t)
	defer ldev.Close()

	assert.Equal(t, model.UUIDJustCreated, ldev.UUID(model.UICurrent))

	ldev.SetCurrentBit(true)
	assert.Equal(t, model.UUIDJustCreated|1, ldev.UUID(model.UICurrent))

	cur := ldev.NewCurrentUUID(true)
	assert.Equal(t, uint64(1), cur&1)
	assert.Equal(t, model.UUIDJustCreated|1, ldev.UUID(model.UIBitmap))

	ldev.SetUUID(model.UIBitmap, 0, true)
	assert.Equal(t, model.UUIDJustCreated|1, ldev.UUID(model.UIHistoryStart))
	assert.Zero(t, ldev.UUID(model.UIBitmap))
}

func TestLocalDiskSyncMD(t *testing.T) {
	ldev := newLocalDisk(t)
	defer ldev.Close()

	ldev.SetFlags(model.MDFConsistent|model.MDFWasUpToDate, 0)
	assert.True(t, ldev.Dirty())
	require.NoError(t, ldev.SyncMD())
	assert.False(t, ldev.Dirty())

	rec, err := metadata.Read(ldev.Meta, ldev.Geometry())
	require.NoError(t, err)
	assert.True(t, rec.Flags.Has(model.MDFWasUpToDate))

	ldev.SetFlags(model.MDFConsistent, 0)
	assert.False(t, ldev.Dirty(), "unchanged flags must not dirty the record")
}

func TestFencingPolicyAggregation(t *testing.T) {
	c := resource.NewConnection("r0", nil)
	defer c.Close()
	assert.Equal(t, model.FencingNotAvailable, c.FencingPolicy())

	v, err := c.AddVolume(0, 0)
	require.NoError(t, err)
	dc := model.DefaultDiskConf()
	dc.Fencing = model.FencingStonith
	v.PublishDiskConf(&dc)
	ldev := newLocalDisk(t)
	defer ldev.Close()
	require.True(t, v.SetLdev(ldev))

	c.Lock()
	s := v.StateLocked()
	s.Disk = model.DiskOutdated
	v.SetStateLocked(s)
	c.Unlock()
	assert.Equal(t, model.FencingNotAvailable, c.FencingPolicy())

	c.Lock()
	s.Disk = model.DiskConsistent
	v.SetStateLocked(s)
	c.Unlock()
	assert.Equal(t, model.FencingStonith, c.FencingPolicy())
}
