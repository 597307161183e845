// Package confstore builds, validates and publishes the tunable parameters
// of connections and volumes. Every update works on a private copy; the
// published snapshot only changes once the copy passed validation.
package confstore

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/jvs-project/replvol/internal/actlog"
	"github.com/jvs-project/replvol/internal/bitmap"
	"github.com/jvs-project/replvol/internal/metadata"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/hashalg"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/model"
)

var errConcurrent = errclass.ErrInvalidRequest.WithMessage("configuration changed concurrently")

// Lookup finds the other connections and volumes an update must be
// checked against.
type Lookup interface {
	Connections() []*resource.Connection
	VolumeByMinor(minor int) *resource.Volume
}

// Store applies configuration updates.
type Store struct {
	lookup Lookup
	// mu makes the address conflict check and the publish of a new
	// network configuration one step.
	mu sync.Mutex
	// beforeDiskPublish runs right before a disk option update publishes.
	beforeDiskPublish func()
}

// New creates a store checking against l.
func New(l Lookup) *Store {
	return &Store{lookup: l}
}

// NewDiskConf builds the disk parameters for an attach.
func NewDiskConf(attrs Attrs) (*model.DiskConf, error) {
	dc := model.DefaultDiskConf()
	if err := apply(&dc, attrs, model.DiskInvariants, true); err != nil {
		return nil, err
	}
	clampDisk(&dc)
	return &dc, nil
}

func clampDisk(dc *model.DiskConf) {
	if dc.ResyncRate < model.ResyncRateMin {
		dc.ResyncRate = model.ResyncRateMin
	}
	dc.ALExtents = min(max(dc.ALExtents, model.ALExtentsMin), model.ALExtentsMax)
}

func clampSecret(nc *model.NetConf) {
	if len(nc.SharedSecret) >= model.SharedSecretMax {
		nc.SharedSecret = nc.SharedSecret[:model.SharedSecretMax-1]
	}
}

// Connect publishes the first network configuration of c. The caller moves
// the connection to Unconnected afterwards.
func (s *Store) Connect(c *resource.Connection, attrs Attrs) error {
	if c.ConnState() > model.ConnStandAlone {
		return errclass.ErrNetConfigured
	}

	nc := model.DefaultNetConf()
	if err := apply(&nc, attrs, model.NetInvariants, true); err != nil {
		return err
	}
	if nc.MyAddr == "" || nc.PeerAddr == "" {
		return errclass.ErrMandatoryTag.WithMessage("my-addr and peer-addr are required")
	}
	if err := checkNet(c, nil, &nc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.lookup.Connections() {
		if o == c {
			continue
		}
		onc := o.Net()
		if onc == nil {
			continue
		}
		if onc.MyAddr == nc.MyAddr {
			return errclass.ErrLocalAddr.WithMessagef("%s is used by %s", nc.MyAddr, o.Name())
		}
		if onc.PeerAddr == nc.PeerAddr {
			return errclass.ErrPeerAddr.WithMessagef("%s is used by %s", nc.PeerAddr, o.Name())
		}
	}

	cr, err := allocCrypto(&nc)
	if err != nil {
		return err
	}
	clampSecret(&nc)

	c.Worker().Flush()
	if !c.CompareAndPublishNet(nil, &nc) {
		return errclass.ErrNetConfigured
	}
	c.SetCrypto(cr)
	c.Log().Info("network configuration published", map[string]any{
		"my_addr": nc.MyAddr, "peer_addr": nc.PeerAddr, "protocol": nc.Protocol.String(),
	})
	return nil
}

// UpdateNet changes the network options of a configured connection.
func (s *Store) UpdateNet(c *resource.Connection, attrs Attrs, setDefaults bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := c.Net()
	if old == nil {
		return errclass.ErrInvalidRequest.WithMessage("net conf missing, try connect")
	}

	var nc *model.NetConf
	if setDefaults {
		d := model.DefaultNetConf()
		d.MyAddr, d.PeerAddr, d.SharedSecret = old.MyAddr, old.PeerAddr, old.SharedSecret
		nc = &d
	} else {
		nc = old.Clone()
	}
	if err := apply(nc, attrs, model.NetInvariants, false); err != nil {
		return err
	}
	if err := checkNet(c, old, nc); err != nil {
		return err
	}

	resyncing, verifying := false, false
	for _, v := range c.Volumes() {
		switch v.State().Conn {
		case model.ConnSyncSource, model.ConnSyncTarget, model.ConnPausedSyncS, model.ConnPausedSyncT:
			resyncing = true
		case model.ConnVerifyS, model.ConnVerifyT:
			verifying = true
		}
	}
	if resyncing && nc.CsumsAlg != old.CsumsAlg {
		return errclass.ErrCsumsResyncRunning
	}
	if verifying && nc.VerifyAlg != old.VerifyAlg {
		return errclass.ErrVerifyRunning
	}

	cr, err := allocCrypto(nc)
	if err != nil {
		return err
	}
	clampSecret(nc)

	if !c.CompareAndPublishNet(old, nc) {
		return errConcurrent
	}
	if prev := c.Crypto(); prev != nil {
		if resyncing {
			cr.Csums = prev.Csums
		}
		if verifying {
			cr.Verify = prev.Verify
		}
	}
	c.SetCrypto(cr)

	if nc.IntegrityAlg != old.IntegrityAlg {
		if err := c.Link().SendProtocol(nc); err != nil {
			c.Log().ErrorErr("send protocol", err)
		}
	}
	if c.ConnState() >= model.ConnWFReportParams {
		if vols := c.Volumes(); len(vols) > 0 {
			if err := c.Link().SendSyncParams(vols[0].Number(), nc, vols[0].DiskConf()); err != nil {
				c.Log().ErrorErr("send sync params", err)
			}
		}
	}
	return nil
}

// ReleaseNet drops the network configuration of a connection that went
// StandAlone.
func ReleaseNet(c *resource.Connection) {
	c.PublishNet(nil)
	c.SetCrypto(nil)
}

func checkNet(c *resource.Connection, old, nc *model.NetConf) error {
	if old != nil && c.AgreedProtocol() < 100 && c.ConnState() == model.ConnWFReportParams &&
		nc.Protocol != old.Protocol {
		return errclass.ErrNeedAPV100
	}
	if nc.TwoPrimaries && nc.Protocol != model.ProtocolC {
		return errclass.ErrNotProtoC
	}
	for _, v := range c.Volumes() {
		if v.GetLdev(model.DiskInconsistent) != nil {
			fp := model.FencingDontCare
			if dc := v.DiskConf(); dc != nil {
				fp = dc.Fencing
			}
			v.PutLdev()
			if nc.Protocol == model.ProtocolA && fp == model.FencingStonith {
				return errclass.ErrStonithAndProtA
			}
		}
		if v.State().Role == model.RolePrimary && nc.DiscardMyData {
			return errclass.ErrDiscard
		}
		if v.Bitmap() == nil {
			v.SetBitmap(bitmap.New(bitmap.DefaultMaxBits))
		}
	}
	if nc.OnCongestion != model.OnCongestionBlock && nc.Protocol != model.ProtocolA {
		return errclass.ErrCongNotProtoA
	}
	return nil
}

func allocCrypto(nc *model.NetConf) (*resource.Crypto, error) {
	cr := &resource.Crypto{}
	var err error
	if nc.CsumsAlg != "" {
		if cr.Csums, err = hashalg.Lookup(nc.CsumsAlg); err != nil {
			return nil, errclass.ErrCsumsAlg.WithMessage(err.Error())
		}
	}
	if nc.VerifyAlg != "" {
		if cr.Verify, err = hashalg.Lookup(nc.VerifyAlg); err != nil {
			return nil, errclass.ErrVerifyAlg.WithMessage(err.Error())
		}
	}
	if nc.IntegrityAlg != "" {
		if cr.Integrity, err = hashalg.Lookup(nc.IntegrityAlg); err != nil {
			return nil, errclass.ErrIntegrityAlg.WithMessage(err.Error())
		}
	}
	if nc.CramHMACAlg != "" {
		if _, lerr := hashalg.Lookup(nc.CramHMACAlg); lerr != nil {
			return nil, errclass.ErrAuthAlg.WithMessage(lerr.Error())
		}
		if cr.CramHMAC, err = hashalg.HMAC(nc.CramHMACAlg, []byte(nc.SharedSecret)); err != nil {
			return nil, errclass.ErrAuthAlgND.WithMessage(err.Error())
		}
	}
	return cr, nil
}

// UpdateDisk changes the disk options of an attached volume.
func (s *Store) UpdateDisk(v *resource.Volume, attrs Attrs, setDefaults bool) error {
	ldev := v.GetLdev(model.DiskInconsistent)
	if ldev == nil {
		return errclass.ErrNoDisk
	}
	defer v.PutLdev()

	old := v.DiskConf()
	if old == nil {
		return errclass.ErrNoDisk
	}
	var dc *model.DiskConf
	if setDefaults {
		d := model.DefaultDiskConf()
		d.BackingDev, d.MetaDev, d.MetaDevIdx = old.BackingDev, old.MetaDev, old.MetaDevIdx
		dc = &d
	} else {
		dc = old.Clone()
	}
	if err := apply(dc, attrs, model.DiskInvariants, false); err != nil {
		return err
	}
	clampDisk(dc)

	if c := v.Conn(); c != nil {
		if nc := c.Net(); nc != nil && nc.Protocol == model.ProtocolA && dc.Fencing == model.FencingStonith {
			return errclass.ErrStonithAndProtA
		}
	}
	if err := s.CheckResyncAfter(v, dc.ResyncAfter); err != nil {
		return err
	}

	if err := s.swapDiskConf(v, old, dc); err != nil {
		return err
	}
	ldev.UpdateMD(func(r *metadata.Record) { r.ALExtents = dc.ALExtents })
	if err := ldev.SyncMD(); err != nil {
		logging.ErrorErr("sync metadata after disk options", err, map[string]any{"minor": v.Minor()})
	}

	if c := v.Conn(); c != nil && v.State().Conn >= model.ConnConnected {
		if err := c.Link().SendSyncParams(v.Number(), c.Net(), dc); err != nil {
			c.Log().ErrorErr("send sync params", err)
		}
	}
	return nil
}

// swapDiskConf publishes dc together with an activity log sized for it.
// Application I/O is held off and the log locked, so either both become
// visible or neither does.
func (s *Store) swapDiskConf(v *resource.Volume, old, dc *model.DiskConf) error {
	v.Gate.Suspend()
	defer v.Gate.Resume()

	if al := v.ActLog(); al != nil {
		al.Lock()
		defer al.Unlock()
		al.Shrink()
	}
	nl, err := resizeActLog(v, dc.ALExtents)
	if err != nil {
		return err
	}
	if s.beforeDiskPublish != nil {
		s.beforeDiskPublish()
	}
	if !v.CompareAndPublishDiskConf(old, dc) {
		return errConcurrent
	}
	if nl != nil {
		v.SetActLog(nl)
	}
	return nil
}

// CheckALSize makes the activity log of v hold extents slots. A log with
// extents still referenced by writes is not replaced.
func CheckALSize(v *resource.Volume, extents int) error {
	nl, err := resizeActLog(v, extents)
	if err != nil {
		return err
	}
	if nl != nil {
		v.SetActLog(nl)
	}
	return nil
}

// resizeActLog returns the log v needs for extents slots, or nil when the
// current one already fits. It installs nothing.
func resizeActLog(v *resource.Volume, extents int) (*actlog.Log, error) {
	al := v.ActLog()
	if al == nil {
		return actlog.New(extents), nil
	}
	if al.Slots() == extents {
		return nil, nil
	}
	nl, err := al.Replace(extents)
	if errors.Is(err, actlog.ErrBusy) {
		logging.Error("activity log still in use", map[string]any{"minor": v.Minor(), "in_use": al.InUse()})
		return nil, errclass.ErrActLogInUse
	}
	if err != nil {
		return nil, errclass.ErrNoMem.WithMessage(err.Error())
	}
	return nl, nil
}

// CheckResyncAfter validates that v may resync after minor target without
// forming a dependency cycle.
func (s *Store) CheckResyncAfter(v *resource.Volume, target int) error {
	if target == -1 {
		return nil
	}
	if target < -1 {
		return errclass.ErrSyncAfter
	}
	o := s.lookup.VolumeByMinor(target)
	if o == nil {
		return errclass.ErrSyncAfter
	}
	seen := map[*resource.Volume]bool{}
	for o != nil && !seen[o] {
		if o == v {
			return errclass.ErrSyncAfterCycle
		}
		seen[o] = true
		dc := o.DiskConf()
		if dc == nil || dc.ResyncAfter == -1 {
			return nil
		}
		o = s.lookup.VolumeByMinor(dc.ResyncAfter)
	}
	return nil
}

// UpdateResOpts changes the resource options of c.
func (s *Store) UpdateResOpts(c *resource.Connection, attrs Attrs, setDefaults bool) error {
	var ro *model.ResOpts
	if setDefaults || c.ResOpts() == nil {
		d := model.DefaultResOpts()
		ro = &d
	} else {
		ro = c.ResOpts().Clone()
	}
	if err := apply(ro, attrs, nil, true); err != nil {
		return err
	}
	if ro.OnNoData != model.OnNoDataIOError && ro.OnNoData != model.OnNoDataSuspendIO {
		return errclass.ErrMandatoryTag.WithMessagef("invalid on-no-data-accessible %q", ro.OnNoData)
	}
	if _, err := ParseCPUMask(ro.CPUMask); err != nil {
		return errclass.ErrCPUMaskParse.WithMessage(err.Error())
	}
	c.PublishResOpts(ro)
	return nil
}

// ParseCPUMask parses a hex CPU mask given as comma separated 32-bit
// groups, most significant group first. An empty mask selects no CPU.
func ParseCPUMask(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	groups := strings.Split(s, ",")
	out := make([]uint32, len(groups))
	for i, g := range groups {
		n, err := strconv.ParseUint(strings.TrimPrefix(g, "0x"), 16, 32)
		if err != nil {
			return nil, err
		}
		out[len(groups)-1-i] = uint32(n)
	}
	return out, nil
}
