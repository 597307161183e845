package admin

import (
	"context"

	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/internal/resource"
	"github.com/jvs-project/replvol/pkg/model"
)

// Status is a snapshot of one volume, or of a connection without volumes.
type Status struct {
	Conn      string          `json:"conn"`
	Volume    int             `json:"volume"`
	Minor     int             `json:"minor"`
	ConnState string          `json:"conn_state"`
	State     *model.State    `json:"state,omitempty"`
	ResOpts   *model.ResOpts  `json:"resource_options,omitempty"`
	NetConf   *model.NetConf  `json:"net_options,omitempty"`
	DiskConf  *model.DiskConf `json:"disk_options,omitempty"`
	Flags     []string        `json:"flags,omitempty"`
	EDUUID    uint64          `json:"ed_uuid,omitempty"`
	Capacity  uint64          `json:"capacity"`
	DiskFlags string          `json:"disk_flags,omitempty"`
	UUIDs     []uint64        `json:"uuids,omitempty"`
	BitsTotal uint64          `json:"bits_total,omitempty"`
	BitsOOS   uint64          `json:"bits_oos,omitempty"`
}

func buildStatus(c *resource.Connection, v *resource.Volume) Status {
	st := Status{
		Conn:      c.Name(),
		Volume:    NoVolume,
		Minor:     NoMinor,
		ConnState: c.ConnState().String(),
		ResOpts:   c.ResOpts(),
		NetConf:   c.Net(),
	}
	if v == nil {
		return st
	}

	s := v.State()
	st.Volume = v.Number()
	st.Minor = v.Minor()
	st.State = &s
	st.DiskConf = v.DiskConf()
	st.Flags = v.FlagNames()
	st.EDUUID = v.ExposedUUID()
	st.Capacity = v.Capacity()

	if ldev := v.GetLdev(model.DiskNegotiating); ldev != nil {
		u := ldev.UUIDs()
		st.UUIDs = u[:]
		st.DiskFlags = ldev.Flags().String()
		v.PutLdev()
	}
	if bm := v.Bitmap(); bm != nil {
		st.BitsTotal = bm.Bits()
		st.BitsOOS = bm.Weight()
	}
	return st
}

func (d *Dispatcher) getStatus(ctx context.Context, rc *reqCtx) error {
	st := buildStatus(rc.c, rc.v)
	rc.reply.Status = &st
	return nil
}

func (d *Dispatcher) getTimeoutType(ctx context.Context, rc *reqCtx) error {
	switch {
	case rc.v.State().PDsk == model.DiskOutdated:
		rc.reply.TimeoutType = "peer-outdated"
	case rc.v.Test(resource.FlagUseDegrWfcT):
		rc.reply.TimeoutType = "degraded"
	default:
		rc.reply.TimeoutType = "default"
	}
	return nil
}

// StatusAll returns up to limit entries starting at cursor, optionally
// restricted to one connection, together with the cursor to continue from
// and whether the listing is complete. The volume gauge is refreshed on
// every complete unfiltered listing.
func (d *Dispatcher) StatusAll(cursor registry.Cursor, limit int, conn string) ([]Status, registry.Cursor, bool, error) {
	entries, next, done, err := d.reg.Dump(cursor, limit, conn)
	if err != nil {
		return nil, cursor, true, err
	}
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, buildStatus(e.Conn, e.Volume))
	}
	if done && conn == "" && cursor == (registry.Cursor{}) {
		d.refreshVolumeGauge()
	}
	return out, next, done, nil
}

func (d *Dispatcher) refreshVolumeGauge() {
	byDisk := make(map[string]int)
	for _, c := range d.reg.Connections() {
		for _, v := range c.Volumes() {
			byDisk[v.State().Disk.String()]++
		}
	}
	d.met.SetVolumes(byDisk)
}
