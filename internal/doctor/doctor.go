// Package doctor inspects the registered connections and volumes for
// conditions an operator should act on.
package doctor

import (
	"fmt"
	"slices"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/pkg/model"
)

// Severities, in increasing order.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Conn        string `json:"conn,omitempty"`
	Minor       int    `json:"minor"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Checked  int       `json:"checked"`
	Findings []Finding `json:"findings"`
}

// Source lists status entries page by page.
type Source interface {
	StatusAll(cursor registry.Cursor, limit int, conn string) ([]admin.Status, registry.Cursor, bool, error)
}

// pageSize is the number of entries fetched per page.
const pageSize = 64

// Doctor performs health checks.
type Doctor struct {
	src Source
}

// NewDoctor creates a new doctor.
func NewDoctor(src Source) *Doctor {
	return &Doctor{src: src}
}

// Check runs all checks over every entry, or over the entries of conn
// when it is not empty. In strict mode warnings make the result unhealthy.
func (d *Doctor) Check(conn string, strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	var cur registry.Cursor
	for {
		page, next, done, err := d.src.StatusAll(cur, pageSize, conn)
		if err != nil {
			return nil, err
		}
		for _, st := range page {
			result.Checked++
			CheckStatus(result, st)
		}
		if done {
			break
		}
		cur = next
	}

	for _, f := range result.Findings {
		if f.Severity == SeverityCritical || f.Severity == SeverityError ||
			(strict && f.Severity == SeverityWarning) {
			result.Healthy = false
		}
	}
	return result, nil
}

// CheckStatus appends the findings for one entry.
func CheckStatus(result *Result, st admin.Status) {
	add := func(category, severity, format string, args ...any) {
		result.Findings = append(result.Findings, Finding{
			Category:    category,
			Description: fmt.Sprintf(format, args...),
			Severity:    severity,
			Conn:        st.Conn,
			Minor:       st.Minor,
		})
	}

	if st.State == nil {
		if st.NetConf == nil {
			add("config", SeverityInfo, "connection %s has no volumes and no network configuration", st.Conn)
		}
		return
	}
	s := *st.State

	if s.Role == model.RolePrimary && s.Peer == model.RolePrimary &&
		(st.NetConf == nil || !st.NetConf.TwoPrimaries) {
		add("role", SeverityCritical, "both nodes are Primary without two-primaries")
	}
	if s.Role == model.RolePrimary && s.Disk < model.DiskUpToDate && s.PDsk < model.DiskUpToDate {
		add("data", SeverityCritical, "Primary without access to up-to-date data (%s/%s)", s.Disk, s.PDsk)
	}

	switch {
	case s.Disk == model.DiskFailed:
		add("disk", SeverityError, "local disk failed")
	case s.Disk == model.DiskDiskless && st.DiskConf != nil:
		add("disk", SeverityError, "configured disk %s is not attached", st.DiskConf.BackingDev)
	case (s.Disk == model.DiskInconsistent || s.Disk == model.DiskOutdated) && !s.Conn.IsResyncing():
		add("disk", SeverityWarning, "local data is %s and no resync is running", s.Disk)
	}

	if s.Suspended() {
		var why []string
		if s.Susp {
			why = append(why, "user")
		}
		if s.SuspNod {
			why = append(why, "no-data")
		}
		if s.SuspFen {
			why = append(why, "fencing")
		}
		add("io", SeverityWarning, "application I/O is suspended (%v)", why)
	}

	switch {
	case s.Conn == model.ConnStandAlone && st.NetConf == nil && s.Disk > model.DiskDiskless:
		add("network", SeverityInfo, "volume is not configured for replication")
	case s.Conn.IsNetworkError():
		add("network", SeverityWarning, "link to the peer is %s", s.Conn)
	}

	if s.Conn == model.ConnConnected && st.BitsOOS > 0 {
		add("sync", SeverityWarning, "%d bitmap bits out of sync while no resync is running", st.BitsOOS)
	}
	if s.UserIsp {
		add("sync", SeverityInfo, "resync paused by the administrator")
	}
	if slices.Contains(st.Flags, "crashed-primary") {
		add("role", SeverityWarning, "node was Primary when it crashed")
	}
}
