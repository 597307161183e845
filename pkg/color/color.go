// Package color renders replication states for terminals. It respects the
// NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/jvs-project/replvol/pkg/model"
)

var state struct {
	once       sync.Once
	enabled    atomic.Bool
	overridden atomic.Bool
}

// Init decides from the environment and noColor whether to emit escape
// codes. Explicit Enable or Disable calls win over Init.
func Init(noColor bool) {
	state.once.Do(func() {
		if state.overridden.Load() {
			return
		}
		_, off := os.LookupEnv("NO_COLOR")
		off = off || os.Getenv("TERM") == "dumb" || noColor
		state.enabled.Store(!off)
	})
}

// Enabled reports whether output is colored.
func Enabled() bool {
	Init(false)
	return state.enabled.Load()
}

// Disable turns off colored output.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns on colored output.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
)

func paint(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + reset
}

// Error formats an error message in red.
func Error(s string) string { return paint(red, s) }

// Warning formats a warning in yellow.
func Warning(s string) string { return paint(yellow, s) }

// Success formats a success message in green.
func Success(s string) string { return paint(green, s) }

// Header formats a header in bold.
func Header(s string) string { return paint(bold, s) }

// Dim formats secondary information.
func Dim(s string) string { return paint(dim, s) }

// Role renders a role: Primary stands out, Unknown is dimmed.
func Role(r model.Role) string {
	switch r {
	case model.RolePrimary:
		return paint(bold+cyan, r.String())
	case model.RoleUnknown:
		return Dim(r.String())
	}
	return r.String()
}

// Conn renders a connection state. Established links are green, resyncs
// yellow and broken links red.
func Conn(c model.ConnState) string {
	switch {
	case c == model.ConnConnected:
		return Success(c.String())
	case c.IsResyncing() || c.IsVerifying():
		return Warning(c.String())
	case c.IsNetworkError() || c == model.ConnStandAlone:
		return Error(c.String())
	}
	return c.String()
}

// Disk renders a disk state by how much the data can be trusted.
func Disk(d model.DiskState) string {
	switch d {
	case model.DiskUpToDate:
		return Success(d.String())
	case model.DiskConsistent, model.DiskOutdated, model.DiskInconsistent:
		return Warning(d.String())
	case model.DiskFailed:
		return Error(d.String())
	case model.DiskDUnknown, model.DiskDiskless:
		return Dim(d.String())
	}
	return d.String()
}

// Exit renders a reply exit status.
func Exit(ok bool, s string) string {
	if ok {
		return Success(s)
	}
	return Error(s)
}
