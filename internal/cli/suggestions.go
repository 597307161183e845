package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/pkg/color"
	"github.com/jvs-project/replvol/pkg/model"
)

// stateHints are shown when a state change was refused.
var stateHints = map[model.StateResult]string{
	model.SSNoUpToDateDisk:    "Promote with %s if this node's data is known to be good.",
	model.SSTwoPrimaries:      "The peer is Primary; demote it first or allow two primaries in the net options.",
	model.SSDeviceInUse:       "The device is still open; close it before demoting.",
	model.SSNeedConnection:    "Connect to the peer first with %s.",
	model.SSInTransientState:  "The connection is being established; retry with %s to disconnect anyway.",
	model.SSNoLocalDisk:       "Attach a backing device first with %s.",
	model.SSLowerThanOutdated: "Only consistent data can be marked outdated.",
	model.SSResyncRunning:     "Wait for the running resync to finish.",
}

var stateHintCodes = map[model.StateResult]string{
	model.SSNoUpToDateDisk:   "replvol primary --assume-uptodate <minor>",
	model.SSNeedConnection:   "replvol connect <conn>",
	model.SSInTransientState: "replvol disconnect --force <conn>",
	model.SSNoLocalDisk:      "replvol attach --set disk=<device> <minor>",
}

// suggestFix returns a hint for a failed reply, or "".
func suggestFix(ctx context.Context, reply *admin.Reply) string {
	switch reply.Name {
	case "E_MINOR_INVALID":
		return suggestMinors(ctx, reply.Minor)
	case "E_INVALID_REQUEST", "E_CONN_NOT_KNOWN":
		if reply.Conn != "" {
			return suggestConnections(ctx, reply.Conn)
		}
		return ""
	case "E_MANDATORY_TAG":
		return fmt.Sprintf("Run %s to see the accepted options.", color.Dim("replvol "+string(reply.Op)+" --help"))
	}
	if reply.Exit != admin.ExitStateRejected {
		return ""
	}
	rv := model.StateResult(reply.Code)
	hint, ok := stateHints[rv]
	if !ok {
		return ""
	}
	if code, ok := stateHintCodes[rv]; ok {
		return fmt.Sprintf(hint, color.Dim(code))
	}
	return hint
}

// knownTargets lists the connections and minors the daemon knows. Errors
// yield empty lists: hints are best effort.
func knownTargets(ctx context.Context) (conns []string, minors []int) {
	c, err := newClient()
	if err != nil {
		return nil, nil
	}
	all, err := c.Status(ctx, "")
	if err != nil {
		return nil, nil
	}
	seen := map[string]bool{}
	for _, st := range all {
		if !seen[st.Conn] {
			seen[st.Conn] = true
			conns = append(conns, st.Conn)
		}
		if st.Minor != admin.NoMinor {
			minors = append(minors, st.Minor)
		}
	}
	sort.Ints(minors)
	return conns, minors
}

func suggestMinors(ctx context.Context, minor int) string {
	_, minors := knownTargets(ctx)
	if len(minors) == 0 {
		return fmt.Sprintf("No volumes exist yet. Create one with %s.", color.Dim("replvol new-minor <conn> <minor> <volume>"))
	}
	names := make([]string, len(minors))
	for i, m := range minors {
		names[i] = color.Success(strconv.Itoa(m))
	}
	if minor == admin.NoMinor {
		return fmt.Sprintf("Known minors: %s.", strings.Join(names, ", "))
	}
	return fmt.Sprintf("Minor %d does not exist. Known minors: %s.", minor, strings.Join(names, ", "))
}

func suggestConnections(ctx context.Context, name string) string {
	conns, _ := knownTargets(ctx)
	if len(conns) == 0 {
		return ""
	}
	for _, c := range conns {
		if c == name {
			return ""
		}
	}

	var matches []string
	for _, c := range conns {
		if strings.HasPrefix(strings.ToLower(c), strings.ToLower(name)) ||
			strings.Contains(strings.ToLower(c), strings.ToLower(name)) {
			matches = append(matches, color.Success(c))
		}
	}
	if len(matches) > 0 {
		hint := "Did you mean"
		if len(matches) > 1 {
			hint += " one of"
		}
		return fmt.Sprintf("%s: %s?", hint, strings.Join(matches, ", "))
	}
	return fmt.Sprintf("Run %s to see the configured connections.", color.Dim("replvol status"))
}
