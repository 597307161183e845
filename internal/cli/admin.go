package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/pkg/color"
)

type target uint8

const (
	targetConn target = iota
	targetMinor
	targetNewMinor
)

// adminCommand describes the command line form of one opcode.
type adminCommand struct {
	op     admin.Opcode
	target target
	short  string
	// switches are boolean attributes exposed as flags.
	switches []string
}

var adminCommands = []adminCommand{
	{op: admin.OpNewConnection, target: targetConn, short: "Create a connection"},
	{op: admin.OpDelConnection, target: targetConn, short: "Delete an unconfigured connection"},
	{op: admin.OpNewMinor, target: targetNewMinor, short: "Create a volume on a connection"},
	{op: admin.OpDelMinor, target: targetMinor, short: "Delete an unused volume"},
	{op: admin.OpDown, target: targetConn, short: "Demote, disconnect, detach and delete a connection"},
	{op: admin.OpPrimary, target: targetMinor, short: "Promote a volume", switches: []string{"assume-uptodate"}},
	{op: admin.OpSecondary, target: targetMinor, short: "Demote a volume"},
	{op: admin.OpAttach, target: targetMinor, short: "Attach a backing device"},
	{op: admin.OpDetach, target: targetMinor, short: "Detach the backing device"},
	{op: admin.OpDiskOpts, target: targetMinor, short: "Change disk options"},
	{op: admin.OpConnect, target: targetConn, short: "Configure the network and start connecting"},
	{op: admin.OpNetOpts, target: targetConn, short: "Change network options"},
	{op: admin.OpDisconnect, target: targetConn, short: "Disconnect from the peer", switches: []string{"force"}},
	{op: admin.OpResize, target: targetMinor, short: "Re-determine the device size", switches: []string{"force", "no-resync"}},
	{op: admin.OpResourceOpts, target: targetConn, short: "Change resource options"},
	{op: admin.OpInvalidate, target: targetMinor, short: "Discard local data and resync from the peer"},
	{op: admin.OpInvalidatePeer, target: targetMinor, short: "Resync the peer from local data"},
	{op: admin.OpPauseSync, target: targetMinor, short: "Pause resync"},
	{op: admin.OpResumeSync, target: targetMinor, short: "Resume resync"},
	{op: admin.OpSuspendIO, target: targetMinor, short: "Suspend application I/O"},
	{op: admin.OpResumeIO, target: targetMinor, short: "Resume application I/O"},
	{op: admin.OpOutdate, target: targetMinor, short: "Mark local data outdated"},
	{op: admin.OpStartVerify, target: targetMinor, short: "Start online verify"},
	{op: admin.OpNewCurrentUUID, target: targetMinor, short: "Generate a new current data generation", switches: []string{"clear-bm"}},
	{op: admin.OpGetTimeoutType, target: targetMinor, short: "Print why the last connection attempt timed out"},
}

// adminFlags are the flags shared by every admin command.
type adminFlags struct {
	set         []string
	switches    map[string]*bool
	size        string
	exclusive   bool
	setDefaults bool
	timeout     time.Duration
}

func (t target) use(op admin.Opcode) (string, cobra.PositionalArgs) {
	switch t {
	case targetConn:
		return string(op) + " <conn>", cobra.ExactArgs(1)
	case targetNewMinor:
		return string(op) + " <conn> <minor> <volume>", cobra.ExactArgs(3)
	default:
		return string(op) + " <minor>", cobra.ExactArgs(1)
	}
}

// buildRequest turns positional arguments and flags into a request.
func buildRequest(ac adminCommand, args []string, f *adminFlags) (*admin.Request, error) {
	req := admin.NewRequest(ac.op)
	req.Exclusive = f.exclusive
	req.SetDefaults = f.setDefaults

	switch ac.target {
	case targetConn:
		req.Conn = args[0]
	case targetNewMinor:
		req.Conn = args[0]
		minor, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid minor %q", args[1])
		}
		vol, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("invalid volume %q", args[2])
		}
		req.Minor, req.Volume = minor, vol
	case targetMinor:
		minor, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid minor %q", args[0])
		}
		req.Minor = minor
	}

	attrs, err := parseAttrs(f.set)
	if err != nil {
		return nil, err
	}
	for name, on := range f.switches {
		if *on {
			attrs[name] = "true"
		}
	}
	if f.size != "" {
		attrs["size"] = f.size
	}
	if len(attrs) > 0 {
		req.Attrs = attrs
	}
	return req, nil
}

// parseAttrs parses key=value pairs.
func parseAttrs(pairs []string) (confstore.Attrs, error) {
	attrs := confstore.Attrs{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func newAdminCommand(ac adminCommand) *cobra.Command {
	f := &adminFlags{switches: map[string]*bool{}}
	use, args := ac.target.use(ac.op)
	cmd := &cobra.Command{
		Use:               use,
		Short:             ac.short,
		Args:              args,
		ValidArgsFunction: completeTarget(ac.target),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(ac, args, f)
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			reply, err := c.Do(ctx, req)
			if err != nil {
				return err
			}
			return printReply(cmd.Context(), reply)
		},
	}
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "set an attribute (key=value, repeatable)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Minute, "give up waiting for the daemon after this long")
	for _, name := range ac.switches {
		f.switches[name] = cmd.Flags().Bool(name, false, "set the "+name+" attribute")
	}
	switch ac.op {
	case admin.OpNewConnection, admin.OpNewMinor:
		cmd.Flags().BoolVar(&f.exclusive, "exclusive", false, "fail if the object already exists")
	case admin.OpDiskOpts, admin.OpNetOpts, admin.OpResourceOpts:
		cmd.Flags().BoolVar(&f.setDefaults, "set-defaults", false, "reset options not given to their defaults")
	case admin.OpResize:
		cmd.Flags().StringVar(&f.size, "size", "", "new size as a byte quantity (e.g. 10Gi)")
	}
	return cmd
}

// printReply reports a reply and converts a failure into the reply's exit
// status.
func printReply(ctx context.Context, reply *admin.Reply) error {
	if jsonOutput {
		if err := outputJSON(reply); err != nil {
			return err
		}
	} else if reply.OK() {
		switch {
		case reply.TimeoutType != "":
			fmt.Println(reply.TimeoutType)
		case reply.Info != "":
			fmt.Printf("%s: %s\n", reply.Op, color.Dim(reply.Info))
		default:
			fmt.Printf("%s: %s\n", reply.Op, color.Success("OK"))
		}
	}
	if reply.OK() {
		return nil
	}

	msg := fmt.Sprintf("%s: %s", reply.Op, reply.Name)
	if reply.Info != "" {
		msg += " (" + reply.Info + ")"
	}
	if hint := suggestFix(ctx, reply); hint != "" {
		msg += "\n" + hint
	}
	return &exitError{code: reply.Exit, err: fmt.Errorf("%s", msg)}
}

func init() {
	for _, ac := range adminCommands {
		rootCmd.AddCommand(newAdminCommand(ac))
	}
}
