package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/pkg/color"
	"github.com/jvs-project/replvol/pkg/model"
)

var statusMinor int

var statusCmd = &cobra.Command{
	Use:   "status [conn]",
	Short: "Show connections and volumes",
	Long: `Show the state of every connection and volume, or of one connection.

Use --minor to show a single volume in detail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if statusMinor >= 0 {
			req := admin.NewRequest(admin.OpGetStatus)
			req.Minor = statusMinor
			reply, err := c.Do(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !reply.OK() || jsonOutput {
				return printReply(cmd.Context(), reply)
			}
			printDetail(os.Stdout, *reply.Status)
			return nil
		}

		conn := ""
		if len(args) == 1 {
			conn = args[0]
		}
		all, err := c.Status(cmd.Context(), conn)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(all)
		}
		if len(all) == 0 {
			fmt.Println("No connections configured.")
			return nil
		}
		printTable(os.Stdout, all)
		return nil
	},
}

func suspendFlags(s model.State) string {
	var out []string
	if s.Susp {
		out = append(out, "user")
	}
	if s.SuspNod {
		out = append(out, "no-data")
	}
	if s.SuspFen {
		out = append(out, "fencing")
	}
	if len(out) == 0 {
		return "-"
	}
	return color.Warning(strings.Join(out, ","))
}

func printTable(w io.Writer, all []admin.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONN\tVOL\tMINOR\tROLE\tCSTATE\tDISK\tSUSPENDED")
	for _, st := range all {
		if st.State == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%s\t-\t-\n", st.Conn, st.ConnState)
			continue
		}
		s := *st.State
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s/%s\t%s\t%s/%s\t%s\n",
			st.Conn, st.Volume, st.Minor,
			color.Role(s.Role), color.Role(s.Peer),
			color.Conn(s.Conn),
			color.Disk(s.Disk), color.Disk(s.PDsk),
			suspendFlags(s))
	}
	tw.Flush()
}

func printDetail(w io.Writer, st admin.Status) {
	fmt.Fprintf(w, "%s %d (volume %d of %s)\n", color.Header("minor"), st.Minor, st.Volume, st.Conn)
	if st.State == nil {
		return
	}
	s := *st.State
	fmt.Fprintf(w, "  role:       %s/%s\n", color.Role(s.Role), color.Role(s.Peer))
	fmt.Fprintf(w, "  connection: %s\n", color.Conn(s.Conn))
	fmt.Fprintf(w, "  disk:       %s/%s\n", color.Disk(s.Disk), color.Disk(s.PDsk))
	fmt.Fprintf(w, "  suspended:  %s\n", suspendFlags(s))
	if s.UserIsp || s.PeerIsp || s.AftrIsp {
		fmt.Fprintf(w, "  sync pause: user=%t peer=%t dependency=%t\n", s.UserIsp, s.PeerIsp, s.AftrIsp)
	}
	if st.DiskConf != nil {
		fmt.Fprintf(w, "  backing:    %s\n", st.DiskConf.BackingDev)
	}
	if st.Capacity > 0 {
		fmt.Fprintf(w, "  capacity:   %d sectors\n", st.Capacity)
	}
	if st.BitsTotal > 0 {
		fmt.Fprintf(w, "  out of sync: %d of %d bits\n", st.BitsOOS, st.BitsTotal)
	}
	if len(st.UUIDs) > 0 {
		parts := make([]string, len(st.UUIDs))
		for i, u := range st.UUIDs {
			parts[i] = fmt.Sprintf("%016X", u)
		}
		fmt.Fprintf(w, "  uuids:      %s\n", color.Dim(strings.Join(parts, ":")))
	}
	if len(st.Flags) > 0 {
		fmt.Fprintf(w, "  flags:      %s\n", strings.Join(st.Flags, ","))
	}
}

func init() {
	statusCmd.Flags().IntVarP(&statusMinor, "minor", "m", -1, "show one volume in detail")
	rootCmd.AddCommand(statusCmd)
}
