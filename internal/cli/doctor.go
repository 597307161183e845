package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/replvol/internal/doctor"
	"github.com/jvs-project/replvol/pkg/color"
)

var (
	doctorStrict bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor [conn]",
	Short: "Check volume health",
	Long: `Check volume health.

Runs diagnostic checks on every connection and volume, or on those of one
connection, and reports conditions an operator should act on.
Use --strict to treat warnings as failures.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		conn := ""
		if len(args) == 1 {
			conn = args[0]
		}
		result, err := c.Doctor(cmd.Context(), conn, doctorStrict)
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}

		if jsonOutput {
			if err := outputJSON(result); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			fmt.Printf("%d volumes checked, all healthy.\n", result.Checked)
		} else {
			fmt.Printf("Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				where := f.Conn
				if f.Minor >= 0 {
					where = fmt.Sprintf("%s/%d", f.Conn, f.Minor)
				}
				fmt.Printf("  [%s] %s %s: %s\n", severity(f.Severity), where, f.Category, f.Description)
			}
		}

		if !result.Healthy {
			return &exitError{code: 1, err: fmt.Errorf("unhealthy")}
		}
		return nil
	},
}

func severity(s string) string {
	switch s {
	case doctor.SeverityCritical, doctor.SeverityError:
		return color.Error(s)
	case doctor.SeverityWarning:
		return color.Warning(s)
	default:
		return color.Dim(s)
	}
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "treat warnings as failures")
	rootCmd.AddCommand(doctorCmd)
}
