package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/replvol/internal/lock"
	"github.com/jvs-project/replvol/pkg/config"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the daemon's state directory lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which daemon holds the state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		mgr := lock.NewManager(cfg.StateDir)
		rec, err := lock.Read(mgr.Path())
		if errors.Is(err, os.ErrNotExist) {
			if jsonOutput {
				return outputJSON(map[string]any{"state": "free", "path": mgr.Path()})
			}
			fmt.Printf("%s is not locked\n", cfg.StateDir)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}

		if jsonOutput {
			return outputJSON(map[string]any{"state": "held", "path": mgr.Path(), "holder": rec})
		}
		fmt.Printf("%s is locked\n", cfg.StateDir)
		fmt.Printf("  PID:        %d\n", rec.PID)
		fmt.Printf("  Host:       %s\n", rec.Host)
		fmt.Printf("  Session ID: %s\n", rec.SessionID)
		fmt.Printf("  Purpose:    %s\n", rec.Purpose)
		fmt.Printf("  Since:      %s\n", rec.AcquiredAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd)
	rootCmd.AddCommand(lockCmd)
}
