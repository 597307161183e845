package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jvs-project/replvol/pkg/client"
	"github.com/jvs-project/replvol/pkg/color"
	"github.com/jvs-project/replvol/pkg/config"
)

var (
	jsonOutput bool
	noColor    bool
	configPath string
	daemonAddr string
	rootCmd    = &cobra.Command{
		Use:   "replvol",
		Short: "replvol - replicated block volume control plane",
		Long: `replvol manages replicated block volumes. A daemon owns the state of
every connection and volume; the other commands send administrative
requests to it and report the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "daemon configuration file")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon address (default: listen address from the configuration)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(exitCode(err))
	}
}

// exitError carries a specific process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if e, ok := err.(*exitError); ok {
		return e.code
	}
	return 1
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	prefix := "replvol: "
	if color.Enabled() {
		prefix = color.Error("replvol:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}

// newClient returns a client for the daemon named by --addr, or by the
// listen address of the configuration file.
func newClient() (*client.Client, error) {
	addr := daemonAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.Listen
	}
	return client.New(addr), nil
}
