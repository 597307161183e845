package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/pkg/config"
	"github.com/jvs-project/replvol/pkg/model"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Inspect daemon configuration",
	Long: `Inspect the daemon configuration file and the per-volume option names.

Available commands:
  show              - Show the effective daemon configuration
  validate          - Check the configuration file
  options           - List the option names accepted by --set`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Show the daemon configuration with defaults filled in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cfg)
		}
		fmt.Printf("# replvol configuration\n# Location: %s\n\n", configPath)
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Printf("%s is valid\n", configPath)
		return nil
	},
}

var configOptionsCmd = &cobra.Command{
	Use:   "options",
	Short: "List option names",
	Long: `List the option names accepted by --set for disk-options/attach,
net-options/connect and resource-options.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := map[string][]string{
			"disk":     confstore.OptionNames[model.DiskConf](),
			"net":      confstore.OptionNames[model.NetConf](),
			"resource": confstore.OptionNames[model.ResOpts](),
		}
		if jsonOutput {
			return outputJSON(opts)
		}
		for _, kind := range []string{"disk", "net", "resource"} {
			fmt.Printf("%s:\n", kind)
			for _, n := range opts[kind] {
				fmt.Printf("  %s\n", n)
			}
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configOptionsCmd)
	rootCmd.AddCommand(configCmd)
}
