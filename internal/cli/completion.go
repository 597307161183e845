package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for replvol.

Connection names and minor numbers are completed from the running daemon.

Bash:
  replvol completion bash > /etc/bash_completion.d/replvol

Zsh:
  replvol completion zsh > "${fpath[1]}/_replvol"

Fish:
  replvol completion fish > ~/.config/fish/completions/replvol.fish

PowerShell:
  replvol completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		shell := args[0]

		var err error
		switch shell {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		default:
			err = fmt.Errorf("unsupported shell type: %s", shell)
		}
		if err != nil {
			return fmt.Errorf("failed to generate completion for %s: %w", shell, err)
		}
		return nil
	},
}

// completeTarget completes the first positional argument of an admin
// command from the daemon's connections or minors.
func completeTarget(t target) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		conns, minors := knownTargets(cmd.Context())
		if t == targetMinor {
			out := make([]string, len(minors))
			for i, m := range minors {
				out[i] = strconv.Itoa(m)
			}
			return out, cobra.ShellCompDirectiveNoFileComp
		}
		return conns, cobra.ShellCompDirectiveNoFileComp
	}
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
