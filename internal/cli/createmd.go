package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/replvol/internal/attach"
	"github.com/jvs-project/replvol/internal/backing"
	"github.com/jvs-project/replvol/pkg/color"
	"github.com/jvs-project/replvol/pkg/model"
	"github.com/jvs-project/replvol/pkg/pathutil"
)

var (
	createMDMeta      string
	createMDIndex     int
	createMDALExtents int
)

var createMDCmd = &cobra.Command{
	Use:   "create-md <backing-device>",
	Short: "Write fresh metadata to a backing device",
	Long: `Write fresh metadata for a volume backed by the given device.

Without --meta-disk the metadata is placed at the end of the backing device.
Any existing metadata is overwritten. The device must not be attached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pathutil.ValidateDevicePath(args[0]); err != nil {
			return err
		}
		if createMDMeta != "" {
			if err := pathutil.ValidateDevicePath(createMDMeta); err != nil {
				return err
			}
		}
		if err := attach.CreateMD(backing.NewFileOpener(), args[0], createMDMeta, createMDIndex, createMDALExtents); err != nil {
			return fmt.Errorf("create-md: %w", err)
		}

		out := map[string]any{"backing": args[0], "meta": createMDMeta, "index": createMDIndex}
		if jsonOutput {
			return outputJSON(out)
		}
		fmt.Printf("%s metadata written to %s\n", color.Success("OK"), args[0])
		return nil
	},
}

func init() {
	createMDCmd.Flags().StringVar(&createMDMeta, "meta-disk", "", "external metadata device")
	createMDCmd.Flags().IntVar(&createMDIndex, "meta-index", model.MetaIndexInternal, "metadata index on the meta device")
	createMDCmd.Flags().IntVar(&createMDALExtents, "al-extents", model.DefaultDiskConf().ALExtents, "activity log extents")
	rootCmd.AddCommand(createMDCmd)
}
