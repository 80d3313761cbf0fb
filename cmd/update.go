package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"relctl/internal/watcher"
)

// newUpdateCmd creates the `update` command.
func newUpdateCmd() *cobra.Command {
	var (
		releaseID int64
		services  []string
		label     string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Derive a new release, re-resolving images for selected services",
		Long: `Update creates a new release based on an existing one (the latest by
default): the repositories backing the given services are re-resolved from
the source label, every other image is carried over unchanged. The source
release is never modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newManager(cmd.Context(), false, watcher.DefaultConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			rel, err := mgr.Update(cmd.Context(), releaseID, services, label)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created release %d: %s\n", rel.ID, rel.Description)
			for _, img := range rel.Images {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %s\n", img.RepositoryID, img.Digest)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&releaseID, "release-id", 0, "release to base the update on (default: the latest release)")
	cmd.Flags().StringSliceVar(&services, "services", nil, "service ids whose images should be re-resolved")
	cmd.Flags().StringVar(&label, "label", "latest", "source label to resolve for the targeted repositories")
	_ = cmd.MarkFlagRequired("services")

	return cmd
}
