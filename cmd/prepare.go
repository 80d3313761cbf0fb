package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"relctl/internal/release"
	"relctl/internal/watcher"
)

// newPrepareCmd creates the `prepare` command.
func newPrepareCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Create a new release from the current source-label images",
		Long: `Prepare resolves the source label (default "latest") on every configured
image repository and records a new immutable release pinning each repository
to a digest. Nothing is deployed.

When the resolved images are identical to the latest release, no new release
is created and the command succeeds without changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newManager(cmd.Context(), false, watcher.DefaultConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			rel, err := mgr.Prepare(cmd.Context(), label)
			if errors.Is(err, release.ErrNoChanges) {
				// Not an error: the latest release already pins these images.
				fmt.Fprintf(cmd.OutOrStdout(), "%v\n", err)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created release %d (%d images)\n", rel.ID, len(rel.Images))
			for _, img := range rel.Images {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %s\n", img.RepositoryID, img.Digest)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "latest", "source label to resolve on each repository")

	return cmd
}
