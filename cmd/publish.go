package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"relctl/internal/publish"
)

// newPublishCmd creates the `publish` command.
func newPublishCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "publish REPOSITORY",
		Short: "Push a locally built image and point the source label at it",
		Long: `Publish pushes the locally built image of one repository to the registry
under its immutable ref.<git-sha> tag, then moves the source label (default
"latest") to it. The git sha is read from .releases/<repository> at the git
root when present, otherwise from HEAD.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}

			res, err := publish.Image(cmd.Context(), p, newRegistryClient(p), args[0], label)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s\n", res.RemoteImage)
			fmt.Fprintf(cmd.OutOrStdout(), "Label %s -> %s\n", label, res.Promoted.Digest)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "latest", "source label to point at the pushed image")

	return cmd
}
