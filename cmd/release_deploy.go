package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"relctl/internal/release"
	"relctl/internal/watcher"
)

// newReleaseDeployCmd creates the `release-deploy` command.
func newReleaseDeployCmd() *cobra.Command {
	var (
		environment string
		label       string
		watchCfg    = watcher.DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "release-deploy",
		Short: "Prepare a release and deploy it in one step",
		Long: `Release-deploy runs prepare and then deploys the just-created release to
the given environment. When the prepared images are identical to the latest
release, nothing is deployed and the command succeeds without changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newManager(cmd.Context(), true, watchCfg)
			if err != nil {
				return err
			}
			defer cleanup()

			rel, dep, err := mgr.ReleaseDeploy(cmd.Context(), environment, label)
			if errors.Is(err, release.ErrNoChanges) {
				fmt.Fprintf(cmd.OutOrStdout(), "%v\n", err)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created release %d (%d images)\n\n", rel.ID, len(rel.Images))
			printDeployment(cmd.OutOrStdout(), dep)
			if !dep.Converged() {
				return fmt.Errorf("deployment of release %d to %s did not converge", dep.ReleaseID, dep.EnvironmentID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "environment", "e", "", "environment id to deploy to")
	cmd.Flags().StringVar(&label, "label", "latest", "source label to resolve on each repository")
	addWatchFlags(cmd.Flags(), &watchCfg)
	_ = cmd.MarkFlagRequired("environment")

	return cmd
}
