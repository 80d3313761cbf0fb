package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"relctl/internal/color"
	"relctl/internal/model"
	"relctl/internal/watcher"
)

// newDeployCmd creates the `deploy` command.
func newDeployCmd() *cobra.Command {
	var (
		environment string
		releaseID   int64
		watchCfg    = watcher.DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a release to an environment",
		Long: `Deploy moves each repository's floating environment tag (env.<id>) to the
release's pinned digest, redeploys the services backed by repositories whose
tag actually moved, and waits for each of them to converge.

The command exits non-zero unless every touched service reached STABLE.
Deploying a release that is already current is a successful no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newManager(cmd.Context(), true, watchCfg)
			if err != nil {
				return err
			}
			defer cleanup()

			dep, err := mgr.Deploy(cmd.Context(), environment, releaseID)
			if err != nil {
				return err
			}

			printDeployment(cmd.OutOrStdout(), dep)
			if !dep.Converged() {
				return fmt.Errorf("deployment of release %d to %s did not converge", dep.ReleaseID, dep.EnvironmentID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "environment", "e", "", "environment id to deploy to")
	cmd.Flags().Int64Var(&releaseID, "release-id", 0, "release to deploy (default: the latest release)")
	addWatchFlags(cmd.Flags(), &watchCfg)
	_ = cmd.MarkFlagRequired("environment")

	return cmd
}

// printDeployment renders the per-image and per-service outcomes of one
// deployment.
func printDeployment(w io.Writer, dep *model.Deployment) {
	fmt.Fprintf(w, "Release %d -> %s\n", dep.ReleaseID, dep.EnvironmentID)

	fmt.Fprintln(w, "\nImages:")
	for _, img := range dep.Images {
		switch {
		case img.Error != "":
			fmt.Fprintf(w, "  %-20s %s %s\n", img.RepositoryID, color.Status(model.StatusFailed), color.Muted.Render(img.Error))
		case img.Moved:
			fmt.Fprintf(w, "  %-20s %s -> %s\n", img.RepositoryID, img.Tag, img.Digest)
		default:
			fmt.Fprintf(w, "  %-20s %s %s\n", img.RepositoryID, img.Tag, color.Muted.Render("(unchanged)"))
		}
	}

	if len(dep.Services) == 0 {
		fmt.Fprintln(w, "\nNo services needed a redeploy.")
		return
	}

	fmt.Fprintln(w, "\nServices:")
	for _, svc := range dep.Services {
		line := fmt.Sprintf("  %-20s %s", svc.ServiceID, color.Status(svc.Status))
		if svc.Detail != "" {
			line += " " + color.Muted.Render(svc.Detail)
		}
		fmt.Fprintln(w, line)
	}
}
