package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"relctl/internal/model"
	"relctl/internal/watcher"
)

// newShowDeploymentsCmd creates the `show-deployments` command.
func newShowDeploymentsCmd() *cobra.Command {
	var (
		environment string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "show-deployments",
		Short: "Show the project's most recent deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newManager(cmd.Context(), false, watcher.DefaultConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			deps, err := mgr.Deployments(cmd.Context(), environment, limit)
			if err != nil {
				return err
			}
			if len(deps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No deployments recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tRELEASE\tENVIRONMENT\tREQUESTED BY\tOUTCOME")
			for _, dep := range deps {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					dep.CreatedAt.Local().Format("2006-01-02 15:04"),
					dep.ReleaseID, dep.EnvironmentID, dep.RequestedBy, deploymentOutcome(&dep))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&environment, "environment", "e", "", "only show deployments to this environment")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of deployments to show")

	return cmd
}

func deploymentOutcome(dep *model.Deployment) string {
	if dep.Converged() {
		if len(dep.Services) == 0 {
			return "no-op"
		}
		return fmt.Sprintf("%d services stable", len(dep.Services))
	}
	unstable := 0
	for _, svc := range dep.Services {
		if svc.Status != model.StatusStable {
			unstable++
		}
	}
	failedImages := 0
	for _, img := range dep.Images {
		if img.Error != "" {
			failedImages++
		}
	}
	switch {
	case unstable > 0 && failedImages > 0:
		return fmt.Sprintf("%d services unstable, %d promotions failed", unstable, failedImages)
	case failedImages > 0:
		return fmt.Sprintf("%d promotions failed", failedImages)
	default:
		return fmt.Sprintf("%d of %d services unstable", unstable, len(dep.Services))
	}
}
