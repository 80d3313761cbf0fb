package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"relctl/internal/color"
	"relctl/internal/watcher"
)

// newConfirmDeployCmd creates the `confirm-deploy` command.
func newConfirmDeployCmd() *cobra.Command {
	var (
		environment string
		releaseID   int64
	)

	cmd := &cobra.Command{
		Use:   "confirm-deploy",
		Short: "Check whether a release is fully converged in an environment",
		Long: `Confirm-deploy inspects the environment's services once, without
triggering anything, and reports whether every service runs the release.
It exits non-zero when any service has not converged, which makes it usable
as a gate in scripts and pipelines.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newManager(cmd.Context(), true, watcher.DefaultConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := mgr.ConfirmDeploy(cmd.Context(), environment, releaseID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Release %d in %s:\n", report.ReleaseID, report.EnvironmentID)
			for _, row := range report.Services {
				state := color.Success.Render("converged")
				if !row.Converged {
					state = color.Error.Render("not converged")
				}
				line := fmt.Sprintf("  %-20s %s (%d/%d running, %d matching)",
					row.ServiceID, state, row.Running, row.Desired, row.Matching)
				if row.Reason != "" {
					line += " " + color.Muted.Render(row.Reason)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			if !report.Converged() {
				return fmt.Errorf("release %d is not fully converged in %s", report.ReleaseID, report.EnvironmentID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "environment", "e", "", "environment id to check")
	cmd.Flags().Int64Var(&releaseID, "release-id", 0, "release to check (default: the latest release)")
	_ = cmd.MarkFlagRequired("environment")

	return cmd
}
