package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"relctl/internal/color"
	"relctl/internal/watcher"
)

// newShowImagesCmd creates the `show-images` command.
func newShowImagesCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "show-images",
		Short: "Show what a label resolves to on every repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newManager(cmd.Context(), false, watcher.DefaultConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			rows, err := mgr.DescribeImages(cmd.Context(), label)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tDIGEST\tGIT REF\tPUSHED")
			for _, row := range rows {
				if row.Digest == "" {
					fmt.Fprintf(w, "%s\t%s\t\t\n", row.RepositoryID, color.Muted.Render("(no "+label+" tag)"))
					continue
				}
				pushed := ""
				if !row.PushedAt.IsZero() {
					pushed = row.PushedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row.RepositoryID, row.Digest, row.GitRef, pushed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&label, "label", "latest", "label to resolve on each repository")

	return cmd
}
