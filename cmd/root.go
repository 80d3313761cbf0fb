package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"relctl/internal/color"
	"relctl/pkg/logging"
)

var (
	flagDescriptor  string
	flagProject     string
	flagVerbose     bool
	flagMongoURI    string
	flagMemoryStore bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relctl",
	Short: "Release container images through tag-addressed environments",
	Long: `relctl promotes container images through named deployment environments
in a container registry and reconciles the running services to match.

A release pins every configured image repository to an immutable digest;
deploying a release moves the environment's floating tags (env.stage,
env.prod, ...) and redeploys the affected services, waiting until the
rollout converges.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid arguments, failed deployments)
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if flagVerbose {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stderr)
		color.Initialize(lipgloss.HasDarkBackground())
	},
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// signalContext returns a context cancelled on interrupt. Cancellation during
// a deploy stops the watchers without undoing the redeploy; the deployment
// record is still persisted with the last observed per-service status.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "relctl version %s\n" .Version}}`)

	ctx, stop := signalContext()
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDescriptor, "file", "f", "", "path to the project descriptor (default .relctl/projects.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "project id from the descriptor")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging and per-tick watch progress")
	rootCmd.PersistentFlags().StringVar(&flagMongoURI, "store-uri", "", "release store MongoDB URI (default $RELCTL_STORE_URI or mongodb://localhost:27017)")
	rootCmd.PersistentFlags().BoolVar(&flagMemoryStore, "memory-store", false, "use an in-process release store (dry runs only, nothing survives the process)")

	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newPrepareCmd())
	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newReleaseDeployCmd())
	rootCmd.AddCommand(newShowImagesCmd())
	rootCmd.AddCommand(newShowDeploymentsCmd())
	rootCmd.AddCommand(newConfirmDeployCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
