package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"relctl/internal/orchestrator"
	"relctl/internal/project"
	"relctl/internal/registry"
	"relctl/internal/release"
	"relctl/internal/store"
	"relctl/internal/watcher"
)

const defaultStoreURI = "mongodb://localhost:27017"

// loadProject resolves the --project id against the descriptor. Every
// command validates configuration here, before touching any external API.
func loadProject() (*project.Project, error) {
	if flagProject == "" {
		return nil, fmt.Errorf("--project is required")
	}
	path := flagDescriptor
	if path == "" {
		path = project.DefaultDescriptorPath
	}
	list, err := project.FromPath(path)
	if err != nil {
		return nil, err
	}
	return list.Load(flagProject)
}

// newRegistryClient builds the registry client for a project. Credentials
// come from the execution environment.
func newRegistryClient(p *project.Project) registry.Client {
	var opts []registry.HTTPClientOption
	if user := os.Getenv("RELCTL_REGISTRY_USER"); user != "" {
		opts = append(opts, registry.WithBasicAuth(user, os.Getenv("RELCTL_REGISTRY_PASSWORD")))
	}
	return registry.NewHTTPClient(p.Registry, opts...)
}

// newStore opens the release store selected by flags. The returned cleanup
// must run before process exit.
func newStore(ctx context.Context) (store.ReleaseStore, func(), error) {
	if flagMemoryStore {
		return store.NewMemoryStore(), func() {}, nil
	}

	uri := flagMongoURI
	if uri == "" {
		uri = os.Getenv("RELCTL_STORE_URI")
	}
	if uri == "" {
		uri = defaultStoreURI
	}

	s, err := store.NewMongoStore(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	}
	return s, cleanup, nil
}

// newManager assembles a release manager. needOrchestrator is false for
// commands that never talk to the cluster (prepare, update, show-*).
func newManager(ctx context.Context, needOrchestrator bool, watchCfg watcher.Config) (*release.Manager, func(), error) {
	p, err := loadProject()
	if err != nil {
		return nil, nil, err
	}

	st, cleanup, err := newStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	var orch orchestrator.API
	if needOrchestrator {
		orch, err = orchestrator.NewK8sFromKubeconfig()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	watchCfg.Verbose = watchCfg.Verbose || flagVerbose
	mgr := release.NewManager(p, newRegistryClient(p), st, orch,
		release.WithWatchConfig(watchCfg))
	return mgr, cleanup, nil
}

// addWatchFlags registers the confirmation timing flags shared by the
// deploying commands.
func addWatchFlags(set *pflag.FlagSet, cfg *watcher.Config) {
	def := watcher.DefaultConfig()
	set.DurationVar(&cfg.WaitFor, "confirmation-wait", def.WaitFor, "how long to wait for each service to converge")
	set.DurationVar(&cfg.Interval, "confirmation-interval", def.Interval, "how often to poll the orchestrator while waiting")
}
