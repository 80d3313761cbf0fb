// Package orchestrator maps configured services onto workloads managed by
// the orchestrator and drives redeployments. Workloads are matched by tag:
// a service-identity label plus an environment label. Identities are
// ephemeral and resolved fresh on every discovery call, never cached across
// commands.
package orchestrator

import (
	"context"
)

// Label keys relctl stamps on (and matches against) orchestrator resources.
const (
	ServiceLabel = "relctl.io/service"
	EnvLabel     = "relctl.io/env"
	ReleaseLabel = "relctl.io/release"
)

// Service is one orchestrator-managed workload resolved at discovery time.
type Service struct {
	// ID is the configured service identity carried in the service label.
	ID string
	// Environment is the environment tag the workload carries.
	Environment string
	// Namespace and Name locate the underlying workload.
	Namespace string
	Name      string
	// Image is the workload's current primary image reference.
	Image string
	// Release is the release label currently on the workload, if any.
	Release string
}

// ServiceStatus is one fresh observation of a service's rollout state.
type ServiceStatus struct {
	// Desired and Running count the service's tasks.
	Desired int
	Running int
	// Matching counts running tasks carrying the watched release label.
	Matching int
	// Generations counts distinct task-set generations currently running.
	// More than one means old and new tasks are still mixed.
	Generations int
	// UpToDate is true once the orchestrator has observed the redeploy.
	UpToDate bool
	// Unrecoverable is set when tasks repeatedly fail to start; Reason says
	// why.
	Unrecoverable bool
	Reason        string
}

// Converged reports whether the rollout is complete: the orchestrator has
// observed the change, exactly one task-set generation is running, and every
// running task carries the watched release label.
func (s ServiceStatus) Converged() bool {
	return s.UpToDate &&
		s.Generations <= 1 &&
		s.Running == s.Desired &&
		s.Matching == s.Running
}

// StatusReader is the narrow read surface the deployment watcher polls.
type StatusReader interface {
	// ServiceStatus performs one fresh read of the service's rollout state
	// relative to the given release label. Implementations must not cache
	// results between calls.
	ServiceStatus(ctx context.Context, svc Service, releaseLabel string) (ServiceStatus, error)
}

// API is the orchestrator surface the release core needs.
type API interface {
	StatusReader

	// FindServices resolves the orchestrator workloads whose tags match one
	// of the given service identities and the given environment.
	FindServices(ctx context.Context, serviceIDs []string, environmentID string) ([]Service, error)

	// Redeploy tags the service with the release label and triggers a
	// forced redeployment.
	Redeploy(ctx context.Context, svc Service, releaseLabel string) error
}
