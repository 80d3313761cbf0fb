// Package release orchestrates the prepare/deploy/update workflows: it
// assembles immutable release records from registry tag state, promotes
// floating environment tags, finds the affected orchestrator services,
// triggers redeployments and aggregates per-service convergence outcomes.
package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"relctl/internal/model"
	"relctl/internal/orchestrator"
	"relctl/internal/project"
	"relctl/internal/registry"
	"relctl/internal/store"
	"relctl/internal/watcher"
	"relctl/pkg/logging"
)

// Manager drives all release workflows for one project. Release state is
// never stored explicitly: a release's deployment status is always derived
// from deployment records, since one release may be deployed to many
// environments over time.
type Manager struct {
	project  *project.Project
	registry registry.Client
	store    store.ReleaseStore
	orch     orchestrator.API

	watchCfg watcher.Config
	clock    watcher.Clock
	actor    string
}

// Option configures a Manager.
type Option func(*Manager)

// WithWatchConfig sets the confirmation interval/budget for deploy watches.
func WithWatchConfig(cfg watcher.Config) Option {
	return func(m *Manager) { m.watchCfg = cfg }
}

// WithClock injects a clock (tests use a fake one).
func WithClock(c watcher.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithActor overrides the recorded requested-by identity.
func WithActor(actor string) Option {
	return func(m *Manager) { m.actor = actor }
}

// NewManager wires a manager from its collaborators.
func NewManager(p *project.Project, reg registry.Client, st store.ReleaseStore, orch orchestrator.API, opts ...Option) *Manager {
	m := &Manager{
		project:  p,
		registry: reg,
		store:    st,
		orch:     orch,
		watchCfg: watcher.DefaultConfig(),
		clock:    watcher.RealClock(),
		actor:    defaultActor(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultActor() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return name + "@" + host
	}
	return name
}

// EnvTag returns the floating tag for an environment, e.g. "env.stage".
func EnvTag(environmentID string) string {
	return "env." + environmentID
}

// resolveImages resolves sourceLabel across the given repositories and
// builds release entries in configuration order. Repositories without the
// tag are omitted (degraded, not fatal).
func (m *Manager) resolveImages(ctx context.Context, repos []project.ImageRepository, sourceLabel string) ([]model.ReleaseImage, error) {
	names := make([]string, len(repos))
	for i, repo := range repos {
		names[i] = m.project.RepositoryName(repo)
	}

	descriptors, err := m.registry.DescribeMany(ctx, names, sourceLabel)
	if err != nil {
		return nil, err
	}

	var images []model.ReleaseImage
	for i, repo := range repos {
		desc, ok := descriptors[names[i]]
		if !ok {
			logging.Warn("Release", "repository %s has no %q tag, omitting from release", names[i], sourceLabel)
			continue
		}
		images = append(images, model.ReleaseImage{
			RepositoryID: repo.ID,
			Digest:       desc.Digest,
			GitRef:       desc.GitRef,
			SourceTag:    sourceLabel,
		})
	}
	return images, nil
}

// latest returns the project's most recent release, or nil when none exists
// yet. Always a fresh store query.
func (m *Manager) latest(ctx context.Context) (*model.Release, error) {
	rel, err := m.store.LatestRelease(ctx, m.project.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rel, err
}

// Resolve returns the requested release, or the latest one when releaseID
// is zero.
func (m *Manager) Resolve(ctx context.Context, releaseID int64) (*model.Release, error) {
	if releaseID == 0 {
		return m.store.LatestRelease(ctx, m.project.ID)
	}
	return m.store.GetRelease(ctx, m.project.ID, releaseID)
}

func (m *Manager) persistRelease(ctx context.Context, images []model.ReleaseImage, description string) (*model.Release, error) {
	prev, err := m.latest(ctx)
	if err != nil {
		return nil, err
	}

	candidate := &model.Release{
		ProjectID:   m.project.ID,
		CreatedAt:   time.Now().UTC(),
		RequestedBy: m.actor,
		Description: description,
		Images:      images,
	}
	if prev != nil && candidate.SameImages(prev) {
		return nil, fmt.Errorf("%w (latest is release %d)", ErrNoChanges, prev.ID)
	}

	rel, err := m.store.CreateRelease(ctx, candidate)
	if err != nil {
		return nil, err
	}
	logging.Info("Release", "created release %d for project %s (%d images)", rel.ID, rel.ProjectID, len(rel.Images))
	return rel, nil
}

// Prepare resolves sourceLabel on every configured repository and persists a
// new release, unless it would be identical to the latest one.
func (m *Manager) Prepare(ctx context.Context, sourceLabel string) (*model.Release, error) {
	images, err := m.resolveImages(ctx, m.project.ImageRepositories, sourceLabel)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w %q in project %s", ErrNoImages, sourceLabel, m.project.ID)
	}
	return m.persistRelease(ctx, images, fmt.Sprintf("release from %s", sourceLabel))
}

// Update derives a new release from an existing one, re-resolving
// sourceLabel for the repositories owning the given services only. The
// source release is never mutated.
func (m *Manager) Update(ctx context.Context, releaseID int64, serviceIDs []string, sourceLabel string) (*model.Release, error) {
	rel, err := m.Resolve(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	// Validate every service id before touching the registry or the store.
	// A service shared by several repositories targets all of them.
	reposByService := m.project.RepositoriesByService()
	targetRepos := map[string]project.ImageRepository{}
	for _, serviceID := range serviceIDs {
		repoIDs, ok := reposByService[serviceID]
		if !ok {
			return nil, fmt.Errorf("%w %q in project %s", ErrUnknownService, serviceID, m.project.ID)
		}
		for _, repoID := range repoIDs {
			if repo, found := m.project.Repository(repoID); found {
				targetRepos[repo.ID] = repo
			}
		}
	}

	repos := make([]project.ImageRepository, 0, len(targetRepos))
	for _, repo := range m.project.ImageRepositories {
		if _, ok := targetRepos[repo.ID]; ok {
			repos = append(repos, repo)
		}
	}

	resolved, err := m.resolveImages(ctx, repos, sourceLabel)
	if err != nil {
		return nil, err
	}
	replacements := map[string]model.ReleaseImage{}
	for _, img := range resolved {
		replacements[img.RepositoryID] = img
	}
	for id := range targetRepos {
		if _, ok := replacements[id]; !ok {
			return nil, fmt.Errorf("repository %s has no %q tag: %w", id, sourceLabel, registry.ErrTagNotFound)
		}
	}

	// Rebuild in configuration order: replaced entries where targeted,
	// entries carried over from the source release otherwise.
	var images []model.ReleaseImage
	for _, repo := range m.project.ImageRepositories {
		if img, ok := replacements[repo.ID]; ok {
			images = append(images, img)
			continue
		}
		if img, ok := rel.Image(repo.ID); ok {
			images = append(images, img)
		}
	}

	description := fmt.Sprintf("release based on %d, updating %s to %s",
		rel.ID, strings.Join(serviceIDs, ", "), sourceLabel)
	return m.persistRelease(ctx, images, description)
}

// Deploy applies a release (the latest when releaseID is zero) to an
// environment: promotes each repository's env tag, redeploys the affected
// services concurrently and waits for each of them to converge. Per-service
// failures never abort sibling services; the aggregate deployment record is
// persisted either way.
func (m *Manager) Deploy(ctx context.Context, environmentID string, releaseID int64) (*model.Deployment, error) {
	env, err := m.project.Environment(environmentID)
	if err != nil {
		return nil, err
	}

	rel, err := m.Resolve(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	logging.Info("Release", "deploying release %d of %s to %s", rel.ID, m.project.ID, env.ID)

	images := m.promoteAll(ctx, rel, env.ID)

	moved := map[string]bool{}
	for _, img := range images {
		if img.Moved {
			moved[img.RepositoryID] = true
		}
	}

	services, err := m.orch.FindServices(ctx, m.project.ServiceIDs(), env.ID)
	if err != nil {
		return nil, err
	}

	outcomes := m.redeployAll(ctx, rel, services, moved)

	dep := &model.Deployment{
		ProjectID:     m.project.ID,
		ReleaseID:     rel.ID,
		EnvironmentID: env.ID,
		CreatedAt:     time.Now().UTC(),
		RequestedBy:   m.actor,
		Description:   fmt.Sprintf("deploy release %d to %s", rel.ID, env.ID),
		Images:        images,
		Services:      outcomes,
	}

	// Record even when the wait was interrupted: an in-flight deployment
	// must be persisted with its last known status, not dropped.
	recorded, err := m.store.RecordDeployment(context.WithoutCancel(ctx), dep)
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// promoteAll moves every repository's env tag to the release digest.
// Promotions are independent and run concurrently; a failed promotion is
// captured in its slot, not raised.
func (m *Manager) promoteAll(ctx context.Context, rel *model.Release, environmentID string) []model.ImageOutcome {
	destTag := EnvTag(environmentID)
	outcomes := make([]model.ImageOutcome, len(rel.Images))

	var wg sync.WaitGroup
	for i, img := range rel.Images {
		repo, ok := m.project.Repository(img.RepositoryID)
		if !ok {
			// Configured repositories can disappear between prepare and
			// deploy; tolerate the stale entry.
			outcomes[i] = model.ImageOutcome{
				RepositoryID: img.RepositoryID,
				Digest:       img.Digest,
				Tag:          destTag,
				Error:        "repository no longer configured",
			}
			logging.Warn("Release", "release %d references unconfigured repository %s", rel.ID, img.RepositoryID)
			continue
		}

		wg.Add(1)
		go func(i int, img model.ReleaseImage, repoName string) {
			defer wg.Done()
			outcome := model.ImageOutcome{
				RepositoryID: img.RepositoryID,
				Digest:       img.Digest,
				Tag:          destTag,
			}
			result, err := m.registry.Promote(ctx, repoName, img.Digest, destTag)
			if err != nil {
				outcome.Error = err.Error()
				logging.Error("Release", err, "promoting %s:%s", repoName, destTag)
			} else {
				outcome.Moved = result.Moved
			}
			outcomes[i] = outcome
		}(i, img, m.project.RepositoryName(repo))
	}
	wg.Wait()

	return outcomes
}

// redeployAll redeploys and watches every affected service concurrently.
// A service is affected when any repository backing it had its tag moved;
// discovery already deduplicates, so a service referenced by several
// repositories is redeployed at most once.
func (m *Manager) redeployAll(ctx context.Context, rel *model.Release, services []orchestrator.Service, moved map[string]bool) []model.ServiceOutcome {
	reposByService := m.project.RepositoriesByService()

	var affected []orchestrator.Service
	seen := map[string]bool{}
	for _, svc := range services {
		if seen[svc.ID] {
			continue
		}
		seen[svc.ID] = true
		for _, repoID := range reposByService[svc.ID] {
			if moved[repoID] {
				affected = append(affected, svc)
				break
			}
		}
	}
	if len(affected) == 0 {
		logging.Info("Release", "no services to redeploy, every tag already current")
		return nil
	}

	outcomes := make([]model.ServiceOutcome, len(affected))
	var wg sync.WaitGroup
	for i, svc := range affected {
		wg.Add(1)
		go func(i int, svc orchestrator.Service) {
			defer wg.Done()
			outcomes[i] = m.redeployOne(ctx, rel, svc, reposByService[svc.ID])
		}(i, svc)
	}
	wg.Wait()

	return outcomes
}

func (m *Manager) redeployOne(ctx context.Context, rel *model.Release, svc orchestrator.Service, repoIDs []string) model.ServiceOutcome {
	outcome := model.ServiceOutcome{
		ServiceID:     svc.ID,
		PreviousImage: svc.Image,
		Status:        model.StatusPending,
	}
	for _, repoID := range repoIDs {
		if img, ok := rel.Image(repoID); ok {
			if repo, found := m.project.Repository(repoID); found {
				outcome.NewImage = m.project.RepositoryName(repo) + "@" + img.Digest
			}
			break
		}
	}

	if err := m.orch.Redeploy(ctx, svc, rel.Label()); err != nil {
		outcome.Status = model.StatusFailed
		outcome.Detail = err.Error()
		logging.Error("Release", err, "redeploying service %s", svc.ID)
		return outcome
	}

	w := watcher.New(m.orch, svc, rel.Label(), m.watchCfg, m.clock)
	outcome.Status = w.Run(ctx)
	outcome.Detail = w.Detail()
	return outcome
}

// ReleaseDeploy composes Prepare and Deploy on the just-created release as
// one logical operation. A NoChanges abort short-circuits before any deploy
// work starts.
func (m *Manager) ReleaseDeploy(ctx context.Context, environmentID, sourceLabel string) (*model.Release, *model.Deployment, error) {
	rel, err := m.Prepare(ctx, sourceLabel)
	if err != nil {
		return nil, nil, err
	}
	dep, err := m.Deploy(ctx, environmentID, rel.ID)
	return rel, dep, err
}

// ImageRow is one repository's view under a source label, for show-images.
type ImageRow struct {
	RepositoryID string
	Name         string
	Digest       string
	GitRef       string
	PushedAt     time.Time
}

// DescribeImages resolves a label on every configured repository for
// display. Missing tags leave the digest empty rather than failing.
func (m *Manager) DescribeImages(ctx context.Context, label string) ([]ImageRow, error) {
	repos := m.project.ImageRepositories
	names := make([]string, len(repos))
	for i, repo := range repos {
		names[i] = m.project.RepositoryName(repo)
	}
	descriptors, err := m.registry.DescribeMany(ctx, names, label)
	if err != nil {
		return nil, err
	}

	rows := make([]ImageRow, len(repos))
	for i, repo := range repos {
		rows[i] = ImageRow{RepositoryID: repo.ID, Name: names[i]}
		if desc, ok := descriptors[names[i]]; ok {
			rows[i].Digest = desc.Digest
			rows[i].GitRef = desc.GitRef
			rows[i].PushedAt = desc.PushedAt
		}
	}
	return rows, nil
}

// Deployments lists the most recent deployments of the project, optionally
// filtered by environment.
func (m *Manager) Deployments(ctx context.Context, environmentID string, limit int) ([]model.Deployment, error) {
	if environmentID != "" {
		if _, err := m.project.Environment(environmentID); err != nil {
			return nil, err
		}
	}
	return m.store.ListDeployments(ctx, m.project.ID, environmentID, limit)
}

// ConfirmRow is one service's convergence check result.
type ConfirmRow struct {
	ServiceID string
	Converged bool
	Running   int
	Desired   int
	Matching  int
	Reason    string
}

// ConfirmReport is the result of a standalone convergence check of a
// release in an environment.
type ConfirmReport struct {
	ReleaseID     int64
	EnvironmentID string
	Services      []ConfirmRow
}

// Converged reports whether every matched service runs the release.
func (r *ConfirmReport) Converged() bool {
	for _, row := range r.Services {
		if !row.Converged {
			return false
		}
	}
	return true
}

// ConfirmDeploy checks whether a release (the latest when releaseID is
// zero) is fully converged in an environment without triggering anything.
func (m *Manager) ConfirmDeploy(ctx context.Context, environmentID string, releaseID int64) (*ConfirmReport, error) {
	env, err := m.project.Environment(environmentID)
	if err != nil {
		return nil, err
	}
	rel, err := m.Resolve(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	services, err := m.orch.FindServices(ctx, m.project.ServiceIDs(), env.ID)
	if err != nil {
		return nil, err
	}

	report := &ConfirmReport{ReleaseID: rel.ID, EnvironmentID: env.ID}
	for _, svc := range services {
		status, err := m.orch.ServiceStatus(ctx, svc, rel.Label())
		if err != nil {
			report.Services = append(report.Services, ConfirmRow{
				ServiceID: svc.ID,
				Reason:    err.Error(),
			})
			continue
		}
		report.Services = append(report.Services, ConfirmRow{
			ServiceID: svc.ID,
			Converged: status.Converged(),
			Running:   status.Running,
			Desired:   status.Desired,
			Matching:  status.Matching,
			Reason:    status.Reason,
		})
	}
	return report, nil
}
