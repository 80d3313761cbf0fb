package project

import (
	"fmt"
	"strings"
)

// ConfigError indicates a malformed or missing project descriptor. It is
// fatal and raised before any orchestration begins.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("project config: %s", e.Reason)
}

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Service names one orchestrator-managed workload backed by an image
// repository. Only the id is configured; the concrete workload is resolved
// at discovery time by tag matching, never statically.
type Service struct {
	ID string `yaml:"id"`
}

// ImageRepository declares one registry repository and the services it backs.
// The namespace may override the project-wide default.
type ImageRepository struct {
	ID        string    `yaml:"id"`
	Namespace string    `yaml:"namespace,omitempty"`
	Services  []Service `yaml:"services,omitempty"`
}

// Environment is a named tag namespace: deploying to environment "stage"
// moves the env.stage floating tag.
type Environment struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Project is the static, immutable configuration of one deployable project.
// It is loaded once per process from the project descriptor.
type Project struct {
	ID                string            `yaml:"-"`
	Name              string            `yaml:"name"`
	Registry          string            `yaml:"registry"`
	Namespace         string            `yaml:"namespace,omitempty"`
	Environments      []Environment     `yaml:"environments"`
	ImageRepositories []ImageRepository `yaml:"image_repositories"`
}

// Environment returns the environment with the given id.
func (p *Project) Environment(environmentID string) (Environment, error) {
	for _, env := range p.Environments {
		if env.ID == environmentID {
			return env, nil
		}
	}
	return Environment{}, configErrorf("unknown environment %q in project %q", environmentID, p.ID)
}

// Repository returns the image repository with the given id.
func (p *Project) Repository(repositoryID string) (ImageRepository, bool) {
	for _, repo := range p.ImageRepositories {
		if repo.ID == repositoryID {
			return repo, true
		}
	}
	return ImageRepository{}, false
}

// RepositoryName returns the registry-side name for a repository,
// e.g. "acme/api" for repository "api" under namespace "acme".
func (p *Project) RepositoryName(repo ImageRepository) string {
	ns := repo.Namespace
	if ns == "" {
		ns = p.Namespace
	}
	if ns == "" {
		return repo.ID
	}
	return ns + "/" + repo.ID
}

// ServiceIDs returns every configured service id, in repository declaration
// order.
func (p *Project) ServiceIDs() []string {
	var ids []string
	for _, repo := range p.ImageRepositories {
		for _, svc := range repo.Services {
			ids = append(ids, svc.ID)
		}
	}
	return ids
}

// RepositoriesByService maps each configured service id to the repository ids
// that reference it. A service referenced by more than one repository is
// still redeployed at most once per deploy.
func (p *Project) RepositoriesByService() map[string][]string {
	out := make(map[string][]string)
	for _, repo := range p.ImageRepositories {
		for _, svc := range repo.Services {
			out[svc.ID] = append(out[svc.ID], repo.ID)
		}
	}
	return out
}

func (p *Project) validate() error {
	if p.Registry == "" {
		return configErrorf("project %q has no registry endpoint", p.ID)
	}
	if len(p.ImageRepositories) == 0 {
		return configErrorf("project %q declares no image repositories", p.ID)
	}

	seenEnvs := map[string]bool{}
	for _, env := range p.Environments {
		if env.ID == "" {
			return configErrorf("project %q has an environment without an id", p.ID)
		}
		if seenEnvs[env.ID] {
			return configErrorf("duplicate environment id %q in project %q", env.ID, p.ID)
		}
		seenEnvs[env.ID] = true
	}

	seenRepos := map[string]bool{}
	for _, repo := range p.ImageRepositories {
		if repo.ID == "" {
			return configErrorf("project %q has an image repository without an id", p.ID)
		}
		if seenRepos[repo.ID] {
			return configErrorf("duplicate repository id %q in project %q", repo.ID, p.ID)
		}
		seenRepos[repo.ID] = true

		perRepo := map[string]bool{}
		for _, svc := range repo.Services {
			if svc.ID == "" {
				return configErrorf("repository %q has a service without an id", repo.ID)
			}
			if perRepo[svc.ID] {
				return configErrorf("duplicate service id %q in repository %q", svc.ID, repo.ID)
			}
			perRepo[svc.ID] = true
		}
	}

	if strings.Contains(p.Registry, "://") {
		return configErrorf("registry endpoint %q must be a host, not a URL", p.Registry)
	}

	return nil
}
