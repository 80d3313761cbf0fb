// Package publish pushes a locally built image to the registry under its
// immutable ref.<git-sha> tag and points the floating source label at it.
// Building the image is out of scope; publish only ships what the local
// docker daemon already has.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"relctl/internal/project"
	"relctl/internal/registry"
	"relctl/internal/utils"
	"relctl/pkg/logging"
)

// Result reports one published image.
type Result struct {
	LocalImage  string
	RemoteImage string
	RefTag      string
	Promoted    registry.PromoteResult
}

// localTag resolves the tag of the locally built image: the .releases/<id>
// file at the repository root when present, the current git commit
// otherwise.
func localTag(ctx context.Context, repositoryID string) (string, error) {
	root, err := utils.RunCommand(ctx, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("publish: not inside a git repository: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(root, ".releases", repositoryID))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	sha, err := utils.RunCommand(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("publish: resolving HEAD: %w", err)
	}
	return sha, nil
}

// Image publishes one repository's locally built image and promotes the
// source label to it.
func Image(ctx context.Context, p *project.Project, reg registry.Client, repositoryID, label string) (*Result, error) {
	repo, ok := p.Repository(repositoryID)
	if !ok {
		return nil, fmt.Errorf("publish: no repository %q in project %s", repositoryID, p.ID)
	}

	tag, err := localTag(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	name := p.RepositoryName(repo)
	refTag := registry.RefTagPrefix + tag
	local := repositoryID + ":" + tag
	remote := p.Registry + "/" + name + ":" + refTag

	if _, err := utils.RunCommand(ctx, "docker", "tag", local, remote); err != nil {
		return nil, fmt.Errorf("publish: tagging %s: %w", local, err)
	}
	// The remote alias is temporary; drop it whether or not the push worked.
	defer func() {
		if _, err := utils.RunCommand(ctx, "docker", "rmi", remote); err != nil {
			logging.Warn("Publish", "could not remove temporary tag %s: %v", remote, err)
		}
	}()

	if _, err := utils.RunCommand(ctx, "docker", "push", remote); err != nil {
		return nil, fmt.Errorf("publish: pushing %s: %w", remote, err)
	}
	logging.Info("Publish", "pushed %s", remote)

	promoted, err := reg.Promote(ctx, name, refTag, label)
	if err != nil {
		return nil, fmt.Errorf("publish: promoting %s to %s: %w", refTag, label, err)
	}

	return &Result{
		LocalImage:  local,
		RemoteImage: remote,
		RefTag:      refTag,
		Promoted:    promoted,
	}, nil
}
