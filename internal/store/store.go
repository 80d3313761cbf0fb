// Package store persists release and deployment records. Releases are
// append-mostly and immutable once written; deployments are append-only.
// Two implementations exist: MongoDB for real use and an in-memory store
// for tests and dry runs.
package store

import (
	"context"
	"errors"

	"relctl/internal/model"
)

// ErrNotFound is returned when a release (or latest release) does not exist.
var ErrNotFound = errors.New("store: release not found")

// ErrConflict is returned when sequence allocation keeps colliding with
// concurrent writers after bounded retries. Fatal to the command.
var ErrConflict = errors.New("store: release sequence conflict")

// maxSequenceAttempts bounds the retry loop around conditional sequence
// allocation before CreateRelease gives up with ErrConflict.
const maxSequenceAttempts = 5

// ReleaseStore is the durable record of releases and deployments.
type ReleaseStore interface {
	// CreateRelease allocates the next sequence number for the release's
	// project via a conditional write and persists it. The input's ID field
	// is ignored; the stored release is returned with its allocated ID.
	CreateRelease(ctx context.Context, rel *model.Release) (*model.Release, error)

	// GetRelease returns one release by id. ErrNotFound if absent.
	GetRelease(ctx context.Context, projectID string, releaseID int64) (*model.Release, error)

	// LatestRelease returns the most recent release by sequence.
	// ErrNotFound if the project has no releases yet.
	LatestRelease(ctx context.Context, projectID string) (*model.Release, error)

	// RecordDeployment appends an immutable deployment record.
	RecordDeployment(ctx context.Context, dep *model.Deployment) (*model.Deployment, error)

	// ListDeployments returns deployments for a project, most recent first.
	// environmentID filters when non-empty; limit caps the result.
	ListDeployments(ctx context.Context, projectID, environmentID string, limit int) ([]model.Deployment, error)
}
