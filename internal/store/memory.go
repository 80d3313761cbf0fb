package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"relctl/internal/model"
)

// MemoryStore keeps releases and deployments in process memory. It
// implements the same conditional-put semantics as the Mongo store so the
// manager's retry behaviour can be exercised without a database.
type MemoryStore struct {
	mu          sync.Mutex
	releases    map[string]*model.Release // key: projectID/sequence
	deployments []model.Deployment

	// FailPutAttempts makes the next N conditional puts collide, for
	// exercising the sequence-retry path in tests.
	FailPutAttempts int
}

// NewMemoryStore returns an empty in-memory release store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		releases: make(map[string]*model.Release),
	}
}

var _ ReleaseStore = (*MemoryStore)(nil)

func releaseKey(projectID string, releaseID int64) string {
	return fmt.Sprintf("%s/%012d", projectID, releaseID)
}

func (s *MemoryStore) latestSequenceLocked(projectID string) int64 {
	var max int64
	for _, rel := range s.releases {
		if rel.ProjectID == projectID && rel.ID > max {
			max = rel.ID
		}
	}
	return max
}

// CreateRelease implements ReleaseStore.
func (s *MemoryStore) CreateRelease(ctx context.Context, rel *model.Release) (*model.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		seq := s.latestSequenceLocked(rel.ProjectID) + 1
		key := releaseKey(rel.ProjectID, seq)
		if _, exists := s.releases[key]; exists {
			continue
		}
		if s.FailPutAttempts > 0 {
			s.FailPutAttempts--
			// Simulate a concurrent writer taking this sequence.
			s.releases[key] = &model.Release{ProjectID: rel.ProjectID, ID: seq}
			continue
		}

		stored := *rel
		stored.ID = seq
		stored.Images = append([]model.ReleaseImage(nil), rel.Images...)
		s.releases[key] = &stored

		out := stored
		return &out, nil
	}
	return nil, ErrConflict
}

// GetRelease implements ReleaseStore.
func (s *MemoryStore) GetRelease(ctx context.Context, projectID string, releaseID int64) (*model.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := s.releases[releaseKey(projectID, releaseID)]
	if !ok {
		return nil, fmt.Errorf("release %d for project %s: %w", releaseID, projectID, ErrNotFound)
	}
	out := *rel
	return &out, nil
}

// LatestRelease implements ReleaseStore.
func (s *MemoryStore) LatestRelease(ctx context.Context, projectID string) (*model.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.latestSequenceLocked(projectID)
	if seq == 0 {
		return nil, fmt.Errorf("no releases for project %s: %w", projectID, ErrNotFound)
	}
	out := *s.releases[releaseKey(projectID, seq)]
	return &out, nil
}

// RecordDeployment implements ReleaseStore.
func (s *MemoryStore) RecordDeployment(ctx context.Context, dep *model.Deployment) (*model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *dep
	stored.Images = append([]model.ImageOutcome(nil), dep.Images...)
	stored.Services = append([]model.ServiceOutcome(nil), dep.Services...)
	s.deployments = append(s.deployments, stored)

	out := stored
	return &out, nil
}

// ListDeployments implements ReleaseStore.
func (s *MemoryStore) ListDeployments(ctx context.Context, projectID, environmentID string, limit int) ([]model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = defaultDeploymentLimit
	}

	var out []model.Deployment
	for _, dep := range s.deployments {
		if dep.ProjectID != projectID {
			continue
		}
		if environmentID != "" && dep.EnvironmentID != environmentID {
			continue
		}
		out = append(out, dep)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
