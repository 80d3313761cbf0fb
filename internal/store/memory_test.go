package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relctl/internal/model"
)

func testRelease(projectID string, digest string) *model.Release {
	return &model.Release{
		ProjectID:   projectID,
		CreatedAt:   time.Now().UTC(),
		RequestedBy: "tester@example",
		Images: []model.ReleaseImage{
			{RepositoryID: "api", Digest: digest, SourceTag: "latest"},
		},
	}
}

func TestCreateReleaseAllocatesMonotonicIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.CreateRelease(ctx, testRelease("catalogue", "sha256:aaa"))
	require.NoError(t, err)
	second, err := s.CreateRelease(ctx, testRelease("catalogue", "sha256:bbb"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)

	// Sequences are per project.
	other, err := s.CreateRelease(ctx, testRelease("other", "sha256:ccc"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.ID)
}

func TestCreateReleaseDoesNotMutateInput(t *testing.T) {
	s := NewMemoryStore()
	rel := testRelease("catalogue", "sha256:aaa")

	stored, err := s.CreateRelease(context.Background(), rel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ID)
	assert.Equal(t, int64(0), rel.ID, "the caller's release must stay untouched")
}

func TestCreateReleaseSurvivesSequenceCollisions(t *testing.T) {
	s := NewMemoryStore()
	s.FailPutAttempts = 2

	rel, err := s.CreateRelease(context.Background(), testRelease("catalogue", "sha256:aaa"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rel.ID, "two sequences lost to concurrent writers, third attempt wins")
}

func TestCreateReleaseExhaustsRetries(t *testing.T) {
	s := NewMemoryStore()
	s.FailPutAttempts = maxSequenceAttempts

	_, err := s.CreateRelease(context.Background(), testRelease("catalogue", "sha256:aaa"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestGetAndLatestRelease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LatestRelease(ctx, "catalogue")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateRelease(ctx, testRelease("catalogue", "sha256:aaa"))
	require.NoError(t, err)
	_, err = s.CreateRelease(ctx, testRelease("catalogue", "sha256:bbb"))
	require.NoError(t, err)

	latest, err := s.LatestRelease(ctx, "catalogue")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.ID)
	assert.Equal(t, "sha256:bbb", latest.Images[0].Digest)

	got, err := s.GetRelease(ctx, "catalogue", 1)
	require.NoError(t, err)
	assert.Equal(t, "sha256:aaa", got.Images[0].Digest)

	_, err = s.GetRelease(ctx, "catalogue", 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListDeploymentsFiltersAndOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, env := range []string{"stage", "prod", "stage"} {
		_, err := s.RecordDeployment(ctx, &model.Deployment{
			ProjectID:     "catalogue",
			ReleaseID:     int64(i + 1),
			EnvironmentID: env,
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err := s.RecordDeployment(ctx, &model.Deployment{
		ProjectID:     "other",
		EnvironmentID: "stage",
		CreatedAt:     base,
	})
	require.NoError(t, err)

	all, err := s.ListDeployments(ctx, "catalogue", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ReleaseID, "newest first")

	stage, err := s.ListDeployments(ctx, "catalogue", "stage", 0)
	require.NoError(t, err)
	require.Len(t, stage, 2)

	limited, err := s.ListDeployments(ctx, "catalogue", "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(3), limited[0].ReleaseID)
}
