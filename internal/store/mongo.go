package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"k8s.io/apimachinery/pkg/util/wait"

	"relctl/internal/model"
	"relctl/pkg/logging"
)

const (
	defaultDatabase        = "relctl"
	releasesCollection     = "releases"
	deploymentsCollection  = "deployments"
	mongoConnectTimeout    = 5 * time.Second
	defaultDeploymentLimit = 10
)

// sequenceBackoff paces retries when two writers race for the same release
// sequence number.
var sequenceBackoff = wait.Backoff{
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.2,
	Steps:    maxSequenceAttempts,
}

// MongoStore is the durable ReleaseStore backed by MongoDB. The release _id
// is the deterministic "<project>/<sequence>" key, so inserting an already
// allocated sequence fails with a duplicate-key error. That is the only
// mutual exclusion the system needs.
type MongoStore struct {
	client      *mongo.Client
	releases    *mongo.Collection
	deployments *mongo.Collection
}

var _ ReleaseStore = (*MongoStore)(nil)

// NewMongoStore connects to MongoDB and prepares the collections and
// indexes the store relies on.
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(mongoConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("store: mongodb not reachable: %w", err)
	}

	db := client.Database(defaultDatabase)
	s := &MongoStore{
		client:      client,
		releases:    db.Collection(releasesCollection),
		deployments: db.Collection(deploymentsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.releases.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "release.project_id", Value: 1}, {Key: "release.release_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("store: creating release index: %w", err)
	}
	_, err = s.deployments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("store: creating deployment index: %w", err)
	}
	return nil
}

type releaseDoc struct {
	Key     string        `bson:"_id"`
	Release model.Release `bson:"release"`
}

// CreateRelease implements ReleaseStore. The latest sequence is re-read on
// every attempt so a retry after a collision observes the competing write.
func (s *MongoStore) CreateRelease(ctx context.Context, rel *model.Release) (*model.Release, error) {
	backoff := sequenceBackoff

	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff.Step()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		seq, err := s.latestSequence(ctx, rel.ProjectID)
		if err != nil {
			return nil, err
		}

		stored := *rel
		stored.ID = seq + 1
		doc := releaseDoc{Key: releaseKey(stored.ProjectID, stored.ID), Release: stored}

		_, err = s.releases.InsertOne(ctx, doc)
		if err == nil {
			out := stored
			return &out, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("store: writing release: %w", err)
		}
		logging.Warn("Store", "release sequence %d for %s taken by a concurrent writer, retrying", stored.ID, stored.ProjectID)
	}

	return nil, fmt.Errorf("%w for project %s after %d attempts", ErrConflict, rel.ProjectID, maxSequenceAttempts)
}

func (s *MongoStore) latestSequence(ctx context.Context, projectID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "release.release_id", Value: -1}})

	var doc releaseDoc
	err := s.releases.FindOne(ctx, bson.M{"release.project_id": projectID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: reading latest sequence: %w", err)
	}
	return doc.Release.ID, nil
}

// GetRelease implements ReleaseStore.
func (s *MongoStore) GetRelease(ctx context.Context, projectID string, releaseID int64) (*model.Release, error) {
	var doc releaseDoc
	err := s.releases.FindOne(ctx, bson.M{"_id": releaseKey(projectID, releaseID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("release %d for project %s: %w", releaseID, projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading release: %w", err)
	}
	return &doc.Release, nil
}

// LatestRelease implements ReleaseStore. Always a fresh query: concurrent
// writers can otherwise make a cached "latest" stale.
func (s *MongoStore) LatestRelease(ctx context.Context, projectID string) (*model.Release, error) {
	seq, err := s.latestSequence(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return nil, fmt.Errorf("no releases for project %s: %w", projectID, ErrNotFound)
	}
	return s.GetRelease(ctx, projectID, seq)
}

// RecordDeployment implements ReleaseStore.
func (s *MongoStore) RecordDeployment(ctx context.Context, dep *model.Deployment) (*model.Deployment, error) {
	if _, err := s.deployments.InsertOne(ctx, dep); err != nil {
		return nil, fmt.Errorf("store: writing deployment: %w", err)
	}
	out := *dep
	return &out, nil
}

// ListDeployments implements ReleaseStore.
func (s *MongoStore) ListDeployments(ctx context.Context, projectID, environmentID string, limit int) ([]model.Deployment, error) {
	if limit <= 0 {
		limit = defaultDeploymentLimit
	}
	filter := bson.M{"project_id": projectID}
	if environmentID != "" {
		filter["environment_id"] = environmentID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.deployments.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: listing deployments: %w", err)
	}
	defer cursor.Close(ctx)

	var out []model.Deployment
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: decoding deployments: %w", err)
	}
	return out, nil
}
