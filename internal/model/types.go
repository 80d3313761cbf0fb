package model

import (
	"fmt"
	"time"
)

// ReleaseImage is one resolved image inside a release: the repository it came
// from, the content digest it was pinned to, the git ref the image was built
// from (recovered from its ref.<sha> tag, may be empty) and the floating tag
// it was resolved from.
type ReleaseImage struct {
	RepositoryID string `bson:"repository_id" yaml:"repositoryId"`
	Digest       string `bson:"digest" yaml:"digest"`
	GitRef       string `bson:"git_ref,omitempty" yaml:"gitRef,omitempty"`
	SourceTag    string `bson:"source_tag" yaml:"sourceTag"`
}

// Release is an immutable, numbered snapshot of one resolved image per
// repository. The ID is allocated by the release store and strictly increases
// per project; it is never reused, even across failed attempts.
type Release struct {
	ProjectID   string         `bson:"project_id" yaml:"projectId"`
	ID          int64          `bson:"release_id" yaml:"releaseId"`
	CreatedAt   time.Time      `bson:"created_at" yaml:"createdAt"`
	RequestedBy string         `bson:"requested_by" yaml:"requestedBy"`
	Description string         `bson:"description,omitempty" yaml:"description,omitempty"`
	Images      []ReleaseImage `bson:"images" yaml:"images"`
}

// Image returns the release entry for the given repository id.
func (r *Release) Image(repositoryID string) (ReleaseImage, bool) {
	for _, img := range r.Images {
		if img.RepositoryID == repositoryID {
			return img, true
		}
	}
	return ReleaseImage{}, false
}

// Label is the value written to the relctl.io/release label on services and
// their tasks, and the value the deployment watcher looks for.
func (r *Release) Label() string {
	return fmt.Sprintf("%s-%d", r.ProjectID, r.ID)
}

// SameImages reports whether two releases pin every repository to the same
// digest. Order, source tags and git refs are ignored: only the digests
// decide whether anything changed. A nil other never matches.
func (r *Release) SameImages(other *Release) bool {
	if other == nil || len(r.Images) != len(other.Images) {
		return false
	}
	digests := make(map[string]string, len(other.Images))
	for _, img := range other.Images {
		digests[img.RepositoryID] = img.Digest
	}
	for _, img := range r.Images {
		if digests[img.RepositoryID] != img.Digest {
			return false
		}
	}
	return true
}

// OutcomeStatus is the terminal (or last observed) state of one unit of a
// deployment: a promoted tag or a redeployed service.
type OutcomeStatus string

const (
	StatusPending    OutcomeStatus = "PENDING"
	StatusInProgress OutcomeStatus = "IN_PROGRESS"
	StatusStable     OutcomeStatus = "STABLE"
	StatusTimedOut   OutcomeStatus = "TIMED_OUT"
	StatusFailed     OutcomeStatus = "FAILED"
)

// Terminal reports whether the status is one a watcher can finish in.
func (s OutcomeStatus) Terminal() bool {
	return s == StatusStable || s == StatusTimedOut || s == StatusFailed
}

// ImageOutcome records the result of promoting one repository's floating
// environment tag. Moved is false when the tag already pointed at the
// release digest.
type ImageOutcome struct {
	RepositoryID string `bson:"repository_id" yaml:"repositoryId"`
	Digest       string `bson:"digest" yaml:"digest"`
	Tag          string `bson:"tag" yaml:"tag"`
	Moved        bool   `bson:"moved" yaml:"moved"`
	Error        string `bson:"error,omitempty" yaml:"error,omitempty"`
}

// ServiceOutcome records the result of redeploying and watching one service.
type ServiceOutcome struct {
	ServiceID     string        `bson:"service_id" yaml:"serviceId"`
	PreviousImage string        `bson:"previous_image,omitempty" yaml:"previousImage,omitempty"`
	NewImage      string        `bson:"new_image,omitempty" yaml:"newImage,omitempty"`
	Status        OutcomeStatus `bson:"status" yaml:"status"`
	Detail        string        `bson:"detail,omitempty" yaml:"detail,omitempty"`
}

// Deployment is the append-only record of applying one release to one
// environment, with per-unit outcomes. It is never mutated after creation.
type Deployment struct {
	ProjectID     string           `bson:"project_id" yaml:"projectId"`
	ReleaseID     int64            `bson:"release_id" yaml:"releaseId"`
	EnvironmentID string           `bson:"environment_id" yaml:"environmentId"`
	CreatedAt     time.Time        `bson:"created_at" yaml:"createdAt"`
	RequestedBy   string           `bson:"requested_by" yaml:"requestedBy"`
	Description   string           `bson:"description,omitempty" yaml:"description,omitempty"`
	Images        []ImageOutcome   `bson:"images" yaml:"images"`
	Services      []ServiceOutcome `bson:"services" yaml:"services"`
}

// Converged reports whether every targeted service reached STABLE and every
// tag promotion succeeded. A deployment that touched no service (all tags
// already current) converges trivially.
func (d *Deployment) Converged() bool {
	for _, img := range d.Images {
		if img.Error != "" {
			return false
		}
	}
	for _, svc := range d.Services {
		if svc.Status != StatusStable {
			return false
		}
	}
	return true
}
