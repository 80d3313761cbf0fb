// Package registry reads and rewrites floating tags in a container image
// registry. Immutable tags are ref.<git-sha>; floating tags (latest,
// env.<environment>) are repointed to different digests over time.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrTagNotFound is returned when a repository does not have the requested
// tag. Callers decide whether a missing tag degrades one unit or aborts the
// whole command.
var ErrTagNotFound = errors.New("registry: tag not found")

// ImageDescriptor describes the image a tag currently points at.
type ImageDescriptor struct {
	Digest string
	// GitRef is the commit the image was built from, recovered from the
	// unambiguous ref.<sha> tag on the same digest. Empty when no ref tag
	// exists.
	GitRef string
	// SourceTag is the tag the descriptor was resolved from.
	SourceTag string
	// PushedAt is the image creation time when the registry exposes it,
	// zero otherwise.
	PushedAt time.Time
}

// PromoteResult reports one floating-tag move. Moved is false when the
// destination tag already pointed at the source digest; that is a no-op,
// not a change and not an error.
type PromoteResult struct {
	Repository string
	Source     string
	DestTag    string
	Digest     string
	Moved      bool
}

// Client is the registry surface the release core needs.
type Client interface {
	// ResolveTag resolves a tag on a repository to an image descriptor.
	// Returns ErrTagNotFound if the tag does not exist.
	ResolveTag(ctx context.Context, repository, tag string) (ImageDescriptor, error)

	// Promote points destTag at whatever source (a tag or a sha256:...
	// digest) currently references. Idempotent: promoting to a digest the
	// destination already carries performs no registry write.
	Promote(ctx context.Context, repository, source, destTag string) (PromoteResult, error)

	// DescribeMany resolves the same tag across many repositories in one
	// call. A repository missing the tag is simply absent from the result
	// rather than failing the batch.
	DescribeMany(ctx context.Context, repositories []string, tag string) (map[string]ImageDescriptor, error)
}
