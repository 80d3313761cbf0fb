package release

import "errors"

// ErrNoChanges means the idempotence guard tripped: the candidate release
// pins exactly the images of the project's latest release, so nothing was
// persisted. Fatal to the command but benign.
var ErrNoChanges = errors.New("release: no changed images since latest release")

// ErrNoImages means the source label resolved on none of the project's
// repositories, so there is nothing to release.
var ErrNoImages = errors.New("release: no images found for source label")

// ErrUnknownService means an update named a service id that no configured
// repository declares. The store is left untouched.
var ErrUnknownService = errors.New("release: unknown service")
