package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry implements just enough of the Docker Registry HTTP API v2 for
// the client: manifest HEAD/GET/PUT, tag listing and config blob reads.
type fakeRegistry struct {
	mu sync.Mutex

	tags      map[string]map[string]string // repo -> tag -> digest
	manifests map[string]map[string][]byte // repo -> digest -> body
	blobs     map[string]map[string][]byte // repo -> digest -> body

	failNext int // serve this many 500s before answering
	requests int
	puts     int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		tags:      map[string]map[string]string{},
		manifests: map[string]map[string][]byte{},
		blobs:     map[string]map[string][]byte{},
	}
}

// seed registers an image under the given tags. The manifest references a
// config blob carrying the created timestamp.
func (f *fakeRegistry) seed(repo, digest string, created time.Time, tagNames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfgDigest := "sha256:cfg-" + strings.TrimPrefix(digest, "sha256:")
	cfg, _ := json.Marshal(map[string]interface{}{"created": created})
	body, _ := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"config":        map[string]string{"digest": cfgDigest},
	})

	if f.tags[repo] == nil {
		f.tags[repo] = map[string]string{}
		f.manifests[repo] = map[string][]byte{}
		f.blobs[repo] = map[string][]byte{}
	}
	f.manifests[repo][digest] = body
	f.blobs[repo][cfgDigest] = cfg
	for _, tag := range tagNames {
		f.tags[repo][tag] = digest
	}
}

func (f *fakeRegistry) tagDigest(repo, tag string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.tags[repo][tag]
	return d, ok
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests++
	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v2/")
	switch {
	case strings.HasSuffix(path, "/tags/list"):
		repo := strings.TrimSuffix(path, "/tags/list")
		var names []string
		for tag := range f.tags[repo] {
			names = append(names, tag)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": repo, "tags": names})

	case strings.Contains(path, "/manifests/"):
		idx := strings.LastIndex(path, "/manifests/")
		repo, ref := path[:idx], path[idx+len("/manifests/"):]

		if r.Method == http.MethodPut {
			f.puts++
			body, _ := io.ReadAll(r.Body)
			for digest, manifest := range f.manifests[repo] {
				if string(manifest) == string(body) {
					f.tags[repo][ref] = digest
					w.WriteHeader(http.StatusCreated)
					return
				}
			}
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		digest, ok := f.tags[repo][ref]
		if !ok {
			if _, byDigest := f.manifests[repo][ref]; byDigest {
				digest = ref
				ok = true
			}
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		if r.Method == http.MethodGet {
			_, _ = w.Write(f.manifests[repo][digest])
		}

	case strings.Contains(path, "/blobs/"):
		idx := strings.LastIndex(path, "/blobs/")
		repo, digest := path[:idx], path[idx+len("/blobs/"):]
		blob, ok := f.blobs[repo][digest]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(blob)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, f *fakeRegistry) *HTTPClient {
	t.Helper()
	srv := httptest.NewTLSServer(f)
	t.Cleanup(srv.Close)
	endpoint := strings.TrimPrefix(srv.URL, "https://")
	return NewHTTPClient(endpoint, WithHTTPClient(srv.Client()))
}

func TestResolveTagRecoversGitRef(t *testing.T) {
	f := newFakeRegistry()
	pushed := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	f.seed("acme/api", "sha256:aaa", pushed, "latest", "ref.abc123")

	c := newTestClient(t, f)
	desc, err := c.ResolveTag(context.Background(), "acme/api", "latest")
	require.NoError(t, err)

	assert.Equal(t, "sha256:aaa", desc.Digest)
	assert.Equal(t, "abc123", desc.GitRef, "git ref recovered from the ref.* tag pointing at the same digest")
	assert.Equal(t, "latest", desc.SourceTag)
	assert.True(t, pushed.Equal(desc.PushedAt))
}

func TestResolveTagByRefTag(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "ref.abc123")

	c := newTestClient(t, f)
	desc, err := c.ResolveTag(context.Background(), "acme/api", "ref.abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", desc.GitRef, "ref tags carry the git ref directly, no tag scan needed")
}

func TestResolveTagNotFound(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "latest")

	c := newTestClient(t, f)
	_, err := c.ResolveTag(context.Background(), "acme/api", "env.prod")
	require.ErrorIs(t, err, ErrTagNotFound)
	assert.Equal(t, 1, f.requests, "a missing tag must not be retried")
}

func TestResolveTagRetriesTransientFailures(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "latest", "ref.abc123")
	f.failNext = 2

	c := newTestClient(t, f)
	desc, err := c.ResolveTag(context.Background(), "acme/api", "latest")
	require.NoError(t, err)
	assert.Equal(t, "sha256:aaa", desc.Digest)
}

func TestPromoteMovesTag(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "env.stage")
	f.seed("acme/api", "sha256:bbb", time.Time{}, "latest")

	c := newTestClient(t, f)
	result, err := c.Promote(context.Background(), "acme/api", "sha256:bbb", "env.stage")
	require.NoError(t, err)

	assert.True(t, result.Moved)
	assert.Equal(t, "sha256:bbb", result.Digest)
	digest, ok := f.tagDigest("acme/api", "env.stage")
	require.True(t, ok)
	assert.Equal(t, "sha256:bbb", digest)
}

func TestPromoteIsNoOpWhenCurrent(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "latest", "env.stage")

	c := newTestClient(t, f)
	result, err := c.Promote(context.Background(), "acme/api", "sha256:aaa", "env.stage")
	require.NoError(t, err)

	assert.False(t, result.Moved, "tag already points at the digest")
	assert.Equal(t, 0, f.puts, "a no-op promotion must not write")
}

func TestPromoteCreatesMissingTag(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "latest")

	c := newTestClient(t, f)
	result, err := c.Promote(context.Background(), "acme/api", "latest", "env.prod")
	require.NoError(t, err)
	assert.True(t, result.Moved)

	digest, ok := f.tagDigest("acme/api", "env.prod")
	require.True(t, ok)
	assert.Equal(t, "sha256:aaa", digest)
}

func TestDescribeManySkipsMissingTags(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "latest", "ref.abc123")
	f.seed("acme/worker", "sha256:bbb", time.Time{}, "ref.def456") // no "latest"

	c := newTestClient(t, f)
	out, err := c.DescribeMany(context.Background(), []string{"acme/api", "acme/worker"}, "latest")
	require.NoError(t, err)

	require.Contains(t, out, "acme/api")
	assert.NotContains(t, out, "acme/worker", "repositories without the tag are absent, not zero-valued")
	assert.Equal(t, "sha256:aaa", out["acme/api"].Digest)
}

func TestPromoteUnknownSource(t *testing.T) {
	f := newFakeRegistry()
	f.seed("acme/api", "sha256:aaa", time.Time{}, "latest")

	c := newTestClient(t, f)
	_, err := c.Promote(context.Background(), "acme/api", "sha256:nope", "env.stage")
	require.ErrorIs(t, err, ErrTagNotFound)
}

func TestStatusErrorMessage(t *testing.T) {
	err := &statusError{code: 403, url: "https://registry.example.org/v2/acme/api/manifests/latest"}
	assert.Equal(t, fmt.Sprintf("registry: %s returned status %d", err.url, err.code), err.Error())
}
