package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"relctl/pkg/logging"
)

const (
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeOCIManifest    = "application/vnd.oci.image.manifest.v1+json"
	mediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeOCIIndex       = "application/vnd.oci.image.index.v1+json"

	// RefTagPrefix marks the immutable per-commit tags pushed by publish.
	RefTagPrefix = "ref."
)

var manifestAccept = strings.Join([]string{
	mediaTypeDockerManifest,
	mediaTypeOCIManifest,
	mediaTypeDockerList,
	mediaTypeOCIIndex,
}, ", ")

// transientBackoff bounds retries of registry calls that fail with network
// errors or 5xx responses before the failure is folded into the unit's
// outcome.
var transientBackoff = wait.Backoff{
	Duration: 250 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Steps:    4,
}

// HTTPClient talks to a Docker Registry HTTP API v2 endpoint.
type HTTPClient struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithBasicAuth sets credentials sent with every registry request.
func WithBasicAuth(username, password string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.client = hc
	}
}

// NewHTTPClient returns a registry client for the given endpoint host,
// e.g. "registry.example.org". Credentials are expected to be supplied by
// the execution environment.
func NewHTTPClient(endpoint string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

type manifest struct {
	digest      string
	contentType string
	body        []byte
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("registry: %s returned status %d", e.url, e.code)
}

func (c *HTTPClient) url(parts ...string) string {
	return "https://" + c.endpoint + "/v2/" + strings.Join(parts, "/")
}

// do performs one registry request with bounded exponential backoff on
// transient failures. A 404 maps to ErrTagNotFound and is never retried.
func (c *HTTPClient) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := wait.ExponentialBackoffWithContext(ctx, transientBackoff, func(ctx context.Context) (bool, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return false, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		r, err := c.client.Do(req)
		if err != nil {
			logging.Debug("Registry", "%s %s failed, will retry: %v", method, url, err)
			return false, nil
		}
		switch {
		case r.StatusCode == http.StatusNotFound:
			r.Body.Close()
			return false, ErrTagNotFound
		case r.StatusCode >= 500:
			r.Body.Close()
			logging.Debug("Registry", "%s %s returned %d, will retry", method, url, r.StatusCode)
			return false, nil
		case r.StatusCode >= 400:
			r.Body.Close()
			return false, &statusError{code: r.StatusCode, url: url}
		}
		resp = r
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return nil, fmt.Errorf("registry: %s %s did not succeed after retries: %w", method, url, err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) headManifest(ctx context.Context, repository, ref string) (string, error) {
	resp, err := c.do(ctx, http.MethodHead, c.url(repository, "manifests", ref), map[string]string{
		"Accept": manifestAccept,
	}, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("registry: no Docker-Content-Digest header for %s:%s", repository, ref)
	}
	return digest, nil
}

func (c *HTTPClient) getManifest(ctx context.Context, repository, ref string) (manifest, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url(repository, "manifests", ref), map[string]string{
		"Accept": manifestAccept,
	}, nil)
	if err != nil {
		return manifest{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return manifest{}, fmt.Errorf("registry: reading manifest %s:%s: %w", repository, ref, err)
	}
	return manifest{
		digest:      resp.Header.Get("Docker-Content-Digest"),
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

func (c *HTTPClient) listTags(ctx context.Context, repository string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url(repository, "tags", "list"), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("registry: decoding tag list for %s: %w", repository, err)
	}
	return payload.Tags, nil
}

// refTagFor finds the ref.<sha> tag pointing at the given digest. Registries
// cannot list tags by digest, so every ref tag is resolved until one matches.
func (c *HTTPClient) refTagFor(ctx context.Context, repository, digest string) (string, error) {
	tags, err := c.listTags(ctx, repository)
	if err != nil {
		return "", err
	}
	for _, tag := range tags {
		if !strings.HasPrefix(tag, RefTagPrefix) {
			continue
		}
		d, err := c.headManifest(ctx, repository, tag)
		if err != nil {
			if errors.Is(err, ErrTagNotFound) {
				continue
			}
			return "", err
		}
		if d == digest {
			return strings.TrimPrefix(tag, RefTagPrefix), nil
		}
	}
	return "", nil
}

// createdAt recovers the image build time from the config blob referenced by
// a schema2/OCI manifest. Best effort: manifest lists and missing fields
// yield a zero time.
func (c *HTTPClient) createdAt(ctx context.Context, repository string, m manifest) time.Time {
	var parsed struct {
		Config struct {
			Digest string `json:"digest"`
		} `json:"config"`
	}
	if err := json.Unmarshal(m.body, &parsed); err != nil || parsed.Config.Digest == "" {
		return time.Time{}
	}

	resp, err := c.do(ctx, http.MethodGet, c.url(repository, "blobs", parsed.Config.Digest), nil, nil)
	if err != nil {
		return time.Time{}
	}
	defer resp.Body.Close()

	var config struct {
		Created time.Time `json:"created"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return time.Time{}
	}
	return config.Created
}

// ResolveTag implements Client.
func (c *HTTPClient) ResolveTag(ctx context.Context, repository, tag string) (ImageDescriptor, error) {
	m, err := c.getManifest(ctx, repository, tag)
	if err != nil {
		return ImageDescriptor{}, err
	}

	gitRef := ""
	if strings.HasPrefix(tag, RefTagPrefix) {
		gitRef = strings.TrimPrefix(tag, RefTagPrefix)
	} else {
		gitRef, err = c.refTagFor(ctx, repository, m.digest)
		if err != nil {
			logging.Warn("Registry", "could not recover git ref for %s:%s: %v", repository, tag, err)
		}
	}

	return ImageDescriptor{
		Digest:    m.digest,
		GitRef:    gitRef,
		SourceTag: tag,
		PushedAt:  c.createdAt(ctx, repository, m),
	}, nil
}

// Promote implements Client.
func (c *HTTPClient) Promote(ctx context.Context, repository, source, destTag string) (PromoteResult, error) {
	result := PromoteResult{Repository: repository, Source: source, DestTag: destTag}

	m, err := c.getManifest(ctx, repository, source)
	if err != nil {
		return result, err
	}
	result.Digest = m.digest

	// The no-op check: if the destination tag already resolves to the same
	// digest there is nothing to write.
	destDigest, err := c.headManifest(ctx, repository, destTag)
	if err != nil && !errors.Is(err, ErrTagNotFound) {
		return result, err
	}
	if destDigest == m.digest {
		logging.Debug("Registry", "%s:%s already points at %s", repository, destTag, m.digest)
		return result, nil
	}

	resp, err := c.do(ctx, http.MethodPut, c.url(repository, "manifests", destTag), map[string]string{
		"Content-Type": m.contentType,
	}, m.body)
	if err != nil {
		return result, fmt.Errorf("registry: moving %s:%s: %w", repository, destTag, err)
	}
	resp.Body.Close()

	result.Moved = true
	logging.Info("Registry", "moved %s:%s -> %s", repository, destTag, m.digest)
	return result, nil
}

// DescribeMany implements Client.
func (c *HTTPClient) DescribeMany(ctx context.Context, repositories []string, tag string) (map[string]ImageDescriptor, error) {
	out := make(map[string]ImageDescriptor, len(repositories))
	for _, repo := range repositories {
		desc, err := c.ResolveTag(ctx, repo, tag)
		if err != nil {
			if errors.Is(err, ErrTagNotFound) {
				continue
			}
			return nil, err
		}
		out[repo] = desc
	}
	return out, nil
}
