package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"

	"github.com/reglens/reglens/pkg/tarball"
)

// media types we are willing to resolve
var manifestAccept = []string{
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.oci.image.manifest.v1+json",
}

// Remote implements the client contract over a registry's HTTP wire
// protocol, with bearer-token authentication negotiated on demand.
// Not-found wire statuses normalize to ErrNotFound, so callers cannot
// distinguish this backend from Local.
type Remote struct {
	endpoint   string // <scheme>://<host>/v2
	username   string
	password   string
	perms      Permission
	httpClient *http.Client
	recurse    Client
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // scope -> bearer token
}

// NewRemote returns a client for the registry at host. Credentials may
// be empty for anonymous access. Sub-resolution calls go through the
// client itself until SetRecurse points them elsewhere.
func NewRemote(host, username, password string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Remote{
		endpoint:   hostToEndpoint(host),
		username:   username,
		password:   password,
		perms:      PermissionPull,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
		tokens:     make(map[string]string),
	}
	c.recurse = c
	return c
}

// SetRecurse redirects chained manifest/config lookups through another
// client, typically a Cached decorator. Called once at wiring time.
func (c *Remote) SetRecurse(recurse Client) { c.recurse = recurse }

func pullScope(repo string) string { return fmt.Sprintf("repository:%s:pull", repo) }

func deleteScope(repo string) string { return fmt.Sprintf("repository:%s:*", repo) }

func catalogScope() string { return "registry:catalog:*" }

// do performs one authenticated request, retrying once after a bearer
// challenge. The response body is the caller's to close.
func (c *Remote) do(ctx context.Context, method, url, scope string, accept []string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if len(accept) > 0 {
		req.Header.Set("Accept", strings.Join(accept, ", "))
	}

	c.mu.Lock()
	token := c.tokens[scope]
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()

	ch, err := parseBearerChallenge(challenge)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, ErrUnauthorized)
	}

	token, err = c.fetchBearerToken(ctx, ch, scope)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tokens[scope] = token
	c.mu.Unlock()

	retry := req.Clone(ctx)
	retry.Header.Set("Authorization", "Bearer "+token)
	resp, err = c.httpClient.Do(retry)
	if err != nil {
		return nil, fmt.Errorf("registry request %s: %w", url, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", url, ErrUnauthorized)
	}

	return resp, nil
}

// token returns a bearer token for scope, negotiating one against the
// registry's base endpoint if none is cached yet. Registries without an
// auth challenge yield an empty token.
func (c *Remote) token(ctx context.Context, scope string) (string, error) {
	c.mu.Lock()
	token, ok := c.tokens[scope]
	c.mu.Unlock()
	if ok {
		return token, nil
	}

	resp, err := c.do(ctx, http.MethodGet, c.endpoint+"/", scope, nil)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[scope], nil
}

func (c *Remote) ResolveImageSet(ctx context.Context, repo, ref string) (*ImageSet, error) {
	url := fmt.Sprintf("%s/%s/manifests/%s", c.endpoint, repo, ref)
	resp, err := c.do(ctx, http.MethodGet, url, pullScope(repo), manifestAccept)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("manifest %s/%s: %w", repo, ref, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest %s/%s: %s", repo, ref, resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s/%s: %w", repo, ref, err)
	}

	dgst, err := digest.Parse(resp.Header.Get("Docker-Content-Digest"))
	if err != nil {
		dgst = digest.FromBytes(raw)
	}

	return resolveManifest(ctx, c.recurse, repo, dgst, raw)
}

func (c *Remote) GetImageConfig(ctx context.Context, repo string, dgst digest.Digest) (*v1.ConfigFile, error) {
	blob, err := c.GetBlob(ctx, repo, dgst)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	config, err := v1.ParseConfigFile(blob)
	if err != nil {
		return nil, fmt.Errorf("parse image config %s: %w", dgst, err)
	}

	return config, nil
}

func (c *Remote) GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s/blobs/%s", c.endpoint, repo, dgst)
	resp, err := c.do(ctx, http.MethodGet, url, pullScope(repo), nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("blob %s: %w", dgst, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch blob %s: %s", dgst, resp.Status)
	}

	return resp.Body, nil
}

func (c *Remote) GetLayerArchive(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	return c.GetBlob(ctx, repo, dgst)
}

func (c *Remote) GetFile(ctx context.Context, repo string, layer Layer, filePath string) (io.ReadCloser, error) {
	content, err := tarball.ExtractFile(func() (io.ReadCloser, error) {
		return c.GetLayerArchive(ctx, repo, layer.Digest)
	}, filePath)
	if err != nil {
		if errors.Is(err, tarball.ErrNotFound) {
			return nil, fmt.Errorf("%s in layer %s: %w", filePath, layer.Digest, ErrNotFound)
		}
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

func (c *Remote) ListRepositories(ctx context.Context) ([]Repository, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint+"/_catalog", catalogScope(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: %s", resp.Status)
	}

	var catalog struct {
		Repositories []string `json:"repositories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	repos := make([]Repository, 0, len(catalog.Repositories))
	for _, name := range catalog.Repositories {
		// tag count doubles as a liveness check; registries keep
		// catalog entries around for repositories with no tags left
		tags, err := c.ListTags(ctx, name)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		repos = append(repos, Repository{
			Name:        name,
			Tags:        len(tags),
			Permissions: c.perms,
		})
	}

	return repos, nil
}

func (c *Remote) ListTags(ctx context.Context, repo string) ([]string, error) {
	url := fmt.Sprintf("%s/%s/tags/list", c.endpoint, repo)
	resp, err := c.do(ctx, http.MethodGet, url, pullScope(repo), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("repository %s: %w", repo, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tags %s: %s", repo, resp.Status)
	}

	var tags struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags %s: %w", repo, err)
	}

	return tags.Tags, nil
}

func (c *Remote) DeleteImage(ctx context.Context, repo string, dgst digest.Digest) error {
	url := fmt.Sprintf("%s/%s/manifests/%s", c.endpoint, repo, dgst)
	resp, err := c.do(ctx, http.MethodDelete, url, deleteScope(repo), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		c.logger.Info("deleted image", "repository", repo, "digest", dgst)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("manifest %s/%s: %w", repo, dgst, ErrNotFound)
	default:
		return fmt.Errorf("delete %s/%s: %s", repo, dgst, resp.Status)
	}
}

// DeleteRepository deletes every image the repository's tags point at.
// The wire protocol has no repository-delete verb, so this is the
// closest equivalent.
func (c *Remote) DeleteRepository(ctx context.Context, repo string) error {
	tags, err := c.ListTags(ctx, repo)
	if err != nil {
		return err
	}

	seen := make(map[digest.Digest]bool)
	for _, tag := range tags {
		set, err := c.ResolveImageSet(ctx, repo, tag)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if seen[set.SetDigest] {
			continue
		}
		seen[set.SetDigest] = true
		if err := c.DeleteImage(ctx, repo, set.SetDigest); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	return nil
}

// GetLayerProxyInfo hands out the blob URL plus a pull-scoped bearer
// token, so the scan backend can fetch the layer bytes itself.
func (c *Remote) GetLayerProxyInfo(ctx context.Context, repo string, layer Layer) (*LayerProxyInfo, error) {
	token, err := c.token(ctx, pullScope(repo))
	if err != nil {
		return nil, err
	}

	info := &LayerProxyInfo{
		URL: fmt.Sprintf("%s/%s/blobs/%s", c.endpoint, repo, layer.Digest),
	}
	if token != "" {
		info.Authorization = "Bearer " + token
	}

	return info, nil
}
