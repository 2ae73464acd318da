package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"

	"github.com/reglens/reglens/pkg/tarball"
)

const tagsFolder = "_manifests/tags"

// Local reads a registry's on-disk storage layout directly, bypassing
// the wire protocol. The layout is the standard distribution tree:
// tag pointers are plain files containing a digest, blobs live under a
// content-addressed, sharded directory.
type Local struct {
	root    string
	perms   Permission
	recurse Client
	logger  *slog.Logger
}

// NewLocal returns a client over the registry storage rooted at root.
// Sub-resolution calls go through the client itself until SetRecurse
// points them elsewhere.
func NewLocal(root string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Local{root: root, perms: PermissionAdmin, logger: logger}
	c.recurse = c
	return c
}

// SetRecurse redirects chained manifest/config lookups through another
// client, typically a Cached decorator. Called once at wiring time.
func (c *Local) SetRecurse(recurse Client) { c.recurse = recurse }

func (c *Local) repositoriesRoot() string {
	return filepath.Join(c.root, "docker", "registry", "v2", "repositories")
}

func (c *Local) blobsRoot() string {
	return filepath.Join(c.root, "docker", "registry", "v2", "blobs")
}

// blobPath shards the digest hash into path segments to avoid unbounded
// directory fan-out: blobs/<algo>/<hex[:2]>/<hex>/data.
func (c *Local) blobPath(dgst digest.Digest) string {
	hex := dgst.Encoded()
	return filepath.Join(c.blobsRoot(), dgst.Algorithm().String(), hex[:2], hex, "data")
}

func (c *Local) repoPath(repo string) string {
	return filepath.Join(c.repositoriesRoot(), filepath.FromSlash(repo))
}

func (c *Local) tagPath(repo, tag string) string {
	return filepath.Join(c.repoPath(repo), filepath.FromSlash(tagsFolder), tag)
}

func (c *Local) ResolveImageSet(ctx context.Context, repo, ref string) (*ImageSet, error) {
	dgst, err := c.resolveReference(repo, ref)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(c.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest %s: %w", dgst, ErrNotFound)
		}
		return nil, fmt.Errorf("read manifest %s: %w", dgst, err)
	}

	return resolveManifest(ctx, c.recurse, repo, dgst, raw)
}

// resolveReference turns a tag name into its digest; digest references
// pass through untouched.
func (c *Local) resolveReference(repo, ref string) (digest.Digest, error) {
	if dgst, err := digest.Parse(ref); err == nil {
		return dgst, nil
	}

	link, err := os.ReadFile(filepath.Join(c.tagPath(repo, ref), "current", "link"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("tag %s/%s: %w", repo, ref, ErrNotFound)
		}
		return "", fmt.Errorf("read tag link %s/%s: %w", repo, ref, err)
	}

	dgst, err := digest.Parse(strings.TrimSpace(string(link)))
	if err != nil {
		return "", fmt.Errorf("tag link %s/%s: %w", repo, ref, err)
	}

	return dgst, nil
}

func (c *Local) GetImageConfig(ctx context.Context, repo string, dgst digest.Digest) (*v1.ConfigFile, error) {
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

func (c *Local) GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(c.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", dgst, ErrNotFound)
		}
		return nil, fmt.Errorf("open blob %s: %w", dgst, err)
	}

	return f, nil
}

func (c *Local) GetLayerArchive(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	return c.GetBlob(ctx, repo, dgst)
}

func (c *Local) GetFile(ctx context.Context, repo string, layer Layer, filePath string) (io.ReadCloser, error) {
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

func (c *Local) ListRepositories(ctx context.Context) ([]Repository, error) {
	names, err := c.walkRepositories(c.repositoriesRoot())
	if err != nil {
		return nil, err
	}

	repos := make([]Repository, 0, len(names))
	for _, name := range names {
		tags, err := c.ListTags(ctx, name)
		if err != nil {
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

// walkRepositories descends the repositories tree. Internal-prefixed
// directories are skipped; a directory holding a non-empty tags folder
// is a leaf repository, anything else is a union of nested repositories.
// Names are joined with forward slashes on every platform.
func (c *Local) walkRepositories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repositories dir: %w", err)
	}

	var repos []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), "_") {
			continue
		}

		tagsDir := filepath.Join(dir, entry.Name(), filepath.FromSlash(tagsFolder))
		if tags, err := os.ReadDir(tagsDir); err == nil {
			if len(tags) > 0 {
				repos = append(repos, entry.Name())
			}
			continue
		}

		nested, err := c.walkRepositories(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, sub := range nested {
			repos = append(repos, path.Join(entry.Name(), sub))
		}
	}

	return repos, nil
}

func (c *Local) ListTags(ctx context.Context, repo string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.repoPath(repo), filepath.FromSlash(tagsFolder)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("repository %s: %w", repo, ErrNotFound)
		}
		return nil, fmt.Errorf("list tags %s: %w", repo, err)
	}

	tags := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			tags = append(tags, entry.Name())
		}
	}

	return tags, nil
}

// DeleteImage removes every tag currently pointing at dgst. The blobs
// themselves stay put; garbage collection is the registry's own job.
func (c *Local) DeleteImage(ctx context.Context, repo string, dgst digest.Digest) error {
	tags, err := c.ListTags(ctx, repo)
	if err != nil {
		return err
	}

	for _, tag := range tags {
		tagDigest, err := c.resolveReference(repo, tag)
		if err != nil {
			return err
		}
		if tagDigest != dgst {
			continue
		}
		if err := os.RemoveAll(c.tagPath(repo, tag)); err != nil {
			return fmt.Errorf("delete tag %s/%s: %w", repo, tag, err)
		}
		c.logger.Info("deleted tag", "repository", repo, "tag", tag, "digest", dgst)
	}

	return nil
}

func (c *Local) DeleteRepository(ctx context.Context, repo string) error {
	repoPath := c.repoPath(repo)
	if _, err := os.Stat(repoPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("repository %s: %w", repo, ErrNotFound)
		}
		return err
	}
	if err := os.RemoveAll(repoPath); err != nil {
		return fmt.Errorf("delete repository %s: %w", repo, err)
	}

	c.logger.Info("deleted repository", "repository", repo)
	return nil
}

// GetLayerProxyInfo points at the blob file directly; local storage
// needs no authorization.
func (c *Local) GetLayerProxyInfo(ctx context.Context, repo string, layer Layer) (*LayerProxyInfo, error) {
	blobPath := c.blobPath(layer.Digest)
	if _, err := os.Stat(blobPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("layer %s: %w", layer.Digest, ErrNotFound)
		}
		return nil, err
	}

	return &LayerProxyInfo{URL: "file://" + filepath.ToSlash(blobPath)}, nil
}
