package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"

	"github.com/reglens/reglens/pkg/cache"
)

// volatileTTL bounds how long mutable data (tag pointers, listings) may
// be served from cache. Content-addressed data never goes stale and is
// cached without expiry.
const volatileTTL = 5 * time.Minute

// Cached decorates another client, memoizing manifest resolution, config
// lookups and listings. When it wraps a Local or Remote client it also
// takes over that client's recurse reference, so sub-manifest and config
// lookups during fat-manifest resolution hit the cache too.
type Cached struct {
	inner Client

	imageSets *cache.Cache[ImageSet]
	configs   *cache.Cache[v1.ConfigFile]
	repoLists *cache.Cache[[]Repository]
	tagLists  *cache.Cache[[]string]
}

// NewCached wraps inner with a caching layer over store. Wrapping an
// already-cached client is rejected: a single caching layer is enough,
// and stacking them would double-serialize every entry.
func NewCached(inner Client, store cache.Store) (*Cached, error) {
	if _, ok := inner.(*Cached); ok {
		return nil, errors.New("refusing to wrap a cached client in another caching layer")
	}

	c := &Cached{
		inner:     inner,
		imageSets: cache.New[ImageSet](store, volatileTTL),
		configs:   cache.New[v1.ConfigFile](store, 0),
		repoLists: cache.New[[]Repository](store, volatileTTL),
		tagLists:  cache.New[[]string](store, volatileTTL),
	}

	if r, ok := inner.(recursable); ok {
		r.SetRecurse(c)
	}

	return c, nil
}

func imageSetKey(repo, ref string) (key string, ttl time.Duration) {
	if dgst, err := digest.Parse(ref); err == nil {
		// content-addressed: a hit can never go stale
		return "static:imageset:" + dgst.String(), 0
	}
	return fmt.Sprintf("volatile:imageset:%s:%s", repo, ref), volatileTTL
}

func configKey(dgst digest.Digest) string { return "static:config:" + dgst.String() }

const repoListKey = "volatile:repositories"

func tagListKey(repo string) string { return "volatile:tags:" + repo }

func (c *Cached) ResolveImageSet(ctx context.Context, repo, ref string) (*ImageSet, error) {
	key, ttl := imageSetKey(repo, ref)

	if set, found, err := c.imageSets.TryGet(key); err != nil {
		return nil, err
	} else if found {
		return &set, nil
	}

	set, err := c.inner.ResolveImageSet(ctx, repo, ref)
	if err != nil {
		return nil, err
	}
	if err := c.imageSets.SetTTL(key, *set, ttl); err != nil {
		return nil, err
	}

	return set, nil
}

func (c *Cached) GetImageConfig(ctx context.Context, repo string, dgst digest.Digest) (*v1.ConfigFile, error) {
	key := configKey(dgst)

	if config, found, err := c.configs.TryGet(key); err != nil {
		return nil, err
	} else if found {
		return &config, nil
	}

	config, err := c.inner.GetImageConfig(ctx, repo, dgst)
	if err != nil {
		return nil, err
	}
	if err := c.configs.Set(key, *config); err != nil {
		return nil, err
	}

	return config, nil
}

// Blob and file reads stream straight through; layer archives are too
// large to serialize into the cache.

func (c *Cached) GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	return c.inner.GetBlob(ctx, repo, dgst)
}

func (c *Cached) GetLayerArchive(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	return c.inner.GetLayerArchive(ctx, repo, dgst)
}

func (c *Cached) GetFile(ctx context.Context, repo string, layer Layer, path string) (io.ReadCloser, error) {
	return c.inner.GetFile(ctx, repo, layer, path)
}

func (c *Cached) ListRepositories(ctx context.Context) ([]Repository, error) {
	if repos, found, err := c.repoLists.TryGet(repoListKey); err != nil {
		return nil, err
	} else if found {
		return repos, nil
	}

	repos, err := c.inner.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.repoLists.Set(repoListKey, repos); err != nil {
		return nil, err
	}

	return repos, nil
}

func (c *Cached) ListTags(ctx context.Context, repo string) ([]string, error) {
	key := tagListKey(repo)

	if tags, found, err := c.tagLists.TryGet(key); err != nil {
		return nil, err
	} else if found {
		return tags, nil
	}

	tags, err := c.inner.ListTags(ctx, repo)
	if err != nil {
		return nil, err
	}
	if err := c.tagLists.Set(key, tags); err != nil {
		return nil, err
	}

	return tags, nil
}

func (c *Cached) DeleteImage(ctx context.Context, repo string, dgst digest.Digest) error {
	if err := c.inner.DeleteImage(ctx, repo, dgst); err != nil {
		return err
	}
	return c.invalidateListings(repo)
}

func (c *Cached) DeleteRepository(ctx context.Context, repo string) error {
	if err := c.inner.DeleteRepository(ctx, repo); err != nil {
		return err
	}
	return c.invalidateListings(repo)
}

// invalidateListings drops the cached listings a delete may have made
// wrong. Tag-keyed image sets are left to their short TTL.
func (c *Cached) invalidateListings(repo string) error {
	if err := c.repoLists.Invalidate(repoListKey); err != nil {
		return err
	}
	return c.tagLists.Invalidate(tagListKey(repo))
}

func (c *Cached) GetLayerProxyInfo(ctx context.Context, repo string, layer Layer) (*LayerProxyInfo, error) {
	return c.inner.GetLayerProxyInfo(ctx, repo, layer)
}
