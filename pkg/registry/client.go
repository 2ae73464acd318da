// Package registry resolves container image references into normalized,
// verifiable image models, served from either an on-disk registry store
// (Local) or a remote registry endpoint (Remote), optionally behind a
// caching decorator (Cached).
//
// Manifest-chain recursion is funnelled through a "recurse" reference:
// resolving a fat manifest resolves each sub-manifest through that
// reference, so sub-resolutions hit the same caching layer as top-level
// calls. The reference defaults to the client itself; wiring a Cached
// decorator points it at the decorator instead. This is the single
// permitted cycle in the object graph.
package registry

import (
	"context"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
)

// Client is the uniform registry capability set. All variants implement
// the identical contract; callers cannot tell storage backends apart.
type Client interface {
	// ResolveImageSet resolves a tag or digest reference to the set of
	// images it names, normalizing fat and thin manifests into one model.
	ResolveImageSet(ctx context.Context, repo, ref string) (*ImageSet, error)

	// GetImageConfig fetches and parses the image config blob.
	GetImageConfig(ctx context.Context, repo string, dgst digest.Digest) (*v1.ConfigFile, error)

	// GetBlob streams any content-addressed blob.
	GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error)

	// GetLayerArchive streams a layer's compressed archive blob.
	GetLayerArchive(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error)

	// GetFile extracts a single file from a layer archive.
	GetFile(ctx context.Context, repo string, layer Layer, path string) (io.ReadCloser, error)

	// ListRepositories enumerates the repositories visible to the caller.
	ListRepositories(ctx context.Context) ([]Repository, error)

	// ListTags enumerates the tag names of one repository.
	ListTags(ctx context.Context, repo string) ([]string, error)

	// DeleteImage removes every tag pointing at the given digest.
	DeleteImage(ctx context.Context, repo string, dgst digest.Digest) error

	// DeleteRepository removes a repository as a whole.
	DeleteRepository(ctx context.Context, repo string) error

	// GetLayerProxyInfo returns a fetchable URL plus authorization for a
	// layer blob, for collaborators that pull the bytes themselves.
	GetLayerProxyInfo(ctx context.Context, repo string, layer Layer) (*LayerProxyInfo, error)
}

// recursable is implemented by base variants whose sub-resolution calls
// can be redirected through a decorator.
type recursable interface {
	SetRecurse(Client)
}
