package registry

import "errors"

var (
	// ErrNotFound indicates a referenced tag, digest, manifest, config
	// or file does not exist. Both storage backends normalize to this,
	// so callers cannot distinguish a local miss from a remote 404.
	ErrNotFound = errors.New("not found in registry")

	// ErrUnsupportedManifest indicates a manifest carried a media type
	// the resolver does not recognize. Unresolvable, never retried.
	ErrUnsupportedManifest = errors.New("unsupported manifest media type")

	// ErrUnauthorized indicates the registry rejected our credentials.
	ErrUnauthorized = errors.New("registry authorization failed")
)
