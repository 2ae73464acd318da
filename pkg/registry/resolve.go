package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
)

// resolveManifest turns raw manifest bytes into a normalized ImageSet.
// Fat manifests (manifest lists / OCI indexes) recurse per sub-manifest
// through recurse, so chained lookups share the caller's caching layer;
// thin manifests are zipped with their config into a single image.
func resolveManifest(ctx context.Context, recurse Client, repo string, dgst digest.Digest, raw []byte) (*ImageSet, error) {
	var envelope struct {
		MediaType types.MediaType `json:"mediaType"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedManifest, err)
	}

	switch {
	case envelope.MediaType.IsIndex():
		return resolveFatManifest(ctx, recurse, repo, dgst, raw)
	case envelope.MediaType.IsImage():
		return resolveThinManifest(ctx, recurse, repo, dgst, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedManifest, envelope.MediaType)
	}
}

func resolveFatManifest(ctx context.Context, recurse Client, repo string, dgst digest.Digest, raw []byte) (*ImageSet, error) {
	index, err := v1.ParseIndexManifest(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse manifest list: %v", ErrUnsupportedManifest, err)
	}

	var images []Image
	for _, desc := range index.Manifests {
		sub, err := recurse.ResolveImageSet(ctx, repo, desc.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("resolve sub-manifest %s: %w", desc.Digest, err)
		}
		images = append(images, sub.Images...)
	}

	set := &ImageSet{
		Images:    images,
		SetDigest: dgst,
	}
	for _, image := range images {
		set.Platforms = append(set.Platforms, image.Platform)
		if created := image.Created(); created.After(set.Date) {
			set.Date = created
		}
	}

	return set, nil
}

func resolveThinManifest(ctx context.Context, recurse Client, repo string, dgst digest.Digest, raw []byte) (*ImageSet, error) {
	manifest, err := v1.ParseManifest(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %v", ErrUnsupportedManifest, err)
	}

	config, err := recurse.GetImageConfig(ctx, repo, digest.Digest(manifest.Config.Digest.String()))
	if err != nil {
		return nil, fmt.Errorf("fetch image config %s: %w", manifest.Config.Digest, err)
	}

	image := Image{
		Digest:  dgst,
		Layers:  make([]Layer, 0, len(manifest.Layers)),
		History: zipHistory(manifest.Layers, config.History),
		Platform: Platform{
			OS:           config.OS,
			Architecture: config.Architecture,
			OSVersion:    config.OSVersion,
		},
	}
	for _, desc := range manifest.Layers {
		image.Layers = append(image.Layers, Layer{
			Digest:    digest.Digest(desc.Digest.String()),
			Size:      desc.Size,
			MediaType: string(desc.MediaType),
		})
	}

	return &ImageSet{
		Date:      image.Created(),
		Images:    []Image{image},
		Platforms: []Platform{image.Platform},
		SetDigest: dgst,
	}, nil
}

// zipHistory pairs layer descriptors with the config's history entries,
// one per layer in storage order. Config histories also record steps
// that produced no layer; those are skipped so the pairing stays
// one-to-one. Short histories are padded with zero entries.
func zipHistory(layers []v1.Descriptor, entries []v1.History) []History {
	history := make([]History, 0, len(layers))
	var created time.Time

	i := 0
	for _, entry := range entries {
		if entry.EmptyLayer {
			continue
		}
		if i >= len(layers) {
			break
		}
		created = entry.Created.Time
		history = append(history, History{
			Created:   entry.Created.Time,
			CreatedBy: entry.CreatedBy,
		})
		i++
	}

	// pad so every layer keeps a history slot
	for len(history) < len(layers) {
		history = append(history, History{Created: created})
	}

	return history
}
