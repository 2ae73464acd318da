// Package content indexes and serves the contents of paths inside an
// image. Lookups are pure cache reads; indexing walks the image's layer
// stack and is meant to run off the request path, since its cost grows
// with total layer size.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/reglens/reglens/pkg/aufs"
	"github.com/reglens/reglens/pkg/cache"
	"github.com/reglens/reglens/pkg/registry"
	"github.com/reglens/reglens/pkg/tarball"
)

// Result is the outcome of one content lookup. A directory carries its
// recursive Children listing, a file carries its raw Content.
type Result struct {
	Exists   bool     `json:"exists"`
	Children []string `json:"children,omitempty"`
	Content  []byte   `json:"content,omitempty"`
}

// layer indexes are cheap to rebuild and may be large; keep them briefly
const indexTTL = 15 * time.Minute

// Scanner resolves paths inside images and caches the results, keyed by
// (image digest, path).
type Scanner struct {
	results *cache.Cache[Result]
	indexes *cache.Cache[[]aufs.LayerIndex]
	logger  *slog.Logger
}

func NewScanner(store cache.Store, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		results: cache.New[Result](store, 0),
		indexes: cache.New[[]aufs.LayerIndex](store, indexTTL),
		logger:  logger,
	}
}

func resultKey(image registry.Image, path string) string {
	return fmt.Sprintf("static:content:%s:%s", image.Digest, path)
}

func indexKey(image registry.Image) string {
	return "volatile:indexes:" + image.Digest.String()
}

// GetPath returns the cached lookup result for path. The second return
// distinguishes "not yet indexed" from an indexed "does not exist"
// (which comes back as a Result with Exists=false).
func (s *Scanner) GetPath(image registry.Image, path string) (*Result, bool, error) {
	result, found, err := s.results.TryGet(resultKey(image, tarball.Normalize(path)))
	if err != nil || !found {
		return nil, false, err
	}
	return &result, true, nil
}

// Index locates path in the image's whiteout-filtered merged view and
// caches the outcome: a miss, a recursive directory listing, or the
// file's content.
//
// The directory case currently returns the full merged tree rather than
// scoping to the requested subdirectory; callers filter client-side.
func (s *Scanner) Index(ctx context.Context, client registry.Client, repo string, image registry.Image, path string) error {
	path = tarball.Normalize(path)
	key := resultKey(image, path)

	indexes, err := s.imageIndexes(ctx, client, repo, image)
	if err != nil {
		return err
	}

	owner, isDir := findPath(indexes, path)

	switch {
	case owner == nil && !isDir:
		return s.results.Set(key, Result{Exists: false})

	case isDir:
		return s.results.Set(key, Result{Exists: true, Children: mergedListing(indexes)})

	default:
		file, err := client.GetFile(ctx, repo, registry.Layer{Digest: owner.Digest}, path)
		if err != nil {
			return fmt.Errorf("extract %s from %s: %w", path, owner.Digest, err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return fmt.Errorf("read %s from %s: %w", path, owner.Digest, err)
		}

		return s.results.Set(key, Result{Exists: true, Content: content})
	}
}

// Request queues one Index invocation for background processing.
type Request struct {
	Client registry.Client
	Repo   string
	Image  registry.Image
	Path   string
}

// Serve drains index requests until the channel closes or ctx ends.
// Indexing failures are logged, not propagated; the affected path just
// stays un-indexed.
func (s *Scanner) Serve(ctx context.Context, requests <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			if err := s.Index(ctx, req.Client, req.Repo, req.Image, req.Path); err != nil {
				s.logger.Error("content index failed",
					"image", req.Image.Digest, "path", req.Path, "error", err)
			}
		}
	}
}

// imageIndexes returns the whiteout-filtered layer indexes of the image,
// building and caching them when absent. Indexing walks top-down; a
// corrupt layer archive halts descent but keeps the layers indexed so
// far, since the upper layers' view is still valid.
func (s *Scanner) imageIndexes(ctx context.Context, client registry.Client, repo string, image registry.Image) ([]aufs.LayerIndex, error) {
	key := indexKey(image)

	if indexes, found, err := s.indexes.TryGet(key); err != nil {
		return nil, err
	} else if found {
		return indexes, nil
	}

	var raw []aufs.LayerIndex
	depth := 1
	for i := len(image.Layers) - 1; i >= 0; i-- {
		layer := image.Layers[i]

		files, err := s.listLayerFiles(ctx, client, repo, layer)
		if err != nil {
			if errors.Is(err, tarball.ErrCorruptArchive) {
				s.logger.Error("corrupt layer archive, halting index",
					"image", image.Digest, "layer", layer.Digest, "error", err)
				break
			}
			return nil, err
		}

		raw = append(raw, aufs.LayerIndex{
			Depth:  depth,
			Digest: layer.Digest,
			Files:  files,
		})
		depth++
	}

	indexes := aufs.FilterLayers(raw)
	if err := s.indexes.Set(key, indexes); err != nil {
		return nil, err
	}

	return indexes, nil
}

func (s *Scanner) listLayerFiles(ctx context.Context, client registry.Client, repo string, layer registry.Layer) ([]string, error) {
	archive, err := client.GetLayerArchive(ctx, repo, layer.Digest)
	if err != nil {
		return nil, fmt.Errorf("fetch layer %s: %w", layer.Digest, err)
	}
	defer archive.Close()

	return tarball.ListFiles(archive)
}

// findPath locates which layer owns path in the merged view. A file is
// owned by the topmost layer carrying it; a path with entries beneath it
// is a directory.
func findPath(indexes []aufs.LayerIndex, path string) (owner *aufs.LayerIndex, isDir bool) {
	for i := range indexes {
		for _, file := range indexes[i].Files {
			if file == path {
				return &indexes[i], false
			}
			if strings.HasPrefix(file, path+"/") {
				isDir = true
			}
		}
	}
	return nil, isDir
}

// mergedListing flattens the filtered stack into one deduplicated,
// sorted file list.
func mergedListing(indexes []aufs.LayerIndex) []string {
	seen := make(map[string]bool)
	var files []string
	for _, index := range indexes {
		for _, file := range index.Files {
			if !seen[file] {
				seen[file] = true
				files = append(files, file)
			}
		}
	}
	sort.Strings(files)
	return files
}
