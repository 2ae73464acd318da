// Package aufs computes the effective merged file view of a union
// filesystem layer stack. Deletions are represented by whiteout marker
// files left in newer layers; the filter applies those markers top-down
// so hidden paths never reappear from older layers.
package aufs

import (
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opaque"
)

// LayerIndex is the file listing of one layer. Depth 1 is the topmost
// (most recent) layer; deeper indexes are older.
type LayerIndex struct {
	Depth  int           `json:"depth"`
	Digest digest.Digest `json:"digest"`
	Files  []string      `json:"files"`
}

// FilterLayers applies whiteout markers across an ordered layer stack
// (topmost first). Marker files are removed from their own layer's
// listing; a plain marker hides the same path in every deeper layer, an
// opaque marker hides everything under its directory. The filter is pure:
// the input slice is not modified, and filtering an already-filtered
// stack returns it unchanged.
func FilterLayers(indexes []LayerIndex) []LayerIndex {
	hiddenPaths := make(map[string]bool)
	var opaqueDirs []string

	filtered := make([]LayerIndex, 0, len(indexes))
	for _, index := range indexes {
		files := make([]string, 0, len(index.Files))
		for _, file := range index.Files {
			if hiddenPaths[file] || underOpaqueDir(file, opaqueDirs) {
				continue
			}
			if !isWhiteout(file) {
				files = append(files, file)
			}
		}

		// this layer's markers only affect deeper (older) layers
		for _, file := range index.Files {
			if !isWhiteout(file) {
				continue
			}
			dir, base := path.Split(file)
			if base == opaqueMarker {
				opaqueDirs = append(opaqueDirs, strings.TrimSuffix(dir, "/"))
			} else {
				hiddenPaths[path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))] = true
			}
		}

		filtered = append(filtered, LayerIndex{
			Depth:  index.Depth,
			Digest: index.Digest,
			Files:  files,
		})
	}

	return filtered
}

func isWhiteout(file string) bool {
	return strings.HasPrefix(path.Base(file), whiteoutPrefix)
}

func underOpaqueDir(file string, opaqueDirs []string) bool {
	for _, dir := range opaqueDirs {
		if dir == "" {
			return true
		}
		if strings.HasPrefix(file, dir+"/") {
			return true
		}
	}
	return false
}
