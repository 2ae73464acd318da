// Package tarball reads compressed layer archives. A layer blob is a
// gzipped tar stream; entries are enumerated without materializing
// content, and single files can be streamed out on demand.
package tarball

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrCorruptArchive indicates the layer blob could not be parsed as
	// a gzipped tar stream. Callers indexing a layer stack treat this as
	// "stop descending, keep partial results".
	ErrCorruptArchive = errors.New("corrupt or truncated layer archive")

	// ErrNotFound indicates the requested path is not present in the
	// archive.
	ErrNotFound = errors.New("path not found in layer archive")
)

// OpenFunc reopens the layer blob from the start. Extracting a file may
// need a second pass when the entry is a hard link to another entry.
type OpenFunc func() (io.ReadCloser, error)

// ListFiles enumerates the file entries of one layer archive in order.
// Directories are omitted; whiteout markers are ordinary file entries at
// this level and are returned as-is.
func ListFiles(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer gz.Close()

	var files []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}

		switch header.Typeflag {
		case tar.TypeReg, tar.TypeSymlink, tar.TypeLink:
			files = append(files, Normalize(header.Name))
		}
	}

	return files, nil
}

// ExtractFile locates one entry in the layer archive and returns its
// content. A hard-link entry is followed one hop to its target.
func ExtractFile(open OpenFunc, filePath string) ([]byte, error) {
	target := Normalize(filePath)

	content, linkTarget, err := scanFor(open, target)
	if err != nil {
		return nil, err
	}
	if linkTarget == "" {
		return content, nil
	}

	// hard link: the data lives under the link target's entry
	content, linkTarget, err = scanFor(open, linkTarget)
	if err != nil {
		return nil, err
	}
	if linkTarget != "" {
		return nil, fmt.Errorf("%w: %s resolves to nested hard link", ErrNotFound, filePath)
	}

	return content, nil
}

// scanFor walks the archive once looking for target. It returns either
// the entry's content or, for a hard link, the normalized link target.
func scanFor(open OpenFunc, target string) (content []byte, linkTarget string, err error) {
	r, err := open()
	if err != nil {
		return nil, "", fmt.Errorf("open layer archive: %w", err)
	}
	defer r.Close()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}

		if Normalize(header.Name) != target {
			continue
		}

		switch header.Typeflag {
		case tar.TypeReg:
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, "", fmt.Errorf("%w: %v", ErrCorruptArchive, err)
			}
			return buf.Bytes(), "", nil
		case tar.TypeLink:
			return nil, Normalize(header.Linkname), nil
		case tar.TypeSymlink:
			// symlink targets may point outside the layer; surface the
			// target path instead of chasing it
			return []byte(header.Linkname), "", nil
		default:
			return nil, "", fmt.Errorf("%w: %s is not a file", ErrNotFound, target)
		}
	}

	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, target)
}

// Normalize converts a tar entry name to a clean, slash-separated path
// relative to the archive root.
func Normalize(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}
