package content

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/reglens/reglens/pkg/cache"
	"github.com/reglens/reglens/pkg/registry"
	"github.com/reglens/reglens/pkg/tarball"
)

// archiveClient serves layer archives out of a map; everything else on
// the client contract is unused by the scanner.
type archiveClient struct {
	archives map[digest.Digest][]byte
	fetches  int
}

var errNotImplemented = errors.New("not implemented")

func (c *archiveClient) GetLayerArchive(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	c.fetches++
	archive, ok := c.archives[dgst]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(archive)), nil
}

func (c *archiveClient) GetFile(ctx context.Context, repo string, layer registry.Layer, path string) (io.ReadCloser, error) {
	content, err := tarball.ExtractFile(func() (io.ReadCloser, error) {
		return c.GetLayerArchive(ctx, repo, layer.Digest)
	}, path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (c *archiveClient) ResolveImageSet(ctx context.Context, repo, ref string) (*registry.ImageSet, error) {
	return nil, errNotImplemented
}

func (c *archiveClient) GetImageConfig(ctx context.Context, repo string, dgst digest.Digest) (*v1.ConfigFile, error) {
	return nil, errNotImplemented
}

func (c *archiveClient) GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	return nil, errNotImplemented
}

func (c *archiveClient) ListRepositories(ctx context.Context) ([]registry.Repository, error) {
	return nil, errNotImplemented
}

func (c *archiveClient) ListTags(ctx context.Context, repo string) ([]string, error) {
	return nil, errNotImplemented
}

func (c *archiveClient) DeleteImage(ctx context.Context, repo string, dgst digest.Digest) error {
	return errNotImplemented
}

func (c *archiveClient) DeleteRepository(ctx context.Context, repo string) error {
	return errNotImplemented
}

func (c *archiveClient) GetLayerProxyInfo(ctx context.Context, repo string, layer registry.Layer) (*registry.LayerProxyInfo, error) {
	return nil, errNotImplemented
}

func buildLayer(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		header := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	return buf.Bytes()
}

// testImage wires a two-layer image: the upper layer whites out the base
// layer's etc/motd and adds a file of its own.
func testImage(t *testing.T) (*archiveClient, registry.Image) {
	t.Helper()

	base := buildLayer(t, map[string]string{
		"etc/motd":  "old greeting\n",
		"etc/hosts": "127.0.0.1 localhost\n",
	})
	upper := buildLayer(t, map[string]string{
		"etc/.wh.motd":   "",
		"app/config.yml": "greeting: hello\n",
	})

	baseDigest := digest.FromBytes(base)
	upperDigest := digest.FromBytes(upper)

	client := &archiveClient{archives: map[digest.Digest][]byte{
		baseDigest:  base,
		upperDigest: upper,
	}}
	image := registry.Image{
		Digest: digest.FromString("image"),
		Layers: []registry.Layer{
			{Digest: baseDigest},
			{Digest: upperDigest},
		},
	}

	return client, image
}

func TestGetPathBeforeIndexing(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	_, image := testImage(t)

	result, indexed, err := scanner.GetPath(image, "etc/hosts")
	if err != nil {
		t.Fatalf("get path: %v", err)
	}
	if indexed || result != nil {
		t.Errorf("got (%+v, %v), want un-indexed miss", result, indexed)
	}
}

func TestIndexFile(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	client, image := testImage(t)
	ctx := context.Background()

	if err := scanner.Index(ctx, client, "team/app", image, "/app/config.yml"); err != nil {
		t.Fatalf("index: %v", err)
	}

	// leading slash trimmed on lookup too
	result, indexed, err := scanner.GetPath(image, "app/config.yml")
	if err != nil || !indexed {
		t.Fatalf("get path: indexed=%v err=%v", indexed, err)
	}
	if !result.Exists {
		t.Fatal("Exists = false, want true")
	}
	if string(result.Content) != "greeting: hello\n" {
		t.Errorf("content = %q, want the upper layer's file", result.Content)
	}
}

func TestIndexWhitedOutFile(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	client, image := testImage(t)
	ctx := context.Background()

	if err := scanner.Index(ctx, client, "team/app", image, "etc/motd"); err != nil {
		t.Fatalf("index: %v", err)
	}

	result, indexed, err := scanner.GetPath(image, "etc/motd")
	if err != nil || !indexed {
		t.Fatalf("get path: indexed=%v err=%v", indexed, err)
	}
	if result.Exists {
		t.Error("whited-out file reported as existing")
	}
}

func TestIndexSurvivingBaseFile(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	client, image := testImage(t)
	ctx := context.Background()

	if err := scanner.Index(ctx, client, "team/app", image, "etc/hosts"); err != nil {
		t.Fatalf("index: %v", err)
	}

	result, indexed, err := scanner.GetPath(image, "etc/hosts")
	if err != nil || !indexed {
		t.Fatalf("get path: indexed=%v err=%v", indexed, err)
	}
	if string(result.Content) != "127.0.0.1 localhost\n" {
		t.Errorf("content = %q, want the base layer's file", result.Content)
	}
}

func TestIndexDirectory(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	client, image := testImage(t)
	ctx := context.Background()

	if err := scanner.Index(ctx, client, "team/app", image, "etc"); err != nil {
		t.Fatalf("index: %v", err)
	}

	result, indexed, err := scanner.GetPath(image, "etc")
	if err != nil || !indexed {
		t.Fatalf("get path: indexed=%v err=%v", indexed, err)
	}
	if !result.Exists {
		t.Fatal("Exists = false, want directory hit")
	}

	want := []string{"app/config.yml", "etc/hosts"}
	if !reflect.DeepEqual(result.Children, want) {
		t.Errorf("children = %v, want %v", result.Children, want)
	}
}

func TestIndexReusesLayerIndexes(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	client, image := testImage(t)
	ctx := context.Background()

	if err := scanner.Index(ctx, client, "team/app", image, "etc/hosts"); err != nil {
		t.Fatal(err)
	}
	listFetches := client.fetches

	// second path on the same image must not re-list the layers
	if err := scanner.Index(ctx, client, "team/app", image, "etc/motd"); err != nil {
		t.Fatal(err)
	}
	if client.fetches != listFetches {
		t.Errorf("layer fetches grew from %d to %d on a cached index", listFetches, client.fetches)
	}
}

func TestIndexCorruptLayerKeepsUpperLayers(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	client, image := testImage(t)
	ctx := context.Background()

	// corrupt the base layer; the upper layer's view stays usable
	client.archives[image.Layers[0].Digest] = []byte("not a gzip stream")

	if err := scanner.Index(ctx, client, "team/app", image, "app/config.yml"); err != nil {
		t.Fatalf("index: %v", err)
	}
	result, indexed, err := scanner.GetPath(image, "app/config.yml")
	if err != nil || !indexed || !result.Exists {
		t.Fatalf("upper layer file lost: indexed=%v exists=%v err=%v", indexed, result != nil && result.Exists, err)
	}

	if err := scanner.Index(ctx, client, "team/app", image, "etc/hosts"); err != nil {
		t.Fatalf("index: %v", err)
	}
	result, _, err = scanner.GetPath(image, "etc/hosts")
	if err != nil {
		t.Fatal(err)
	}
	if result.Exists {
		t.Error("file beneath the corrupt layer reported as existing")
	}
}

func TestServeProcessesQueuedRequests(t *testing.T) {
	scanner := NewScanner(cache.NewMemoryStore(), nil)
	client, image := testImage(t)

	requests := make(chan Request, 1)
	requests <- Request{Client: client, Repo: "team/app", Image: image, Path: "etc/hosts"}
	close(requests)

	scanner.Serve(context.Background(), requests)

	result, indexed, err := scanner.GetPath(image, "etc/hosts")
	if err != nil || !indexed {
		t.Fatalf("get path: indexed=%v err=%v", indexed, err)
	}
	if !result.Exists {
		t.Error("queued request left the path un-indexed")
	}
}
