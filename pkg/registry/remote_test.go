package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

const testToken = "deadbeef-token"

// fakeRegistry serves just enough of the registry wire protocol for the
// client under test, including the bearer-token handshake.
type fakeRegistry struct {
	srv *httptest.Server

	manifests map[string][]byte // "<repo>/<ref>" -> raw manifest
	blobs     map[string][]byte // digest -> content
	tags      map[string][]string
	deleted   []string // "<repo>/<digest>" per DELETE

	tokenScopes []string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()

	f := &fakeRegistry{
		manifests: make(map[string][]byte),
		blobs:     make(map[string][]byte),
		tags:      make(map[string][]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeRegistry) addImage(t *testing.T, repo, tag string, manifest []byte, blobs map[digest.Digest][]byte) digest.Digest {
	t.Helper()

	dgst := digest.FromBytes(manifest)
	f.manifests[repo+"/"+tag] = manifest
	f.manifests[repo+"/"+dgst.String()] = manifest
	f.tags[repo] = append(f.tags[repo], tag)
	for d, content := range blobs {
		f.blobs[d.String()] = content
	}

	return dgst
}

func (f *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		f.tokenScopes = append(f.tokenScopes, r.URL.Query().Get("scope"))
		json.NewEncoder(w).Encode(map[string]string{"token": testToken})
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="test-registry"`, f.srv.URL+"/token"))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v2")
	switch {
	case path == "/" || path == "":
		w.WriteHeader(http.StatusOK)

	case path == "/_catalog":
		repos := make([]string, 0, len(f.tags))
		for repo := range f.tags {
			repos = append(repos, repo)
		}
		json.NewEncoder(w).Encode(map[string]any{"repositories": repos})

	case strings.HasSuffix(path, "/tags/list"):
		repo := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/tags/list")
		tags, ok := f.tags[repo]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": repo, "tags": tags})

	case strings.Contains(path, "/manifests/"):
		i := strings.LastIndex(path, "/manifests/")
		repo, ref := strings.TrimPrefix(path[:i], "/"), path[i+len("/manifests/"):]

		if r.Method == http.MethodDelete {
			if _, ok := f.manifests[repo+"/"+ref]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			f.deleted = append(f.deleted, repo+"/"+ref)
			w.WriteHeader(http.StatusAccepted)
			return
		}

		raw, ok := f.manifests[repo+"/"+ref]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(raw).String())
		w.Header().Set("Content-Type", mediaTypeManifest)
		w.Write(raw)

	case strings.Contains(path, "/blobs/"):
		i := strings.LastIndex(path, "/blobs/")
		content, ok := f.blobs[path[i+len("/blobs/"):]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(content)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// seedRemoteImage builds a single-layer image on the fake registry.
func seedRemoteImage(t *testing.T, f *fakeRegistry, repo, tag string) (digest.Digest, []Layer) {
	t.Helper()

	archive := layerArchive(t, map[string]string{"etc/motd": "hi\n"})
	layerDigest := digest.FromBytes(archive)
	layers := []Layer{{Digest: layerDigest, Size: int64(len(archive)), MediaType: mediaTypeLayer}}

	config := configBlob(t, "amd64", "linux", "ADD rootfs.tar /")
	configDigest := digest.FromBytes(config)

	manifest := thinManifest(t, configDigest, int64(len(config)), layers)
	dgst := f.addImage(t, repo, tag, manifest, map[digest.Digest][]byte{
		layerDigest:  archive,
		configDigest: config,
	})

	return dgst, layers
}

func TestRemoteResolveImageSet(t *testing.T) {
	f := newFakeRegistry(t)
	dgst, layers := seedRemoteImage(t, f, "team/app", "v1")

	client := NewRemote(f.srv.URL, "bob", "hunter2", nil)
	set, err := client.ResolveImageSet(context.Background(), "team/app", "v1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if set.SetDigest != dgst {
		t.Errorf("set digest = %s, want %s", set.SetDigest, dgst)
	}
	if len(set.Images) != 1 || len(set.Images[0].Layers) != 1 {
		t.Fatalf("images = %+v, want one single-layer image", set.Images)
	}
	if set.Images[0].Layers[0].Digest != layers[0].Digest {
		t.Errorf("layer digest = %s, want %s", set.Images[0].Layers[0].Digest, layers[0].Digest)
	}

	// the bearer handshake runs once per scope
	if want := pullScope("team/app"); len(f.tokenScopes) != 1 || f.tokenScopes[0] != want {
		t.Errorf("token scopes = %v, want [%s]", f.tokenScopes, want)
	}
}

func TestRemoteResolveNotFound(t *testing.T) {
	f := newFakeRegistry(t)
	seedRemoteImage(t, f, "team/app", "v1")

	client := NewRemote(f.srv.URL, "", "", nil)
	if _, err := client.ResolveImageSet(context.Background(), "team/app", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRemoteListRepositoriesAndTags(t *testing.T) {
	f := newFakeRegistry(t)
	seedRemoteImage(t, f, "team/app", "v1")

	client := NewRemote(f.srv.URL, "", "", nil)

	repos, err := client.ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("list repositories: %v", err)
	}
	if len(repos) != 1 || repos[0].Name != "team/app" || repos[0].Tags != 1 {
		t.Errorf("repositories = %+v, want team/app with 1 tag", repos)
	}
	if repos[0].Permissions != PermissionPull {
		t.Errorf("permissions = %s, want pull", repos[0].Permissions)
	}

	tags, err := client.ListTags(context.Background(), "team/app")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"v1"}) {
		t.Errorf("tags = %v, want [v1]", tags)
	}

	if _, err := client.ListTags(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown repository: got %v, want ErrNotFound", err)
	}
}

func TestRemoteGetFile(t *testing.T) {
	f := newFakeRegistry(t)
	_, layers := seedRemoteImage(t, f, "team/app", "v1")

	client := NewRemote(f.srv.URL, "", "", nil)
	file, err := client.GetFile(context.Background(), "team/app", layers[0], "etc/motd")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hi\n" {
		t.Errorf("content = %q, want %q", content, "hi\n")
	}
}

func TestRemoteDeleteImage(t *testing.T) {
	f := newFakeRegistry(t)
	dgst, _ := seedRemoteImage(t, f, "team/app", "v1")

	client := NewRemote(f.srv.URL, "", "", nil)
	if err := client.DeleteImage(context.Background(), "team/app", dgst); err != nil {
		t.Fatalf("delete image: %v", err)
	}
	if !reflect.DeepEqual(f.deleted, []string{"team/app/" + dgst.String()}) {
		t.Errorf("deleted = %v, want the manifest digest", f.deleted)
	}
}

func TestRemoteDeleteRepository(t *testing.T) {
	f := newFakeRegistry(t)
	dgst, _ := seedRemoteImage(t, f, "team/app", "v1")
	// second tag on the same manifest must not trigger a second delete
	f.manifests["team/app/latest"] = f.manifests["team/app/v1"]
	f.tags["team/app"] = append(f.tags["team/app"], "latest")

	client := NewRemote(f.srv.URL, "", "", nil)
	if err := client.DeleteRepository(context.Background(), "team/app"); err != nil {
		t.Fatalf("delete repository: %v", err)
	}
	if !reflect.DeepEqual(f.deleted, []string{"team/app/" + dgst.String()}) {
		t.Errorf("deleted = %v, want exactly one delete", f.deleted)
	}
}

func TestRemoteGetLayerProxyInfo(t *testing.T) {
	f := newFakeRegistry(t)
	_, layers := seedRemoteImage(t, f, "team/app", "v1")

	client := NewRemote(f.srv.URL, "", "", nil)
	info, err := client.GetLayerProxyInfo(context.Background(), "team/app", layers[0])
	if err != nil {
		t.Fatalf("proxy info: %v", err)
	}

	wantURL := fmt.Sprintf("%s/v2/team/app/blobs/%s", f.srv.URL, layers[0].Digest)
	if info.URL != wantURL {
		t.Errorf("url = %q, want %q", info.URL, wantURL)
	}
	if info.Authorization != "Bearer "+testToken {
		t.Errorf("authorization = %q, want the negotiated bearer token", info.Authorization)
	}
}

func TestRemoteUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="test-registry"`, "http://"+r.Host+"/token"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewRemote(srv.URL, "bob", "wrong", nil)
	if _, err := client.ListTags(context.Background(), "team/app"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestHostToEndpoint(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"docker.io", "https://registry-1.docker.io/v2"},
		{"hub.docker.io", "https://registry-1.docker.io/v2"},
		{"registry-1.docker.io", "https://registry-1.docker.io/v2"},
		{"registry.example.com", "https://registry.example.com/v2"},
		{"localhost:5000", "http://localhost:5000/v2"},
		{"http://registry.example.com", "http://registry.example.com/v2"},
		{"Registry.Example.Com/", "https://registry.example.com/v2"},
	}

	for _, tt := range tests {
		if got := hostToEndpoint(tt.host); got != tt.want {
			t.Errorf("hostToEndpoint(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestParseBearerChallenge(t *testing.T) {
	ch, err := parseBearerChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ch.realm != "https://auth.example.com/token" || ch.service != "registry.example.com" {
		t.Errorf("challenge = %+v", ch)
	}

	for _, header := range []string{"", "Basic realm=foo", `Bearer service="x"`} {
		if _, err := parseBearerChallenge(header); err == nil {
			t.Errorf("parseBearerChallenge(%q) succeeded, want error", header)
		}
	}
}
