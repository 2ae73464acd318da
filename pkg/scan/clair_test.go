package scan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestClairSubmitLayer(t *testing.T) {
	var got clairEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/layers" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode submission: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClair(srv.URL, nil)
	err := c.SubmitLayer(context.Background(), LayerRequest{
		Name:          digest.FromString("layer"),
		ParentName:    digest.FromString("parent"),
		Path:          "https://registry.example.com/v2/team/app/blobs/sha256:abc",
		Authorization: "Bearer token",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got.Layer.Name != digest.FromString("layer").String() {
		t.Errorf("name = %q", got.Layer.Name)
	}
	if got.Layer.ParentName != digest.FromString("parent").String() {
		t.Errorf("parent = %q", got.Layer.ParentName)
	}
	if got.Layer.Format != "Docker" {
		t.Errorf("format = %q, want Docker", got.Layer.Format)
	}
	if got.Layer.Headers["Authorization"] != "Bearer token" {
		t.Errorf("headers = %v, want the proxy authorization", got.Layer.Headers)
	}
}

func TestClairSubmitUnprocessable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"Error":{"Message":"could not extract layer"}}`))
	}))
	defer srv.Close()

	c := NewClair(srv.URL, nil)
	err := c.SubmitLayer(context.Background(), LayerRequest{Name: digest.FromString("layer")})

	var unprocessable *UnprocessableError
	if !errors.As(err, &unprocessable) {
		t.Fatalf("got %v, want UnprocessableError", err)
	}
	if unprocessable.Message != "could not extract layer" {
		t.Errorf("message = %q, want the parsed error body", unprocessable.Message)
	}
}

func TestClairGetLayerResult(t *testing.T) {
	dgst := digest.FromString("layer")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/layers/"+dgst.String()) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if _, ok := r.URL.Query()["vulnerabilities"]; !ok {
			t.Error("vulnerability detail not requested")
		}
		w.Write([]byte(`{"Layer":{"Name":"` + dgst.String() + `","Features":[
			{"Name":"openssl","Version":"1.1.1","Vulnerabilities":[
				{"Name":"CVE-2023-0001","Severity":"High","FixedBy":"1.1.1a"}]}]}}`))
	}))
	defer srv.Close()

	c := NewClair(srv.URL, nil)
	result, err := c.GetLayerResult(context.Background(), dgst, true)
	if err != nil {
		t.Fatalf("get layer result: %v", err)
	}

	if len(result.Components) != 1 {
		t.Fatalf("components = %+v, want one", result.Components)
	}
	component := result.Components[0]
	if component.Name != "openssl" || component.Version != "1.1.1" {
		t.Errorf("component = %+v", component)
	}
	if len(component.Vulnerabilities) != 1 || component.Vulnerabilities[0].Name != "CVE-2023-0001" {
		t.Errorf("vulnerabilities = %+v", component.Vulnerabilities)
	}
}

func TestClairGetLayerResultNotAnalyzed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClair(srv.URL, nil)
	if _, err := c.GetLayerResult(context.Background(), digest.FromString("layer"), false); !errors.Is(err, ErrNotAnalyzed) {
		t.Errorf("got %v, want ErrNotAnalyzed", err)
	}
}
