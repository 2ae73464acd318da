// Package scan drives per-layer vulnerability analysis of images
// through an external scan backend, caching aggregate results by image
// digest. Absence of a cached result means "never scanned"; failures
// are recorded as a degraded result, not raised as faults.
package scan

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
)

// Status of a completed scan attempt. A pending scan has no cache entry
// at all.
type Status string

const (
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Vulnerability is one finding against a component in a layer.
type Vulnerability struct {
	Name        string `json:"name"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
	FixedBy     string `json:"fixedBy,omitempty"`
}

// Component is a package found in the image, with any vulnerabilities
// recorded against it.
type Component struct {
	Name            string          `json:"name"`
	Version         string          `json:"version,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
}

// ScanResult is the cached per-image outcome.
type ScanResult struct {
	Status     Status      `json:"status"`
	Message    string      `json:"message,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// LayerRequest asks the backend to analyze one layer. The backend pulls
// the layer bytes itself from Path (with Authorization if set);
// ParentName chains the layer to the one below it so the backend sees
// the same union-filesystem stack we do.
type LayerRequest struct {
	Name          digest.Digest
	ParentName    digest.Digest
	Path          string
	Authorization string
}

// LayerResult is the backend's analysis of one layer, aggregated down
// its parent chain.
type LayerResult struct {
	Name       digest.Digest
	Components []Component
}

var (
	// ErrNotAnalyzed indicates the backend has no result for the layer;
	// it was never submitted or analysis has not finished.
	ErrNotAnalyzed = errors.New("layer not analyzed")
)

// UnprocessableError is the backend refusing to analyze a layer. This
// can be transient or a backend quirk, so the orchestrator records it
// and keeps going instead of aborting the image.
type UnprocessableError struct {
	Message string
}

func (e *UnprocessableError) Error() string {
	return "layer unprocessable: " + e.Message
}

// Backend is the narrow submit/query contract to the external scan
// service.
type Backend interface {
	SubmitLayer(ctx context.Context, req LayerRequest) error
	GetLayerResult(ctx context.Context, dgst digest.Digest, withVulnerabilities bool) (*LayerResult, error)
}
