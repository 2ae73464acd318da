package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reglens/reglens/pkg/cache"
	"github.com/reglens/reglens/pkg/registry"
)

const (
	// scanLockTime bounds how long a crashed submission can block
	// re-attempts for the same image.
	scanLockTime = 5 * time.Minute

	// submitTimeout bounds each outbound backend call; exceeding it is
	// a transient failure, not a fatal one.
	submitTimeout = 60 * time.Second
)

// Orchestrator walks an image's layer chain, submits unscanned layers to
// the backend in dependency order, and records the aggregate outcome.
type Orchestrator struct {
	backend Backend
	store   cache.Store
	results *cache.Cache[ScanResult]
	logger  *slog.Logger
}

func NewOrchestrator(backend Backend, store cache.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		backend: backend,
		store:   store,
		results: cache.New[ScanResult](store, 0),
		logger:  logger,
	}
}

func scanKey(image registry.Image) string {
	return "volatile:scans:" + image.Digest.String()
}

// topmost returns the newest layer — the one whose backend result
// aggregates the whole chain.
func topmost(image registry.Image) (registry.Layer, bool) {
	if len(image.Layers) == 0 {
		return registry.Layer{}, false
	}
	return image.Layers[len(image.Layers)-1], true
}

// GetScan returns the image's vulnerability summary. Without hard it is
// served from cache when present; with hard the backend is always
// queried and the cache refreshed. A backend that has never seen the
// image yields a nil result, not an error.
func (o *Orchestrator) GetScan(ctx context.Context, image registry.Image, hard bool) (*ScanResult, error) {
	key := scanKey(image)

	if !hard {
		if result, found, err := o.results.TryGet(key); err != nil {
			return nil, err
		} else if found {
			return &result, nil
		}
	}

	top, ok := topmost(image)
	if !ok {
		return nil, nil
	}

	layerResult, err := o.backend.GetLayerResult(ctx, top.Digest, true)
	if err != nil {
		if errors.Is(err, ErrNotAnalyzed) {
			return nil, nil
		}
		return nil, err
	}

	result := ScanResult{
		Status:     StatusComplete,
		Components: layerResult.Components,
	}
	if err := o.results.Set(key, result); err != nil {
		return nil, err
	}

	return &result, nil
}

// RequestScan submits all of the image's unscanned layers to the
// backend, oldest first so each layer can reference its parent. The
// whole walk is single-flight per image digest: concurrent callers
// collapse onto one submission pass and re-read the cache afterwards.
//
// A layer the backend rejects as unprocessable is recorded and skipped;
// only if the topmost layer still has no result afterwards is the image
// marked failed, suppressing re-submission until the entry is evicted
// or a hard refresh forces one.
func (o *Orchestrator) RequestScan(ctx context.Context, client registry.Client, repo string, image registry.Image) error {
	key := scanKey(image)

	// already fully cached: nothing to do
	if exists, err := o.results.Exists(key); err != nil {
		return err
	} else if exists {
		return nil
	}

	lock, err := o.store.TakeLock(ctx, "scan:"+image.Digest.String(), scanLockTime, scanLockTime)
	if err != nil {
		return fmt.Errorf("scan lock %s: %w", image.Digest, err)
	}
	defer lock.Release()

	var layerErrors bool
	var lastError string
	var parent *registry.Layer

	for i := range image.Layers {
		layer := image.Layers[i]

		analyzed, err := o.layerScanned(ctx, layer)
		if err != nil {
			return err
		}

		if !analyzed {
			softErr, err := o.submitLayer(ctx, client, repo, layer, parent)
			if err != nil {
				return err
			}
			if softErr != "" {
				// keep going; the next layer chains to the last good one
				layerErrors = true
				lastError = softErr
				o.logger.Warn("layer submission failed",
					"image", image.Digest, "layer", layer.Digest, "error", softErr)
				continue
			}
		}

		parent = &image.Layers[i]
	}

	// if any layer failed, record a degraded result unless the topmost
	// layer can still produce one despite the intermediate failures
	if layerErrors {
		top, ok := topmost(image)
		if !ok {
			return nil
		}
		analyzed, err := o.layerScanned(ctx, top)
		if err != nil {
			return err
		}
		if !analyzed {
			if lastError == "" {
				lastError = "at least one layer of the image could not be scanned"
			}
			return o.results.Set(key, ScanResult{
				Status:  StatusFailed,
				Message: lastError,
			})
		}
	}

	return nil
}

// submitLayer sends one layer-analysis request with a bounded timeout.
// It returns a non-empty soft-error message for outcomes that should
// not abort the walk (unprocessable layer, timeout).
func (o *Orchestrator) submitLayer(ctx context.Context, client registry.Client, repo string, layer registry.Layer, parent *registry.Layer) (string, error) {
	proxy, err := client.GetLayerProxyInfo(ctx, repo, layer)
	if err != nil {
		return "", fmt.Errorf("layer proxy info %s: %w", layer.Digest, err)
	}

	req := LayerRequest{
		Name:          layer.Digest,
		Path:          proxy.URL,
		Authorization: proxy.Authorization,
	}
	if parent != nil {
		req.ParentName = parent.Digest
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	err = o.backend.SubmitLayer(submitCtx, req)
	if err == nil {
		return "", nil
	}

	var unprocessable *UnprocessableError
	if errors.As(err, &unprocessable) {
		return unprocessable.Message, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("submission of layer %s timed out", layer.Digest), nil
	}

	return "", fmt.Errorf("submit layer %s: %w", layer.Digest, err)
}

// layerScanned checks whether the backend already has a result for the
// layer, without pulling vulnerability detail.
func (o *Orchestrator) layerScanned(ctx context.Context, layer registry.Layer) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	_, err := o.backend.GetLayerResult(checkCtx, layer.Digest, false)
	if err != nil {
		if errors.Is(err, ErrNotAnalyzed) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}
