package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Clair implements Backend against the Clair v1 API.
type Clair struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClair(endpoint string, logger *slog.Logger) *Clair {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clair{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type clairLayer struct {
	Name       string            `json:"Name"`
	Path       string            `json:"Path,omitempty"`
	ParentName string            `json:"ParentName,omitempty"`
	Format     string            `json:"Format,omitempty"`
	Headers    map[string]string `json:"Headers,omitempty"`
	Features   []struct {
		Name            string `json:"Name"`
		Version         string `json:"Version"`
		Vulnerabilities []struct {
			Name        string `json:"Name"`
			Severity    string `json:"Severity"`
			Description string `json:"Description"`
			Link        string `json:"Link"`
			FixedBy     string `json:"FixedBy"`
		} `json:"Vulnerabilities"`
	} `json:"Features,omitempty"`
}

type clairEnvelope struct {
	Layer clairLayer `json:"Layer"`
}

func (c *Clair) SubmitLayer(ctx context.Context, req LayerRequest) error {
	layer := clairLayer{
		Name:   req.Name.String(),
		Path:   req.Path,
		Format: "Docker",
	}
	if req.ParentName != "" {
		layer.ParentName = req.ParentName.String()
	}
	if req.Authorization != "" {
		layer.Headers = map[string]string{"Authorization": req.Authorization}
	}

	body, err := json.Marshal(clairEnvelope{Layer: layer})
	if err != nil {
		return fmt.Errorf("encode layer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/layers", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("submit layer %s: %w", req.Name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		return &UnprocessableError{Message: parseClairError(resp.Body)}
	default:
		return fmt.Errorf("submit layer %s: %s", req.Name, resp.Status)
	}
}

func (c *Clair) GetLayerResult(ctx context.Context, dgst digest.Digest, withVulnerabilities bool) (*LayerResult, error) {
	url := fmt.Sprintf("%s/v1/layers/%s", c.endpoint, dgst)
	if withVulnerabilities {
		url += "?features&vulnerabilities"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get layer result %s: %w", dgst, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", dgst, ErrNotAnalyzed)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get layer result %s: %s", dgst, resp.Status)
	}

	var envelope clairEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode layer result %s: %w", dgst, err)
	}

	result := &LayerResult{Name: dgst}
	for _, feature := range envelope.Layer.Features {
		component := Component{Name: feature.Name, Version: feature.Version}
		for _, vuln := range feature.Vulnerabilities {
			component.Vulnerabilities = append(component.Vulnerabilities, Vulnerability{
				Name:        vuln.Name,
				Severity:    vuln.Severity,
				Description: vuln.Description,
				Link:        vuln.Link,
				FixedBy:     vuln.FixedBy,
			})
		}
		result.Components = append(result.Components, component)
	}

	return result, nil
}

// parseClairError digs the human-readable message out of a Clair error
// body; the raw body is a fallback when it doesn't parse.
func parseClairError(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}

	var parsed struct {
		Error struct {
			Message string `json:"Message"`
		} `json:"Error"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Error.Message == "" {
		return strings.TrimSpace(string(raw))
	}

	return parsed.Error.Message
}
