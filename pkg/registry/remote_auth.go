package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// bearerChallenge is the parsed WWW-Authenticate header a registry
// returns when a request needs a token.
type bearerChallenge struct {
	realm   string
	service string
}

func parseBearerChallenge(header string) (*bearerChallenge, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errors.New("not a bearer challenge")
	}

	out := &bearerChallenge{}
	for _, part := range strings.Split(strings.TrimPrefix(header, "Bearer "), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.Trim(kv[1], `"`)

		switch kv[0] {
		case "realm":
			out.realm = value
		case "service":
			out.service = value
		}
	}

	if out.realm == "" {
		return nil, errors.New("invalid bearer challenge")
	}
	return out, nil
}

// fetchBearerToken exchanges the challenge (plus optional basic
// credentials) for a scoped bearer token at the auth realm.
func (c *Remote) fetchBearerToken(ctx context.Context, ch *bearerChallenge, scope string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ch.realm, nil)
	if err != nil {
		return "", err
	}

	q := req.URL.Query()
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	req.URL.RawQuery = q.Encode()

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("token request: %s: %w", resp.Status, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: %s", resp.Status)
	}

	var out struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	if out.Token != "" {
		return out.Token, nil
	}
	return out.AccessToken, nil
}

// Docker uses some nonstandard names for Docker Hub.
const dockerHub = "registry-1.docker.io"

var dockerHubAliases = map[string]bool{
	"docker.io":            true,
	"hub.docker.io":        true,
	"registry.docker.io":   true,
	"registry-1.docker.io": true,
}

// hostToEndpoint normalizes a registry host into its v2 API base URL.
// Hub aliases collapse to the canonical hub host; a bare host with a
// port is assumed to be a plain-http local registry.
func hostToEndpoint(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "/"))
	if dockerHubAliases[host] {
		host = dockerHub
	}

	if !strings.Contains(host, "://") {
		if strings.Contains(host, ":") {
			host = "http://" + host
		} else {
			host = "https://" + host
		}
	}

	return host + "/v2"
}
