package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPResolver resolves redirect URLs either by following the redirect chain
// directly, or by delegating to an external resolver service when an
// endpoint is configured. Some redirect hosts obfuscate targets behind
// JavaScript, which only the external service can unwrap.
type HTTPResolver struct {
	client   *http.Client
	endpoint string
	maxHops  int
}

func NewHTTPResolver(endpoint string, timeout time.Duration, maxHops int) *HTTPResolver {
	if maxHops <= 0 {
		maxHops = 10
	}
	resolver := &HTTPResolver{
		endpoint: strings.TrimSpace(endpoint),
		maxHops:  maxHops,
	}
	resolver.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxHops {
				return fmt.Errorf("redirect chain exceeds %d hops", maxHops)
			}
			// Pace the individual requests of one redirect chain when a
			// per-query delay is in effect.
			if d := PerQueryDelay(req.Context(), 0); d > 0 {
				timer := time.NewTimer(d)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-req.Context().Done():
					return req.Context().Err()
				}
			}
			return nil
		},
	}
	return resolver
}

func (r *HTTPResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	if r.endpoint != "" {
		return r.resolveViaEndpoint(ctx, rawURL)
	}
	return r.resolveViaRedirects(ctx, rawURL)
}

func (r *HTTPResolver) resolveViaRedirects(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("User-Agent", "tape/1.0 (+https://horse.fit/tape)")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("follow redirects: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("resolve target returned status %d", resp.StatusCode)
	}

	final := resp.Request.URL.String()
	if err := validateCanonical(final); err != nil {
		return "", err
	}
	return final, nil
}

type endpointRequest struct {
	URL string `json:"url"`
}

type endpointResponse struct {
	ResolvedURL string `json:"resolved_url"`
	Error       string `json:"error,omitempty"`
}

func (r *HTTPResolver) resolveViaEndpoint(ctx context.Context, rawURL string) (string, error) {
	body, err := json.Marshal(endpointRequest{URL: rawURL})
	if err != nil {
		return "", fmt.Errorf("encode resolver request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build resolver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call resolver service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolver service returned status %d", resp.StatusCode)
	}

	var decoded endpointResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode resolver response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("resolver service error: %s", decoded.Error)
	}
	if err := validateCanonical(decoded.ResolvedURL); err != nil {
		return "", err
	}
	return decoded.ResolvedURL, nil
}

func validateCanonical(candidate string) error {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return fmt.Errorf("resolver returned empty URL")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("resolver returned invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("resolver returned non-http URL %q", trimmed)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("resolver returned URL without host")
	}
	return nil
}
