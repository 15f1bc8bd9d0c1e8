package rank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DefaultEmbeddingEndpoint       = "http://127.0.0.1:8844/embed"
	DefaultEmbeddingModelName      = "Qwen3-Embedding-8B"
	DefaultEmbeddingModelVersion   = "v1"
	DefaultEmbeddingMaxLength      = 512
	DefaultEmbeddingRequestTimeout = 45 * time.Second
)

// EmbedClient talks to the embedding sidecar. It accepts both the native
// {"texts": [...]} payload and the OpenAI-compatible {"input": [...]} shape,
// chosen by the endpoint path.
type EmbedClient struct {
	endpoint     string
	modelName    string
	modelVersion string
	maxLength    int
	timeout      time.Duration
	client       *http.Client
}

type EmbedClientOptions struct {
	Endpoint       string
	ModelName      string
	ModelVersion   string
	MaxLength      int
	RequestTimeout time.Duration
}

func NewEmbedClient(opts EmbedClientOptions) *EmbedClient {
	if strings.TrimSpace(opts.Endpoint) == "" {
		opts.Endpoint = DefaultEmbeddingEndpoint
	}
	if strings.TrimSpace(opts.ModelName) == "" {
		opts.ModelName = DefaultEmbeddingModelName
	}
	if strings.TrimSpace(opts.ModelVersion) == "" {
		opts.ModelVersion = DefaultEmbeddingModelVersion
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultEmbeddingMaxLength
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultEmbeddingRequestTimeout
	}

	return &EmbedClient{
		endpoint:     normalizeEmbeddingEndpoint(opts.Endpoint),
		modelName:    opts.ModelName,
		modelVersion: opts.ModelVersion,
		maxLength:    opts.MaxLength,
		timeout:      opts.RequestTimeout,
		client:       &http.Client{},
	}
}

func (c *EmbedClient) ModelName() string    { return c.modelName }
func (c *EmbedClient) ModelVersion() string { return c.modelVersion }

type embedRequest struct {
	Texts     []string `json:"texts,omitempty"`
	Input     []string `json:"input,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := embedRequest{
		Texts:     texts,
		MaxLength: c.maxLength,
	}
	if parsed, err := url.Parse(c.endpoint); err == nil && strings.HasSuffix(parsed.Path, "/v1/embeddings") {
		payload = embedRequest{Input: texts}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(texts), len(vectors))
	}

	return vectors, nil
}

func normalizeEmbeddingEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEmbeddingEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}
