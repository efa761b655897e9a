package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/pkg/httpx"
	"github.com/clinext/extraction-engine/internal/platform/logger"
)

type pineconeClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

func newPineconeClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("PINECONE_HOST"))
	if baseURL == "" {
		return nil, fmt.Errorf("vectorindex: missing PINECONE_HOST")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	apiKey := strings.TrimSpace(os.Getenv("PINECONE_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("vectorindex: missing PINECONE_API_KEY")
	}

	timeoutSec := 20
	if v := strings.TrimSpace(os.Getenv("PINECONE_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	if log == nil {
		return nil, fmt.Errorf("vectorindex: logger required")
	}

	return &pineconeClient{
		log:        log.With("client", "PineconeVectorIndex"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: 3,
	}, nil
}

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata"`
}

type pineconeUpsertRequest struct {
	Vectors   []pineconeVector `json:"vectors"`
	Namespace string           `json:"namespace"`
}

func (c *pineconeClient) Upsert(ctx context.Context, conversationID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	vectors := make([]pineconeVector, 0, len(chunks))
	for _, ch := range chunks {
		vectors = append(vectors, pineconeVector{
			ID:     ch.ChunkID,
			Values: ch.Embedding,
			Metadata: map[string]any{
				"conversation_id": conversationID,
				"first_line":      ch.FirstLine,
				"last_line":       ch.LastLine,
				"text":            ch.Text,
			},
		})
	}
	req := pineconeUpsertRequest{Vectors: vectors, Namespace: namespace(conversationID)}
	return c.do(ctx, http.MethodPost, "/vectors/upsert", req, nil)
}

type pineconeQueryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	Namespace       string    `json:"namespace"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type pineconeQueryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

func (c *pineconeClient) Query(ctx context.Context, conversationID string, embedding []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = 5
	}
	req := pineconeQueryRequest{
		Vector:          embedding,
		TopK:            k,
		Namespace:       namespace(conversationID),
		IncludeMetadata: true,
	}
	var resp pineconeQueryResponse
	if err := c.do(ctx, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if payloadString(m.Metadata, "conversation_id") != conversationID {
			continue
		}
		matches = append(matches, Match{
			Chunk: domain.Chunk{
				ChunkID:        m.ID,
				ConversationID: conversationID,
				FirstLine:      payloadInt(m.Metadata, "first_line"),
				LastLine:       payloadInt(m.Metadata, "last_line"),
				Text:           payloadString(m.Metadata, "text"),
			},
			Score: m.Score,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.FirstLine < matches[j].Chunk.FirstLine
	})
	return matches, nil
}

func (c *pineconeClient) Drop(ctx context.Context, conversationID string) error {
	req := map[string]any{"deleteAll": true, "namespace": namespace(conversationID)}
	return c.do(ctx, http.MethodPost, "/vectors/delete", req, nil)
}

type pineconeHTTPError struct {
	StatusCode int
	Body       string
}

func (e *pineconeHTTPError) Error() string      { return fmt.Sprintf("pinecone http %d: %s", e.StatusCode, e.Body) }
func (e *pineconeHTTPError) HTTPStatusCode() int { return e.StatusCode }

func (c *pineconeClient) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &pineconeHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *pineconeClient) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil || len(raw) == 0 {
				return nil
			}
			return json.Unmarshal(raw, out)
		}
		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("pinecone request retrying", "path", path, "attempt", attempt+1, "error", err.Error())
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return fmt.Errorf("vectorindex: unreachable retry loop")
}
