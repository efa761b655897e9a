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

type qdrantClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
	maxRetries int
}

func newQdrantClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("vectorindex: missing QDRANT_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = "transcript_chunks"
	}

	timeoutSec := 20
	if v := strings.TrimSpace(os.Getenv("QDRANT_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	if log == nil {
		return nil, fmt.Errorf("vectorindex: logger required")
	}

	return &qdrantClient{
		log:        log.With("client", "QdrantVectorIndex"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		collection: collection,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: 3,
	}, nil
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type qdrantUpsertRequest struct {
	Points []qdrantPoint `json:"points"`
}

func (c *qdrantClient) Upsert(ctx context.Context, conversationID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ns := namespace(conversationID)
	points := make([]qdrantPoint, 0, len(chunks))
	for _, ch := range chunks {
		points = append(points, qdrantPoint{
			ID:     ch.ChunkID,
			Vector: ch.Embedding,
			Payload: map[string]any{
				"namespace":       ns,
				"conversation_id": conversationID,
				"chunk_id":        ch.ChunkID,
				"first_line":      ch.FirstLine,
				"last_line":       ch.LastLine,
				"text":            ch.Text,
			},
		})
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.do(ctx, http.MethodPut, path, qdrantUpsertRequest{Points: points}, nil)
}

type qdrantSearchRequest struct {
	Vector      []float32      `json:"vector"`
	Limit       int            `json:"limit"`
	Filter      map[string]any `json:"filter,omitempty"`
	WithPayload bool           `json:"with_payload"`
}

type qdrantSearchResponse struct {
	Result []struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func (c *qdrantClient) Query(ctx context.Context, conversationID string, embedding []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = 5
	}
	ns := namespace(conversationID)
	req := qdrantSearchRequest{
		Vector: embedding,
		Limit:  k,
		Filter: map[string]any{
			"must": []map[string]any{
				{"key": "namespace", "match": map[string]any{"value": ns}},
			},
		},
		WithPayload: true,
	}
	var resp qdrantSearchResponse
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		if payloadString(r.Payload, "conversation_id") != conversationID {
			continue // conversation isolation, belt-and-suspenders on top of the filter
		}
		matches = append(matches, Match{
			Chunk: domain.Chunk{
				ChunkID:        r.ID,
				ConversationID: conversationID,
				FirstLine:      payloadInt(r.Payload, "first_line"),
				LastLine:       payloadInt(r.Payload, "last_line"),
				Text:           payloadString(r.Payload, "text"),
			},
			Score: r.Score,
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

func (c *qdrantClient) Drop(ctx context.Context, conversationID string) error {
	ns := namespace(conversationID)
	req := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "namespace", "match": map[string]any{"value": ns}},
			},
		},
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	return c.do(ctx, http.MethodPost, path, req, nil)
}

type qdrantHTTPError struct {
	StatusCode int
	Body       string
}

func (e *qdrantHTTPError) Error() string      { return fmt.Sprintf("qdrant http %d: %s", e.StatusCode, e.Body) }
func (e *qdrantHTTPError) HTTPStatusCode() int { return e.StatusCode }

func (c *qdrantClient) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
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
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
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
		return resp, raw, &qdrantHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *qdrantClient) do(ctx context.Context, method, path string, body any, out any) error {
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
		c.log.Warn("qdrant request retrying", "path", path, "attempt", attempt+1, "error", err.Error())
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return fmt.Errorf("vectorindex: unreachable retry loop")
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
