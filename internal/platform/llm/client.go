// Package llm abstracts prompted generation behind two calling modes:
// Deterministic (temperature 0, JSON schema enforced) for extraction
// and validation, and Compositional (temperature <= 0.3, structured
// output schema) for section composition.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clinext/extraction-engine/internal/pkg/httpx"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
	"github.com/clinext/extraction-engine/internal/platform/logger"
)

// Client is the capability interface the Term Extractor and the Section
// generation stage depend on.
type Client interface {
	// GenerateJSON runs in Deterministic mode: temperature 0, output
	// constrained to schema.
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
	// Compose runs in Compositional mode: temperature <= 0.3, output
	// constrained to schema.
	Compose(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
	// GenerateText is a plain, schema-free completion at temperature
	// 0.3.
	GenerateText(ctx context.Context, system, user string) (string, error)
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	httpClient *http.Client
	maxRetries int
	llmTimeout time.Duration
}

// NewFromEnv builds a Client from OPENAI_*-style environment
// variables.
func NewFromEnv(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("llm: logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm: missing LLM_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("LLM_MODEL"))
	if model == "" {
		model = "gpt-4o-mini"
	}

	embedModel := strings.TrimSpace(os.Getenv("LLM_EMBED_MODEL"))
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}

	timeoutSec := 20
	if v := strings.TrimSpace(os.Getenv("LLM_CALL_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 3
	if v := strings.TrimSpace(os.Getenv("LLM_MAX_RETRIES")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("client", "LLMClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
		llmTimeout: time.Duration(timeoutSec) * time.Second,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type completionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	ResponseFormat *struct {
		Type       string            `json:"type"`
		JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
	} `json:"response_format,omitempty"`
}

type completionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *client) generate(ctx context.Context, system, user string, temperature float64, schemaName string, schema map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.llmTimeout)
	defer cancel()

	req := completionsRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
	}
	if schemaName != "" && schema != nil {
		req.ResponseFormat = &struct {
			Type       string            `json:"type"`
			JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
		}{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Type:   "object",
				Name:   schemaName,
				Schema: schema,
				Strict: true,
			},
		}
	}

	var resp completionsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req, &resp); err != nil {
		return "", apierr.DependencyUnavailable(err)
	}
	if len(resp.Choices) == 0 {
		return "", apierr.LLMInvalidOutput(errors.New("llm: empty choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *client) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" || schema == nil {
		return nil, apierr.InvalidRequest(errors.New("llm: schemaName and schema required"))
	}
	text, err := c.generate(ctx, system, user, 0, schemaName, schema)
	if err != nil {
		return nil, err
	}
	return decodeJSONObject(text)
}

func (c *client) Compose(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" || schema == nil {
		return nil, apierr.InvalidRequest(errors.New("llm: schemaName and schema required"))
	}
	text, err := c.generate(ctx, system, user, 0.3, schemaName, schema)
	if err != nil {
		return nil, err
	}
	return decodeJSONObject(text)
}

func decodeJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apierr.LLMInvalidOutput(errors.New("llm: empty output"))
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, apierr.LLMInvalidOutput(fmt.Errorf("llm: parse model json: %w; text=%s", err, text))
	}
	return obj, nil
}

func (c *client) GenerateText(ctx context.Context, system, user string) (string, error) {
	return c.generate(ctx, system, user, 0.3, "", nil)
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int        `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.llmTimeout)
	defer cancel()

	var resp embeddingsResponse
	req := embeddingsRequest{Model: c.embedModel, Input: inputs}
	if err := c.do(ctx, http.MethodPost, "/v1/embeddings", req, &resp); err != nil {
		return nil, apierr.DependencyUnavailable(err)
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

type llmHTTPError struct {
	StatusCode int
	Body       string
}

func (e *llmHTTPError) Error() string      { return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body) }
func (e *llmHTTPError) HTTPStatusCode() int { return e.StatusCode }

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

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
		return resp, raw, &llmHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// do retries with exponential backoff and jitter: by default up to 3
// retries after the first attempt (LLM_MAX_RETRIES), each backoff
// capped at 30s before jitter.
func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("llm: decode response: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return err
		}
		sleepFor := httpx.RetryAfterDuration(resp, backoff, 30*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)
		c.log.Warn("llm request retrying",
			"path", path, "attempt", attempt+1, "max_retries", c.maxRetries,
			"sleep", sleepFor.String(), "error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return fmt.Errorf("llm: unreachable retry loop")
}
