// Package openai talks to an OpenAI-compatible chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	tokenSuffix    = "/open-ai-token"

	maxErrorBody    = 4 << 10
	maxResponseBody = 1 << 20
)

// replySchema pins structured answers to {intent, code, reply}.
var replySchema = json.RawMessage(`{"type":"object","additionalProperties":false,` +
	`"properties":{"intent":{"type":"string"},"code":{"type":["string","null"]},"reply":{"type":"string"}},` +
	`"required":["intent","code","reply"]}`)

type completionRequest struct {
	Model          string                 `json:"model"`
	Messages       []domain.PromptMessage `json:"messages"`
	ResponseFormat *schemaFormat          `json:"response_format,omitempty"`
}

type schemaFormat struct {
	Type       string      `json:"type"`
	JSONSchema namedSchema `json:"json_schema"`
}

type namedSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type completionResponse struct {
	Choices []struct {
		Message domain.PromptMessage `json:"message"`
	} `json:"choices"`
}

// HTTPStatusError is a non-2xx answer from the endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends chat completions. The API key is read from the parameter store
// on first use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	getter     paramstore.Getter
	keyName    string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible server. Both
// "http://host" and "http://host/v1" are accepted.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.endpoint = completionsURL(baseURL) }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		endpoint:   completionsURL(defaultBaseURL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		getter:     ps,
		keyName:    paramPrefix + tokenSuffix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func completionsURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case base == "":
		base = defaultBaseURL
	case !strings.HasSuffix(base, "/v1"):
		base += "/v1"
	}
	return base + "/chat/completions"
}

// key caches only a successful fetch, so a parameter store outage is retried
// on the next turn.
func (c *Client) key(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey == "" {
		key, err := paramstore.FetchToken(ctx, c.getter, c.keyName)
		if err != nil {
			return "", fmt.Errorf("openai: %w", err)
		}
		c.apiKey = key
	}
	return c.apiKey, nil
}

// Chat returns the first choice. With structured set the answer must match
// replySchema.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.PromptMessage, structured bool) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	key, err := c.key(ctx)
	if err != nil {
		return "", err
	}

	in := completionRequest{Model: model, Messages: messages}
	if structured {
		in.ResponseFormat = &schemaFormat{
			Type:       "json_schema",
			JSONSchema: namedSchema{Name: "chat_reply", Strict: true, Schema: replySchema},
		}
	}

	raw, err := c.post(ctx, key, in)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, key string, in completionRequest) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: c.endpoint, Body: string(snippet)}
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return raw, nil
}
