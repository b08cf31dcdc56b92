// Package gemini is a chat client for Google's Gemini API built on the genai
// SDK. It satisfies the same Chat contract as the OpenAI integration.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/integrations/paramstore"
)

type Option func(*Client)

// WithBaseURL points the SDK at a different endpoint, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

type Client struct {
	getter      paramstore.Getter
	paramPrefix string
	baseURL     string
	httpClient  *http.Client

	mu    sync.Mutex
	sdk   *genai.Client
	newFn func(ctx context.Context, cfg *genai.ClientConfig) (*genai.Client, error)
}

// NewClient returns a Client whose API key is read from
// <prefix>/gemini-token on the first Chat call.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	c := &Client{
		getter:      ps,
		paramPrefix: paramPrefix,
		newFn:       genai.NewClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/gemini-token"
}

// sdkClient builds the genai client once a key has been fetched. Failures are
// not cached.
func (c *Client) sdkClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sdk != nil {
		return c.sdk, nil
	}

	key, err := paramstore.FetchToken(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	sdk, err := c.newFn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.sdk = sdk
	return sdk, nil
}

// Chat sends messages to GenerateContent. System messages become the system
// instruction; assistant turns are sent with the model role. With structured
// set the response MIME type is application/json.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.PromptMessage, structured bool) (string, error) {
	if model == "" {
		return "", errors.New("gemini: model must not be empty")
	}
	sdk, err := c.sdkClient(ctx)
	if err != nil {
		return "", err
	}

	system, contents := splitMessages(messages)
	if len(contents) == 0 {
		return "", errors.New("gemini: no user content to send")
	}

	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if structured {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := sdk.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

func splitMessages(messages []domain.PromptMessage) (string, []*genai.Content) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}
