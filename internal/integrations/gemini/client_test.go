package gemini

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"chat-gateway/internal/domain"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
	names []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.names = append(f.names, name)
	return f.val, f.err
}

const okBody = `{
	"candidates": [{
		"content": {"role": "model", "parts": [{"text": "{\"intent\":\"greet\",\"code\":null,\"reply\":\"Hi!\"}"}]},
		"finishReason": "STOP"
	}]
}`

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/chat-gateway")
	require.ErrorContains(t, err, "must not be nil")

	_, err = NewClient(&fakeGetter{}, "  ")
	require.ErrorContains(t, err, "prefix must not be empty")

	c, err := NewClient(&fakeGetter{}, "/chat-gateway/")
	require.NoError(t, err)
	require.Equal(t, "/chat-gateway/gemini-token", c.tokenParameterName())
}

func TestChat_Structured(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent"), r.URL.Path)
		require.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	g := &fakeGetter{val: `{"token":"g-key"}`}
	c, err := NewClient(g, "/chat-gateway", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	out, err := c.Chat(context.Background(), "gemini-2.5-flash", []domain.PromptMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "squats?"},
	}, true)
	require.NoError(t, err)
	require.Equal(t, `{"intent":"greet","code":null,"reply":"Hi!"}`, out)
	require.Contains(t, body, "be brief")
	require.Contains(t, body, "systemInstruction")
	require.Contains(t, body, `"responseMimeType":"application/json"`)
	require.Contains(t, body, `"role":"model"`)

	_, err = c.Chat(context.Background(), "gemini-2.5-flash", []domain.PromptMessage{{Role: "user", Content: "again"}}, false)
	require.NoError(t, err)
	require.Equal(t, 1, g.calls)
	require.NotContains(t, body, "responseMimeType")
}

func TestChat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(&fakeGetter{val: `{"token":"g-key"}`}, "/p", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "m", []domain.PromptMessage{{Role: "user", Content: "x"}}, false)
	require.ErrorContains(t, err, "gemini: generate content")
}

func TestChat_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(&fakeGetter{val: `{"token":"g-key"}`}, "/p", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "m", []domain.PromptMessage{{Role: "user", Content: "x"}}, false)
	require.ErrorContains(t, err, "empty response")
}

func TestChat_Validation(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"g-key"}`}, "/p")
	require.NoError(t, err)
	c.newFn = func(context.Context, *genai.ClientConfig) (*genai.Client, error) { return &genai.Client{}, nil }

	_, err = c.Chat(context.Background(), "", nil, false)
	require.ErrorContains(t, err, "model must not be empty")

	_, err = c.Chat(context.Background(), "m", []domain.PromptMessage{{Role: "system", Content: "only"}}, false)
	require.ErrorContains(t, err, "no user content")
}

func TestChat_TokenFailureIsRetried(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm down")}
	c, err := NewClient(g, "/p")
	require.NoError(t, err)
	var cfgs []*genai.ClientConfig
	c.newFn = func(_ context.Context, cfg *genai.ClientConfig) (*genai.Client, error) {
		cfgs = append(cfgs, cfg)
		return nil, errors.New("boom")
	}

	_, err = c.Chat(context.Background(), "m", nil, false)
	require.ErrorContains(t, err, "gemini: paramstore: fetch token")

	g.err = nil
	g.val = `{"token":"late"}`
	_, err = c.Chat(context.Background(), "m", nil, false)
	require.ErrorContains(t, err, "gemini: create client: boom")
	require.Len(t, cfgs, 1)
	require.Equal(t, "late", cfgs[0].APIKey)
	require.Equal(t, genai.BackendGeminiAPI, cfgs[0].Backend)
	require.Equal(t, []string{"/p/gemini-token", "/p/gemini-token"}, g.names)
}

func TestSplitMessages(t *testing.T) {
	system, contents := splitMessages([]domain.PromptMessage{
		{Role: "system", Content: "a"},
		{Role: "system", Content: "b"},
		{Role: "user", Content: "u"},
		{Role: "assistant", Content: "m"},
	})
	require.Equal(t, "a\n\nb", system)
	require.Len(t, contents, 2)
	require.Equal(t, genai.RoleUser, contents[0].Role)
	require.Equal(t, genai.RoleModel, contents[1].Role)
	require.Equal(t, "m", contents[1].Parts[0].Text)
}
