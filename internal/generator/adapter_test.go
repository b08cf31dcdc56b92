package generator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-gateway/internal/domain"
)

type fakeLLM struct {
	mu         sync.Mutex
	model      string
	messages   []domain.PromptMessage
	structured bool
	out        string
	err        error
}

func (f *fakeLLM) Chat(_ context.Context, model string, messages []domain.PromptMessage, structured bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = model
	f.messages = messages
	f.structured = structured
	return f.out, f.err
}

type fakeParams struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	calls  int
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", errors.New("missing " + name)
	}
	return v, nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &fakeParams{}, "/p")
	require.ErrorContains(t, err, "llm client must not be nil")

	_, err = New(&fakeLLM{}, nil, "/p")
	require.ErrorContains(t, err, "params must not be nil")

	a, err := New(&fakeLLM{}, nil, "", WithModel("gpt-4o-mini"))
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestComplete_ReplyModeIsStructured(t *testing.T) {
	llm := &fakeLLM{out: `{"intent":"x","code":null,"reply":"hi"}`}
	params := &fakeParams{values: map[string]string{"/chat-gateway/config/model": " gpt-4o-mini \n"}}
	a, err := New(llm, params, "/chat-gateway/")
	require.NoError(t, err)

	out, err := a.Complete(context.Background(), "User: hello", domain.ModeReply)
	require.NoError(t, err)
	require.Equal(t, `{"intent":"x","code":null,"reply":"hi"}`, out)
	require.Equal(t, "gpt-4o-mini", llm.model)
	require.True(t, llm.structured)
	require.Len(t, llm.messages, 2)
	require.Equal(t, "system", llm.messages[0].Role)
	require.Contains(t, llm.messages[0].Content, "Output Contract:")
	require.Contains(t, llm.messages[0].Content, "intent (string)")
	require.Equal(t, domain.PromptMessage{Role: "user", Content: "User: hello"}, llm.messages[1])
}

func TestComplete_SummarizeModeIsPlain(t *testing.T) {
	llm := &fakeLLM{out: "likes squats"}
	a, err := New(llm, nil, "", WithModel("m"))
	require.NoError(t, err)

	out, err := a.Complete(context.Background(), "summarize this", domain.ModeSummarize)
	require.NoError(t, err)
	require.Equal(t, "likes squats", out)
	require.False(t, llm.structured)
	require.Equal(t, "summarize this", llm.messages[1].Content)
}

func TestComplete_UnknownMode(t *testing.T) {
	a, err := New(&fakeLLM{}, nil, "", WithModel("m"))
	require.NoError(t, err)
	_, err = a.Complete(context.Background(), "x", domain.Mode("poem"))
	require.ErrorContains(t, err, "unsupported mode")
}

func TestComplete_ModeLoadedOnce(t *testing.T) {
	params := &fakeParams{values: map[string]string{"/p/config/model": "m1"}}
	a, err := New(&fakeLLM{out: "ok"}, params, "/p")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Complete(context.Background(), "x", domain.ModeReply)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, params.calls)
}

func TestComplete_ModelLoadErrorsAreRetried(t *testing.T) {
	params := &fakeParams{err: errors.New("ssm down")}
	a, err := New(&fakeLLM{out: "ok"}, params, "/p")
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), "x", domain.ModeReply)
	require.ErrorContains(t, err, "generator: load model: ssm down")

	params.err = nil
	params.values = map[string]string{"/p/config/model": "  "}
	_, err = a.Complete(context.Background(), "x", domain.ModeReply)
	require.ErrorContains(t, err, "model parameter is empty")

	params.values["/p/config/model"] = "m2"
	out, err := a.Complete(context.Background(), "x", domain.ModeReply)
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, params.calls)
}

func TestComplete_WrapsProviderError(t *testing.T) {
	a, err := New(&fakeLLM{err: errors.New("429")}, nil, "", WithModel("m"))
	require.NoError(t, err)
	_, err = a.Complete(context.Background(), "x", domain.ModeReply)
	require.ErrorContains(t, err, "generator: complete: 429")
}
