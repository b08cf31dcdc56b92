// Package generator adapts an LLM chat client to the Complete contract used
// by the chat flow and the memory assembler.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chat-gateway/internal/domain"
)

// LLMClient is the provider surface the adapter needs. Both the OpenAI and
// Gemini integrations satisfy it.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.PromptMessage, structured bool) (string, error)
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Option func(*Adapter)

// WithModel pins the model name and skips the parameter store lookup.
func WithModel(model string) Option {
	return func(a *Adapter) {
		if m := strings.TrimSpace(model); m != "" {
			a.model = m
			a.cacheLoaded = true
		}
	}
}

type Adapter struct {
	llm         LLMClient
	params      ParamGetter
	paramPrefix string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

func New(llm LLMClient, params ParamGetter, paramPrefix string, opts ...Option) (*Adapter, error) {
	if llm == nil {
		return nil, errors.New("generator: llm client must not be nil")
	}
	a := &Adapter{
		llm:         llm,
		params:      params,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if !a.cacheLoaded && a.params == nil {
		return nil, errors.New("generator: params must not be nil without a pinned model")
	}
	return a, nil
}

// Complete sends prompt to the provider. Reply mode asks for the structured
// {intent, code, reply} envelope; summarize mode asks for plain text.
func (a *Adapter) Complete(ctx context.Context, prompt string, mode domain.Mode) (string, error) {
	if err := a.ensureConfig(ctx); err != nil {
		return "", err
	}

	var (
		messages   []domain.PromptMessage
		structured bool
	)
	switch mode {
	case domain.ModeReply:
		messages = buildReplyMessages(prompt)
		structured = true
	case domain.ModeSummarize:
		messages = buildSummaryMessages(prompt)
	default:
		return "", fmt.Errorf("generator: unsupported mode %q", mode)
	}

	out, err := a.llm.Chat(ctx, a.currentModel(), messages, structured)
	if err != nil {
		return "", fmt.Errorf("generator: complete: %w", err)
	}
	return out, nil
}

func (a *Adapter) currentModel() string {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	return a.model
}

func (a *Adapter) ensureConfig(ctx context.Context) error {
	a.cacheMu.RLock()
	if a.cacheLoaded {
		a.cacheMu.RUnlock()
		return nil
	}
	a.cacheMu.RUnlock()

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cacheLoaded {
		return nil
	}

	model, err := a.params.GetParameter(ctx, a.paramPrefix+"/config/model")
	if err != nil {
		return fmt.Errorf("generator: load model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("generator: model parameter is empty")
	}

	a.model = model
	a.cacheLoaded = true
	return nil
}
