// Package memory assembles the bounded conversation context handed to the
// reply generator and keeps each user's rolling summary up to date.
package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/reply"
)

const (
	DefaultPairLimit = 5
	DefaultWordLimit = 200
	summaryWindow    = 20
)

// Store is the slice of the credential store the assembler reads and writes.
type Store interface {
	RecentMessages(ctx context.Context, phone string, limit int) ([]domain.ChatMessage, error)
	GetSummary(ctx context.Context, phone string) (string, error)
	SetSummary(ctx context.Context, phone, text string) error
}

// Generator produces text for a prompt.
type Generator interface {
	Complete(ctx context.Context, prompt string, mode domain.Mode) (string, error)
}

type Option func(*Assembler)

// WithPairLimit sets how many user/bot pairs BuildPrompt includes.
func WithPairLimit(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.pairLimit = n
		}
	}
}

type Assembler struct {
	store     Store
	gen       Generator
	pairLimit int
}

func NewAssembler(store Store, gen Generator, opts ...Option) (*Assembler, error) {
	if store == nil {
		return nil, errors.New("memory: store must not be nil")
	}
	if gen == nil {
		return nil, errors.New("memory: generator must not be nil")
	}
	a := &Assembler{store: store, gen: gen, pairLimit: DefaultPairLimit}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RecentContext returns the last 2*pairLimit messages for phone, oldest
// first, rendered with sender labels. The rows are fetched on every call; the
// returned sequence can be ranged over any number of times.
func (a *Assembler) RecentContext(ctx context.Context, phone string, pairLimit int) (iter.Seq[string], error) {
	if pairLimit <= 0 {
		pairLimit = DefaultPairLimit
	}
	msgs, err := a.window(ctx, phone, 2*pairLimit)
	if err != nil {
		return nil, err
	}
	return func(yield func(string) bool) {
		for _, m := range msgs {
			if !yield(render(m)) {
				return
			}
		}
	}, nil
}

// BuildPrompt returns the summary (if any), a blank line and the recent
// context. It never waits for a summary refresh.
func (a *Assembler) BuildPrompt(ctx context.Context, phone string) (string, error) {
	summary, err := a.store.GetSummary(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("memory: load summary: %w", err)
	}
	lines, err := a.RecentContext(ctx, phone, a.pairLimit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if s := strings.TrimSpace(summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	first := true
	for line := range lines {
		if !first {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		first = false
	}
	return b.String(), nil
}

// RefreshSummary rewrites the rolling summary from the last 20 messages and
// the previous summary. The stored summary changes only when generation
// succeeds with non-empty text.
func (a *Assembler) RefreshSummary(ctx context.Context, phone string, wordLimit int) error {
	if wordLimit <= 0 {
		wordLimit = DefaultWordLimit
	}
	msgs, err := a.window(ctx, phone, summaryWindow)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	existing, err := a.store.GetSummary(ctx, phone)
	if err != nil {
		return fmt.Errorf("memory: load summary: %w", err)
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, render(m))
	}
	raw, err := a.gen.Complete(ctx, summaryPrompt(existing, lines, wordLimit), domain.ModeSummarize)
	if err != nil {
		return fmt.Errorf("memory: generate summary: %w", err)
	}
	text := truncateWords(reply.Normalize(raw), wordLimit)
	if text == "" {
		return errors.New("memory: generate summary: empty result")
	}
	if err := a.store.SetSummary(ctx, phone, text); err != nil {
		return fmt.Errorf("memory: store summary: %w", err)
	}
	return nil
}

// window loads up to limit messages and returns the newest limit of them in
// chronological order, whatever order the store used.
func (a *Assembler) window(ctx context.Context, phone string, limit int) ([]domain.ChatMessage, error) {
	msgs, err := a.store.RecentMessages(ctx, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: load messages: %w", err)
	}
	sorted := make([]domain.ChatMessage, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

func render(m domain.ChatMessage) string {
	text := strings.TrimSpace(m.Text)
	if hasSenderLabel(text) {
		return text
	}
	if m.Sender == domain.SenderBot {
		return "Bot: " + text
	}
	return "User: " + text
}

func hasSenderLabel(text string) bool {
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "user:") || strings.HasPrefix(lower, "bot:")
}

func truncateWords(s string, limit int) string {
	words := strings.Fields(s)
	if len(words) > limit {
		words = words[:limit]
	}
	return strings.Join(words, " ")
}
