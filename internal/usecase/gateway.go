package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/flow"
	"chat-gateway/internal/sessionstore"
	"chat-gateway/internal/workerpool"
)

const (
	defaultMaxMessage     = 1000
	defaultSummaryWords   = 200
	defaultSummaryTimeout = 30 * time.Second
)

type Machine interface {
	Handle(ctx context.Context, s domain.Session, message string) (flow.Outcome, error)
}

type SessionStore interface {
	Load(ctx context.Context, id string) (domain.Session, error)
	Save(ctx context.Context, s domain.Session) error
}

type Locker interface {
	Acquire(ctx context.Context, key string) (sessionstore.ReleaseFunc, error)
}

type HistoryReader interface {
	GetUser(ctx context.Context, phone string) (domain.User, error)
	ListMessages(ctx context.Context, phone string) ([]domain.ChatMessage, error)
}

type Summarizer interface {
	RefreshSummary(ctx context.Context, phone string, wordLimit int) error
}

type TaskSubmitter interface {
	Submit(ctx context.Context, task workerpool.Task) error
}

type Option func(*Gateway)

// WithSummaries enables background summary refreshes after chat turns.
func WithSummaries(s Summarizer, pool TaskSubmitter, wordLimit int) Option {
	return func(g *Gateway) {
		g.summarizer = s
		g.pool = pool
		if wordLimit > 0 {
			g.summaryWords = wordLimit
		}
	}
}

func WithMaxMessageLength(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxMessageLen = n
		}
	}
}

func WithSummaryTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.summaryTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway runs one conversational turn at a time per session: it loads the
// session, lets the state machine handle the message and commits the new
// session only when the turn succeeded.
type Gateway struct {
	machine  Machine
	sessions SessionStore
	locker   Locker
	history  HistoryReader

	summarizer     Summarizer
	pool           TaskSubmitter
	summaryWords   int
	summaryTimeout time.Duration
	maxMessageLen  int
	logger         *zap.Logger
}

type MessageInput struct {
	SessionID string
	Text      string
}

type MessageOutput struct {
	SessionID      string
	Reply          string
	RefreshHistory bool
	History        []domain.ChatMessage
}

func NewGateway(m Machine, sessions SessionStore, locker Locker, history HistoryReader, opts ...Option) (*Gateway, error) {
	if m == nil {
		return nil, errors.New("usecase: machine must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if locker == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if history == nil {
		return nil, errors.New("usecase: history reader must not be nil")
	}
	g := &Gateway{
		machine:        m,
		sessions:       sessions,
		locker:         locker,
		history:        history,
		summaryWords:   defaultSummaryWords,
		summaryTimeout: defaultSummaryTimeout,
		maxMessageLen:  defaultMaxMessage,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if (g.summarizer == nil) != (g.pool == nil) {
		return nil, errors.New("usecase: summarizer and worker pool must be set together")
	}
	return g, nil
}

func (g *Gateway) HandleMessage(ctx context.Context, in MessageInput) (MessageOutput, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return MessageOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > g.maxMessageLen {
		return MessageOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	id := strings.TrimSpace(in.SessionID)
	if id == "" {
		id = newUUID()
	}

	out, err := g.turn(ctx, id, text)
	if err != nil {
		return MessageOutput{}, err
	}
	if out.SummarizeFor != "" {
		g.scheduleSummary(ctx, id, out.SummarizeFor)
	}

	return MessageOutput{
		SessionID:      id,
		Reply:          out.Reply,
		RefreshHistory: out.RefreshHistory,
		History:        out.History,
	}, nil
}

// turn runs the state machine under the session lock.
func (g *Gateway) turn(ctx context.Context, id, text string) (flow.Outcome, error) {
	release, err := g.locker.Acquire(ctx, id)
	if err != nil {
		return flow.Outcome{}, newError(ErrorInternal, "session_lock_error", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("session lock release failed", zap.String("session_id", id), zap.Error(err))
		}
	}()

	s, err := g.sessions.Load(ctx, id)
	if err != nil {
		return flow.Outcome{}, newError(ErrorInternal, "session_load_error", err)
	}

	out, err := g.machine.Handle(ctx, s, text)
	if errors.Is(err, flow.ErrUnknownState) {
		g.logger.Error("session in unknown state",
			zap.String("session_id", id),
			zap.String("state", string(s.State)),
		)
		return flow.Outcome{}, newError(ErrorInternal, "unknown_state", err)
	}
	if err != nil {
		g.logger.Error("turn failed",
			zap.String("session_id", id),
			zap.String("state", string(s.State)),
			zap.Error(err),
		)
		return flow.Outcome{}, newError(ErrorInternal, "store_error", err)
	}

	if err := g.sessions.Save(ctx, out.Session); err != nil {
		return flow.Outcome{}, newError(ErrorInternal, "session_save_error", err)
	}
	if out.Session.State != s.State {
		g.logger.Info("session transition",
			zap.String("session_id", id),
			zap.String("from", string(s.State)),
			zap.String("to", string(out.Session.State)),
		)
	}
	return out, nil
}

// scheduleSummary hands the summary refresh to the worker pool. It never
// blocks the turn, and a dropped refresh only leaves the previous summary in
// place. The Lambda entrypoint drains the pool before answering because a
// frozen instance would otherwise stall the refresh.
func (g *Gateway) scheduleSummary(ctx context.Context, sessionID, phone string) {
	if g.pool == nil {
		return
	}
	task := workerpool.Task{
		ID: "summary:" + domain.MaskPhone(phone),
		Execute: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, g.summaryTimeout)
			defer cancel()
			if err := g.summarizer.RefreshSummary(ctx, phone, g.summaryWords); err != nil {
				return fmt.Errorf("usecase: refresh summary: %w", err)
			}
			return nil
		},
	}
	if err := g.pool.Submit(ctx, task); err != nil {
		g.logger.Warn("summary refresh not scheduled",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// History returns the full conversation of the user bound to a verified
// session.
func (g *Gateway) History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return nil, newError(ErrorUnauthorized, "missing_session", nil)
	}
	s, err := g.sessions.Load(ctx, id)
	if err != nil {
		return nil, newError(ErrorInternal, "session_load_error", err)
	}
	if s.Phone == "" {
		return nil, newError(ErrorUnauthorized, "no_phone_bound", nil)
	}

	u, err := g.history.GetUser(ctx, s.Phone)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, newError(ErrorUnauthorized, "user_not_found", nil)
	}
	if err != nil {
		return nil, newError(ErrorInternal, "user_load_error", err)
	}
	if !u.Verified {
		return nil, newError(ErrorUnauthorized, "not_verified", nil)
	}

	msgs, err := g.history.ListMessages(ctx, u.Phone)
	if err != nil {
		return nil, newError(ErrorInternal, "history_load_error", err)
	}
	return msgs, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
