// Package flow implements the per-session state machine that walks a caller
// through phone entry, registration and OTP verification before chatting.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/otp"
)

const defaultGeneratorTimeout = 20 * time.Second

// ErrUnknownState means a session holds a state name the machine does not
// define. It is a configuration fault, not something to show the user.
var ErrUnknownState = errors.New("flow: unknown session state")

// Store is the slice of the credential store the machine needs.
type Store interface {
	GetUser(ctx context.Context, phone string) (domain.User, error)
	CreateUser(ctx context.Context, phone string) (domain.User, error)
	SetVerified(ctx context.Context, phone string, verified bool) error
	AppendMessage(ctx context.Context, phone string, sender domain.Sender, text string) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, phone string) ([]domain.ChatMessage, error)
}

// Codes issues and checks one-time codes.
type Codes interface {
	Issue(ctx context.Context, user domain.User) (otp.Issued, error)
	Verify(ctx context.Context, user domain.User, submitted string) (bool, error)
}

// Prompter builds the generator input for a user.
type Prompter interface {
	BuildPrompt(ctx context.Context, phone string) (string, error)
}

// Generator produces a reply for a prompt.
type Generator interface {
	Complete(ctx context.Context, prompt string, mode domain.Mode) (string, error)
}

// Outcome is the result of one turn. Session is the state to persist if the
// caller commits the turn.
type Outcome struct {
	Reply          string
	Session        domain.Session
	RefreshHistory bool
	History        []domain.ChatMessage
	// SummarizeFor is the phone whose rolling summary should be refreshed once
	// the turn is committed; empty when no refresh is due.
	SummarizeFor string
}

type handler func(ctx context.Context, s domain.Session, msg string) (Outcome, error)

type Option func(*Machine)

// WithGenerator enables generated chat replies.
func WithGenerator(p Prompter, g Generator) Option {
	return func(m *Machine) {
		m.prompts = p
		m.gen = g
	}
}

// WithGeneratorTimeout bounds a single generator round trip.
func WithGeneratorTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.genTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// Machine dispatches a message to the handler registered for the session's
// current state.
type Machine struct {
	store      Store
	codes      Codes
	prompts    Prompter
	gen        Generator
	genTimeout time.Duration
	logger     *zap.Logger
	handlers   map[domain.State]handler
}

func NewMachine(store Store, codes Codes, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("flow: store must not be nil")
	}
	if codes == nil {
		return nil, errors.New("flow: codes must not be nil")
	}
	m := &Machine{
		store:      store,
		codes:      codes,
		genTimeout: defaultGeneratorTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if (m.prompts == nil) != (m.gen == nil) {
		return nil, errors.New("flow: prompter and generator must be set together")
	}
	m.handlers = map[domain.State]handler{
		domain.StatePhone:           m.handlePhone,
		domain.StateRegisterPrompt:  m.handleRegisterPrompt,
		domain.StateOTPNew:          m.otpHandler(domain.StateOTPNew, domain.StateChat, msgRegistered),
		domain.StateOTPExisting:     m.otpHandler(domain.StateOTPExisting, domain.StateChatWithHistory, msgVerified),
		domain.StateOTPFailed:       m.handleOTPFailed,
		domain.StateChat:            m.handleChat,
		domain.StateChatWithHistory: m.handleChatWithHistory,
	}
	return m, nil
}

// Handle runs one turn. On error the returned Outcome must be discarded and
// the previous session kept.
func (m *Machine) Handle(ctx context.Context, s domain.Session, message string) (Outcome, error) {
	msg := strings.TrimSpace(message)
	if isLogout(msg) {
		return m.logout(ctx, s)
	}
	if s.State == "" {
		s.State = domain.StatePhone
	}
	h, ok := m.handlers[s.State]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownState, s.State)
	}
	return h(ctx, s, msg)
}

func isLogout(msg string) bool {
	switch strings.ToLower(msg) {
	case "exit", "logout":
		return true
	}
	return false
}

func (m *Machine) logout(ctx context.Context, s domain.Session) (Outcome, error) {
	if s.Phone != "" {
		err := m.store.SetVerified(ctx, s.Phone, false)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return Outcome{}, fmt.Errorf("flow: logout: %w", err)
		}
	}
	return Outcome{Reply: msgLoggedOut, Session: s.Reset()}, nil
}

// unchanged answers with the generic problem message and leaves the session
// as it was.
func (m *Machine) unchanged(s domain.Session, reason string) Outcome {
	m.logger.Warn("session lookup failed",
		zap.String("session_id", s.ID),
		zap.String("state", string(s.State)),
		zap.String("phone", domain.MaskPhone(s.Phone)),
		zap.String("reason", reason),
	)
	return Outcome{Reply: msgSessionProblem, Session: s}
}

// boundUser loads the user bound to the session. ok is false when the phone
// is missing or has no record.
func (m *Machine) boundUser(ctx context.Context, s domain.Session) (domain.User, bool, error) {
	if s.Phone == "" {
		return domain.User{}, false, nil
	}
	u, err := m.store.GetUser(ctx, s.Phone)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("flow: load user: %w", err)
	}
	return u, true, nil
}

func (m *Machine) handlePhone(ctx context.Context, s domain.Session, msg string) (Outcome, error) {
	if !domain.IsPhone(msg) {
		return Outcome{Reply: msgInvalidPhone, Session: s}, nil
	}
	s.Phone = msg

	u, err := m.store.GetUser(ctx, msg)
	if errors.Is(err, domain.ErrNotFound) {
		s.State = domain.StateRegisterPrompt
		return Outcome{Reply: msgNotRegistered, Session: s}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: load user: %w", err)
	}

	issued, err := m.codes.Issue(ctx, u)
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: issue code: %w", err)
	}
	s.State = domain.StateOTPExisting
	return Outcome{Reply: msgWelcomeBack(msg, issued.Echo), Session: s}, nil
}

func (m *Machine) handleRegisterPrompt(ctx context.Context, s domain.Session, msg string) (Outcome, error) {
	if !strings.EqualFold(msg, "yes") {
		s.Phone = ""
		s.State = domain.StatePhone
		return Outcome{Reply: msgCancelled, Session: s}, nil
	}
	if s.Phone == "" {
		return m.unchanged(s, "no phone bound"), nil
	}

	u, err := m.store.CreateUser(ctx, s.Phone)
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: create user: %w", err)
	}
	issued, err := m.codes.Issue(ctx, u)
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: issue code: %w", err)
	}
	s.State = domain.StateOTPNew
	return Outcome{Reply: msgRegisterOTP(s.Phone, issued.Echo), Session: s}, nil
}

// otpHandler verifies a submitted code. from is remembered for retry and
// resend when verification fails.
func (m *Machine) otpHandler(from, success domain.State, successMsg string) handler {
	return func(ctx context.Context, s domain.Session, msg string) (Outcome, error) {
		u, ok, err := m.boundUser(ctx, s)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return m.unchanged(s, "user not found"), nil
		}

		verified, err := m.codes.Verify(ctx, u, msg)
		if err != nil {
			return Outcome{}, fmt.Errorf("flow: verify code: %w", err)
		}
		if !verified {
			s.LastOTPState = from
			s.State = domain.StateOTPFailed
			return Outcome{Reply: msgWrongOTP, Session: s}, nil
		}
		s.LastOTPState = ""
		s.State = success
		return Outcome{Reply: successMsg, Session: s, RefreshHistory: true}, nil
	}
}

func (m *Machine) handleOTPFailed(ctx context.Context, s domain.Session, msg string) (Outcome, error) {
	back := s.LastOTPState
	if back != domain.StateOTPNew && back != domain.StateOTPExisting {
		back = domain.StateOTPExisting
	}

	switch strings.ToLower(msg) {
	case "edit number":
		s.Phone = ""
		s.LastOTPState = ""
		s.State = domain.StatePhone
		return Outcome{Reply: msgEditNumber, Session: s}, nil
	case "resend otp":
		u, ok, err := m.boundUser(ctx, s)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return m.unchanged(s, "user not found"), nil
		}
		issued, err := m.codes.Issue(ctx, u)
		if err != nil {
			return Outcome{}, fmt.Errorf("flow: issue code: %w", err)
		}
		s.State = back
		return Outcome{Reply: msgResent(s.Phone, issued.Echo), Session: s}, nil
	case "retry":
		s.State = back
		return Outcome{Reply: msgRetry, Session: s}, nil
	}
	return Outcome{Reply: msgMenu, Session: s}, nil
}

// chatUser loads the bound user and requires it to be verified.
func (m *Machine) chatUser(ctx context.Context, s domain.Session) (domain.User, bool, error) {
	u, ok, err := m.boundUser(ctx, s)
	if err != nil || !ok {
		return u, ok, err
	}
	return u, u.Verified, nil
}

func (m *Machine) handleChat(ctx context.Context, s domain.Session, msg string) (Outcome, error) {
	u, ok, err := m.chatUser(ctx, s)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return m.unchanged(s, "verified user not found"), nil
	}

	if _, err := m.store.AppendMessage(ctx, u.Phone, domain.SenderUser, msg); err != nil {
		return Outcome{}, fmt.Errorf("flow: record user turn: %w", err)
	}

	text, err := m.reply(ctx, s, u, msg)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := m.store.AppendMessage(ctx, u.Phone, domain.SenderBot, text); err != nil {
		return Outcome{}, fmt.Errorf("flow: record bot turn: %w", err)
	}

	// History was shown on the previous turn.
	s.ShowHistory = false
	out := Outcome{Reply: text, Session: s}
	if m.gen != nil {
		out.SummarizeFor = u.Phone
	}
	return out, nil
}

func (m *Machine) handleChatWithHistory(ctx context.Context, s domain.Session, msg string) (Outcome, error) {
	u, ok, err := m.chatUser(ctx, s)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return m.unchanged(s, "verified user not found"), nil
	}

	history, err := m.store.ListMessages(ctx, u.Phone)
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: load history: %w", err)
	}
	recorded, err := m.store.AppendMessage(ctx, u.Phone, domain.SenderUser, msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: record user turn: %w", err)
	}

	s.ShowHistory = true
	s.State = domain.StateChat
	return Outcome{
		Reply:   msgHistoryLoaded,
		Session: s,
		History: append(history, recorded),
	}, nil
}
