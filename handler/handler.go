// Package handler adapts API Gateway proxy events to the chat gateway and
// defines the JSON wire shapes shared with the HTTP server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/usecase"
)

const (
	CorrelationHeader = "X-Correlation-Id"
	SessionHeader     = "X-Session-Id"

	ChatPath    = "/chat"
	HistoryPath = "/chat/history"
)

// Gateway is the use-case surface the transports call.
type Gateway interface {
	HandleMessage(ctx context.Context, in usecase.MessageInput) (usecase.MessageOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)
}

type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type HistoryItem struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatResponse struct {
	SessionID      string        `json:"sessionId"`
	Reply          string        `json:"reply"`
	RefreshHistory bool          `json:"refreshHistory"`
	History        []HistoryItem `json:"history,omitempty"`
}

type HistoryResponse struct {
	SessionID string        `json:"sessionId"`
	History   []HistoryItem `json:"history"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewChatResponse(out usecase.MessageOutput) ChatResponse {
	return ChatResponse{
		SessionID:      out.SessionID,
		Reply:          out.Reply,
		RefreshHistory: out.RefreshHistory,
		History:        ToHistoryItems(out.History),
	}
}

func ToHistoryItems(msgs []domain.ChatMessage) []HistoryItem {
	if msgs == nil {
		return nil
	}
	items := make([]HistoryItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, HistoryItem{Sender: string(m.Sender), Text: m.Text, CreatedAt: m.CreatedAt})
	}
	return items
}

// NewErrorResponse maps err to its status code and body.
func NewErrorResponse(err error) (int, ErrorResponse) {
	code := usecase.CodeOf(err)
	body := ErrorResponse{Error: string(code)}
	var ue *usecase.Error
	if errors.As(err, &ue) && code != usecase.ErrorInternal {
		body.Reason = ue.Reason
	}
	return usecase.HTTPStatus(code), body
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithDrain runs fn after each chat turn and before the response is returned.
// On Lambda the instance freezes once Handle returns, so background work such
// as summary refreshes has to finish inside the invocation.
func WithDrain(fn func(ctx context.Context) error) Option {
	return func(h *Handler) { h.drain = fn }
}

type Handler struct {
	gateway Gateway
	logger  *zap.Logger
	drain   func(ctx context.Context) error
}

func NewHandler(gw Gateway, opts ...Option) (*Handler, error) {
	if gw == nil {
		return nil, errors.New("handler: gateway must not be nil")
	}
	h := &Handler{gateway: gw, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves POST /chat and GET /chat/history.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, CorrelationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With(zap.String("correlation_id", correlationID))

	path := strings.TrimRight(req.Path, "/")
	switch {
	case path == ChatPath && req.HTTPMethod == http.MethodPost:
		return h.chat(ctx, log, correlationID, req)
	case path == HistoryPath && req.HTTPMethod == http.MethodGet:
		return h.history(ctx, log, correlationID, req)
	case path == ChatPath || path == HistoryPath:
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, ErrorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}
	return jsonResponse(http.StatusNotFound, correlationID, ErrorResponse{Error: "NOT_FOUND"}), nil
}

func (h *Handler) chat(ctx context.Context, log *zap.Logger, correlationID string, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var body ChatRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, ErrorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_body",
		}), nil
	}

	out, err := h.gateway.HandleMessage(ctx, usecase.MessageInput{SessionID: body.SessionID, Text: body.Text})
	if err != nil {
		return h.failure(log, correlationID, err), nil
	}
	if h.drain != nil {
		if err := h.drain(ctx); err != nil {
			log.Warn("background work still pending", zap.Error(err))
		}
	}
	return jsonResponse(http.StatusOK, correlationID, NewChatResponse(out)), nil
}

func (h *Handler) history(ctx context.Context, log *zap.Logger, correlationID string, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	sessionID := strings.TrimSpace(req.QueryStringParameters["sessionId"])
	if sessionID == "" {
		sessionID = headerValue(req.Headers, SessionHeader)
	}

	msgs, err := h.gateway.History(ctx, sessionID)
	if err != nil {
		return h.failure(log, correlationID, err), nil
	}
	items := ToHistoryItems(msgs)
	if items == nil {
		items = []HistoryItem{}
	}
	return jsonResponse(http.StatusOK, correlationID, HistoryResponse{SessionID: sessionID, History: items}), nil
}

func (h *Handler) failure(log *zap.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	status, body := NewErrorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("code", body.Error), zap.String("reason", body.Reason))
	}
	return jsonResponse(status, correlationID, body)
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			CorrelationHeader: correlationID,
		},
		Body: string(b),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
