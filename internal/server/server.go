// Package server exposes the chat gateway over plain HTTP with chi.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chat-gateway/handler"
	"chat-gateway/internal/usecase"
)

// SessionCookie carries the session ID for browser clients that do not echo
// sessionId in the body.
const SessionCookie = "chat_session"

const maxBodyBytes = 64 << 10

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSecureCookie marks the session cookie Secure.
func WithSecureCookie(secure bool) Option {
	return func(s *Server) { s.secureCookie = secure }
}

func WithCookieTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.cookieTTL = d
		}
	}
}

type Server struct {
	gateway      handler.Gateway
	logger       *zap.Logger
	secureCookie bool
	cookieTTL    time.Duration
}

func New(gw handler.Gateway, opts ...Option) (*Server, error) {
	if gw == nil {
		return nil, errors.New("server: gateway must not be nil")
	}
	s := &Server{gateway: gw, logger: zap.NewNop(), cookieTTL: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router returns the full handler tree with middleware attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	s.Routes(r)
	return r
}

func (s *Server) Routes(r chi.Router) {
	r.Post(handler.ChatPath, s.chat)
	r.Get(handler.HistoryPath, s.history)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var body handler.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, handler.ErrorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_body",
		})
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		body.SessionID = sessionFromCookie(r)
	}

	out, err := s.gateway.HandleMessage(r.Context(), usecase.MessageInput{SessionID: body.SessionID, Text: body.Text})
	if err != nil {
		s.failure(w, r, err)
		return
	}
	s.setSessionCookie(w, out.SessionID)
	writeJSON(w, http.StatusOK, handler.NewChatResponse(out))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get(handler.SessionHeader))
	}
	if sessionID == "" {
		sessionID = sessionFromCookie(r)
	}

	msgs, err := s.gateway.History(r.Context(), sessionID)
	if err != nil {
		s.failure(w, r, err)
		return
	}
	items := handler.ToHistoryItems(msgs)
	if items == nil {
		items = []handler.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, handler.HistoryResponse{SessionID: sessionID, History: items})
}

func (s *Server) failure(w http.ResponseWriter, r *http.Request, err error) {
	status, body := handler.NewErrorResponse(err)
	log := s.logger.With(zap.String("correlation_id", middleware.GetReqID(r.Context())))
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("code", body.Error), zap.String("reason", body.Reason))
	}
	writeJSON(w, status, body)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	if id == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.cookieTTL / time.Second),
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// accessLog logs one line per request and echoes the request ID as the
// correlation header.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if id := strings.TrimSpace(r.Header.Get(handler.CorrelationHeader)); id != "" {
			reqID = id
			r = r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id))
		}
		w.Header().Set(handler.CorrelationHeader, reqID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("correlation_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func sessionFromCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
