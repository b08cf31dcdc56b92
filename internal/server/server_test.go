package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"chat-gateway/handler"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/usecase"
)

type stubGateway struct {
	out       usecase.MessageOutput
	err       error
	in        usecase.MessageInput
	history   []domain.ChatMessage
	historyID string
	panicMsg  string
}

func (s *stubGateway) HandleMessage(_ context.Context, in usecase.MessageInput) (usecase.MessageOutput, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.in = in
	return s.out, s.err
}

func (s *stubGateway) History(_ context.Context, sessionID string) ([]domain.ChatMessage, error) {
	s.historyID = sessionID
	return s.history, s.err
}

func newTestServer(t *testing.T, gw *stubGateway, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := New(gw, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer func() { _ = res.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestNew_ValidatesDependency(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestChat_SetsSessionCookie(t *testing.T) {
	gw := &stubGateway{out: usecase.MessageOutput{SessionID: "sess-new", Reply: "Please enter your phone number."}}
	srv := newTestServer(t, gw, WithSecureCookie(true), WithCookieTTL(time.Hour))

	res, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, res.Header.Get(handler.CorrelationHeader))

	cookies := res.Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, SessionCookie, cookies[0].Name)
	require.Equal(t, "sess-new", cookies[0].Value)
	require.True(t, cookies[0].HttpOnly)
	require.True(t, cookies[0].Secure)
	require.Equal(t, 3600, cookies[0].MaxAge)

	out := decode[handler.ChatResponse](t, res)
	require.Equal(t, "sess-new", out.SessionID)
	require.Equal(t, "Please enter your phone number.", out.Reply)
	require.Equal(t, usecase.MessageInput{Text: "hi"}, gw.in)
}

func TestChat_FallsBackToCookie(t *testing.T) {
	gw := &stubGateway{out: usecase.MessageOutput{SessionID: "sess-c", Reply: "ok"}}
	srv := newTestServer(t, gw)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/chat", strings.NewReader(`{"text":"hello"}`))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-c"})
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, "sess-c", gw.in.SessionID)

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/chat", strings.NewReader(`{"sessionId":"sess-body","text":"hello"}`))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-c"})
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, "sess-body", gw.in.SessionID)
}

func TestChat_InvalidBody(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	res, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	out := decode[handler.ErrorResponse](t, res)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestChat_MapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   usecase.ErrorCode
	}{
		{&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "message_too_long"}, http.StatusBadRequest, usecase.ErrorInvalidInput},
		{&usecase.Error{Code: usecase.ErrorInternal, Reason: "store_error", Err: errors.New("boom")}, http.StatusInternalServerError, usecase.ErrorInternal},
	}
	for _, tc := range cases {
		srv := newTestServer(t, &stubGateway{err: tc.err})
		res, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"text":"x"}`))
		require.NoError(t, err)
		require.Equal(t, tc.status, res.StatusCode)
		out := decode[handler.ErrorResponse](t, res)
		require.Equal(t, string(tc.code), out.Error)
	}
}

func TestChat_RecoversPanics(t *testing.T) {
	srv := newTestServer(t, &stubGateway{panicMsg: "kaboom"})
	res, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestHistory_SessionSources(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	gw := &stubGateway{history: []domain.ChatMessage{{Sender: domain.SenderBot, Text: "hello", CreatedAt: at}}}
	srv := newTestServer(t, gw)

	res, err := http.Get(srv.URL + "/chat/history?sessionId=sess-q")
	require.NoError(t, err)
	out := decode[handler.HistoryResponse](t, res)
	require.Equal(t, "sess-q", gw.historyID)
	require.Equal(t, []handler.HistoryItem{{Sender: "bot", Text: "hello", CreatedAt: at}}, out.History)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/chat/history", nil)
	require.NoError(t, err)
	req.Header.Set(handler.SessionHeader, "sess-h")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, "sess-h", gw.historyID)

	gw.history = nil
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/chat/history", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-c"})
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	out = decode[handler.HistoryResponse](t, res)
	require.Equal(t, "sess-c", gw.historyID)
	require.NotNil(t, out.History)
	require.Empty(t, out.History)
}

func TestHistory_Unauthorized(t *testing.T) {
	srv := newTestServer(t, &stubGateway{err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "not_verified"}})
	res, err := http.Get(srv.URL + "/chat/history")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	out := decode[handler.ErrorResponse](t, res)
	require.Equal(t, "not_verified", out.Reason)
}

func TestAccessLog_UsesCorrelationHeader(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv := newTestServer(t, &stubGateway{err: errors.New("db down")}, WithLogger(zap.New(core)))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/chat", strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	req.Header.Set(handler.CorrelationHeader, "corr-7")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, "corr-7", res.Header.Get(handler.CorrelationHeader))

	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, "corr-7", failed[0].ContextMap()["correlation_id"])

	access := logs.FilterMessage("http request").All()
	require.Len(t, access, 1)
	require.EqualValues(t, http.StatusInternalServerError, access[0].ContextMap()["status"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}
