package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/quota"
	"chat-gateway/internal/usecase"
)

type stubUseCase struct {
	out usecase.TurnOutput
	err error
	in  usecase.TurnInput

	status   quota.Status
	msgs     []domain.Message
	histArgs []any
}

func (s *stubUseCase) HandleTurn(_ context.Context, in usecase.TurnInput) (usecase.TurnOutput, error) {
	s.in = in
	return s.out, s.err
}

func (s *stubUseCase) Usage(_ context.Context, userID string) (quota.Status, error) {
	s.in.UserID = userID
	return s.status, s.err
}

func (s *stubUseCase) History(_ context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	s.histArgs = []any{userID, conversationID, limit}
	return s.msgs, s.err
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]interface{}{"principalId": "user-1"},
		},
	}
}

func chatEvent(body string) events.APIGatewayProxyRequest {
	return makeEvent(http.MethodPost, "/api/chat", body)
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, uc ChatUseCase) *Handler {
	t.Helper()
	h, err := NewHandler(uc, nil)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_ChatHappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.TurnOutput{Response: "hello", ConversationID: "conv-1", IsNewConversation: true}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), chatEvent(`{"message":"What's new?","conversationId":"conv-0"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.TurnInput{UserID: "user-1", ConversationID: "conv-0", Message: "What's new?"}, uc.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "hello", out.Response)
	require.Equal(t, "conv-1", out.ConversationID)
	require.True(t, out.IsNewConversation)
	require.NotContains(t, resp.Body, "limit_reached")
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_ChatLimitReached(t *testing.T) {
	uc := &stubUseCase{out: usecase.TurnOutput{LimitReached: true, WaitMessage: "try again in about 2 minutes"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), chatEvent(`{"message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	out := parseBody[limitResponse](t, resp.Body)
	require.True(t, out.LimitReached)
	require.Equal(t, "try again in about 2 minutes", out.Message)
}

func TestHandle_MissingIdentity(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})
	event := chatEvent(`{"message":"hi"}`)
	event.RequestContext.Authorizer = nil

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), chatEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "quota unavailable", err: &usecase.Error{Code: usecase.ErrorQuotaUnavailable, Reason: "quota_read_error"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorQuotaUnavailable)},
		{name: "session unavailable", err: &usecase.Error{Code: usecase.ErrorSessionUnavailable, Reason: "session_construction_error"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorSessionUnavailable)},
		{name: "engine", err: &usecase.Error{Code: usecase.ErrorEngine, Reason: "engine_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorEngine)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "conversation_create_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubUseCase{err: tc.err})

			resp, err := h.Handle(context.Background(), chatEvent(`{"message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{out: usecase.TurnOutput{Response: "ok", ConversationID: "conv-1"}})

	event := chatEvent(`{"message":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_Usage(t *testing.T) {
	next := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	uc := &stubUseCase{status: quota.Status{TokensUsed: 150, Limit: 200, Remaining: 50, NextResetAt: &next}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/usage", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-1", uc.in.UserID)

	out := parseBody[usageResponse](t, resp.Body)
	require.Equal(t, int64(150), out.TokensUsed)
	require.Equal(t, int64(50), *out.Remaining)
	require.True(t, next.Equal(*out.NextResetAt))
}

func TestHandle_UsageSubscribedOmitsRemaining(t *testing.T) {
	uc := &stubUseCase{status: quota.Status{TokensUsed: 10_000, Limit: 200, Remaining: math.MaxInt64, Subscribed: true}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/usage", ""))
	require.NoError(t, err)
	require.NotContains(t, resp.Body, "remaining")
	require.True(t, parseBody[usageResponse](t, resp.Body).Subscribed)
}

func TestHandle_History(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uc := &stubUseCase{msgs: []domain.Message{
		{ConversationID: "conv-1", Role: domain.RoleUser, Text: "q", CreatedAt: created},
		{ConversationID: "conv-1", Role: domain.RoleAssistant, Text: "a", CreatedAt: created},
	}}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodGet, "/api/conversations/conv-1/messages", "")
	event.QueryStringParameters = map[string]string{"limit": "10"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{"user-1", "conv-1", 10}, uc.histArgs)

	out := parseBody[historyResponse](t, resp.Body)
	require.Equal(t, "conv-1", out.ConversationID)
	require.Len(t, out.Messages, 2)
	require.Equal(t, "a", out.Messages[1].Text)
}

func TestHandle_HistoryPathParameter(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodGet, "/api/conversations/ignored/messages", "")
	event.PathParameters = map[string]string{"id": "conv-7"}
	_, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "conv-7", uc.histArgs[1])
}

func TestHandle_HistoryBadLimit(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})
	event := makeEvent(http.MethodGet, "/api/conversations/conv-1/messages", "")
	event.QueryStringParameters = map[string]string{"limit": "ten"}

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_HistoryNotFound(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "conversation_not_found"}})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/conversations/conv-1/messages", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_Routing(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/chat", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/unknown", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
