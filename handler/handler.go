package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/quota"
	"chat-gateway/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	Usage(ctx context.Context, userID string) (quota.Status, error)
	History(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error)
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type chatResponse struct {
	Response          string `json:"response"`
	ConversationID    string `json:"conversationId"`
	IsNewConversation bool   `json:"isNewConversation"`
}

type limitResponse struct {
	LimitReached   bool   `json:"limit_reached"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

type usageResponse struct {
	TokensUsed  int64      `json:"tokensUsed"`
	Limit       int64      `json:"limit"`
	Remaining   *int64     `json:"remaining,omitempty"`
	Subscribed  bool       `json:"subscribed"`
	NextResetAt *time.Time `json:"nextResetAt,omitempty"`
}

type messageView struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyResponse struct {
	ConversationID string        `json:"conversationId"`
	Messages       []messageView `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(uc ChatUseCase, logger *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uc: uc, logger: logger}, nil
}

// Handle routes an API Gateway proxy event. Failures are rendered as JSON
// responses; the returned error is always nil.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	userID := principalID(event)
	if userID == "" {
		return jsonResponse(http.StatusUnauthorized, correlationID, errorResponse{Error: "UNAUTHORIZED"}), nil
	}
	log = log.With("user_id", userID)

	path := strings.TrimRight(event.Path, "/")
	switch {
	case path == "/api/chat":
		if event.HTTPMethod != http.MethodPost {
			return methodNotAllowed(correlationID), nil
		}
		return h.chat(ctx, log, correlationID, userID, event), nil
	case path == "/api/usage":
		if event.HTTPMethod != http.MethodGet {
			return methodNotAllowed(correlationID), nil
		}
		return h.usage(ctx, log, correlationID, userID), nil
	case strings.HasPrefix(path, "/api/conversations/") && strings.HasSuffix(path, "/messages"):
		if event.HTTPMethod != http.MethodGet {
			return methodNotAllowed(correlationID), nil
		}
		return h.history(ctx, log, correlationID, userID, event), nil
	}
	return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound)}), nil
}

func (h *Handler) chat(ctx context.Context, log *slog.Logger, correlationID, userID string, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)})
	}

	out, err := h.uc.HandleTurn(ctx, usecase.TurnInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		return h.errorResponse(log, correlationID, err)
	}
	if out.LimitReached {
		return jsonResponse(http.StatusForbidden, correlationID, limitResponse{
			LimitReached:   true,
			Message:        out.WaitMessage,
			ConversationID: out.ConversationID,
		})
	}
	return jsonResponse(http.StatusOK, correlationID, chatResponse{
		Response:          out.Response,
		ConversationID:    out.ConversationID,
		IsNewConversation: out.IsNewConversation,
	})
}

func (h *Handler) usage(ctx context.Context, log *slog.Logger, correlationID, userID string) events.APIGatewayProxyResponse {
	st, err := h.uc.Usage(ctx, userID)
	if err != nil {
		return h.errorResponse(log, correlationID, err)
	}
	resp := usageResponse{
		TokensUsed:  st.TokensUsed,
		Limit:       st.Limit,
		Subscribed:  st.Subscribed,
		NextResetAt: st.NextResetAt,
	}
	// Unlimited is rendered by omitting remaining.
	if st.Remaining != math.MaxInt64 {
		remaining := st.Remaining
		resp.Remaining = &remaining
	}
	return jsonResponse(http.StatusOK, correlationID, resp)
}

func (h *Handler) history(ctx context.Context, log *slog.Logger, correlationID, userID string, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	conversationID := event.PathParameters["id"]
	if conversationID == "" {
		trimmed := strings.TrimSuffix(strings.TrimRight(event.Path, "/"), "/messages")
		conversationID = strings.TrimPrefix(trimmed, "/api/conversations/")
	}
	limit := 0
	if raw := event.QueryStringParameters["limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)})
		}
		limit = n
	}

	msgs, err := h.uc.History(ctx, userID, conversationID, limit)
	if err != nil {
		return h.errorResponse(log, correlationID, err)
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{Role: m.Role, Text: m.Text, CreatedAt: m.CreatedAt})
	}
	return jsonResponse(http.StatusOK, correlationID, historyResponse{ConversationID: conversationID, Messages: views})
}

func (h *Handler) errorResponse(log *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		log.Info("request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, correlationID, errorResponse{Error: string(ucErr.Code)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorQuotaUnavailable, usecase.ErrorSessionUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorEngine:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(correlationID string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"})
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(buf),
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

// principalID reads the caller identity set by the API Gateway authorizer.
func principalID(event events.APIGatewayProxyRequest) string {
	v, ok := event.RequestContext.Authorizer["principalId"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
