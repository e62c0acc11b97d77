package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/quota"
)

const (
	defaultMaxMessage   = 4000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type QuotaController interface {
	Check(ctx context.Context, userID string) (quota.Decision, error)
	RecordUsage(ctx context.Context, userID string, delta int64) error
	Status(ctx context.Context, userID string) (quota.Status, error)
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, userID string) (domain.Conversation, error)
	IsOwner(ctx context.Context, conversationID, userID string) (bool, error)
	AppendMessage(ctx context.Context, msg domain.Message) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Completer is a live engine session for one conversation.
type Completer interface {
	Complete(ctx context.Context, text string) (string, error)
}

type SessionCache interface {
	GetOrCreate(ctx context.Context, conversationID string) (Completer, error)
	Use(ctx context.Context, conversationID string, fn func(Completer) error) error
}

type TokenCounter interface {
	Count(text string) int
}

// ChatService runs chat turns: quota check, conversation resolution, session
// invocation, usage accounting and persistence.
type ChatService struct {
	quota         QuotaController
	store         ConversationStore
	sessions      SessionCache
	tokens        TokenCounter
	maxMessageLen int
	logger        *slog.Logger
}

type TurnInput struct {
	UserID         string
	ConversationID string
	Message        string
}

type TurnOutput struct {
	ConversationID    string
	IsNewConversation bool
	Response          string
	LimitReached      bool
	WaitMessage       string
}

type ChatOption func(*ChatService)

func WithLogger(l *slog.Logger) ChatOption {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMaxMessageLength(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.maxMessageLen = n
		}
	}
}

func NewChatService(q QuotaController, st ConversationStore, sc SessionCache, tc TokenCounter, opts ...ChatOption) (*ChatService, error) {
	if q == nil {
		return nil, errors.New("usecase: quota controller must not be nil")
	}
	if st == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if sc == nil {
		return nil, errors.New("usecase: session cache must not be nil")
	}
	if tc == nil {
		return nil, errors.New("usecase: token counter must not be nil")
	}
	s := &ChatService{
		quota:         q,
		store:         st,
		sessions:      sc,
		tokens:        tc,
		maxMessageLen: defaultMaxMessage,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleTurn runs one chat turn. A denied quota check is reported through
// TurnOutput.LimitReached, not as an error. Turns are not idempotent.
func (s *ChatService) HandleTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	requestedID := strings.TrimSpace(in.ConversationID)

	decision, err := s.quota.Check(ctx, userID)
	if err != nil {
		return TurnOutput{}, newError(ErrorQuotaUnavailable, "quota_read_error", err)
	}
	if !decision.Allowed {
		return TurnOutput{
			ConversationID: requestedID,
			LimitReached:   true,
			WaitMessage:    decision.WaitMessage(),
		}, nil
	}

	convID, isNew, err := s.resolveConversation(ctx, userID, requestedID)
	if err != nil {
		return TurnOutput{}, err
	}
	log := s.logger.With("user_id", userID, "conversation_id", convID)

	promptTokens := s.tokens.Count(message)
	s.persist(ctx, log, domain.Message{ConversationID: convID, Role: domain.RoleUser, Text: message, Tokens: promptTokens})

	if _, err := s.sessions.GetOrCreate(ctx, convID); err != nil {
		log.Error("session construction failed", "err", err)
		return TurnOutput{}, newError(ErrorSessionUnavailable, "session_construction_error", err)
	}

	var (
		response string
		invoked  bool
	)
	// Accounting and persistence stay inside Use so the next turn of this
	// conversation, on a rebuilt session too, sees the finished exchange.
	err = s.sessions.Use(ctx, convID, func(sess Completer) error {
		invoked = true
		var callErr error
		response, callErr = sess.Complete(ctx, message)
		if callErr != nil {
			return callErr
		}
		completionTokens := s.tokens.Count(response)
		total := int64(promptTokens + completionTokens)
		if err := s.quota.RecordUsage(ctx, userID, total); err != nil {
			log.Warn("failed to record token usage", "tokens", total, "err", err)
		} else {
			log.Info("turn completed", "prompt_tokens", promptTokens, "completion_tokens", completionTokens)
		}
		s.persist(ctx, log, domain.Message{ConversationID: convID, Role: domain.RoleAssistant, Text: response, Tokens: completionTokens})
		return nil
	})
	if err != nil {
		if !invoked {
			// Evicted and rebuilt between acquire and use, and the rebuild failed.
			log.Error("session construction failed", "err", err)
			return TurnOutput{}, newError(ErrorSessionUnavailable, "session_construction_error", err)
		}
		log.Error("engine invocation failed", "err", err)
		s.persist(ctx, log, domain.Message{ConversationID: convID, Role: domain.RoleError, Text: err.Error()})
		return TurnOutput{}, newError(ErrorEngine, "engine_error", err)
	}

	return TurnOutput{
		ConversationID:    convID,
		IsNewConversation: isNew,
		Response:          response,
	}, nil
}

// resolveConversation returns requestedID when userID owns it, otherwise a
// newly created conversation. Another user's id is indistinguishable from an
// unknown one.
func (s *ChatService) resolveConversation(ctx context.Context, userID, requestedID string) (string, bool, error) {
	if requestedID != "" {
		owned, err := s.store.IsOwner(ctx, requestedID, userID)
		if err != nil {
			return "", false, newError(ErrorInternal, "ownership_check_error", err)
		}
		if owned {
			return requestedID, false, nil
		}
		s.logger.Info("conversation not owned by caller; starting new", "user_id", userID, "requested_conversation_id", requestedID)
	}
	conv, err := s.store.CreateConversation(ctx, userID)
	if err != nil {
		return "", false, newError(ErrorInternal, "conversation_create_error", err)
	}
	return conv.ID, true, nil
}

func (s *ChatService) persist(ctx context.Context, log *slog.Logger, msg domain.Message) {
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		log.Warn("failed to persist message", "role", msg.Role, "err", err)
	}
}

// Usage reports the caller's allowance without consuming or resetting it.
func (s *ChatService) Usage(ctx context.Context, userID string) (quota.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return quota.Status{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	st, err := s.quota.Status(ctx, userID)
	if err != nil {
		return quota.Status{}, newError(ErrorQuotaUnavailable, "quota_read_error", err)
	}
	return st, nil
}

// History returns the newest messages of a conversation the caller owns.
func (s *ChatService) History(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "missing_user", nil)
	}
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "missing_conversation", nil)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	owned, err := s.store.IsOwner(ctx, conversationID, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "ownership_check_error", err)
	}
	if !owned {
		return nil, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	msgs, err := s.store.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	return msgs, nil
}
