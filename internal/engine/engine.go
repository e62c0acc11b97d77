// Package engine builds conversation sessions on top of an LLM chat client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chat-gateway/internal/domain"
)

const defaultMaxContext = 20

// ErrClosed is returned by Complete after the session has been closed.
var ErrClosed = errors.New("engine: session closed")

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type HistoryReader interface {
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Builder constructs sessions. Shared instructions and the model name are
// loaded from the parameter store once per process; a failed load is retried
// on the next construction.
type Builder struct {
	params          ParamGetter
	llm             LLMClient
	history         HistoryReader
	paramPrefix     string
	maxContextItems int
	logger          *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	instructions string
	model        string
}

type BuilderOption func(*Builder)

func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBuilder(p ParamGetter, llm LLMClient, h HistoryReader, paramPrefix string, maxContextItems int, opts ...BuilderOption) (*Builder, error) {
	if p == nil {
		return nil, errors.New("engine: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("engine: llm client must not be nil")
	}
	if h == nil {
		return nil, errors.New("engine: history reader must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("engine: parameter prefix must not be empty")
	}
	if maxContextItems <= 0 {
		maxContextItems = defaultMaxContext
	}
	b := &Builder{
		params:          p,
		llm:             llm,
		history:         h,
		paramPrefix:     paramPrefix,
		maxContextItems: maxContextItems,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// NewSession builds the session for conversationID, replaying its most recent
// completed turns from the durable transcript.
func (b *Builder) NewSession(ctx context.Context, conversationID string) (*Session, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("engine: conversation id must not be empty")
	}
	if err := b.ensureConfig(ctx); err != nil {
		return nil, err
	}
	msgs, err := b.history.GetHistory(ctx, conversationID, b.maxContextItems)
	if err != nil {
		return nil, fmt.Errorf("engine: load history for %q: %w", conversationID, err)
	}

	b.cacheMu.RLock()
	instructions, model := b.instructions, b.model
	b.cacheMu.RUnlock()

	s := &Session{
		conversationID:  conversationID,
		llm:             b.llm,
		model:           model,
		instructions:    instructions,
		maxContextItems: b.maxContextItems,
		transcript:      replayable(msgs),
	}
	s.trim()
	b.logger.Debug("engine session built", "conversation_id", conversationID, "replayed", len(s.transcript))
	return s, nil
}

func (b *Builder) ensureConfig(ctx context.Context) error {
	b.cacheMu.RLock()
	if b.cacheLoaded {
		b.cacheMu.RUnlock()
		return nil
	}
	b.cacheMu.RUnlock()

	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	if b.cacheLoaded {
		return nil
	}

	instructionsKey := b.paramPrefix + "/instructions"
	modelKey := b.paramPrefix + "/config/openai_model"
	values, err := b.params.GetParameters(ctx, instructionsKey, modelKey)
	if err != nil {
		return fmt.Errorf("engine: load parameters: %w", err)
	}
	model := strings.TrimSpace(values[modelKey])
	if model == "" {
		return errors.New("engine: openai model parameter is empty")
	}

	b.instructions = strings.TrimSpace(values[instructionsKey])
	b.model = model
	b.cacheLoaded = true
	return nil
}

// replayable keeps only completed user/assistant exchanges. An unanswered user
// message, including the one for the turn being built, is dropped.
func replayable(msgs []domain.Message) []domain.ChatMessage {
	var (
		out     []domain.ChatMessage
		pending *domain.Message
	)
	for i := range msgs {
		m := msgs[i]
		text := strings.TrimSpace(m.Text)
		switch m.Role {
		case domain.RoleUser:
			if text != "" {
				pending = &m
			}
		case domain.RoleAssistant:
			if pending != nil && text != "" {
				out = append(out,
					domain.ChatMessage{Role: domain.RoleUser, Content: strings.TrimSpace(pending.Text)},
					domain.ChatMessage{Role: domain.RoleAssistant, Content: text},
				)
			}
			pending = nil
		default:
			pending = nil
		}
	}
	return out
}

// Session holds the in-memory transcript for one conversation. It is not safe
// for concurrent use; callers serialize access.
type Session struct {
	conversationID  string
	llm             LLMClient
	model           string
	instructions    string
	maxContextItems int

	transcript []domain.ChatMessage
	closed     bool
}

func (s *Session) ConversationID() string { return s.conversationID }

// Complete sends text as the next user turn and returns the reply. On failure
// the transcript is left as it was before the call.
func (s *Session) Complete(ctx context.Context, text string) (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("engine: message must not be empty")
	}

	messages := make([]domain.ChatMessage, 0, len(s.transcript)+2)
	if s.instructions != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: s.instructions})
	}
	messages = append(messages, s.transcript...)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: text})

	reply, err := s.llm.Chat(ctx, s.model, messages)
	if err != nil {
		return "", fmt.Errorf("engine: completion for %q: %w", s.conversationID, err)
	}

	s.transcript = append(s.transcript,
		domain.ChatMessage{Role: domain.RoleUser, Content: text},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: reply},
	)
	s.trim()
	return reply, nil
}

// Close drops the in-memory transcript.
func (s *Session) Close() error {
	s.closed = true
	s.transcript = nil
	return nil
}

// trim keeps the newest maxContextItems entries, never splitting an exchange.
func (s *Session) trim() {
	if len(s.transcript) <= s.maxContextItems {
		return
	}
	drop := len(s.transcript) - s.maxContextItems
	if drop%2 == 1 {
		drop++
	}
	s.transcript = append([]domain.ChatMessage(nil), s.transcript[drop:]...)
}
