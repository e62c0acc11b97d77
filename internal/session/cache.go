// Package session keeps live engine sessions keyed by conversation id.
//
// The cache is bounded and evicts the least recently used entry. A session is
// constructed at most once while it is cached, even when many turns for a new
// conversation arrive together. Use of one conversation is serialized; with
// the default lock scope, unrelated conversations run concurrently. An evicted
// session that is still in use is closed when that use ends, and its
// replacement is not constructed before then.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the cache bound used when none is configured.
const DefaultCapacity = 50

// LockScope selects what a Use call serializes against.
type LockScope string

const (
	// LockScopeConversation serializes use of each session on its own.
	LockScopeConversation LockScope = "conversation"
	// LockScopeProcess serializes every construction and every use in the
	// process behind one mutex.
	LockScopeProcess LockScope = "process"
)

// ParseLockScope converts a configuration value to a LockScope.
// An empty value selects LockScopeConversation.
func ParseLockScope(s string) (LockScope, error) {
	switch LockScope(s) {
	case "", LockScopeConversation:
		return LockScopeConversation, nil
	case LockScopeProcess:
		return LockScopeProcess, nil
	}
	return "", fmt.Errorf("session: unknown lock scope %q", s)
}

// ErrEmptyID is returned for a blank conversation id.
var ErrEmptyID = errors.New("session: conversation id must not be empty")

// Factory constructs the session for a conversation. It may be slow.
type Factory[S any] func(ctx context.Context, conversationID string) (S, error)

type entry[S any] struct {
	session S

	mu      sync.Mutex // held for the whole of a Use call
	evicted bool       // guarded by Cache.mu
	retired chan struct{}
}

type options struct {
	scope  LockScope
	logger *slog.Logger
}

type Option func(*options)

func WithLockScope(scope LockScope) Option {
	return func(o *options) {
		if scope != "" {
			o.scope = scope
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Cache is a bounded LRU of sessions. The zero value is not usable; call New.
type Cache[S any] struct {
	factory Factory[S]
	scope   LockScope
	logger  *slog.Logger

	mu       sync.Mutex // guards lru and draining
	lru      *simplelru.LRU[string, *entry[S]]
	draining map[string]*entry[S] // evicted, not yet closed

	building  singleflight.Group
	processMu sync.Mutex
}

// New creates a Cache holding at most capacity sessions.
func New[S any](capacity int, factory Factory[S], opts ...Option) (*Cache[S], error) {
	if factory == nil {
		return nil, errors.New("session: factory must not be nil")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("session: capacity must be positive, got %d", capacity)
	}
	o := options{scope: LockScopeConversation, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := ParseLockScope(string(o.scope)); err != nil {
		return nil, err
	}

	c := &Cache[S]{
		factory:  factory,
		scope:    o.scope,
		logger:   o.logger,
		draining: make(map[string]*entry[S]),
	}
	lru, err := simplelru.NewLRU[string, *entry[S]](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	c.lru = lru
	return c, nil
}

// GetOrCreate returns the session for conversationID, constructing it on
// first access. A failed construction inserts nothing; the next call retries.
func (c *Cache[S]) GetOrCreate(ctx context.Context, conversationID string) (S, error) {
	if c.scope == LockScopeProcess {
		c.processMu.Lock()
		defer c.processMu.Unlock()
	}
	e, err := c.resolve(ctx, conversationID)
	if err != nil {
		var zero S
		return zero, err
	}
	return e.session, nil
}

// Use runs fn with exclusive access to the session for conversationID,
// constructing it first if needed. The error from fn is returned unchanged.
func (c *Cache[S]) Use(ctx context.Context, conversationID string, fn func(S) error) error {
	if c.scope == LockScopeProcess {
		c.processMu.Lock()
		defer c.processMu.Unlock()
	}
	for {
		e, err := c.resolve(ctx, conversationID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if c.isEvicted(e) {
			// Evicted while we waited; the next resolve builds a fresh one.
			e.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		err = fn(e.session)
		e.mu.Unlock()
		return err
	}
}

// Len reports the number of cached sessions.
func (c *Cache[S]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns cached conversation ids from least to most recently used.
func (c *Cache[S]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *Cache[S]) resolve(ctx context.Context, id string) (*entry[S], error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if e, ok := c.get(id); ok {
		return e, nil
	}

	// Waiters share the first caller's construction, so it must not be
	// cancelled when that caller gives up.
	buildCtx := context.WithoutCancel(ctx)
	v, err, _ := c.building.Do(id, func() (any, error) {
		// A construction that finished between our miss and this call has
		// already inserted the entry.
		c.mu.Lock()
		e, ok := c.lru.Get(id)
		old := c.draining[id]
		c.mu.Unlock()
		if ok {
			return e, nil
		}
		if old != nil {
			// The previous session for id may still be serving a turn.
			<-old.retired
		}
		s, err := c.factory(buildCtx, id)
		if err != nil {
			return nil, err
		}
		e = &entry[S]{session: s, retired: make(chan struct{})}
		c.mu.Lock()
		c.lru.Add(id, e)
		c.mu.Unlock()
		c.logger.Debug("session constructed", "conversation_id", id)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: construct %q: %w", id, err)
	}
	return v.(*entry[S]), nil
}

func (c *Cache[S]) get(id string) (*entry[S], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(id)
}

func (c *Cache[S]) isEvicted(e *entry[S]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.evicted
}

// onEvict runs under c.mu. The entry may still be in use, so retiring it
// waits for its own lock outside the cache lock.
func (c *Cache[S]) onEvict(id string, e *entry[S]) {
	c.logger.Debug("session evicted", "conversation_id", id)
	e.evicted = true
	c.draining[id] = e
	go c.retire(id, e)
}

func (c *Cache[S]) retire(id string, e *entry[S]) {
	e.mu.Lock()
	if closer, ok := any(e.session).(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("session close failed", "conversation_id", id, "err", err)
		}
	}
	e.mu.Unlock()

	c.mu.Lock()
	if c.draining[id] == e {
		delete(c.draining, id)
	}
	c.mu.Unlock()
	close(e.retired)
}
