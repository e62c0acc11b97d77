// Package quota enforces the rolling free-tier token allowance.
//
// The check, the optional window reset and the later usage increment are
// separate store operations. Two turns for the same user can both pass Check
// before either records usage, so the counter may overshoot the limit by at
// most one in-flight turn. Increments themselves are atomic in the store and
// are never lost.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"chat-gateway/internal/domain"
)

const (
	DefaultFreeTierLimit = 200
	DefaultResetInterval = 5 * time.Minute

	// MinRetryAfter is the smallest wait ever reported to a denied user.
	MinRetryAfter = time.Minute
)

// Store is the slice of the durable store the controller needs.
type Store interface {
	ReadQuota(ctx context.Context, userID string) (domain.QuotaRecord, error)
	ResetQuota(ctx context.Context, userID string, prev *time.Time, now time.Time) error
	IncrementUsage(ctx context.Context, userID string, delta int64) error
}

// Clock abstracts time for deterministic tests and strict UTC usage.
type Clock interface {
	NowUTC() time.Time
}

// SystemUTC is the production clock.
type SystemUTC struct{}

func (SystemUTC) NowUTC() time.Time { return time.Now().UTC() }

// Config sets the free-tier policy.
type Config struct {
	FreeTierLimit int64
	ResetInterval time.Duration
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	Subscribed bool
	TokensUsed int64
	Limit      int64
	// RetryAfter is set only when Allowed is false.
	RetryAfter time.Duration
}

// WaitMessage renders RetryAfter for a person.
func (d Decision) WaitMessage() string {
	if d.Allowed {
		return ""
	}
	return fmt.Sprintf("You have reached your free token limit of %d. Please try again in %s.", d.Limit, humanizeWait(d.RetryAfter))
}

// Status is a read-only view of a user's allowance.
type Status struct {
	TokensUsed  int64
	Limit       int64
	Remaining   int64
	Subscribed  bool
	NextResetAt *time.Time
}

// Controller runs the check/reset/increment protocol for one user at a time.
// It keeps no local state between calls; every check re-reads the store.
type Controller struct {
	store    Store
	limit    int64
	interval time.Duration
	clock    Clock
	logger   *slog.Logger
}

type Option func(*Controller)

func WithClock(c Clock) Option {
	return func(ctrl *Controller) {
		if c != nil {
			ctrl.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(ctrl *Controller) {
		if l != nil {
			ctrl.logger = l
		}
	}
}

// New creates a Controller. Zero config values fall back to the defaults.
func New(store Store, cfg Config, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("quota: store must not be nil")
	}
	if cfg.FreeTierLimit < 0 || cfg.ResetInterval < 0 {
		return nil, errors.New("quota: limit and reset interval must not be negative")
	}
	if cfg.FreeTierLimit == 0 {
		cfg.FreeTierLimit = DefaultFreeTierLimit
	}
	if cfg.ResetInterval == 0 {
		cfg.ResetInterval = DefaultResetInterval
	}
	c := &Controller{
		store:    store,
		limit:    cfg.FreeTierLimit,
		interval: cfg.ResetInterval,
		clock:    SystemUTC{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check decides whether userID may start a turn, resetting the window first
// when it has expired. An error means the record could not be read at all and
// is distinct from a denial.
func (c *Controller) Check(ctx context.Context, userID string) (Decision, error) {
	rec, err := c.store.ReadQuota(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: read %q: %w", userID, err)
	}
	if rec.IsSubscribed {
		return Decision{Allowed: true, Subscribed: true, TokensUsed: rec.TokensUsed, Limit: c.limit}, nil
	}

	now := c.clock.NowUTC()
	if c.windowExpired(rec, now) {
		rec, err = c.reset(ctx, rec, now)
		if err != nil {
			return Decision{}, err
		}
	}

	d := Decision{TokensUsed: rec.TokensUsed, Limit: c.limit}
	if rec.TokensUsed < c.limit {
		d.Allowed = true
		return d, nil
	}
	d.RetryAfter = c.retryAfter(rec, now)
	c.logger.Info("quota limit reached",
		"user_id", userID,
		"tokens_used", rec.TokensUsed,
		"limit", c.limit,
		"retry_after", d.RetryAfter.String(),
	)
	return d, nil
}

// reset starts a new window and re-reads the record. A failed reset write
// falls back to the pre-reset record; losing the race to another reset is
// not a failure.
func (c *Controller) reset(ctx context.Context, rec domain.QuotaRecord, now time.Time) (domain.QuotaRecord, error) {
	err := c.store.ResetQuota(ctx, rec.UserID, rec.LastResetAt, now)
	if err != nil && !errors.Is(err, domain.ErrResetConflict) {
		c.logger.Warn("quota reset failed; using pre-reset values", "user_id", rec.UserID, "err", err)
		return rec, nil
	}
	fresh, err := c.store.ReadQuota(ctx, rec.UserID)
	if err != nil {
		return domain.QuotaRecord{}, fmt.Errorf("quota: re-read %q after reset: %w", rec.UserID, err)
	}
	c.logger.Debug("quota window reset", "user_id", rec.UserID, "tokens_used", fresh.TokensUsed)
	return fresh, nil
}

// RecordUsage adds delta to the user's counter regardless of subscription.
func (c *Controller) RecordUsage(ctx context.Context, userID string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("quota: negative usage delta %d", delta)
	}
	if delta == 0 {
		return nil
	}
	if err := c.store.IncrementUsage(ctx, userID, delta); err != nil {
		return fmt.Errorf("quota: record usage for %q: %w", userID, err)
	}
	return nil
}

// Status reports the user's allowance without mutating anything. An expired
// window is reported as already reset.
func (c *Controller) Status(ctx context.Context, userID string) (Status, error) {
	rec, err := c.store.ReadQuota(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("quota: read %q: %w", userID, err)
	}
	st := Status{TokensUsed: rec.TokensUsed, Limit: c.limit, Subscribed: rec.IsSubscribed}
	now := c.clock.NowUTC()
	if st.Subscribed {
		st.Remaining = math.MaxInt64
		return st, nil
	}
	if c.windowExpired(rec, now) {
		st.TokensUsed = 0
	} else {
		next := rec.LastResetAt.Add(c.interval)
		st.NextResetAt = &next
	}
	if st.TokensUsed < c.limit {
		st.Remaining = c.limit - st.TokensUsed
	}
	return st, nil
}

func (c *Controller) windowExpired(rec domain.QuotaRecord, now time.Time) bool {
	return rec.LastResetAt == nil || now.Sub(*rec.LastResetAt) > c.interval
}

func (c *Controller) retryAfter(rec domain.QuotaRecord, now time.Time) time.Duration {
	wait := c.interval
	if rec.LastResetAt != nil {
		wait = rec.LastResetAt.Add(c.interval).Sub(now)
	}
	if wait < MinRetryAfter {
		wait = MinRetryAfter
	}
	return wait
}

func humanizeWait(d time.Duration) string {
	if d < MinRetryAfter {
		d = MinRetryAfter
	}
	if d >= 2*time.Hour {
		return plural(int64(math.Ceil(d.Hours())), "hour")
	}
	return plural(int64(math.Ceil(d.Minutes())), "minute")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "about 1 " + unit
	}
	return fmt.Sprintf("about %d %ss", n, unit)
}
