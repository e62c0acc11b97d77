package quota

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-gateway/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) NowUTC() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore mimics the durable store: conditional resets and atomic increments.
type memStore struct {
	mu       sync.Mutex
	records  map[string]domain.QuotaRecord
	readErr  error
	resetErr error
	reads    int
	resets   int

	// failReadAfter makes every read after the n-th fail with readErr.
	failReadAfter int

	// beforeReset runs under the lock ahead of the conditional write.
	beforeReset func(records map[string]domain.QuotaRecord)
}

func newMemStore(recs ...domain.QuotaRecord) *memStore {
	s := &memStore{records: map[string]domain.QuotaRecord{}}
	for _, r := range recs {
		s.records[r.UserID] = r
	}
	return s
}

func (s *memStore) ReadQuota(_ context.Context, userID string) (domain.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil && s.reads > s.failReadAfter {
		return domain.QuotaRecord{}, s.readErr
	}
	rec, ok := s.records[userID]
	if !ok {
		return domain.QuotaRecord{}, domain.ErrUserNotFound
	}
	return rec, nil
}

func (s *memStore) ResetQuota(_ context.Context, userID string, prev *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	if s.resetErr != nil {
		return s.resetErr
	}
	if s.beforeReset != nil {
		s.beforeReset(s.records)
	}
	rec, ok := s.records[userID]
	if !ok {
		return domain.ErrResetConflict
	}
	if (prev == nil) != (rec.LastResetAt == nil) || (prev != nil && !prev.Equal(*rec.LastResetAt)) {
		return domain.ErrResetConflict
	}
	rec.TokensUsed = 0
	rec.LastResetAt = &now
	s.records[userID] = rec
	return nil
}

func (s *memStore) IncrementUsage(_ context.Context, userID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	rec.TokensUsed += delta
	s.records[userID] = rec
	return nil
}

func (s *memStore) used(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[userID].TokensUsed
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

func newTestController(t *testing.T, s Store, clock Clock) *Controller {
	t.Helper()
	c, err := New(s, Config{FreeTierLimit: 200, ResetInterval: 5 * time.Minute}, WithClock(clock))
	require.NoError(t, err)
	return c
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)

	_, err = New(newMemStore(), Config{FreeTierLimit: -1})
	require.Error(t, err)

	c, err := New(newMemStore(), Config{})
	require.NoError(t, err)
	require.Equal(t, int64(DefaultFreeTierLimit), c.limit)
	require.Equal(t, DefaultResetInterval, c.interval)
}

func TestCheck_BelowLimitAllows(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(time.Minute)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 199, LastResetAt: timePtr(epoch)})
	c := newTestController(t, s, clock)

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, int64(199), d.TokensUsed)
	require.Zero(t, s.resets)
	require.Empty(t, d.WaitMessage())
}

func TestCheck_AtLimitDenies(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(time.Minute)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 200, LastResetAt: timePtr(epoch)})
	c := newTestController(t, s, clock)

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 4*time.Minute, d.RetryAfter)
	require.Contains(t, d.WaitMessage(), "about 4 minutes")
	require.Contains(t, d.WaitMessage(), "200")
}

func TestCheck_RetryAfterHasFloor(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(4*time.Minute + 50*time.Second)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 500, LastResetAt: timePtr(epoch)})
	c := newTestController(t, s, clock)

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, MinRetryAfter, d.RetryAfter)
	require.Contains(t, d.WaitMessage(), "about 1 minute.")
}

func TestCheck_ExpiredWindowResets(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(5*time.Minute + time.Second)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 200, LastResetAt: timePtr(epoch)})
	c := newTestController(t, s, clock)

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Zero(t, d.TokensUsed)
	require.Equal(t, 1, s.resets)
	require.Equal(t, 2, s.reads, "a reset must be followed by a fresh read")
	require.Equal(t, clock.NowUTC(), *s.records["u1"].LastResetAt)
}

func TestCheck_NeverStartedWindowResets(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 999})
	c := newTestController(t, s, clock)

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, epoch, *s.records["u1"].LastResetAt)
}

func TestCheck_ExactlyIntervalDoesNotReset(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(5 * time.Minute)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 200, LastResetAt: timePtr(epoch)})
	c := newTestController(t, s, clock)

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Zero(t, s.resets)
}

func TestCheck_SubscribedAlwaysAllows(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 10_000, IsSubscribed: true})
	c := newTestController(t, s, clock)

	for i := 0; i < 3; i++ {
		d, err := c.Check(context.Background(), "u1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.True(t, d.Subscribed)
		clock.Advance(time.Hour)
	}
	require.Zero(t, s.resets, "subscribed users skip the reset protocol")
}

func TestCheck_ReadFailureIsHardError(t *testing.T) {
	s := newMemStore()
	c := newTestController(t, s, &fakeClock{now: epoch})

	_, err := c.Check(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	s.readErr = errors.New("store unavailable")
	_, err = c.Check(context.Background(), "ghost")
	require.ErrorContains(t, err, "store unavailable")
}

func TestCheck_ResetWriteFailureUsesPreResetValues(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(10 * time.Minute)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 250, LastResetAt: timePtr(epoch)})
	s.resetErr = errors.New("throttled")
	c := newTestController(t, s, clock)

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed, "fail open on the reset, closed on the limit")
	require.Equal(t, MinRetryAfter, d.RetryAfter)
	require.Equal(t, 1, s.reads)

	s.records["u1"] = domain.QuotaRecord{UserID: "u1", TokensUsed: 20, LastResetAt: timePtr(epoch)}
	d, err = c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestCheck_ResetConflictRereads(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(10 * time.Minute)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 250, LastResetAt: timePtr(epoch)})
	c := newTestController(t, s, clock)

	// Another process resets and records a turn between our read and write.
	otherReset := clock.NowUTC().Add(-time.Second)
	s.beforeReset = func(records map[string]domain.QuotaRecord) {
		records["u1"] = domain.QuotaRecord{UserID: "u1", TokensUsed: 30, LastResetAt: &otherReset}
	}

	d, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, int64(30), d.TokensUsed)
	require.Equal(t, 2, s.reads)
	require.Equal(t, otherReset, *s.records["u1"].LastResetAt, "the losing reset must not clobber the winner")
}

func TestCheck_RereadFailureIsHardError(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(10 * time.Minute)}
	s := newMemStore(domain.QuotaRecord{UserID: "u1", TokensUsed: 250, LastResetAt: timePtr(epoch)})
	s.readErr = errors.New("connection reset")
	s.failReadAfter = 1
	c := newTestController(t, s, clock)

	_, err := c.Check(context.Background(), "u1")
	require.ErrorContains(t, err, "after reset")
}

func TestRecordUsage(t *testing.T) {
	s := newMemStore(domain.QuotaRecord{UserID: "u1"})
	c := newTestController(t, s, &fakeClock{now: epoch})

	require.NoError(t, c.RecordUsage(context.Background(), "u1", 0))
	require.Error(t, c.RecordUsage(context.Background(), "u1", -5))
	require.ErrorIs(t, c.RecordUsage(context.Background(), "ghost", 5), domain.ErrUserNotFound)
	require.NoError(t, c.RecordUsage(context.Background(), "u1", 7))
	require.Equal(t, int64(7), s.used("u1"))
}

func TestRecordUsage_TrackedForSubscribers(t *testing.T) {
	s := newMemStore(domain.QuotaRecord{UserID: "u1", IsSubscribed: true, TokensUsed: 10})
	c := newTestController(t, s, &fakeClock{now: epoch})
	require.NoError(t, c.RecordUsage(context.Background(), "u1", 5))
	require.Equal(t, int64(15), s.used("u1"))
}

func TestRecordUsage_ConcurrentWithOtherUsersResets(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := newMemStore(
		domain.QuotaRecord{UserID: "u1", LastResetAt: timePtr(epoch)},
		domain.QuotaRecord{UserID: "u2", TokensUsed: 300},
	)
	c := newTestController(t, s, clock)

	const a, b = 37, 58
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _ = c.RecordUsage(context.Background(), "u1", a) }()
		go func() { defer wg.Done(); _ = c.RecordUsage(context.Background(), "u1", b) }()
		go func() { defer wg.Done(); _, _ = c.Check(context.Background(), "u2") }()
	}
	wg.Wait()
	require.Equal(t, int64(50*(a+b)), s.used("u1"))
}

func TestScenario_FreeTierWindow(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := newMemStore(domain.QuotaRecord{UserID: "u1"})
	c := newTestController(t, s, clock)
	ctx := context.Background()

	d, err := c.Check(ctx, "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, c.RecordUsage(ctx, "u1", 150))

	clock.Advance(time.Minute)
	d, err = c.Check(ctx, "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, c.RecordUsage(ctx, "u1", 60))
	require.Equal(t, int64(210), s.used("u1"))

	clock.Advance(time.Minute)
	d, err = c.Check(ctx, "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.LessOrEqual(t, d.RetryAfter, 5*time.Minute)
	require.Positive(t, d.RetryAfter)

	clock.Advance(5 * time.Minute)
	d, err = c.Check(ctx, "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Zero(t, d.TokensUsed)
	require.NoError(t, c.RecordUsage(ctx, "u1", 40))
	require.Equal(t, int64(40), s.used("u1"))
}

func TestStatus(t *testing.T) {
	clock := &fakeClock{now: epoch.Add(2 * time.Minute)}
	s := newMemStore(
		domain.QuotaRecord{UserID: "u1", TokensUsed: 150, LastResetAt: timePtr(epoch)},
		domain.QuotaRecord{UserID: "u2", TokensUsed: 500, LastResetAt: timePtr(epoch.Add(-time.Hour))},
		domain.QuotaRecord{UserID: "u3", TokensUsed: 500, IsSubscribed: true},
		domain.QuotaRecord{UserID: "u4", TokensUsed: 900, IsSubscribed: true, LastResetAt: timePtr(epoch)},
	)
	c := newTestController(t, s, clock)
	ctx := context.Background()

	st, err := c.Status(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(50), st.Remaining)
	require.Equal(t, epoch.Add(5*time.Minute), *st.NextResetAt)

	st, err = c.Status(ctx, "u2")
	require.NoError(t, err)
	require.Zero(t, st.TokensUsed)
	require.Equal(t, int64(200), st.Remaining)
	require.Nil(t, st.NextResetAt)
	require.Zero(t, s.resets, "status never writes")

	st, err = c.Status(ctx, "u3")
	require.NoError(t, err)
	require.True(t, st.Subscribed)
	require.Equal(t, int64(500), st.TokensUsed)

	st, err = c.Status(ctx, "u4")
	require.NoError(t, err)
	require.True(t, st.Subscribed)
	require.Equal(t, int64(900), st.TokensUsed)
	require.Equal(t, int64(math.MaxInt64), st.Remaining)
	require.Nil(t, st.NextResetAt, "subscribers have no reset window")
}

func TestHumanizeWait(t *testing.T) {
	require.Equal(t, "about 1 minute", humanizeWait(10*time.Second))
	require.Equal(t, "about 1 minute", humanizeWait(time.Minute))
	require.Equal(t, "about 2 minutes", humanizeWait(61*time.Second))
	require.Equal(t, "about 90 minutes", humanizeWait(90*time.Minute))
	require.Equal(t, "about 3 hours", humanizeWait(2*time.Hour+time.Second))
}
