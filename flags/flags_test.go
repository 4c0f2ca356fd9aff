package flags

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/metrics"
	"github.com/saiset-co/sai-portal/store"
	"github.com/saiset-co/sai-portal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T) (*Service, *store.MemoryStore, *fakeClock) {
	t.Helper()

	s, err := store.NewMemoryStore(logger.NewNop(), nil)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := New(s, logger.NewNop(), &types.FlagsConfig{}, WithClock(clock.now))
	require.NoError(t, err)

	return svc, s, clock
}

func TestForceRefresh_ValidForFiveMinutes(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()

	assert.False(t, svc.IsForceRefresh(ctx, "en", "snake"))

	require.NoError(t, svc.ForceRefresh(ctx, "en-US", "snake"))
	assert.True(t, svc.IsForceRefresh(ctx, "en", "snake"))
	assert.False(t, svc.IsForceRefresh(ctx, "en", "tetris"))
	assert.False(t, svc.IsForceRefresh(ctx, "ja", "snake"))

	clock.advance(5*time.Minute - time.Millisecond)
	assert.True(t, svc.IsForceRefresh(ctx, "en", "snake"))

	clock.advance(time.Millisecond)
	assert.False(t, svc.IsForceRefresh(ctx, "en", "snake"))
}

func TestForceRefresh_Clear(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.ForceRefresh(ctx, "ru", ""))
	assert.True(t, svc.IsForceRefresh(ctx, "ru", ""))

	require.NoError(t, svc.ClearForceRefresh(ctx, "ru", ""))
	assert.False(t, svc.IsForceRefresh(ctx, "ru", ""))
}

func TestPublishingMode_SelfExpires(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPublishingMode(ctx, true))
	assert.True(t, svc.IsPublishingMode(ctx))

	clock.advance(9 * time.Second)
	assert.True(t, svc.IsPublishingMode(ctx))

	clock.advance(time.Second)
	assert.False(t, svc.IsPublishingMode(ctx))

	require.NoError(t, svc.SetPublishingMode(ctx, true))
	require.NoError(t, svc.SetPublishingMode(ctx, false))
	assert.False(t, svc.IsPublishingMode(ctx))
}

func TestBypassAndConsume(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()

	details := freshness.NewKey(freshness.EntityGameDetails, "en", "snake")
	blog := freshness.NewKey(freshness.EntityBlogDetails, "en", "snake")
	home := freshness.NewKey(freshness.EntityHome, "en", "")

	_, ok := svc.Bypass(ctx, details)
	assert.False(t, ok)

	setAt := clock.now()
	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	since, ok := svc.Bypass(ctx, details)
	assert.True(t, ok)
	assert.True(t, since.Equal(setAt))
	_, ok = svc.Bypass(ctx, home)
	assert.False(t, ok)

	svc.Consume(ctx, details, setAt)
	_, ok = svc.Bypass(ctx, details)
	assert.True(t, ok, "a fetch started with the flag must not consume it")

	clock.advance(time.Millisecond)
	svc.Consume(ctx, details, clock.now())
	_, ok = svc.Bypass(ctx, details)
	assert.False(t, ok)
	_, ok = svc.Bypass(ctx, blog)
	assert.True(t, ok)
	assert.True(t, svc.IsForceRefresh(ctx, "en", "snake"))

	clock.advance(time.Millisecond)
	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	_, ok = svc.Bypass(ctx, details)
	assert.True(t, ok, "a new flag applies again after an earlier one was consumed")

	clock.advance(time.Millisecond)
	require.NoError(t, svc.SetPublishingMode(ctx, true))
	since, ok = svc.Bypass(ctx, home)
	assert.True(t, ok)
	assert.True(t, since.Equal(clock.now()))
	_, ok = svc.Bypass(ctx, details)
	assert.True(t, ok)
}

func TestConsume_MarkerLapsesWithFlag(t *testing.T) {
	svc, s, clock := newService(t)
	ctx := context.Background()

	details := freshness.NewKey(freshness.EntityGameDetails, "en", "snake")

	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	clock.advance(time.Millisecond)
	svc.Consume(ctx, details, clock.now())

	_, err := s.Get(ctx, consumedKey(details))
	require.NoError(t, err)

	clock.advance(5 * time.Minute)
	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnreadableRecordsReadAsAbsent(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, publishingKey, []byte("not json"), 0))
	assert.False(t, svc.IsPublishingMode(ctx))

	require.NoError(t, s.Set(ctx, forceRefreshKey("en", ""), []byte(`{"value":true}`), 0))
	assert.False(t, svc.IsForceRefresh(ctx, "en", ""))
}

func TestSweep(t *testing.T) {
	svc, s, clock := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPublishingMode(ctx, true))
	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	require.NoError(t, s.Set(ctx, KeyPrefix+"broken", []byte("{"), 0))
	require.NoError(t, s.Set(ctx, "fresh:home:en", []byte("{}"), 0))

	clock.advance(time.Minute)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, svc.IsForceRefresh(ctx, "en", "snake"))

	_, err = s.Get(ctx, "fresh:home:en")
	assert.NoError(t, err)
}

func newCoordinator(t *testing.T, svc *Service, s types.Store, clock *fakeClock) *freshness.Coordinator {
	t.Helper()

	c, err := freshness.New(context.Background(), s, logger.NewNop(), metrics.Nop{},
		freshness.WithClock(clock.now),
		freshness.WithBypass(svc.Bypass),
		freshness.WithCommitHook(svc.Consume))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

type countingFetch struct {
	calls atomic.Int32
	value string
}

func (f *countingFetch) fetch(context.Context) (string, error) {
	f.calls.Add(1)
	return f.value, nil
}

func TestCoordinatorIntegration(t *testing.T) {
	svc, s, clock := newService(t)
	ctx := context.Background()
	c := newCoordinator(t, svc, s, clock)

	f := &countingFetch{value: "v"}
	key := freshness.NewKey(freshness.EntityGameDetails, "en", "snake")

	_, err := freshness.Get(ctx, c, key, f.fetch)
	require.NoError(t, err)
	_, err = freshness.Get(ctx, c, key, f.fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.calls.Load())

	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	clock.advance(time.Millisecond)

	_, err = freshness.Get(ctx, c, key, f.fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.calls.Load())
	_, ok := svc.Bypass(ctx, key)
	assert.False(t, ok)

	_, err = freshness.Get(ctx, c, key, f.fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.calls.Load())
}

// A revalidation that was already running when the flag was set commits
// data from before the publish. It must not count as the refresh.
func TestForceRefresh_OutlivesFetchStartedBeforeFlag(t *testing.T) {
	svc, s, clock := newService(t)
	ctx := context.Background()
	c := newCoordinator(t, svc, s, clock)

	key := freshness.NewKey(freshness.EntityGameDetails, "en", "snake")

	_, err := freshness.Get(ctx, c, key, (&countingFetch{value: "v1"}).fetch)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	old := func(context.Context) (string, error) {
		close(started)
		<-release
		return "pre-publish", nil
	}

	clock.advance(c.Revalidate() + time.Second)
	v, err := freshness.Get(ctx, c, key, old)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	<-started

	clock.advance(time.Millisecond)
	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	close(release)
	c.Wait()

	_, ok := svc.Bypass(ctx, key)
	assert.True(t, ok, "flag must survive a commit from a fetch started before it")

	clock.advance(time.Millisecond)
	latest := &countingFetch{value: "post-publish"}
	v, err = freshness.Get(ctx, c, key, latest.fetch)
	require.NoError(t, err)
	assert.Equal(t, "post-publish", v)
	assert.EqualValues(t, 1, latest.calls.Load())

	_, ok = svc.Bypass(ctx, key)
	assert.False(t, ok)
}

func TestForceRefresh_DoesNotJoinOlderFlight(t *testing.T) {
	svc, s, clock := newService(t)
	ctx := context.Background()
	c := newCoordinator(t, svc, s, clock)

	key := freshness.NewKey(freshness.EntityGameDetails, "en", "snake")

	_, err := freshness.Get(ctx, c, key, (&countingFetch{value: "v1"}).fetch)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	old := func(context.Context) (string, error) {
		close(started)
		<-release
		return "pre-publish", nil
	}

	clock.advance(c.Revalidate() + time.Second)
	_, err = freshness.Get(ctx, c, key, old)
	require.NoError(t, err)
	<-started

	clock.advance(time.Millisecond)
	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	clock.advance(time.Millisecond)

	latest := &countingFetch{value: "post-publish"}
	v, err := freshness.Get(ctx, c, key, latest.fetch)
	require.NoError(t, err)
	assert.Equal(t, "post-publish", v)

	close(release)
	c.Wait()

	cached := &countingFetch{value: "unused"}
	v, err = freshness.Get(ctx, c, key, cached.fetch)
	require.NoError(t, err)
	assert.Equal(t, "post-publish", v)
	assert.EqualValues(t, 0, cached.calls.Load())
}

func TestForceRefresh_ConsumedPerEntity(t *testing.T) {
	svc, s, clock := newService(t)
	ctx := context.Background()
	c := newCoordinator(t, svc, s, clock)

	game := freshness.NewKey(freshness.EntityGameDetails, "en", "snake")
	blog := freshness.NewKey(freshness.EntityBlogDetails, "en", "snake")

	_, err := freshness.Get(ctx, c, game, (&countingFetch{value: "g1"}).fetch)
	require.NoError(t, err)
	_, err = freshness.Get(ctx, c, blog, (&countingFetch{value: "b1"}).fetch)
	require.NoError(t, err)

	clock.advance(time.Millisecond)
	require.NoError(t, svc.ForceRefresh(ctx, "en", "snake"))
	clock.advance(time.Millisecond)

	games := &countingFetch{value: "g2"}
	v, err := freshness.Get(ctx, c, game, games.fetch)
	require.NoError(t, err)
	assert.Equal(t, "g2", v)

	blogs := &countingFetch{value: "b2"}
	v, err = freshness.Get(ctx, c, blog, blogs.fetch)
	require.NoError(t, err)
	assert.Equal(t, "b2", v)
	assert.EqualValues(t, 1, blogs.calls.Load())

	v, err = freshness.Get(ctx, c, game, games.fetch)
	require.NoError(t, err)
	assert.Equal(t, "g2", v)
	v, err = freshness.Get(ctx, c, blog, blogs.fetch)
	require.NoError(t, err)
	assert.Equal(t, "b2", v)
	assert.EqualValues(t, 1, games.calls.Load())
	assert.EqualValues(t, 1, blogs.calls.Load())
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
