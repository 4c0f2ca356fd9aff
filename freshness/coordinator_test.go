package freshness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-portal/content"
	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/metrics"
	"github.com/saiset-co/sai-portal/store"
	"github.com/saiset-co/sai-portal/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(base time.Time, offset time.Duration) {
	c.mu.Lock()
	c.t = base.Add(offset)
	c.mu.Unlock()
}

type harness struct {
	c       *Coordinator
	store   *store.MemoryStore
	metrics *metrics.MemoryMetrics
	logs    *observer.ObservedLogs
	clock   *clock
	start   time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.NewZapWrapper(zap.New(core))

	s, err := store.NewMemoryStore(log, nil)
	require.NoError(t, err)

	m := metrics.NewMemoryMetrics(log, nil)
	clk := newClock()

	opts = append([]Option{WithClock(clk.now)}, opts...)
	c, err := New(context.Background(), s, log, m, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &harness{c: c, store: s, metrics: m, logs: logs, clock: clk, start: clk.now()}
}

func (h *harness) at(offset time.Duration) {
	h.clock.set(h.start, offset)
}

func (h *harness) counter(name string, labels map[string]string) float64 {
	return h.metrics.Counter(name, labels).Get()
}

type countingFetcher struct {
	calls atomic.Int32
	fn    func(call int32) (string, error)
}

func (f *countingFetcher) fetch(_ context.Context) (string, error) {
	return f.fn(f.calls.Add(1))
}

func constant(value string) *countingFetcher {
	return &countingFetcher{fn: func(int32) (string, error) { return value, nil }}
}

var homeKey = NewKey(EntityHome, "en", "")

func TestGet_FreshServedWithoutFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := constant("v1")
	v, err := Get(ctx, h.c, homeKey, first.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	h.at(59 * time.Second)
	second := constant("v2")
	v, err = Get(ctx, h.c, homeKey, second.fetch)
	require.NoError(t, err)
	h.c.Wait()

	assert.Equal(t, "v1", v)
	assert.EqualValues(t, 0, second.calls.Load())
	assert.Equal(t, 1.0, h.counter("freshness_reads_total", map[string]string{"entity": "home", "band": "fresh"}))
}

func TestGet_StaleServesCachedAndRevalidatesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)

	h.at(90 * time.Second)

	release := make(chan struct{})
	bg := &countingFetcher{fn: func(int32) (string, error) {
		<-release
		return "v2", nil
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Get(ctx, h.c, homeKey, bg.fetch)
			assert.NoError(t, err)
			assert.Equal(t, "v1", v)
		}()
	}
	wg.Wait()
	close(release)
	h.c.Wait()

	assert.EqualValues(t, 1, bg.calls.Load())

	band, captured := h.c.Inspect(ctx, homeKey)
	assert.Equal(t, Fresh, band)
	assert.Equal(t, h.start.Add(90*time.Second).UnixMilli(), captured.UnixMilli())

	v, err := Get(ctx, h.c, homeKey, constant("v3").fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestGet_ExpiredBlocksForFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)

	h.at(5*time.Minute + time.Second)
	fresh := constant("v2")
	v, err := Get(ctx, h.c, homeKey, fresh.fetch)
	require.NoError(t, err)

	assert.Equal(t, "v2", v)
	assert.EqualValues(t, 1, fresh.calls.Load())
	assert.Equal(t, 1.0, h.counter("freshness_reads_total", map[string]string{"entity": "home", "band": "expired"}))
}

func TestGet_BandBoundaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)

	tests := []struct {
		offset time.Duration
		band   Band
	}{
		{0, Fresh},
		{60 * time.Second, Fresh},
		{60*time.Second + time.Millisecond, Stale},
		{5 * time.Minute, Stale},
		{5*time.Minute + time.Millisecond, Expired},
	}

	for _, tt := range tests {
		h.at(tt.offset)
		band, _ := h.c.Inspect(ctx, homeKey)
		assert.Equal(t, tt.band, band, "offset %s", tt.offset)
	}
}

func TestGet_FreshStaleExpiredTimeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f := &countingFetcher{fn: func(call int32) (string, error) {
		if call == 2 {
			return "", errors.New("upstream down")
		}
		return "v", nil
	}}

	v, err := Get(ctx, h.c, homeKey, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.EqualValues(t, 1, f.calls.Load())

	h.at(30 * time.Second)
	_, err = Get(ctx, h.c, homeKey, f.fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.calls.Load())

	h.at(70 * time.Second)
	v, err = Get(ctx, h.c, homeKey, f.fetch)
	require.NoError(t, err)
	h.c.Wait()
	assert.Equal(t, "v", v)
	assert.EqualValues(t, 2, f.calls.Load())

	h.at(301 * time.Second)
	band, _ := h.c.Inspect(ctx, homeKey)
	assert.Equal(t, Expired, band)

	v, err = Get(ctx, h.c, homeKey, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestGet_BackgroundErrorIsLoggedNotReturned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)

	h.at(2 * time.Minute)
	failing := &countingFetcher{fn: func(int32) (string, error) { return "", errors.New("boom") }}
	v, err := Get(ctx, h.c, homeKey, failing.fetch)
	require.NoError(t, err)
	h.c.Wait()

	assert.Equal(t, "v1", v)
	entries := h.logs.FilterMessage("Background revalidation failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, homeKey.String(), entries[0].ContextMap()["key"])
	assert.Equal(t, 1.0, h.counter("freshness_fetches_total", map[string]string{"entity": "home", "mode": "background", "result": "error"}))
}

func TestGet_BlockingFetchIsShared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	f := &countingFetcher{fn: func(int32) (string, error) {
		<-release
		return "shared", nil
	}}

	const callers = 10
	var started sync.WaitGroup
	var done sync.WaitGroup
	results := make([]string, callers)

	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			v, err := Get(ctx, h.c, homeKey, f.fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	started.Wait()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	done.Wait()

	assert.EqualValues(t, 1, f.calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestGet_BlockingErrorPropagates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := Get(ctx, h.c, homeKey, func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	band, _ := h.c.Inspect(ctx, homeKey)
	assert.Equal(t, Empty, band)
}

func TestGet_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	f := &countingFetcher{fn: func(int32) (string, error) {
		<-release
		return "late", nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Get(ctx, h.c, homeKey, f.fetch)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	h.c.Wait()

	v, err := Get(context.Background(), h.c, homeKey, constant("other").fetch)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestGet_SkipStoreServesWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := Get(ctx, h.c, homeKey, func(context.Context) (string, error) { return "fallback", SkipStore })
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	assert.Equal(t, 0, h.store.Len())

	next := constant("real")
	v, err = Get(ctx, h.c, homeKey, next.fetch)
	require.NoError(t, err)
	assert.Equal(t, "real", v)
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestGet_BypassForcesFetch(t *testing.T) {
	var bypass atomic.Bool
	h := newHarness(t, WithBypass(func(context.Context, Key) (time.Time, bool) { return time.Time{}, bypass.Load() }))
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)

	bypass.Store(true)
	v, err := Get(ctx, h.c, homeKey, constant("v2").fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	bypass.Store(false)
	v, err = Get(ctx, h.c, homeKey, constant("v3").fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestGet_CommitHookRunsAfterWrite(t *testing.T) {
	var committed []Key
	var started []time.Time
	var mu sync.Mutex
	h := newHarness(t, WithCommitHook(func(_ context.Context, key Key, startedAt time.Time) {
		mu.Lock()
		committed = append(committed, key)
		started = append(started, startedAt)
		mu.Unlock()
	}))
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, func(context.Context) (string, error) { return "x", SkipStore })
	require.NoError(t, err)
	_, err = Get(ctx, h.c, homeKey, constant("y").fetch)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Key{homeKey}, committed)
	require.Len(t, started, 1)
	assert.WithinDuration(t, h.start, started[0], time.Millisecond)
}

func TestGet_BypassNeverJoinsEarlierFlight(t *testing.T) {
	var since atomic.Int64
	h := newHarness(t, WithBypass(func(context.Context, Key) (time.Time, bool) {
		at := since.Load()
		return time.Unix(0, at), at != 0
	}))
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	h.at(2 * time.Minute)
	_, err = Get(ctx, h.c, homeKey, func(context.Context) (string, error) {
		close(started)
		<-release
		return "old", nil
	})
	require.NoError(t, err)
	<-started

	h.at(2*time.Minute + time.Second)
	since.Store(h.clock.now().UnixNano())

	v, err := Get(ctx, h.c, homeKey, constant("new").fetch)
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	close(release)
	h.c.Wait()
	since.Store(0)

	v, err = Get(ctx, h.c, homeKey, constant("unused").fetch)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, 1.0, h.counter("freshness_discarded_total", map[string]string{"entity": "home"}))
}

func TestGet_FetcherPanicBecomesError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	panicking := func(context.Context) (string, error) {
		var counts map[string]int
		counts["home"]++
		return "unreachable", nil
	}

	_, err := Get(ctx, h.c, homeKey, panicking)
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrInvalidState))
	assert.Contains(t, err.Error(), "fetch panicked")

	entries := h.logs.FilterMessage("Fetcher panicked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, homeKey.String(), entries[0].ContextMap()["key"])
	assert.Equal(t, 1.0, h.counter("freshness_fetches_total", map[string]string{"entity": "home", "mode": "blocking", "result": "panic"}))

	v, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	h.at(2 * time.Minute)
	v, err = Get(ctx, h.c, homeKey, panicking)
	require.NoError(t, err)
	h.c.Wait()
	assert.Equal(t, "v1", v)
	assert.Len(t, h.logs.FilterMessage("Fetcher panicked").All(), 2)
}

func TestGet_BackgroundTimeoutKeepsRecordStale(t *testing.T) {
	h := newHarness(t, WithBackgroundTimeout(50*time.Millisecond))
	ctx := context.Background()

	_, err := Get(ctx, h.c, homeKey, constant("v1").fetch)
	require.NoError(t, err)

	errs := make(chan error, 2)
	started := make(chan struct{}, 2)
	var calls atomic.Int32
	hangingFetch := func(fctx context.Context) (string, error) {
		calls.Add(1)
		started <- struct{}{}
		<-fctx.Done()
		errs <- fctx.Err()
		return "", fctx.Err()
	}

	h.at(2 * time.Minute)
	v, err := Get(ctx, h.c, homeKey, hangingFetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	h.c.Wait()

	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
	require.Len(t, h.logs.FilterMessage("Background revalidation failed").All(), 1)

	band, _ := h.c.Inspect(ctx, homeKey)
	assert.Equal(t, Stale, band)

	v, err = Get(ctx, h.c, homeKey, hangingFetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	<-started
	<-started
	assert.EqualValues(t, 2, calls.Load())

	h.c.Close()
	assert.ErrorIs(t, <-errs, context.Canceled)

	_, err = Get(ctx, h.c, homeKey, constant("v2").fetch)
	assert.ErrorIs(t, err, types.ErrCoordinatorClosed)
}

func TestGet_CorruptedRecordTreatedAsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		value string
	}{
		{"not json", "{{{"},
		{"no timestamp", `{"key":"fresh:home:en","payload":"\"old\""}`},
		{"no payload", `{"key":"fresh:home:en","captured_at":1}`},
		{"payload of another type", `{"key":"fresh:home:en","captured_at":` + itoa(h.start.UnixMilli()) + `,"tag":1,"payload":{"a":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.store.Set(ctx, homeKey.String(), []byte(tt.value), 0))

			f := constant("rebuilt")
			v, err := Get(ctx, h.c, homeKey, f.fetch)
			require.NoError(t, err)
			assert.Equal(t, "rebuilt", v)
			assert.EqualValues(t, 1, f.calls.Load())
		})
	}
}

func TestRunFetch_OlderResultNeverOverwritesNewer(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	olderDone := make(chan string, 1)

	go func() {
		v, _ := runFetch(h.c, homeKey, func(context.Context) (string, error) {
			<-release
			return "older", nil
		}, time.Second, modeBlocking)
		olderDone <- v
	}()

	require.Eventually(t, func() bool { return h.c.lastTag.Load() != 0 }, time.Second, time.Millisecond)

	v, err := runFetch(h.c, homeKey, func(context.Context) (string, error) { return "newer", nil }, time.Second, modeBlocking)
	require.NoError(t, err)
	assert.Equal(t, "newer", v)

	close(release)
	assert.Equal(t, "older", <-olderDone)

	got, err := Get(context.Background(), h.c, homeKey, constant("refetch").fetch)
	require.NoError(t, err)
	assert.Equal(t, "newer", got)
	assert.Equal(t, 1.0, h.counter("freshness_discarded_total", map[string]string{"entity": "home"}))
}

func TestGet_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := Get[string](ctx, h.c, homeKey, nil)
	assert.ErrorIs(t, err, types.ErrFetcherIsNil)

	_, err = Get(ctx, h.c, Key{Entity: "news", Locale: "en"}, constant("x").fetch)
	assert.ErrorIs(t, err, types.ErrEntityUnknown)

	h.c.Close()
	_, err = Get(ctx, h.c, homeKey, constant("x").fetch)
	assert.ErrorIs(t, err, types.ErrCoordinatorClosed)
}

func TestNew_RejectsInvertedWindows(t *testing.T) {
	s, err := store.NewMemoryStore(logger.NewNop(), nil)
	require.NoError(t, err)

	_, err = New(context.Background(), s, logger.NewNop(), metrics.Nop{},
		WithRevalidate(time.Minute), WithCacheTime(30*time.Second))
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = New(context.Background(), nil, logger.NewNop(), metrics.Nop{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestClearInvalidateSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seed := func(key Key) {
		_, err := Get(ctx, h.c, key, constant("x").fetch)
		require.NoError(t, err)
	}

	seed(NewKey(EntityHome, "en", ""))
	seed(NewKey(EntityHome, "ja", ""))
	seed(NewKey(EntityGameDetails, "en", "snake"))
	seed(NewKey(EntityGameDetails, "en", "tetris"))
	seed(NewKey(EntityBlogList, "ru", ""))

	n, err := h.c.Clear(ctx, EntityGameDetails, "en")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.c.Clear(ctx, EntityHome, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.c.Clear(ctx, "news", "")
	assert.ErrorIs(t, err, types.ErrEntityUnknown)

	require.NoError(t, h.c.Invalidate(ctx, NewKey(EntityBlogList, "ru", "")))
	assert.Equal(t, 0, h.store.Len())

	seed(NewKey(EntityHome, "en", ""))
	h.at(time.Minute)
	seed(NewKey(EntityHome, "fr", ""))
	require.NoError(t, h.store.Set(ctx, KeyPrefix+"home:ko", []byte("garbage"), 0))

	h.at(5*time.Minute + 30*time.Second)
	n, err = h.c.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.store.Get(ctx, NewKey(EntityHome, "fr", "").String())
	assert.NoError(t, err)

	h.at(time.Hour)
	n, err = h.c.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWrappers_NormalizeLocale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	home, err := GetHomeData(ctx, h.c, "ja-JP", func(context.Context) (content.HomeData, error) {
		return content.HomeData{Locale: "ja"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ja", home.Locale)

	_, err = h.store.Get(ctx, "fresh:home:ja")
	assert.NoError(t, err)

	details, err := GetGameDetails(ctx, h.c, "klingon", " snake ", func(context.Context) (content.GameDetails, error) {
		return content.GameDetails{Game: content.Game{Name: "snake"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "snake", details.Name)

	_, err = h.store.Get(ctx, "fresh:game-details:en:snake")
	assert.NoError(t, err)

	_, err = GetGameList(ctx, h.c, "ru", func(context.Context) (content.GameList, error) { return content.GameList{}, nil })
	require.NoError(t, err)
	_, err = GetBlogList(ctx, h.c, "ru", func(context.Context) (content.BlogList, error) { return content.BlogList{}, nil })
	require.NoError(t, err)
	_, err = GetBlogDetails(ctx, h.c, "ru", "patch-notes", func(context.Context) (content.BlogDetails, error) {
		return content.BlogDetails{}, nil
	})
	require.NoError(t, err)

	for _, key := range []string{"fresh:game-list:ru", "fresh:blog-list:ru", "fresh:blog-details:ru:patch-notes"} {
		_, err = h.store.Get(ctx, key)
		assert.NoError(t, err, key)
	}
}
