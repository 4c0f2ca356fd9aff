package freshness

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-portal/types"
)

const (
	DefaultRevalidate        = 60 * time.Second
	DefaultCacheTime         = 5 * time.Minute
	DefaultBackgroundTimeout = 8 * time.Second
	DefaultFetchTimeout      = 15 * time.Second

	commitStripes = 64
)

// SkipStore may be returned by a fetcher together with a value. The value is
// served to the caller but never persisted.
var SkipStore = errors.New("freshness: skip store")

type Fetcher[T any] func(ctx context.Context) (T, error)

// BypassFunc reports whether reads of key must skip the cache, and since
// when. Only fetches started after since may satisfy a bypassed read.
type BypassFunc func(ctx context.Context, key Key) (since time.Time, ok bool)

// CommitHook runs after a fetch result is written. startedAt is the moment
// the committing fetch began.
type CommitHook func(ctx context.Context, key Key, startedAt time.Time)

type Option func(*Coordinator)

func WithClock(clock types.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.now = clock
		}
	}
}

func WithRevalidate(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.revalidate = d
		}
	}
}

func WithCacheTime(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cacheTime = d
		}
	}
}

func WithBackgroundTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.backgroundTimeout = d
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithBypass installs a check that forces a blocking fetch even when a
// servable record exists.
func WithBypass(fn BypassFunc) Option {
	return func(c *Coordinator) {
		c.bypass = fn
	}
}

// WithCommitHook registers a callback run after every successful commit.
func WithCommitHook(fn CommitHook) Option {
	return func(c *Coordinator) {
		c.onCommit = fn
	}
}

// WithConfig applies the non-zero durations of a freshness config section.
func WithConfig(cfg *types.FreshnessConfig) Option {
	return func(c *Coordinator) {
		if cfg == nil {
			return
		}
		for _, opt := range []Option{
			WithRevalidate(cfg.Revalidate),
			WithCacheTime(cfg.CacheTime),
			WithBackgroundTimeout(cfg.BackgroundTimeout),
			WithFetchTimeout(cfg.FetchTimeout),
		} {
			opt(c)
		}
	}
}

type Coordinator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	store   types.Store
	logger  types.Logger
	metrics types.MetricsManager
	now     types.Clock

	revalidate        time.Duration
	cacheTime         time.Duration
	backgroundTimeout time.Duration
	fetchTimeout      time.Duration

	bypass   BypassFunc
	onCommit CommitHook

	flight  singleflight.Group
	locks   [commitStripes]sync.Mutex
	lastTag atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(ctx context.Context, store types.Store, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "store is nil")
	}
	if logger == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "logger is nil")
	}
	if metrics == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "metrics is nil")
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := &Coordinator{
		ctx:               cctx,
		cancel:            cancel,
		store:             store,
		logger:            logger,
		metrics:           metrics,
		now:               time.Now,
		revalidate:        DefaultRevalidate,
		cacheTime:         DefaultCacheTime,
		backgroundTimeout: DefaultBackgroundTimeout,
		fetchTimeout:      DefaultFetchTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.cacheTime <= c.revalidate {
		cancel()
		return nil, types.Errorf(types.ErrInvalidParameter, "cache time %s must exceed revalidate %s", c.cacheTime, c.revalidate)
	}

	return c, nil
}

func (c *Coordinator) Revalidate() time.Duration { return c.revalidate }

func (c *Coordinator) CacheTime() time.Duration { return c.cacheTime }

// Get is the read-through primitive behind every named wrapper.
func Get[T any](ctx context.Context, c *Coordinator, key Key, fetch Fetcher[T]) (T, error) {
	var zero T

	if fetch == nil {
		return zero, types.ErrFetcherIsNil
	}
	if !key.Entity.Valid() {
		return zero, types.Errorf(types.ErrEntityUnknown, "%q", key.Entity)
	}
	if c.isClosed() {
		return zero, types.ErrCoordinatorClosed
	}

	var cached T
	rec, band := c.read(ctx, key)
	if band.Servable() {
		if err := decodePayload(rec, &cached); err != nil {
			c.logger.Warn("Cached payload does not decode", zap.String("key", key.String()), zap.Error(err))
			band = Expired
		}
	}

	flight := key.String()
	if c.bypass != nil {
		if since, ok := c.bypass(ctx, key); ok {
			c.logger.Debug("Cache bypass active", zap.String("key", key.String()), zap.String("band", band.String()))
			if band.Servable() {
				band = Expired
			}
			flight += "@" + strconv.FormatInt(since.UnixNano(), 10)
		}
	}

	c.metrics.Counter("freshness_reads_total", map[string]string{
		"entity": string(key.Entity),
		"band":   band.String(),
	}).Inc()

	switch band {
	case Fresh:
		return cached, nil
	case Stale:
		revalidate(c, key, fetch)
		return cached, nil
	default:
		return fetchBlocking(ctx, c, key, flight, fetch)
	}
}

// Inspect reports the band of the stored record and its capture time.
func (c *Coordinator) Inspect(ctx context.Context, key Key) (Band, time.Time) {
	rec, band := c.read(ctx, key)
	if rec == nil {
		return band, time.Time{}
	}
	return band, rec.Captured()
}

func (c *Coordinator) Invalidate(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}

	raw := make([]string, 0, len(keys))
	for _, key := range keys {
		raw = append(raw, key.String())
	}

	if err := c.store.Delete(ctx, raw...); err != nil {
		return types.WrapError(err, "invalidate")
	}
	return nil
}

// Clear removes every record of an entity, optionally narrowed to one
// locale. An empty entity clears all entities.
func (c *Coordinator) Clear(ctx context.Context, entity Entity, loc string) (int, error) {
	if entity != "" && !entity.Valid() {
		return 0, types.Errorf(types.ErrEntityUnknown, "%q", entity)
	}

	var keys []string
	err := c.store.Scan(ctx, KeyPrefix+string(entity), func(raw string, _ []byte) error {
		key, ok := ParseKey(raw)
		if !ok {
			keys = append(keys, raw)
			return nil
		}
		if entity != "" && key.Entity != entity {
			return nil
		}
		if loc != "" && key.Locale != loc {
			return nil
		}
		keys = append(keys, raw)
		return nil
	})
	if err != nil {
		return 0, types.WrapError(err, "scan cache records")
	}

	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return 0, types.WrapError(err, "clear cache records")
	}
	return len(keys), nil
}

// Sweep deletes records older than cache time plus retention, and records
// that cannot be decoded.
func (c *Coordinator) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		retention = 0
	}

	now := c.now()
	limit := c.cacheTime + retention

	var expired []string
	err := c.store.Scan(ctx, KeyPrefix, func(raw string, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil || now.Sub(rec.Captured()) > limit {
			expired = append(expired, raw)
		}
		return nil
	})
	if err != nil {
		return 0, types.WrapError(err, "scan cache records")
	}

	if len(expired) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, expired...); err != nil {
		return 0, types.WrapError(err, "delete expired records")
	}

	c.metrics.Counter("freshness_swept_total", nil).Add(float64(len(expired)))
	c.logger.Debug("Swept cache records", zap.Int("count", len(expired)))

	return len(expired), nil
}

// Wait blocks until every fetch started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight fetches and waits for them to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Coordinator) read(ctx context.Context, key Key) (*Record, Band) {
	data, err := c.store.Get(ctx, key.String())
	if err != nil {
		if !errors.Is(err, types.ErrStoreNotFound) {
			c.logger.Warn("Failed to read cache record", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, Empty
	}

	rec, err := decodeRecord(data)
	if err != nil {
		c.logger.Warn("Corrupted cache record", zap.String("key", key.String()), zap.Error(err))
		return nil, Expired
	}

	return rec, Classify(c.now().Sub(rec.Captured()), c.revalidate, c.cacheTime)
}

// nextTag returns a strictly increasing tag seeded from the wall clock so
// tags stay comparable across processes sharing a store.
func (c *Coordinator) nextTag() int64 {
	for {
		last := c.lastTag.Load()
		next := c.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if c.lastTag.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (c *Coordinator) lockFor(key string) *sync.Mutex {
	return &c.locks[xxhash.Sum64String(key)%commitStripes]
}

// share joins or starts the in-flight fetch for key. The returned channel
// receives exactly one result.
func (c *Coordinator) share(key string, fn func() (interface{}, error)) (<-chan singleflight.Result, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, types.ErrCoordinatorClosed
	}
	c.wg.Add(1)
	c.mu.RUnlock()

	ch := c.flight.DoChan(key, fn)
	out := make(chan singleflight.Result, 1)
	go func() {
		defer c.wg.Done()
		out <- <-ch
	}()

	return out, nil
}

// commit stores value under key unless a record with a newer tag already
// exists. It reports whether the value was written.
func (c *Coordinator) commit(key Key, tag int64, payload []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	raw := key.String()
	lock := c.lockFor(raw)
	lock.Lock()
	defer lock.Unlock()

	if data, err := c.store.Get(ctx, raw); err == nil {
		if prev, err := decodeRecord(data); err == nil && prev.Tag > tag {
			return false, nil
		}
	} else if !errors.Is(err, types.ErrStoreNotFound) {
		return false, err
	}

	data, err := encodeRecord(&Record{
		Key:        raw,
		Locale:     key.Locale,
		CapturedAt: c.now().UnixMilli(),
		Tag:        tag,
		Payload:    payload,
	})
	if err != nil {
		return false, err
	}

	if err := c.store.Set(ctx, raw, data, 0); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) countFetch(key Key, mode, result string) {
	c.metrics.Counter("freshness_fetches_total", map[string]string{
		"entity": string(key.Entity),
		"mode":   mode,
		"result": result,
	}).Inc()
}
