// Package flags keeps short-lived switches in the shared store: per-page
// force-refresh requests and the global publishing mode. Expiry is checked
// when a flag is read; Sweep removes records that have lapsed.
//
// A force-refresh flag covers every entity of a (locale, slug) pair. Each
// entity consumes it separately, once a fetch that started after the flag
// was set has been committed for it.
package flags

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/locale"
	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const (
	KeyPrefix = "flag:"

	publishingKey      = KeyPrefix + "publishing"
	forceRefreshPrefix = KeyPrefix + "refresh:"
	consumedPrefix     = KeyPrefix + "consumed:"

	DefaultForceRefreshTTL   = 5 * time.Minute
	DefaultPublishingModeTTL = 10 * time.Second
)

type Record struct {
	Value     bool  `json:"value"`
	SetAt     int64 `json:"set_at"`
	ExpiresAt int64 `json:"expires_at"`
}

func (r *Record) active(now time.Time) bool {
	return r.Value && now.UnixMilli() < r.ExpiresAt
}

func (r *Record) setAt() time.Time {
	return time.UnixMilli(r.SetAt)
}

type Option func(*Service)

func WithClock(clock types.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

type Service struct {
	store           types.Store
	logger          types.Logger
	now             types.Clock
	forceRefreshTTL time.Duration
	publishingTTL   time.Duration
}

func New(store types.Store, logger types.Logger, config *types.FlagsConfig, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "store is nil")
	}

	s := &Service{
		store:           store,
		logger:          logger,
		now:             time.Now,
		forceRefreshTTL: DefaultForceRefreshTTL,
		publishingTTL:   DefaultPublishingModeTTL,
	}

	if config != nil {
		if config.ForceRefreshTTL > 0 {
			s.forceRefreshTTL = config.ForceRefreshTTL
		}
		if config.PublishingModeTTL > 0 {
			s.publishingTTL = config.PublishingModeTTL
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// ForceRefresh makes the next reads of (locale, slug) skip cached records.
func (s *Service) ForceRefresh(ctx context.Context, loc, slug string) error {
	return s.set(ctx, forceRefreshKey(loc, slug), s.forceRefreshTTL)
}

func (s *Service) IsForceRefresh(ctx context.Context, loc, slug string) bool {
	return s.active(ctx, forceRefreshKey(loc, slug))
}

func (s *Service) ClearForceRefresh(ctx context.Context, loc, slug string) error {
	return s.store.Delete(ctx, forceRefreshKey(loc, slug))
}

// SetPublishingMode turns publishing mode on for the configured TTL, or off.
func (s *Service) SetPublishingMode(ctx context.Context, on bool) error {
	if !on {
		return s.store.Delete(ctx, publishingKey)
	}
	return s.set(ctx, publishingKey, s.publishingTTL)
}

func (s *Service) IsPublishingMode(ctx context.Context) bool {
	return s.active(ctx, publishingKey)
}

// Bypass reports whether cached records for key must be skipped, and the
// moment the newest applicable flag was set.
func (s *Service) Bypass(ctx context.Context, key freshness.Key) (time.Time, bool) {
	var since time.Time
	forced := false

	if rec := s.load(ctx, publishingKey); rec != nil {
		since, forced = rec.setAt(), true
	}
	if rec := s.pending(ctx, key); rec != nil {
		if at := rec.setAt(); at.After(since) {
			since = at
		}
		forced = true
	}

	return since, forced
}

// Consume marks the force-refresh flag as served for key's entity. Fetches
// that started before the flag was set leave it in place.
func (s *Service) Consume(ctx context.Context, key freshness.Key, startedAt time.Time) {
	rec := s.pending(ctx, key)
	if rec == nil || startedAt.UnixMilli() <= rec.SetAt {
		return
	}

	raw := consumedKey(key)
	data, err := utils.Marshal(&Record{Value: true, SetAt: rec.SetAt, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, raw, data, 0); err != nil {
		s.logger.Warn("Failed to consume force refresh flag", zap.String("key", raw), zap.Error(err))
		return
	}

	s.logger.Debug("Force refresh consumed", zap.String("key", raw))
}

// pending returns the active force-refresh flag for key unless key's entity
// has already consumed it.
func (s *Service) pending(ctx context.Context, key freshness.Key) *Record {
	rec := s.load(ctx, forceRefreshKey(key.Locale, key.Slug))
	if rec == nil {
		return nil
	}

	if marker := s.load(ctx, consumedKey(key)); marker != nil && marker.SetAt == rec.SetAt {
		return nil
	}
	return rec
}

// Sweep deletes lapsed and unreadable flag records.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	var lapsed []string
	err := s.store.Scan(ctx, KeyPrefix, func(key string, value []byte) error {
		rec, err := decode(value)
		if err != nil || !rec.active(now) {
			lapsed = append(lapsed, key)
		}
		return nil
	})
	if err != nil {
		return 0, types.WrapError(err, "scan flags")
	}

	if len(lapsed) == 0 {
		return 0, nil
	}
	if err := s.store.Delete(ctx, lapsed...); err != nil {
		return 0, types.WrapError(err, "delete flags")
	}
	return len(lapsed), nil
}

func (s *Service) set(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now()

	data, err := utils.Marshal(&Record{
		Value:     true,
		SetAt:     now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}

	return s.store.Set(ctx, key, data, 0)
}

func (s *Service) active(ctx context.Context, key string) bool {
	return s.load(ctx, key) != nil
}

// load returns the record under key if it is readable and still active.
func (s *Service) load(ctx context.Context, key string) *Record {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, types.ErrStoreNotFound) {
			s.logger.Warn("Failed to read flag", zap.String("key", key), zap.Error(err))
		}
		return nil
	}

	rec, err := decode(data)
	if err != nil || !rec.active(s.now()) {
		return nil
	}
	return rec
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := utils.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.SetAt <= 0 || rec.ExpiresAt <= 0 {
		return nil, types.ErrRecordCorrupted
	}
	return &rec, nil
}

func forceRefreshKey(loc, slug string) string {
	return forceRefreshPrefix + utils.JoinKey(locale.Normalize(loc), strings.TrimSpace(slug))
}

func consumedKey(key freshness.Key) string {
	return consumedPrefix + string(key.Entity) + ":" + utils.JoinKey(locale.Normalize(key.Locale), strings.TrimSpace(key.Slug))
}
