// Package portal is the context object behind the HTTP surface. It owns the
// freshness coordinator and wires flags, the upstream tracker and fallback
// payloads into every read.
package portal

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/content"
	"github.com/saiset-co/sai-portal/flags"
	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/health"
	"github.com/saiset-co/sai-portal/locale"
	"github.com/saiset-co/sai-portal/search"
	"github.com/saiset-co/sai-portal/types"
)

// Source is the upstream content provider.
type Source interface {
	Home(ctx context.Context, locale string) (content.HomeData, error)
	Games(ctx context.Context, locale string) (content.GameList, error)
	Game(ctx context.Context, locale, slug string) (content.GameDetails, error)
	Blogs(ctx context.Context, locale string) (content.BlogList, error)
	Blog(ctx context.Context, locale, slug string) (content.BlogDetails, error)
}

type Option func(*settings)

type settings struct {
	clock types.Clock
}

// WithClock drives the coordinator, flags and tracker from one clock.
func WithClock(clock types.Clock) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

type Portal struct {
	config        *types.ServiceConfig
	defaultLocale string
	logger        types.Logger
	source        Source
	store         types.Store
	coordinator   *freshness.Coordinator
	flags         *flags.Service
	tracker       *health.Tracker
	fallbacks     *health.Fallbacks
	running       atomic.Bool
}

func New(ctx context.Context, config *types.ServiceConfig, store types.Store, source Source, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Portal, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}
	if source == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "content source is nil")
	}

	s := &settings{clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	defaultLocale := locale.Default
	if config.Locales != nil && config.Locales.Default != "" {
		defaultLocale = locale.Normalize(config.Locales.Default)
	}

	var fallbacksFile string
	if config.Health != nil {
		fallbacksFile = config.Health.FallbacksFile
	}

	fallbacks, err := health.NewFallbacks(ctx, defaultLocale, fallbacksFile)
	if err != nil {
		return nil, err
	}

	flagService, err := flags.New(store, logger, config.Flags, flags.WithClock(s.clock))
	if err != nil {
		return nil, err
	}

	tracker := health.NewTracker("content", config.Health, logger, metrics, health.WithTrackerClock(s.clock))

	coordinator, err := freshness.New(ctx, store, logger, metrics,
		freshness.WithConfig(config.Freshness),
		freshness.WithClock(s.clock),
		freshness.WithBypass(flagService.Bypass),
		freshness.WithCommitHook(flagService.Consume),
	)
	if err != nil {
		return nil, err
	}

	return &Portal{
		config:        config,
		defaultLocale: defaultLocale,
		logger:        logger,
		source:        source,
		store:         store,
		coordinator:   coordinator,
		flags:         flagService,
		tracker:       tracker,
		fallbacks:     fallbacks,
	}, nil
}

func (p *Portal) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return types.ErrServiceIsRunning
	}
	return nil
}

// Stop cancels background revalidations and waits for them.
func (p *Portal) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return types.ErrServiceIsNotRunning
	}
	p.coordinator.Close()
	return nil
}

func (p *Portal) IsRunning() bool {
	return p.running.Load()
}

func (p *Portal) Coordinator() *freshness.Coordinator { return p.coordinator }

func (p *Portal) Flags() *flags.Service { return p.flags }

func (p *Portal) Tracker() *health.Tracker { return p.tracker }

func (p *Portal) Store() types.Store { return p.store }

func (p *Portal) DefaultLocale() string { return p.defaultLocale }

// Locale maps a requested code onto a supported locale. Unknown codes
// resolve to the configured default.
func (p *Portal) Locale(code string) string {
	return locale.NormalizeWith(code, p.defaultLocale)
}

func (p *Portal) Home(ctx context.Context, loc string) (content.HomeData, error) {
	loc = p.Locale(loc)
	return freshness.GetHomeData(ctx, p.coordinator, loc,
		health.Guard(p.tracker, p.fallbacks, freshness.EntityHome, loc, func(ctx context.Context) (content.HomeData, error) {
			return p.source.Home(ctx, loc)
		}))
}

func (p *Portal) Games(ctx context.Context, loc string) (content.GameList, error) {
	loc = p.Locale(loc)
	return freshness.GetGameList(ctx, p.coordinator, loc,
		health.Guard(p.tracker, p.fallbacks, freshness.EntityGameList, loc, func(ctx context.Context) (content.GameList, error) {
			return p.source.Games(ctx, loc)
		}))
}

func (p *Portal) Game(ctx context.Context, loc, slug string) (content.GameDetails, error) {
	loc = p.Locale(loc)
	return freshness.GetGameDetails(ctx, p.coordinator, loc, slug,
		health.Guard(p.tracker, p.fallbacks, freshness.EntityGameDetails, loc, func(ctx context.Context) (content.GameDetails, error) {
			return p.source.Game(ctx, loc, slug)
		}))
}

func (p *Portal) Blogs(ctx context.Context, loc string) (content.BlogList, error) {
	loc = p.Locale(loc)
	return freshness.GetBlogList(ctx, p.coordinator, loc,
		health.Guard(p.tracker, p.fallbacks, freshness.EntityBlogList, loc, func(ctx context.Context) (content.BlogList, error) {
			return p.source.Blogs(ctx, loc)
		}))
}

func (p *Portal) Blog(ctx context.Context, loc, slug string) (content.BlogDetails, error) {
	loc = p.Locale(loc)
	return freshness.GetBlogDetails(ctx, p.coordinator, loc, slug,
		health.Guard(p.tracker, p.fallbacks, freshness.EntityBlogDetails, loc, func(ctx context.Context) (content.BlogDetails, error) {
			return p.source.Blog(ctx, loc, slug)
		}))
}

// Band reports the band a read of key would be served from right now.
func (p *Portal) Band(ctx context.Context, key freshness.Key) freshness.Band {
	band, _ := p.coordinator.Inspect(ctx, key)
	return band
}

// Catalog is the searchable view of a locale's game list.
func (p *Portal) Catalog(ctx context.Context, loc string) ([]search.CatalogItem, error) {
	list, err := p.Games(ctx, loc)
	if err != nil {
		return nil, err
	}
	return list.Catalog(), nil
}

// Search runs a query over the locale's catalog. A limit of zero or less
// uses the configured maximum.
func (p *Portal) Search(ctx context.Context, loc, query string, limit int, ranked bool) ([]search.Result, error) {
	catalog, err := p.Catalog(ctx, loc)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = search.DefaultMaxResults
		if p.config.Search != nil && p.config.Search.MaxResults > 0 {
			limit = p.config.Search.MaxResults
		}
	}

	opts := []search.Option{search.MaxResults(limit)}
	if ranked {
		opts = append(opts, search.Ranked())
	}

	return search.Search(query, catalog, opts...), nil
}

func (p *Portal) Popular(ctx context.Context, loc string, limit int) ([]string, error) {
	catalog, err := p.Catalog(ctx, loc)
	if err != nil {
		return nil, err
	}

	if limit <= 0 && p.config.Search != nil {
		limit = p.config.Search.PopularLimit
	}

	return search.PopularSearches(catalog, limit), nil
}

// Warm reads the home page and game list of every supported locale so the
// first visitor is served from cache. Failures are logged and counted.
func (p *Portal) Warm(ctx context.Context) int {
	failed := 0
	for _, loc := range locale.All() {
		if _, err := p.Home(ctx, loc); err != nil {
			failed++
			p.logger.Warn("Failed to warm home data", zap.String("locale", loc), zap.Error(err))
		}
		if _, err := p.Games(ctx, loc); err != nil {
			failed++
			p.logger.Warn("Failed to warm game list", zap.String("locale", loc), zap.Error(err))
		}
	}
	return failed
}

// Sweep removes lapsed cache records and flags.
func (p *Portal) Sweep(ctx context.Context) (int, int, error) {
	var retention time.Duration
	if p.config.Freshness != nil {
		retention = p.config.Freshness.Retention
	}

	records, err := p.coordinator.Sweep(ctx, retention)
	if err != nil {
		return 0, 0, err
	}

	lapsed, err := p.flags.Sweep(ctx)
	if err != nil {
		return records, 0, err
	}

	return records, lapsed, nil
}
