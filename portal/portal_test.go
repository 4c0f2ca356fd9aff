package portal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-portal/config"
	"github.com/saiset-co/sai-portal/content"
	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/health"
	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/metrics"
	"github.com/saiset-co/sai-portal/search"
	"github.com/saiset-co/sai-portal/store"
)

type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
	games []content.Game
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		calls: make(map[string]int),
		games: []content.Game{
			{Name: "snake", DisplayName: "Snake", Category: "Arcade"},
			{Name: "tetris", DisplayName: "Tetris", Category: "Puzzle"},
			{Name: "snake-pass", DisplayName: "Snake Pass", Category: "Puzzle"},
		},
	}
}

func (f *fakeSource) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.err
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) Home(_ context.Context, loc string) (content.HomeData, error) {
	if err := f.record("home:" + loc); err != nil {
		return content.HomeData{}, err
	}
	return content.HomeData{Locale: loc, Featured: f.games[:1]}, nil
}

func (f *fakeSource) Games(_ context.Context, loc string) (content.GameList, error) {
	if err := f.record("games:" + loc); err != nil {
		return content.GameList{}, err
	}
	return content.GameList{Locale: loc, Games: f.games, Total: len(f.games)}, nil
}

func (f *fakeSource) Game(_ context.Context, loc, slug string) (content.GameDetails, error) {
	if err := f.record("game:" + loc + ":" + slug); err != nil {
		return content.GameDetails{}, err
	}
	return content.GameDetails{Game: content.Game{Name: slug}, Locale: loc}, nil
}

func (f *fakeSource) Blogs(_ context.Context, loc string) (content.BlogList, error) {
	if err := f.record("blogs:" + loc); err != nil {
		return content.BlogList{}, err
	}
	return content.BlogList{Locale: loc}, nil
}

func (f *fakeSource) Blog(_ context.Context, loc, slug string) (content.BlogDetails, error) {
	if err := f.record("blog:" + loc + ":" + slug); err != nil {
		return content.BlogDetails{}, err
	}
	return content.BlogDetails{BlogSummary: content.BlogSummary{Slug: slug}, Locale: loc}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newPortal(t *testing.T) (*Portal, *fakeSource, *clock) {
	t.Helper()

	s, err := store.NewMemoryStore(logger.NewNop(), nil)
	require.NoError(t, err)

	src := newFakeSource()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	p, err := New(context.Background(), config.NewLoader().Defaults(), s, src, logger.NewNop(), metrics.Nop{}, WithClock(clk.now))
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })

	return p, src, clk
}

func TestPortal_ReadsAreCached(t *testing.T) {
	p, src, clk := newPortal(t)
	ctx := context.Background()

	home, err := p.Home(ctx, "ja-JP")
	require.NoError(t, err)
	assert.Equal(t, "ja", home.Locale)

	clk.advance(30 * time.Second)
	_, err = p.Home(ctx, "ja")
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("home:ja"))

	_, err = p.Game(ctx, "en", "snake")
	require.NoError(t, err)
	_, err = p.Blog(ctx, "en", "launch")
	require.NoError(t, err)
	_, err = p.Blogs(ctx, "en")
	require.NoError(t, err)

	assert.Equal(t, freshness.Fresh, p.Band(ctx, freshness.NewKey(freshness.EntityGameDetails, "en", "snake")))
	assert.Equal(t, freshness.Empty, p.Band(ctx, freshness.NewKey(freshness.EntityGameDetails, "en", "tetris")))
}

func TestPortal_ForceRefresh(t *testing.T) {
	p, src, clk := newPortal(t)
	ctx := context.Background()

	_, err := p.Game(ctx, "en", "snake")
	require.NoError(t, err)
	_, err = p.Blog(ctx, "en", "snake")
	require.NoError(t, err)

	require.NoError(t, p.Flags().ForceRefresh(ctx, "en", "snake"))
	clk.advance(time.Millisecond)

	_, err = p.Game(ctx, "en", "snake")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("game:en:snake"))

	_, err = p.Game(ctx, "en", "snake")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("game:en:snake"))

	_, err = p.Blog(ctx, "en", "snake")
	require.NoError(t, err)
	_, err = p.Blog(ctx, "en", "snake")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("blog:en:snake"))
}

func TestPortal_UnknownLocaleUsesConfiguredDefault(t *testing.T) {
	s, err := store.NewMemoryStore(logger.NewNop(), nil)
	require.NoError(t, err)

	cfg := config.NewLoader().Defaults()
	cfg.Locales.Default = "zh"

	src := newFakeSource()
	p, err := New(context.Background(), cfg, s, src, logger.NewNop(), metrics.Nop{})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })

	ctx := context.Background()
	assert.Equal(t, "zh", p.DefaultLocale())
	assert.Equal(t, "zh", p.Locale("xx"))
	assert.Equal(t, "zh", p.Locale(""))
	assert.Equal(t, "ja", p.Locale("ja-JP"))
	assert.Equal(t, "en", p.Locale("en-GB"))

	home, err := p.Home(ctx, "xx")
	require.NoError(t, err)
	assert.Equal(t, "zh", home.Locale)
	assert.Equal(t, 1, src.count("home:zh"))
	assert.Equal(t, 0, src.count("home:en"))
	assert.Equal(t, freshness.Fresh, p.Band(ctx, freshness.NewKey(freshness.EntityHome, "zh", "")))

	_, err = p.Game(ctx, "", "snake")
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("game:zh:snake"))

	_, err = p.Search(ctx, "xx", "snake", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("games:zh"))
}

func TestPortal_FallbackWhenUpstreamDown(t *testing.T) {
	p, src, clk := newPortal(t)
	ctx := context.Background()
	boom := errors.New("cms down")

	src.fail(boom)

	_, err := p.Home(ctx, "en")
	assert.ErrorIs(t, err, boom)
	_, err = p.Home(ctx, "en")
	assert.ErrorIs(t, err, boom)

	home, err := p.Home(ctx, "en")
	require.NoError(t, err)
	assert.Equal(t, "en", home.Locale)
	assert.Equal(t, health.StateOpen, p.Tracker().State())

	_, err = p.Home(ctx, "en")
	require.NoError(t, err)
	assert.Equal(t, 3, src.count("home:en"))
	assert.Equal(t, freshness.Empty, p.Band(ctx, freshness.NewKey(freshness.EntityHome, "en", "")))

	src.fail(nil)
	clk.advance(5 * time.Minute)

	_, err = p.Home(ctx, "en")
	require.NoError(t, err)
	assert.Equal(t, 4, src.count("home:en"))
	assert.Equal(t, health.StateClosed, p.Tracker().State())
	assert.Equal(t, freshness.Fresh, p.Band(ctx, freshness.NewKey(freshness.EntityHome, "en", "")))
}

func TestPortal_SearchAndPopular(t *testing.T) {
	p, src, _ := newPortal(t)
	ctx := context.Background()

	results, err := p.Search(ctx, "en", "snake", 0, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, search.MatchExact, results[0].MatchType)

	results, err = p.Search(ctx, "en", "puzzle", 1, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tetris", results[0].Slug)

	results, err = p.Search(ctx, "en", "snkpss", 0, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, search.MatchFuzzy, results[0].MatchType)

	popular, err := p.Popular(ctx, "en", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Arcade", "Puzzle"}, popular)

	assert.Equal(t, 1, src.count("games:en"))
}

func TestPortal_WarmAndSweep(t *testing.T) {
	p, src, clk := newPortal(t)
	ctx := context.Background()

	assert.Equal(t, 0, p.Warm(ctx))
	assert.Equal(t, 1, src.count("home:ko"))
	assert.Equal(t, 1, src.count("games:tl"))

	require.NoError(t, p.Flags().SetPublishingMode(ctx, true))

	clk.advance(2 * time.Hour)
	records, lapsed, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, records)
	assert.Equal(t, 1, lapsed)
}

func TestNew_Validation(t *testing.T) {
	s, err := store.NewMemoryStore(logger.NewNop(), nil)
	require.NoError(t, err)

	_, err = New(context.Background(), nil, s, newFakeSource(), logger.NewNop(), metrics.Nop{})
	assert.Error(t, err)

	_, err = New(context.Background(), config.NewLoader().Defaults(), s, nil, logger.NewNop(), metrics.Nop{})
	assert.Error(t, err)
}
