package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/metrics"
	"github.com/saiset-co/sai-portal/types"
)

type upstream struct {
	hits atomic.Int32
	m    *metrics.MemoryMetrics
}

func newUpstream(t *testing.T, retries int, handler fasthttp.RequestHandler) (*HTTPClient, *upstream) {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	u := &upstream{m: metrics.NewMemoryMetrics(logger.NewNop(), nil)}

	server := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		u.hits.Add(1)
		handler(ctx)
	}}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	c, err := NewHTTPClient(context.Background(), "content", &types.UpstreamConfig{
		BaseURL: "http://cms.test/",
		Timeout: time.Second,
		Retries: retries,
		Backoff: time.Millisecond,
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, logger.NewNop(), u.m, WithDial(func(string) (net.Conn, error) { return ln.Dial() }))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })

	return c, u
}

func TestContentAPI_Home(t *testing.T) {
	c, u := newUpstream(t, 0, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/content/ja/home" || string(ctx.Request.Header.Peek("X-Api-Key")) != "secret" {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"locale":"ja","featured":[{"name":"snake","display_name":"Snake"}]}`)
	})

	home, err := NewContentAPI(c).Home(context.Background(), "ja")
	require.NoError(t, err)
	assert.Equal(t, "ja", home.Locale)
	require.Len(t, home.Featured, 1)
	assert.Equal(t, "Snake", home.Featured[0].DisplayName)
	assert.EqualValues(t, 1, u.hits.Load())
	assert.Equal(t, 1.0, u.m.Counter("upstream_requests_total", map[string]string{"upstream": "content", "result": "success"}).Get())
}

func TestContentAPI_DetailPaths(t *testing.T) {
	var paths []string
	c, _ := newUpstream(t, 0, func(ctx *fasthttp.RequestCtx) {
		paths = append(paths, string(ctx.Request.URI().PathOriginal()))
		ctx.SetBodyString(`{}`)
	})
	api := NewContentAPI(c)
	ctx := context.Background()

	_, err := api.Game(ctx, "en", "snake")
	require.NoError(t, err)
	_, err = api.Blog(ctx, "ru", "patch notes")
	require.NoError(t, err)
	_, err = api.Games(ctx, "fr")
	require.NoError(t, err)
	_, err = api.Blogs(ctx, "ko")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/content/en/games/snake",
		"/content/ru/blogs/patch%20notes",
		"/content/fr/games",
		"/content/ko/blogs",
	}, paths)
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, u := newUpstream(t, 2, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetBodyString(`{"total":4}`)
	})

	list, err := NewContentAPI(c).Games(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, 4, list.Total)
	assert.EqualValues(t, 3, u.hits.Load())
	assert.Equal(t, 2.0, u.m.Counter("upstream_requests_total", map[string]string{"upstream": "content", "result": "status"}).Get())
}

func TestHTTPClient_GivesUpAfterRetries(t *testing.T) {
	c, u := newUpstream(t, 1, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	})

	_, err := NewContentAPI(c).Home(context.Background(), "en")
	assert.ErrorIs(t, err, types.ErrUpstreamStatus)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, fasthttp.StatusBadGateway, statusErr.StatusCode)
	assert.EqualValues(t, 2, u.hits.Load())
}

func TestHTTPClient_ClientErrorsAreFinal(t *testing.T) {
	c, u := newUpstream(t, 3, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})

	_, err := NewContentAPI(c).Game(context.Background(), "en", "missing")
	assert.ErrorIs(t, err, types.ErrUpstreamStatus)
	assert.EqualValues(t, 1, u.hits.Load())
}

func TestHTTPClient_DecodeError(t *testing.T) {
	c, _ := newUpstream(t, 0, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`not json`)
	})

	_, err := NewContentAPI(c).Blogs(context.Background(), "en")
	assert.ErrorContains(t, err, "decode")
}

func TestHTTPClient_Lifecycle(t *testing.T) {
	c, err := NewHTTPClient(context.Background(), "content", &types.UpstreamConfig{BaseURL: "http://cms.test"}, logger.NewNop(), metrics.Nop{})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), fasthttp.MethodGet, "/", nil)
	assert.ErrorIs(t, err, types.ErrUpstreamNotRunning)

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), types.ErrServiceIsRunning)
	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())

	for _, bad := range []string{"", "cms.test", "://"} {
		_, err = NewHTTPClient(context.Background(), "content", &types.UpstreamConfig{BaseURL: bad}, logger.NewNop(), metrics.Nop{})
		assert.ErrorIs(t, err, types.ErrConfigValidateFailed, bad)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   bool
	}{
		{fasthttp.StatusServiceUnavailable, nil, true},
		{fasthttp.StatusTooManyRequests, nil, true},
		{fasthttp.StatusInternalServerError, nil, true},
		{fasthttp.StatusNotFound, nil, false},
		{fasthttp.StatusBadRequest, nil, false},
		{0, fasthttp.ErrTimeout, true},
		{0, types.Errorf(types.ErrUpstreamTimeout, "GET /"), true},
		{0, context.Canceled, false},
		{0, errors.New("malformed"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.status, tt.err), "%d %v", tt.status, tt.err)
	}
}
