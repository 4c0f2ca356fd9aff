package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type staticConfig struct {
	types.ConfigManager
	cfg *types.ServiceConfig
}

func (s staticConfig) GetConfig() *types.ServiceConfig { return s.cfg }

func request(method, uri string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func named(name string) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString(name) }
}

func TestRouter_Lookup(t *testing.T) {
	r := NewFastHTTPRouter()
	r.GET("/api/v1/search", named("search"))
	r.GET("/api/v1/search/popular", named("popular"))
	r.GET("/api/v1/{locale}/games", named("games"))
	r.GET("/api/v1/{locale}/games/{slug}", named("game"))
	r.POST("/api/v1/admin/refresh", named("refresh"))

	cases := []struct {
		method, uri, body string
		params            map[string]string
	}{
		{"GET", "/api/v1/search?q=x", "search", nil},
		{"GET", "/api/v1/search/popular/", "popular", nil},
		{"GET", "/api/v1/ja/games", "games", map[string]string{"locale": "ja"}},
		{"GET", "/api/v1/en/games/dragon-quest", "game", map[string]string{"locale": "en", "slug": "dragon-quest"}},
		{"POST", "/api/v1/admin/refresh", "refresh", nil},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.uri, func(t *testing.T) {
			ctx := request(tc.method, tc.uri)
			handler, config, allowed := r.Lookup(ctx)
			require.NotNil(t, handler)
			assert.NotNil(t, config)
			assert.True(t, allowed)

			handler(ctx)
			assert.Equal(t, tc.body, string(ctx.Response.Body()))

			for name, value := range tc.params {
				assert.Equal(t, value, ctx.UserValue(name))
			}
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		handler, _, allowed := r.Lookup(request("DELETE", "/api/v1/en/games"))
		assert.Nil(t, handler)
		assert.True(t, allowed)

		handler, _, allowed = r.Lookup(request("GET", "/api/v1/admin/refresh"))
		assert.Nil(t, handler)
		assert.True(t, allowed)
	})

	t.Run("not found", func(t *testing.T) {
		handler, _, allowed := r.Lookup(request("GET", "/api/v1/en/blogs"))
		assert.Nil(t, handler)
		assert.False(t, allowed)
	})

	routes := r.GetAllRoutes()
	assert.Len(t, routes, 5)
	assert.Contains(t, routes, "GET:/api/v1/{locale}/games/{slug}")
}

func TestRouter_StaticBeatsParam(t *testing.T) {
	r := NewFastHTTPRouter()
	r.GET("/api/v1/{locale}/home", named("home"))
	r.GET("/api/v1/admin/cache", named("cache"))
	r.GET("/api/v1/{locale}/cache", named("locale-cache"))

	ctx := request("GET", "/api/v1/admin/cache")
	handler, _, _ := r.Lookup(ctx)
	require.NotNil(t, handler)
	handler(ctx)
	assert.Equal(t, "cache", string(ctx.Response.Body()))

	ctx = request("GET", "/api/v1/fr/cache")
	handler, _, _ = r.Lookup(ctx)
	require.NotNil(t, handler)
	handler(ctx)
	assert.Equal(t, "locale-cache", string(ctx.Response.Body()))
}

func TestRouter_GroupsAndBuilders(t *testing.T) {
	r := NewFastHTTPRouter()

	admin := r.Group("/api/v1").Group("/admin").WithMiddlewares("auth").WithTimeout(2 * time.Second)
	admin.POST("/publishing", named("publishing")).WithoutMiddlewares("compression")
	admin.DELETE("/cache", named("clear"))

	r.GET("/health", named("health")).WithoutMiddlewares("logging").WithTimeout(time.Second)

	routes := r.GetAllRoutes()

	publishing := routes["POST:/api/v1/admin/publishing"]
	require.NotNil(t, publishing)
	assert.Equal(t, []string{"auth"}, publishing.Config.Middlewares)
	assert.Equal(t, []string{"compression"}, publishing.Config.DisabledMiddlewares)
	assert.Equal(t, 2*time.Second, publishing.Config.Timeout)

	clearRoute := routes["DELETE:/api/v1/admin/cache"]
	require.NotNil(t, clearRoute)
	assert.Equal(t, []string{"auth"}, clearRoute.Config.Middlewares)
	assert.Empty(t, clearRoute.Config.DisabledMiddlewares)

	health := routes["GET:/health"]
	require.NotNil(t, health)
	assert.Equal(t, []string{"logging"}, health.Config.DisabledMiddlewares)
	assert.Equal(t, time.Second, health.Config.Timeout)
}

type countingMiddlewares struct {
	calls   int
	configs []*types.RouteConfig
}

func (c *countingMiddlewares) RegisterMiddlewares() error        { return nil }
func (c *countingMiddlewares) Register(_ types.Middleware) error { return nil }
func (c *countingMiddlewares) Names() []string                   { return nil }

func (c *countingMiddlewares) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	c.calls++
	c.configs = append(c.configs, config)
	handler(ctx)
}

func newServer(t *testing.T, router *FastHTTPRouter, mw types.MiddlewareManager) *FastHTTPServer {
	t.Helper()

	cfg := staticConfig{cfg: &types.ServiceConfig{Server: &types.ServerConfig{HTTP: &types.HTTPConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ReadTimeout:     5,
		WriteTimeout:    5,
		ShutdownTimeout: 2,
	}}}}

	srv, err := NewHTTPServer(context.Background(), cfg, logger.NewNop(), nil, mw, router, nil)
	require.NoError(t, err)
	return srv
}

func TestServer_Handler(t *testing.T) {
	router := NewFastHTTPRouter()
	router.GET("/api/v1/{locale}/home", func(ctx *fasthttp.RequestCtx) {
		reqCtx := utils.RequestContext(ctx)
		_, hasDeadline := reqCtx.Deadline()
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
			"locale":   ctx.UserValue("locale"),
			"deadline": hasDeadline,
		})
	}).WithTimeout(time.Second)

	mw := &countingMiddlewares{}
	srv := newServer(t, router, mw)

	ctx := request("GET", "/api/v1/ko/home")
	srv.Handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"locale":"ko","deadline":true}`, string(ctx.Response.Body()))
	assert.Equal(t, 1, mw.calls)
	assert.Equal(t, time.Second, mw.configs[0].Timeout)

	ctx = request("POST", "/api/v1/ko/home")
	srv.Handler(ctx)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())

	ctx = request("GET", "/nowhere")
	srv.Handler(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, 1, mw.calls)
}

func TestServer_Lifecycle(t *testing.T) {
	router := NewFastHTTPRouter()
	router.GET("/ping", named("pong"))

	srv := newServer(t, router, nil)
	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.ErrorIs(t, srv.Start(), types.ErrServerAlreadyRunning)

	status, body, err := fasthttp.GetTimeout(nil, "http://"+srv.Addr()+"/ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "pong", string(body))

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	assert.ErrorIs(t, srv.Stop(), types.ErrServerNotRunning)
}

func TestNewHTTPServer_Validation(t *testing.T) {
	_, err := NewHTTPServer(context.Background(), nil, logger.NewNop(), nil, nil, NewFastHTTPRouter(), nil)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)

	_, err = NewHTTPServer(context.Background(), staticConfig{cfg: &types.ServiceConfig{}}, logger.NewNop(), nil, nil, NewFastHTTPRouter(), nil)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}
