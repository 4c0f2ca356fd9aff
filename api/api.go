// Package api mounts the portal's HTTP surface under /api/v1.
package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/client"
	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/portal"
	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const (
	Prefix          = "/api/v1"
	CacheBandHeader = "X-Cache-Band"

	readTimeout  = 20 * time.Second
	adminTimeout = 30 * time.Second
)

// Publisher announces admin cache actions to other portal instances.
type Publisher interface {
	Publish(action string, payload interface{}) error
}

type Option func(*API)

func WithPublisher(p Publisher) Option {
	return func(a *API) {
		a.publisher = p
	}
}

func WithJobs(cron types.CronManager) Option {
	return func(a *API) {
		a.cron = cron
	}
}

// WithInfo names the service in the route index.
func WithInfo(name, version string) Option {
	return func(a *API) {
		a.name = name
		a.version = version
	}
}

type API struct {
	portal    *portal.Portal
	logger    types.Logger
	publisher Publisher
	cron      types.CronManager
	name      string
	version   string
}

func New(p *portal.Portal, logger types.Logger, opts ...Option) *API {
	a := &API{portal: p, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) RegisterRoutes(router types.HTTPRouter) {
	v1 := router.Group(Prefix).WithTimeout(readTimeout)

	v1.GET("/routes", a.routes(router))
	v1.GET("/search", a.search)
	v1.GET("/search/popular", a.popular)

	v1.GET("/{locale}/home", a.home)
	v1.GET("/{locale}/games", a.games)
	v1.GET("/{locale}/games/{slug}", a.game)
	v1.GET("/{locale}/blogs", a.blogs)
	v1.GET("/{locale}/blogs/{slug}", a.blog)

	admin := v1.Group("/admin").WithMiddlewares("auth").WithTimeout(adminTimeout)
	admin.POST("/refresh", a.refresh)
	admin.POST("/publishing", a.publishing)
	admin.DELETE("/cache", a.clearCache)
	admin.GET("/cache", a.inspectCache)
	admin.GET("/jobs", a.jobs)
}

type SearchResponse struct {
	Query   string      `json:"query"`
	Locale  string      `json:"locale"`
	Total   int         `json:"total"`
	Results interface{} `json:"results"`
}

func (a *API) search(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	loc := a.portal.Locale(string(args.Peek("locale")))
	query := string(args.Peek("q"))

	limit, _ := args.GetUint("limit")

	results, err := a.portal.Search(utils.RequestContext(ctx), loc, query, limit, args.GetBool("ranked"))
	if err != nil {
		a.fail(ctx, "search", err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, SearchResponse{
		Query:   query,
		Locale:  loc,
		Total:   len(results),
		Results: results,
	})
}

func (a *API) popular(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	loc := a.portal.Locale(string(args.Peek("locale")))
	limit, _ := args.GetUint("limit")

	names, err := a.portal.Popular(utils.RequestContext(ctx), loc, limit)
	if err != nil {
		a.fail(ctx, "popular", err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"locale":  loc,
		"popular": names,
	})
}

func (a *API) home(ctx *fasthttp.RequestCtx) {
	loc := a.pathLocale(ctx)
	serve(a, ctx, freshness.NewKey(freshness.EntityHome, loc, ""), func(c context.Context) (interface{}, error) {
		return a.portal.Home(c, loc)
	})
}

func (a *API) games(ctx *fasthttp.RequestCtx) {
	loc := a.pathLocale(ctx)
	serve(a, ctx, freshness.NewKey(freshness.EntityGameList, loc, ""), func(c context.Context) (interface{}, error) {
		return a.portal.Games(c, loc)
	})
}

func (a *API) game(ctx *fasthttp.RequestCtx) {
	loc, slug := a.pathLocale(ctx), pathSlug(ctx)
	serve(a, ctx, freshness.NewKey(freshness.EntityGameDetails, loc, slug), func(c context.Context) (interface{}, error) {
		return a.portal.Game(c, loc, slug)
	})
}

func (a *API) blogs(ctx *fasthttp.RequestCtx) {
	loc := a.pathLocale(ctx)
	serve(a, ctx, freshness.NewKey(freshness.EntityBlogList, loc, ""), func(c context.Context) (interface{}, error) {
		return a.portal.Blogs(c, loc)
	})
}

func (a *API) blog(ctx *fasthttp.RequestCtx) {
	loc, slug := a.pathLocale(ctx), pathSlug(ctx)
	serve(a, ctx, freshness.NewKey(freshness.EntityBlogDetails, loc, slug), func(c context.Context) (interface{}, error) {
		return a.portal.Blog(c, loc, slug)
	})
}

// serve reports the band the read is answered from, taken before the read
// so a blocking refetch still shows the band that forced it.
func serve(a *API, ctx *fasthttp.RequestCtx, key freshness.Key, read func(context.Context) (interface{}, error)) {
	reqCtx := utils.RequestContext(ctx)
	band := a.portal.Band(reqCtx, key)

	data, err := read(reqCtx)
	if err != nil {
		a.fail(ctx, string(key.Entity), err)
		return
	}

	ctx.Response.Header.Set(CacheBandHeader, band.String())
	utils.WriteJSON(ctx, fasthttp.StatusOK, data)
}

func (a *API) fail(ctx *fasthttp.RequestCtx, operation string, err error) {
	status := statusFor(err)

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("path", string(ctx.Path())),
		zap.Int("status", status),
	}
	if status >= fasthttp.StatusInternalServerError {
		types.LogError(a.logger, "Request failed", err, fields...)
	} else {
		a.logger.Debug("Request rejected", append(fields, zap.Error(err))...)
	}

	utils.WriteError(ctx, status, err.Error())
}

func statusFor(err error) int {
	var statusErr *client.StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == fasthttp.StatusNotFound:
		return fasthttp.StatusNotFound
	case errors.Is(err, types.ErrInvalidParameter), errors.Is(err, types.ErrEntityUnknown):
		return fasthttp.StatusBadRequest
	case errors.Is(err, types.ErrUpstreamUnhealthy), errors.Is(err, types.ErrCoordinatorClosed):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, types.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout
	case errors.Is(err, types.ErrUpstreamStatus), errors.Is(err, types.ErrUpstreamNotRunning):
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (a *API) pathLocale(ctx *fasthttp.RequestCtx) string {
	value, _ := ctx.UserValue("locale").(string)
	return a.portal.Locale(value)
}

func pathSlug(ctx *fasthttp.RequestCtx) string {
	value, _ := ctx.UserValue("slug").(string)
	return strings.TrimSpace(value)
}
