package server

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-portal/types"
)

type GroupBuilder struct {
	router *FastHTTPRouter
	prefix string
	config *types.RouteConfig
}

func (gb *GroupBuilder) WithMiddlewares(names ...string) types.GroupBuilder {
	gb.config.Middlewares = append(gb.config.Middlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithoutMiddlewares(names ...string) types.GroupBuilder {
	gb.config.DisabledMiddlewares = append(gb.config.DisabledMiddlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithTimeout(duration time.Duration) types.GroupBuilder {
	gb.config.Timeout = duration
	return gb
}

// Route registers a route that inherits the group's settings as they are at call time.
func (gb *GroupBuilder) Route(method, path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.router.Route(method, gb.prefix+path, handler, gb.inherit())
}

func (gb *GroupBuilder) GET(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route(fasthttp.MethodGet, path, handler)
}

func (gb *GroupBuilder) POST(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route(fasthttp.MethodPost, path, handler)
}

func (gb *GroupBuilder) PUT(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route(fasthttp.MethodPut, path, handler)
}

func (gb *GroupBuilder) DELETE(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route(fasthttp.MethodDelete, path, handler)
}

func (gb *GroupBuilder) Group(prefix string) types.GroupBuilder {
	return &GroupBuilder{
		router: gb.router,
		prefix: gb.prefix + prefix,
		config: gb.inherit(),
	}
}

func (gb *GroupBuilder) inherit() *types.RouteConfig {
	return &types.RouteConfig{
		Middlewares:         append([]string(nil), gb.config.Middlewares...),
		DisabledMiddlewares: append([]string(nil), gb.config.DisabledMiddlewares...),
		Timeout:             gb.config.Timeout,
	}
}
