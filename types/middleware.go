package types

import "github.com/valyala/fasthttp"

type MiddlewareManager interface {
	RegisterMiddlewares() error
	Register(middleware Middleware) error
	Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *RouteConfig)
	Names() []string
}

type Middleware interface {
	Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *RouteConfig)
	Name() string
	Weight() int
}

// OptInMiddleware is implemented by middlewares that only run on routes
// naming them, such as admin auth.
type OptInMiddleware interface {
	Middleware
	OptIn() bool
}

// MiddlewareEntry is a registered middleware with its resolved order.
type MiddlewareEntry struct {
	Name       string
	Middleware Middleware
	Weight     int
	OptIn      bool
}
