package types

import (
	"time"
)

type HTTPServer interface {
	LifecycleManager
}

type HTTPRouter interface {
	Add(method, path string, handler FastHTTPHandler, config *RouteConfig)
	Group(prefix string) GroupBuilder
	GET(path string, handler FastHTTPHandler) RouteBuilder
	POST(path string, handler FastHTTPHandler) RouteBuilder
	PUT(path string, handler FastHTTPHandler) RouteBuilder
	DELETE(path string, handler FastHTTPHandler) RouteBuilder
	GetAllRoutes() map[string]*RouteInfo
}

type RouteBuilder interface {
	WithMiddlewares(names ...string) RouteBuilder
	WithoutMiddlewares(names ...string) RouteBuilder
	WithTimeout(duration time.Duration) RouteBuilder
}

type GroupBuilder interface {
	WithMiddlewares(names ...string) GroupBuilder
	WithoutMiddlewares(names ...string) GroupBuilder
	WithTimeout(duration time.Duration) GroupBuilder
	Route(method, path string, handler FastHTTPHandler) RouteBuilder
	GET(path string, handler FastHTTPHandler) RouteBuilder
	POST(path string, handler FastHTTPHandler) RouteBuilder
	PUT(path string, handler FastHTTPHandler) RouteBuilder
	DELETE(path string, handler FastHTTPHandler) RouteBuilder
	Group(prefix string) GroupBuilder
}

// RouteConfig is shared by reference between the router and the builders,
// so builder calls made after registration still apply.
type RouteConfig struct {
	Middlewares         []string
	DisabledMiddlewares []string
	Timeout             time.Duration
}

type RouteInfo struct {
	Handler FastHTTPHandler
	Config  *RouteConfig
}
