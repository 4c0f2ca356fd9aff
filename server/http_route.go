package server

import (
	"time"

	"github.com/saiset-co/sai-portal/types"
)

// RouteBuilder edits the RouteConfig the router already holds for its route.
type RouteBuilder struct {
	config *types.RouteConfig
}

func (rb *RouteBuilder) WithMiddlewares(names ...string) types.RouteBuilder {
	rb.config.Middlewares = append(rb.config.Middlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithoutMiddlewares(names ...string) types.RouteBuilder {
	rb.config.DisabledMiddlewares = append(rb.config.DisabledMiddlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithTimeout(duration time.Duration) types.RouteBuilder {
	rb.config.Timeout = duration
	return rb
}
