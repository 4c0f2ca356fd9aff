package utils

import (
	"context"

	"github.com/valyala/fasthttp"
)

const RequestContextKey = "request_context"

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := Marshal(body)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, message string) {
	WriteJSON(ctx, status, ErrorBody{
		Error:   fasthttp.StatusMessage(status),
		Message: message,
	})
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}

	ctx.SetBodyString(`{"error":"Internal Server Error","message":"An unexpected error occurred"}`)
}

func CreateUnauthorizedResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Cache-Control", "no-store")
	ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="admin"`)
	ctx.SetBodyString(`{"error":"Unauthorized","message":"Authentication required"}`)
}

// RequestContext returns the deadline-bound context the server attached to the
// request, or a background context when the route has no timeout.
func RequestContext(ctx *fasthttp.RequestCtx) context.Context {
	if c, ok := ctx.UserValue(RequestContextKey).(context.Context); ok {
		return c
	}
	return context.Background()
}
