package types

import (
	"net/http"

	"github.com/valyala/fasthttp"
)

type FastHTTPHandler func(ctx *fasthttp.RequestCtx)

// FastResponseWriter lets net/http handlers (promhttp) write into a fasthttp response.
type FastResponseWriter struct {
	ctx        *fasthttp.RequestCtx
	header     http.Header
	statusCode int
}

func NewFastResponseWriter(ctx *fasthttp.RequestCtx) *FastResponseWriter {
	return &FastResponseWriter{
		ctx:        ctx,
		header:     make(http.Header),
		statusCode: fasthttp.StatusOK,
	}
}

func (frw *FastResponseWriter) Header() http.Header {
	return frw.header
}

func (frw *FastResponseWriter) Write(data []byte) (int, error) {
	frw.flushHeader()
	return frw.ctx.Write(data)
}

func (frw *FastResponseWriter) WriteHeader(statusCode int) {
	frw.statusCode = statusCode
	frw.ctx.SetStatusCode(statusCode)
}

func (frw *FastResponseWriter) flushHeader() {
	for key, values := range frw.header {
		for _, value := range values {
			frw.ctx.Response.Header.Set(key, value)
		}
	}
}
