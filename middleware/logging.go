package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

type LoggingMiddleware struct {
	logger        types.Logger
	metrics       types.MetricsManager
	loggingConfig *LoggingConfig
	level         zapcore.Level
	weight        int
}

type LoggingConfig struct {
	LogLevel   string `json:"log_level"`
	LogHeaders bool   `json:"log_headers"`
}

func NewLoggingMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *LoggingMiddleware {
	loggingConfig := &LoggingConfig{
		LogLevel: "info",
	}

	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, loggingConfig); err != nil {
			logger.Error("Failed to unmarshal Logging middleware config", zap.Error(err))
		}
	}

	level, err := zapcore.ParseLevel(loggingConfig.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	return &LoggingMiddleware{
		logger:        logger,
		metrics:       metrics,
		loggingConfig: loggingConfig,
		level:         level,
		weight:        item.Weight,
	}
}

func (l *LoggingMiddleware) Name() string { return "logging" }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	start := time.Now()

	next(ctx)

	duration := time.Since(start)
	status := ctx.Response.StatusCode()

	fields := []zap.Field{
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("remote_addr", remoteAddr(ctx)),
	}

	if query := ctx.QueryArgs().QueryString(); len(query) > 0 {
		fields = append(fields, zap.ByteString("query", query))
	}

	if requestID := requestIDOf(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if l.loggingConfig.LogHeaders {
		fields = append(fields, zap.Any("headers", sanitizeHeaders(ctx)))
	}

	switch {
	case status >= fasthttp.StatusInternalServerError:
		l.logger.Error("Request completed", fields...)
	case status >= fasthttp.StatusBadRequest:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logger.Log(l.level, "Request completed", fields...)
	}

	if l.metrics != nil {
		l.metrics.Counter("http_requests_total", map[string]string{
			"method": string(ctx.Method()),
			"status": strconv.Itoa(status),
		}).Inc()
	}
}

func sanitizeHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	sanitized := make(map[string]string)

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if sensitiveHeaders[strings.ToLower(name)] {
			sanitized[name] = "[REDACTED]"
			return
		}
		sanitized[name] = string(value)
	})

	return sanitized
}

func remoteAddr(ctx *fasthttp.RequestCtx) string {
	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}

	if realIP := string(ctx.Request.Header.Peek("X-Real-IP")); realIP != "" {
		return realIP
	}

	return ctx.RemoteIP().String()
}
