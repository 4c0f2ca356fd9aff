package middleware

import (
	"runtime"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type RecoveryMiddleware struct {
	logger         types.Logger
	metrics        types.MetricsManager
	recoveryConfig *RecoveryConfig
	weight         int
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecoveryMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	recoveryConfig := &RecoveryConfig{
		StackTrace: true,
	}

	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, recoveryConfig); err != nil {
			logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
		}
	}

	return &RecoveryMiddleware{
		logger:         logger,
		metrics:        metrics,
		recoveryConfig: recoveryConfig,
		weight:         item.Weight,
	}
}

func (r *RecoveryMiddleware) Name() string { return "recovery" }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logPanic(ctx, rec)
			if r.metrics != nil {
				r.metrics.Counter("http_panics_total", map[string]string{"middleware": "recovery"}).Inc()
			}
			ctx.Response.Reset()
			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(ctx *fasthttp.RequestCtx, rec interface{}) {
	fields := []zap.Field{
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()),
	}

	if r.recoveryConfig.StackTrace {
		fields = append(fields, zap.String("stack", stackTrace()))
	}

	if requestID := requestIDOf(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func stackTrace() string {
	buf := make([]byte, 4096)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) || len(buf) >= 64*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*4)
	}
}
