package middleware

import (
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
)

type MetadataMiddleware struct {
	logger         types.Logger
	metadataConfig *MetadataConfig
	weight         int
}

type MetadataConfig struct {
	GenerateRequestID bool `json:"generate_request_id"`
}

func NewMetadataMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *MetadataMiddleware {
	metadataConfig := &MetadataConfig{
		GenerateRequestID: true,
	}

	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, metadataConfig); err != nil {
			logger.Error("Failed to unmarshal Metadata middleware config", zap.Error(err))
		}
	}

	return &MetadataMiddleware{
		logger:         logger,
		metadataConfig: metadataConfig,
		weight:         item.Weight,
	}
}

func (m *MetadataMiddleware) Name() string { return "metadata" }
func (m *MetadataMiddleware) Weight() int  { return m.weight }

// Handle keeps an incoming X-Request-ID or mints one, and echoes it on the response.
func (m *MetadataMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	requestID := string(ctx.Request.Header.Peek(RequestIDHeader))
	if requestID == "" && m.metadataConfig.GenerateRequestID {
		requestID = uuid.NewString()
		ctx.Request.Header.Set(RequestIDHeader, requestID)
	}

	if requestID != "" {
		ctx.SetUserValue(RequestIDKey, requestID)
	}

	next(ctx)

	if requestID != "" {
		ctx.Response.Header.Set(RequestIDHeader, requestID)
	}
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue(RequestIDKey).(string); ok {
		return id
	}
	return string(ctx.Request.Header.Peek(RequestIDHeader))
}
