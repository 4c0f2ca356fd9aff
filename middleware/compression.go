package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const (
	AlgorithmGzip   = "gzip"
	AlgorithmBrotli = "br"

	DefaultMinSize = 1024
	DefaultLevel   = 5
)

var compressibleTypes = []string{
	"application/json",
	"application/javascript",
	"application/xml",
	"text/",
}

type CompressionMiddleware struct {
	logger            types.Logger
	compressionConfig *CompressionConfig
	weight            int
	gzipWriterPool    sync.Pool
	brotliWriterPool  sync.Pool
	bufferPool        sync.Pool
}

type CompressionConfig struct {
	MinSize int `json:"min_size"`
	Level   int `json:"level"`
}

func NewCompressionMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *CompressionMiddleware {
	compressionConfig := &CompressionConfig{
		MinSize: DefaultMinSize,
		Level:   DefaultLevel,
	}

	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, compressionConfig); err != nil {
			logger.Error("Failed to unmarshal Compression middleware config", zap.Error(err))
		}
	}

	if compressionConfig.Level < gzip.BestSpeed || compressionConfig.Level > gzip.BestCompression {
		logger.Warn("Invalid compression level, using default", zap.Int("level", compressionConfig.Level))
		compressionConfig.Level = DefaultLevel
	}

	if compressionConfig.MinSize < 0 {
		compressionConfig.MinSize = DefaultMinSize
	}

	cm := &CompressionMiddleware{
		logger:            logger,
		compressionConfig: compressionConfig,
		weight:            item.Weight,
	}

	level := compressionConfig.Level
	cm.gzipWriterPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, level)
		return w
	}
	cm.brotliWriterPool.New = func() interface{} {
		return brotli.NewWriterLevel(io.Discard, level)
	}
	cm.bufferPool.New = func() interface{} {
		return new(bytes.Buffer)
	}

	return cm
}

func (c *CompressionMiddleware) Name() string { return "compression" }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	next(ctx)

	algorithm := negotiate(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding))
	if algorithm == "" {
		return
	}

	if len(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)) > 0 {
		return
	}

	body := ctx.Response.Body()
	if len(body) < c.compressionConfig.MinSize || !compressible(ctx.Response.Header.ContentType()) {
		return
	}

	compressed, err := c.compress(algorithm, body)
	if err != nil {
		c.logger.Warn("Response compression failed", zap.String("algorithm", algorithm), zap.Error(err))
		return
	}

	if len(compressed) >= len(body) {
		return
	}

	ctx.Response.SetBody(compressed)
	ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, algorithm)
	ctx.Response.Header.Add(fasthttp.HeaderVary, fasthttp.HeaderAcceptEncoding)
}

func (c *CompressionMiddleware) compress(algorithm string, body []byte) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	var writer io.WriteCloser

	switch algorithm {
	case AlgorithmBrotli:
		bw := c.brotliWriterPool.Get().(*brotli.Writer)
		defer c.brotliWriterPool.Put(bw)
		bw.Reset(buf)
		writer = bw
	default:
		gw := c.gzipWriterPool.Get().(*gzip.Writer)
		defer c.gzipWriterPool.Put(gw)
		gw.Reset(buf)
		writer = gw
	}

	if _, err := writer.Write(body); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

// negotiate prefers brotli over gzip when the client accepts both.
func negotiate(acceptEncoding []byte) string {
	if len(acceptEncoding) == 0 {
		return ""
	}

	var gzipOK bool
	for _, part := range strings.Split(string(acceptEncoding), ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(token)) {
		case AlgorithmBrotli:
			return AlgorithmBrotli
		case AlgorithmGzip:
			gzipOK = true
		}
	}

	if gzipOK {
		return AlgorithmGzip
	}
	return ""
}

func compressible(contentType []byte) bool {
	ct := strings.ToLower(string(contentType))
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}
