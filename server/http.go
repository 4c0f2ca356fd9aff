package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Listener opens the listening socket, letting the TLS manager supply its own.
type Listener interface {
	Listen(addr string) (net.Listener, error)
}

type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	middlewares     types.MiddlewareManager
	router          *FastHTTPRouter
	server          *fasthttp.Server
	listener        net.Listener
	tlsListener     Listener
	httpConfig      *types.HTTPConfig
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	middlewares types.MiddlewareManager,
	router *FastHTTPRouter,
	tlsListener Listener) (*FastHTTPServer, error) {
	if config == nil || config.GetConfig() == nil {
		return nil, types.ErrConfigIsNil
	}

	serverConfig := config.GetConfig().Server
	if serverConfig == nil || serverConfig.HTTP == nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "server.http section is required")
	}

	if router == nil {
		return nil, types.ErrHandlerIsNil
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := time.Duration(serverConfig.HTTP.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		middlewares:     middlewares,
		router:          router,
		tlsListener:     tlsListener,
		httpConfig:      serverConfig.HTTP,
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server, nil
}

func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	h.server = &fasthttp.Server{
		Handler:                      h.Handler,
		Name:                         "sai-portal",
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
		Logger:                       fasthttpLogger{h.logger},
	}

	addr := fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)

	var (
		ln  net.Listener
		err error
	)
	if h.tlsListener != nil {
		ln, err = h.tlsListener.Listen(addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		h.state.Store(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}

	h.listener = ln
	h.state.Store(StateRunning)

	go func() {
		if err := h.server.Serve(ln); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.state.CompareAndSwap(StateRunning, StateStopped)
		}
	}()

	h.logger.Info("HTTP server started",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", h.tlsListener != nil))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.state.Store(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
		return err
	}

	h.logger.Info("HTTP server stopped gracefully")

	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr is the bound address, useful when the configured port is 0.
func (h *FastHTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

// Handler routes one request through the middleware chain of its route.
func (h *FastHTTPServer) Handler(ctx *fasthttp.RequestCtx) {
	handler, config, allowed := h.router.Lookup(ctx)
	if handler == nil {
		if allowed {
			utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, types.ErrMethodNotAllowed.Error())
			return
		}
		utils.WriteError(ctx, fasthttp.StatusNotFound, types.ErrPathNotFound.Error())
		return
	}

	final := handler
	if config != nil && config.Timeout > 0 {
		final = withTimeout(h.ctx, config.Timeout, handler)
	}

	if h.middlewares == nil {
		final(ctx)
		return
	}

	h.middlewares.Execute(ctx, final, config)
}

func withTimeout(parent context.Context, timeout time.Duration, handler types.FastHTTPHandler) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqCtx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		ctx.SetUserValue(utils.RequestContextKey, reqCtx)
		handler(ctx)
	}
}

type fasthttpLogger struct {
	logger types.Logger
}

func (l fasthttpLogger) Printf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
