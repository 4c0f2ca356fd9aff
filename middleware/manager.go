package middleware

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
)

const MaxMiddlewares = 64

type Manager struct {
	ctx                context.Context
	config             types.ConfigManager
	logger             types.Logger
	metrics            types.MetricsManager
	orderedMiddlewares []types.MiddlewareEntry
	defaultEnabledMask uint64
	nameToIndex        map[string]int
	middlewareMap      map[string]*types.MiddlewareEntry
	mu                 sync.RWMutex
	compiledChains     map[uint64]*CompiledChain
	chainsMu           sync.RWMutex
	initialized        int32
}

type CompiledChain struct {
	mask        uint64
	middlewares []types.Middleware
	handler     func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig)
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	if config == nil || config.GetConfig() == nil {
		return nil, types.ErrConfigIsNil
	}

	return &Manager{
		ctx:            ctx,
		config:         config,
		logger:         logger,
		metrics:        metrics,
		nameToIndex:    make(map[string]int),
		compiledChains: make(map[uint64]*CompiledChain),
		middlewareMap:  make(map[string]*types.MiddlewareEntry),
	}, nil
}

// RegisterMiddlewares builds every middleware enabled in configuration and
// finalizes the chain. Nothing can be registered afterwards.
func (m *Manager) RegisterMiddlewares() error {
	cfg := m.config.GetConfig().Middlewares
	if cfg == nil || !cfg.Enabled {
		return m.finalizeConfiguration()
	}

	if enabled(cfg.Recovery) {
		if err := m.Register(NewRecoveryMiddleware(cfg.Recovery, m.logger, m.metrics)); err != nil {
			return err
		}
		m.logger.Info("Recovery middleware registered")
	}

	if enabled(cfg.Logging) {
		if err := m.Register(NewLoggingMiddleware(cfg.Logging, m.logger, m.metrics)); err != nil {
			return err
		}
		m.logger.Info("Logging middleware registered")
	}

	if enabled(cfg.Metadata) {
		if err := m.Register(NewMetadataMiddleware(cfg.Metadata, m.logger)); err != nil {
			return err
		}
		m.logger.Info("Metadata middleware registered")
	}

	if enabled(cfg.Auth) {
		authMw, err := NewAuthMiddleware(cfg.Auth, m.logger, m.metrics)
		if err != nil {
			return err
		}
		if err = m.Register(authMw); err != nil {
			return err
		}
		m.logger.Info("Auth middleware registered")
	}

	if enabled(cfg.Compression) {
		if err := m.Register(NewCompressionMiddleware(cfg.Compression, m.logger)); err != nil {
			return err
		}
		m.logger.Info("Compression middleware registered")
	}

	return m.finalizeConfiguration()
}

func enabled(item *types.MiddlewareItemConfig) bool {
	return item != nil && item.Enabled
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.ErrMiddlewareFinalized
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewareMap) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := strings.ToLower(middleware.Name())
	optIn, ok := middleware.(types.OptInMiddleware)

	m.middlewareMap[name] = &types.MiddlewareEntry{
		Name:       name,
		Middleware: middleware,
		Weight:     middleware.Weight(),
		OptIn:      ok && optIn.OptIn(),
	}

	return nil
}

func (m *Manager) finalizeConfiguration() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.ErrMiddlewareFinalized
	}

	weights := make(map[int]string)
	for name, entry := range m.middlewareMap {
		if existingName, exists := weights[entry.Weight]; exists {
			return types.NewErrorf("duplicate weight %d for middlewares '%s' and '%s'",
				entry.Weight, existingName, name)
		}
		weights[entry.Weight] = name
	}

	m.orderedMiddlewares = make([]types.MiddlewareEntry, 0, len(m.middlewareMap))
	for _, entry := range m.middlewareMap {
		m.orderedMiddlewares = append(m.orderedMiddlewares, *entry)
	}

	sort.Slice(m.orderedMiddlewares, func(i, j int) bool {
		return m.orderedMiddlewares[i].Weight < m.orderedMiddlewares[j].Weight
	})

	m.nameToIndex = make(map[string]int, len(m.orderedMiddlewares))
	m.defaultEnabledMask = 0

	for i, entry := range m.orderedMiddlewares {
		m.nameToIndex[entry.Name] = i
		if entry.OptIn {
			continue
		}
		m.defaultEnabledMask |= 1 << uint(i)
	}

	m.middlewareMap = nil
	atomic.StoreInt32(&m.initialized, 1)

	return nil
}

// Names lists the registered middlewares in execution order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.orderedMiddlewares))
	for _, entry := range m.orderedMiddlewares {
		names = append(names, entry.Name)
	}
	return names
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if atomic.LoadInt32(&m.initialized) == 0 {
		handler(ctx)
		return
	}

	mask := m.routeMask(config)
	if mask == 0 {
		handler(ctx)
		return
	}

	if compiled := m.getCompiledChain(mask); compiled != nil {
		compiled.handler(ctx, handler, config)
		return
	}

	m.compile(mask).handler(ctx, handler, config)
}

func (m *Manager) routeMask(config *types.RouteConfig) uint64 {
	if config == nil || (len(config.Middlewares) == 0 && len(config.DisabledMiddlewares) == 0) {
		return m.defaultEnabledMask
	}

	mask := m.defaultEnabledMask

	for _, name := range config.Middlewares {
		if index, exists := m.nameToIndex[strings.ToLower(name)]; exists {
			mask |= 1 << uint(index)
		}
	}

	for _, name := range config.DisabledMiddlewares {
		if index, exists := m.nameToIndex[strings.ToLower(name)]; exists {
			mask &^= 1 << uint(index)
		}
	}

	return mask
}

func (m *Manager) getCompiledChain(mask uint64) *CompiledChain {
	m.chainsMu.RLock()
	defer m.chainsMu.RUnlock()
	return m.compiledChains[mask]
}

func (m *Manager) compile(mask uint64) *CompiledChain {
	active := make([]types.Middleware, 0, len(m.orderedMiddlewares))
	for i, entry := range m.orderedMiddlewares {
		if mask&(1<<uint(i)) != 0 {
			active = append(active, entry.Middleware)
		}
	}

	compiled := &CompiledChain{
		mask:        mask,
		middlewares: active,
		handler:     compileChain(active),
	}

	m.chainsMu.Lock()
	if existing, ok := m.compiledChains[mask]; ok {
		compiled = existing
	} else {
		m.compiledChains[mask] = compiled
	}
	m.chainsMu.Unlock()

	m.logger.Debug("Middleware chain compiled", zap.Uint64("mask", mask), zap.Int("middlewares", len(active)))

	return compiled
}

func compileChain(middlewares []types.Middleware) func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig) {
	return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
		var index int

		var next func(*fasthttp.RequestCtx)
		next = func(ctx *fasthttp.RequestCtx) {
			if index >= len(middlewares) {
				handler(ctx)
				return
			}

			mw := middlewares[index]
			index++
			mw.Handle(ctx, next, config)
		}

		next(ctx)
	}
}
