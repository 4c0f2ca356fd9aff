package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
)

var (
	customStoreCreators   = make(map[string]types.StoreCreator)
	customStoreCreatorsMu sync.RWMutex
)

func RegisterStore(storeName string, creator types.StoreCreator) {
	customStoreCreatorsMu.Lock()
	defer customStoreCreatorsMu.Unlock()
	customStoreCreators[storeName] = creator
}

func NewStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.Store, error) {
	storeConfig := config.GetConfig().Store
	if storeConfig == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "store")
	}

	var impl types.Store
	var err error

	switch storeConfig.Type {
	case "memory":
		impl, err = NewMemoryStore(logger, storeConfig)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, storeConfig)
	case "clover":
		impl, err = NewCloverStore(logger, storeConfig)
	case "sqlite", "postgres":
		impl, err = NewSQLStore(ctx, logger, storeConfig)
	case "dynamodb":
		impl, err = NewDynamoDBStore(ctx, logger, storeConfig)
	default:
		customStoreCreatorsMu.RLock()
		creator, exists := customStoreCreators[storeConfig.Type]
		customStoreCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", storeConfig.Type)
		}
		impl, err = creator(ctx, storeConfig)
	}

	if err != nil {
		return nil, err
	}

	logger.Info("Store initialized",
		zap.String("type", storeConfig.Type),
		zap.String("key_prefix", storeConfig.KeyPrefix))

	return NewInstrumented(impl, storeConfig.KeyPrefix, logger, metrics), nil
}

// Instrumented namespaces keys under a prefix and records operation metrics.
type Instrumented struct {
	impl    types.Store
	prefix  string
	logger  types.Logger
	metrics types.MetricsManager
}

func NewInstrumented(impl types.Store, keyPrefix string, logger types.Logger, metrics types.MetricsManager) *Instrumented {
	prefix := ""
	if keyPrefix != "" {
		prefix = strings.TrimSuffix(keyPrefix, ":") + ":"
	}

	return &Instrumented{
		impl:    impl,
		prefix:  prefix,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Instrumented) Start() error {
	return s.impl.Start()
}

func (s *Instrumented) Stop() error {
	return s.impl.Stop()
}

func (s *Instrumented) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, types.ErrStoreKeyEmpty
	}

	start := time.Now()
	value, err := s.impl.Get(ctx, s.prefix+key)

	result := "hit"
	switch {
	case types.IsError(err, types.ErrStoreNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}

	s.recordMetric("get", result, start)
	return value, err
}

func (s *Instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	start := time.Now()
	err := s.impl.Set(ctx, s.prefix+key, value, ttl)
	s.recordMetric("set", resultOf(err), start)
	return err
}

func (s *Instrumented) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			full = append(full, s.prefix+key)
		}
	}

	start := time.Now()
	err := s.impl.Delete(ctx, full...)
	s.recordMetric("delete", resultOf(err), start)
	return err
}

func (s *Instrumented) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	start := time.Now()
	err := s.impl.Scan(ctx, s.prefix+prefix, func(key string, value []byte) error {
		return fn(strings.TrimPrefix(key, s.prefix), value)
	})
	s.recordMetric("scan", resultOf(err), start)
	return err
}

func (s *Instrumented) Ping(ctx context.Context) error {
	err := s.impl.Ping(ctx)
	if err != nil {
		s.logger.Warn("Store ping failed", zap.Error(err))
	}
	return err
}

func (s *Instrumented) recordMetric(operation, result string, start time.Time) {
	s.metrics.Counter("store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("store_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).ObserveDuration(start)
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
