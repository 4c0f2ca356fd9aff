package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	ScanCount          int64         `json:"scan_count"`
}

type RedisStore struct {
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	started int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (*RedisStore, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		ScanCount:          100,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	s := &RedisStore{
		logger: logger,
		config: redisConfig,
		client: redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
			Password:     redisConfig.Password,
			DB:           redisConfig.DB,
			PoolSize:     redisConfig.PoolSize,
			MinIdleConns: redisConfig.MinIdleConnections,
			DialTimeout:  redisConfig.DialTimeout,
			ReadTimeout:  redisConfig.ReadTimeout,
			WriteTimeout: redisConfig.WriteTimeout,
		}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Ping(pingCtx); err != nil {
		_ = s.client.Close()
		return nil, err
	}

	return s, nil
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServiceIsRunning
	}
	r.logger.Info("Redis store started", zap.String("host", r.config.Host), zap.Int("port", r.config.Port))
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServiceIsNotRunning
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, types.ErrStoreNotFound
		}
		return nil, types.Errorf(types.ErrStoreOperationFailed, "redis get %s: %v", key, err)
	}
	return value, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "redis set %s: %v", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "redis del: %v", err)
	}
	return nil
}

// Scan walks keys with SCAN MATCH so large keyspaces are never loaded at once.
func (r *RedisStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", r.config.ScanCount).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()

		value, err := r.Get(ctx, key)
		if types.IsError(err, types.ErrStoreNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if err := fn(key, value); err != nil {
			return err
		}
	}

	if err := iter.Err(); err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "redis scan: %v", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return types.Errorf(types.ErrStoreConnectionFailed, "redis: %v", err)
	}
	return nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
