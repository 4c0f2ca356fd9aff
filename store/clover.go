package store

import (
	"context"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type CloverConfig struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
}

// CloverStore keeps one document per key: {key, value, expires_at}.
// expires_at is unix milliseconds, zero for no expiry.
type CloverStore struct {
	db      *clover.DB
	logger  types.Logger
	config  *CloverConfig
	now     types.Clock
	started int32
}

func NewCloverStore(logger types.Logger, config *types.StoreConfig) (*CloverStore, error) {
	cloverConfig := &CloverConfig{
		Path:       "./data/clover",
		Collection: "portal_store",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover store config")
		}
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreConnectionFailed, "clover open %s: %v", cloverConfig.Path, err)
	}

	exists, err := db.HasCollection(cloverConfig.Collection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := db.CreateCollection(cloverConfig.Collection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	return &CloverStore{
		db:     db,
		logger: logger,
		config: cloverConfig,
		now:    time.Now,
	}, nil
}

func (c *CloverStore) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return types.ErrServiceIsRunning
	}
	c.logger.Info("Clover store started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.started, 1, 0) {
		return types.ErrServiceIsNotRunning
	}

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover store")
	}

	c.logger.Info("Clover store stopped")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return atomic.LoadInt32(&c.started) == 1
}

func (c *CloverStore) Get(_ context.Context, key string) ([]byte, error) {
	doc, err := c.db.Query(c.config.Collection).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		return nil, types.Errorf(types.ErrStoreOperationFailed, "clover get %s: %v", key, err)
	}
	if doc == nil || c.expired(doc) {
		return nil, types.ErrStoreNotFound
	}

	value, _ := doc.Get("value").(string)
	return []byte(value), nil
}

func (c *CloverStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = c.now().Add(ttl).UnixMilli()
	}

	query := c.db.Query(c.config.Collection).Where(clover.Field("key").Eq(key))

	count, err := query.Count()
	if err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "clover count %s: %v", key, err)
	}

	if count > 0 {
		err = query.Update(map[string]interface{}{
			"value":      string(value),
			"expires_at": expiresAt,
		})
	} else {
		doc := clover.NewDocument()
		doc.Set("key", key)
		doc.Set("value", string(value))
		doc.Set("expires_at", expiresAt)
		err = c.db.Insert(c.config.Collection, doc)
	}

	if err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "clover set %s: %v", key, err)
	}
	return nil
}

func (c *CloverStore) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	in := make([]interface{}, len(keys))
	for i, key := range keys {
		in[i] = key
	}

	if err := c.db.Query(c.config.Collection).Where(clover.Field("key").In(in...)).Delete(); err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "clover delete: %v", err)
	}
	return nil
}

func (c *CloverStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	query := c.db.Query(c.config.Collection)
	if prefix != "" {
		query = query.Where(clover.Field("key").Like("^" + regexp.QuoteMeta(prefix)))
	}

	docs, err := query.Sort(clover.SortOption{Field: "key", Direction: 1}).FindAll()
	if err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "clover scan: %v", err)
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.expired(doc) {
			continue
		}

		key, _ := doc.Get("key").(string)
		value, _ := doc.Get("value").(string)
		if err := fn(key, []byte(value)); err != nil {
			return err
		}
	}

	return nil
}

func (c *CloverStore) Ping(_ context.Context) error {
	if _, err := c.db.HasCollection(c.config.Collection); err != nil {
		return types.Errorf(types.ErrStoreConnectionFailed, "clover: %v", err)
	}
	return nil
}

func (c *CloverStore) expired(doc *clover.Document) bool {
	expiresAt := toInt64(doc.Get("expires_at"))
	return expiresAt > 0 && c.now().UnixMilli() >= expiresAt
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return 0
}
