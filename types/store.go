package types

import (
	"context"
	"time"
)

// Store is the shared key-value persistence behind cache records and flags.
// Values are opaque bytes; a ttl of zero keeps the value until it is deleted.
type Store interface {
	LifecycleManager
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Ping(ctx context.Context) error
}

type StoreCreator func(ctx context.Context, config *StoreConfig) (Store, error)
