package health

import (
	"context"
	"errors"

	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/types"
)

// Guard wraps an upstream call with the tracker. While the breaker is open
// the fallback payload is served and never stored. A failed call that
// opens the breaker is answered with the fallback too; any other failure
// is returned.
func Guard[T any](tracker types.UpstreamTracker, fallbacks *Fallbacks, entity freshness.Entity, loc string, call freshness.Fetcher[T]) freshness.Fetcher[T] {
	return func(ctx context.Context) (T, error) {
		if tracker.ShouldUseFallback() {
			return serveFallback[T](fallbacks, entity, loc, types.ErrUpstreamUnhealthy)
		}

		value, err := call(ctx)
		if err == nil || errors.Is(err, freshness.SkipStore) {
			tracker.RecordSuccess()
			return value, err
		}

		if errors.Is(err, context.Canceled) {
			return value, err
		}

		tracker.RecordFailure(err)

		if tracker.ShouldUseFallback() {
			return serveFallback[T](fallbacks, entity, loc, err)
		}

		return value, err
	}
}

func serveFallback[T any](fallbacks *Fallbacks, entity freshness.Entity, loc string, cause error) (T, error) {
	value, err := Decode[T](fallbacks, entity, loc)
	if err != nil {
		return value, types.WrapError(errors.Join(cause, err), "no fallback")
	}
	return value, freshness.SkipStore
}
