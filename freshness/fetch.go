package freshness

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const (
	modeBlocking   = "blocking"
	modeBackground = "background"
)

func decodePayload[T any](rec *Record, target *T) error {
	if rec == nil {
		return types.ErrRecordCorrupted
	}
	return utils.Unmarshal(rec.Payload, target)
}

// runFetch calls fetch under its own deadline and commits the result.
// The caller's context never cancels a fetch other callers may share. A
// panicking fetcher fails its callers instead of the process.
func runFetch[T any](c *Coordinator, key Key, fetch Fetcher[T], timeout time.Duration, mode string) (result T, err error) {
	var zero T

	defer func() {
		if r := recover(); r != nil {
			c.countFetch(key, mode, "panic")
			c.logger.Error("Fetcher panicked",
				zap.String("key", key.String()),
				zap.String("mode", mode),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			result = zero
			err = types.Errorf(types.ErrInvalidState, "fetch panicked: %v", r)
		}
	}()

	tag := c.nextTag()

	fctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	value, err := fetch(fctx)
	if errors.Is(err, SkipStore) {
		c.countFetch(key, mode, "skipped")
		return value, nil
	}
	if err != nil {
		c.countFetch(key, mode, "error")
		if mode == modeBackground {
			c.logger.Warn("Background revalidation failed", zap.String("key", key.String()), zap.Error(err))
		}
		return zero, err
	}

	payload, err := utils.Marshal(value)
	if err != nil {
		c.countFetch(key, mode, "error")
		return zero, types.WrapError(err, "encode payload")
	}

	committed, err := c.commit(key, tag, payload)
	switch {
	case err != nil:
		c.countFetch(key, mode, "error")
		c.logger.Error("Failed to commit cache record", zap.String("key", key.String()), zap.Error(err))
		return value, nil
	case !committed:
		c.countFetch(key, mode, "discarded")
		c.metrics.Counter("freshness_discarded_total", map[string]string{"entity": string(key.Entity)}).Inc()
		c.logger.Debug("Discarded older fetch result", zap.String("key", key.String()), zap.Int64("tag", tag))
		return value, nil
	}

	c.countFetch(key, mode, "success")
	if c.onCommit != nil {
		c.onCommit(c.ctx, key, time.Unix(0, tag))
	}

	return value, nil
}

// fetchBlocking waits for the fetch shared under flight, starting it if no
// caller has.
func fetchBlocking[T any](ctx context.Context, c *Coordinator, key Key, flight string, fetch Fetcher[T]) (T, error) {
	var zero T

	ch, err := c.share(flight, func() (interface{}, error) {
		return runFetch(c, key, fetch, c.fetchTimeout, modeBlocking)
	})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Val == nil {
			return zero, nil
		}
		value, ok := res.Val.(T)
		if !ok {
			return zero, types.Errorf(types.ErrInvalidState, "shared fetch for %s returned %T", key, res.Val)
		}
		return value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// revalidate starts, or joins, the background refresh for key. Errors are
// logged by runFetch and never reach the reader.
func revalidate[T any](c *Coordinator, key Key, fetch Fetcher[T]) {
	_, _ = c.share(key.String(), func() (interface{}, error) {
		return runFetch(c, key, fetch, c.backgroundTimeout, modeBackground)
	})
}
