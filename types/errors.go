package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrHandlerIsNil         = errors.New("handler is nil")
	ErrPathNotFound         = errors.New("path not found")
	ErrMethodNotAllowed     = errors.New("method not allowed")
)

var (
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
	ErrMiddlewareFinalized   = errors.New("middleware chain already finalized")
	ErrAuthTokenInvalid      = errors.New("auth token invalid")
	ErrAuthTokenMissing      = errors.New("auth token missing")
)

var (
	ErrStoreKeyEmpty         = errors.New("store key empty")
	ErrStoreNotFound         = errors.New("store entry not found")
	ErrStoreConnectionFailed = errors.New("store connection failed")
	ErrStoreTypeUnknown      = errors.New("store type unknown")
	ErrStoreOperationFailed  = errors.New("store operation failed")
	ErrStoreIsStopped        = errors.New("store is stopped")
)

var (
	ErrEntityUnknown      = errors.New("entity unknown")
	ErrRecordCorrupted    = errors.New("record corrupted")
	ErrCoordinatorClosed  = errors.New("coordinator closed")
	ErrFetcherIsNil       = errors.New("fetcher is nil")
	ErrUpstreamUnhealthy  = errors.New("upstream unhealthy")
	ErrFallbackNotFound   = errors.New("fallback payload not found")
	ErrUpstreamStatus     = errors.New("upstream returned unexpected status")
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrUpstreamNotRunning = errors.New("upstream client not running")
)

var (
	ErrActionNotInitialized   = errors.New("action not initialized")
	ErrActionConnectionFailed = errors.New("action connection failed")
	ErrActionConfigInvalid    = errors.New("action config invalid")
	ErrActionPayloadInvalid   = errors.New("action payload invalid")
	ErrActionPublishFailed    = errors.New("action publish failed")
	ErrActionIsRunning        = errors.New("action broker is running")
)

var (
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobTimeout        = errors.New("cron job timeout")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
	ErrTLSConfigInvalid    = errors.New("tls config invalid")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInternalError    = errors.New("internal error")
	ErrInvalidState     = errors.New("invalid state")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
