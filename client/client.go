package client

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

const (
	defaultTimeout = 10 * time.Second
	defaultBackoff = 500 * time.Millisecond
)

var durationBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10}

// StatusError carries the status of a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Path       string
}

func (e *StatusError) Error() string {
	return types.ErrUpstreamStatus.Error() + ": " + e.Path + " returned " + fasthttp.StatusMessage(e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return types.ErrUpstreamStatus
}

type Option func(*HTTPClient)

// WithDial replaces the dialer, e.g. with an in-memory listener.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *HTTPClient) {
		c.client.Dial = dial
	}
}

type HTTPClient struct {
	ctx     context.Context
	cancel  context.CancelFunc
	name    string
	logger  types.Logger
	metrics types.MetricsManager
	client  *fasthttp.Client
	baseURL string
	headers map[string]string
	timeout time.Duration
	retries int
	backoff time.Duration
	state   atomic.Value
}

func NewHTTPClient(ctx context.Context, name string, config *types.UpstreamConfig, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*HTTPClient, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "upstream base url is required")
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "invalid upstream base url %q", config.BaseURL)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	c := &HTTPClient{
		ctx:     clientCtx,
		cancel:  cancel,
		name:    name,
		logger:  logger,
		metrics: metrics,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		headers: config.Headers,
		timeout: config.Timeout,
		retries: config.Retries,
		backoff: config.Backoff,
	}

	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}

	c.client = &fasthttp.Client{
		Name:                "sai-portal",
		ReadTimeout:         c.timeout,
		WriteTimeout:        c.timeout,
		MaxIdleConnDuration: 90 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.state.Store(StateStopped)

	return c, nil
}

func (c *HTTPClient) Start() error {
	if !c.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServiceIsRunning
	}
	c.logger.Info("Upstream client started", zap.String("upstream", c.name), zap.String("base_url", c.baseURL))
	return nil
}

func (c *HTTPClient) Stop() error {
	if !c.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServiceIsNotRunning
	}
	c.cancel()
	c.client.CloseIdleConnections()
	c.logger.Info("Upstream client stopped", zap.String("upstream", c.name))
	return nil
}

func (c *HTTPClient) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

// GetJSON fetches path and decodes the JSON body into T. Failed attempts
// are retried with linear backoff while the error is retryable.
func GetJSON[T any](ctx context.Context, c *HTTPClient, path string) (T, error) {
	var value T

	body, err := c.Do(ctx, fasthttp.MethodGet, path, nil)
	if err != nil {
		return value, err
	}

	if err := utils.Unmarshal(body, &value); err != nil {
		return value, errors.Wrapf(err, "decode %s response", path)
	}
	return value, nil
}

func (c *HTTPClient) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if !c.IsRunning() {
		return nil, types.ErrUpstreamNotRunning
	}

	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.backoff
			c.logger.Debug("Retrying upstream request",
				zap.String("upstream", c.name),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.ctx.Done():
				return nil, types.ErrUpstreamNotRunning
			}
		}

		data, status, err := c.attempt(ctx, method, path, body)
		if IsSuccessfulResponse(status, err) {
			return data, nil
		}

		if err == nil {
			lastErr = &StatusError{StatusCode: status, Path: path}
		} else {
			lastErr = err
		}

		if ctx.Err() != nil || !IsRetryable(status, err) {
			break
		}
	}

	return nil, lastErr
}

func (c *HTTPClient) attempt(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		req.SetBody(body)
		req.Header.SetContentType("application/json")
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	err := c.client.DoDeadline(req, resp, deadline)
	status := resp.StatusCode()

	result := "success"
	switch {
	case err != nil:
		result = "error"
		if errors.Is(err, fasthttp.ErrTimeout) {
			err = types.Errorf(types.ErrUpstreamTimeout, "%s %s", method, path)
		} else {
			err = errors.Wrapf(err, "%s %s", method, path)
		}
		status = 0
	case !IsSuccessfulResponse(status, nil):
		result = "status"
	}

	labels := map[string]string{"upstream": c.name, "result": result}
	c.metrics.Counter("upstream_requests_total", labels).Inc()
	c.metrics.Histogram("upstream_request_duration_seconds", durationBuckets, map[string]string{"upstream": c.name}).ObserveDuration(start)

	if err != nil {
		return nil, status, err
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, status, nil
}
