package client

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-portal/types"
)

// IsRetryable reports whether a failed attempt may be repeated. Client
// errors other than 408 and 429 are final.
func IsRetryable(statusCode int, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}

	switch statusCode {
	case fasthttp.StatusTooManyRequests,
		fasthttp.StatusRequestTimeout,
		fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable,
		fasthttp.StatusGatewayTimeout:
		return true
	default:
		return statusCode >= 500
	}
}

func IsSuccessfulResponse(statusCode int, err error) bool {
	return err == nil && statusCode >= 200 && statusCode < 300
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) ||
		errors.Is(err, types.ErrUpstreamTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Timeout() || dnsErr.IsTemporary
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
