package server

import (
	"context"
	"net/http"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/internal/httpclient"
)

// statusFor maps an error to the HTTP status a client should see.
// Order matters: ErrJobNotFound and ErrJobTerminal wrap broader sentinels.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrJobExpired):
		return http.StatusGone
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.IsAny(err, errors.ErrInvalidRequest, errors.ErrMalformedItem, httpclient.ErrBlocked):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, httpclient.ErrTooLarge):
		return http.StatusBadGateway
	case errors.IsAny(err, errors.ErrTimeout, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsAny(err, errors.ErrServiceUnavailable, errors.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
