package calendar

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

const reasonPushNotSupported = "pushNotSupportedForRequestedResource"

// IsRetryable reports whether an error is transient: network failures, rate limiting and 5xx
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCursorExpired) || errors.Is(err, ErrWatchUnsupported) || errors.Is(err, ErrMalformedEvent) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return true
		}
		// Google signals per-user quota exhaustion with a 403
		if apiErr.Code == http.StatusForbidden {
			for _, e := range apiErr.Errors {
				if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
					return true
				}
			}
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNotFound reports a provider 404 or 410 on a resource, e.g. a channel already gone
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

// IsWatchUnsupported reports whether a watch failure means the resource cannot be watched.
// The status code alone is not enough: unrelated 400/403s share it.
func IsWatchUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWatchUnsupported) {
		return true
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, e := range apiErr.Errors {
		if e.Reason == reasonPushNotSupported {
			return true
		}
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "push notifications are not supported")
}

// classify maps provider errors to package sentinels where one applies
func classify(err error, withCursor bool) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone && withCursor {
		return errors.Join(ErrCursorExpired, err)
	}
	return err
}
