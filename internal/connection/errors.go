package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRangeTooLarge is returned when a node refuses a log query span.
	ErrRangeTooLarge = errors.New("block range too large")
	// ErrRateLimited is returned when a node throttles requests.
	ErrRateLimited = errors.New("rate limited")
	// ErrStaleSubscription means the node no longer knows the filter or subscription.
	ErrStaleSubscription = errors.New("stale subscription")
	// ErrSubscriptionClosed means the underlying stream ended.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

var (
	rangeTooLargeTokens = []string{
		"block range",
		"range too large",
		"query returned more than",
		"exceed maximum block range",
		"too many results",
		"response size exceeded",
		"response size should not greater than",
		"log response size exceeded",
	}
	rateLimitTokens = []string{
		"rate limit",
		"too many requests",
		"429",
		"exceeded its compute units",
		"capacity exceeded",
	}
	staleTokens = []string{
		"filter not found",
		"subscription not found",
		"unknown subscription",
		"stale",
	}
	closedTokens = []string{
		"subscription closed",
		"connection closed",
		"use of closed network connection",
		"websocket: close",
		"broken pipe",
		"eof",
	}
)

// ClassifyError wraps err with the matching sentinel so callers can use errors.Is.
// Errors that already carry a sentinel, context errors and unknown errors are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, sentinel := range []error{ErrRangeTooLarge, ErrRateLimited, ErrStaleSubscription, ErrSubscriptionClosed} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, rangeTooLargeTokens):
		return fmt.Errorf("%w: %v", ErrRangeTooLarge, err)
	case containsAny(lower, rateLimitTokens):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case containsAny(lower, staleTokens):
		return fmt.Errorf("%w: %v", ErrStaleSubscription, err)
	case containsAny(lower, closedTokens):
		return fmt.Errorf("%w: %v", ErrSubscriptionClosed, err)
	}
	return err
}

// ErrorClass returns a short label for metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRangeTooLarge):
		return "range_too_large"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStaleSubscription):
		return "stale"
	case errors.Is(err, ErrSubscriptionClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// IsSubscriptionBroken reports whether err requires tearing down and re-establishing a subscription.
func IsSubscriptionBroken(err error) bool {
	return errors.Is(err, ErrStaleSubscription) || errors.Is(err, ErrSubscriptionClosed)
}

// IsRetryable reports whether the same request may succeed if repeated later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded)
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
