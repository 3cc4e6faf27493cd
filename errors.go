/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"fmt"
	"net/http"
)

// RequestInfo identifies the REST call an error occurred on.
type RequestInfo struct {
	Method string
	Path   string
	Route  string // bucket route, post route-builder normalization
}

// DiscordAPIError represents a non-retryable 4xx response carrying a
// structured Discord error body.
type DiscordAPIError struct {
	Status  int
	Code    int    // Discord's internal error code, e.g. 60003 for MFA required
	Message string // the "message" field of the error body
	Body    []byte // raw error body, for callers that need fields this type doesn't surface
	Request RequestInfo
}

func (e *DiscordAPIError) Error() string {
	return fmt.Sprintf("discord api error: %s %s: status=%d code=%d message=%s",
		e.Request.Method, e.Request.Path, e.Status, e.Code, e.Message)
}

// HTTPError represents an HTTP-layer failure: a network error, or a 5xx
// response whose retry budget was exhausted.
type HTTPError struct {
	StatusCode int // 0 if the failure never reached a response (network error)
	Cause      error
	Request    RequestInfo
}

func (e *HTTPError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("http error: %s %s: %v", e.Request.Method, e.Request.Path, e.Cause)
	}
	return fmt.Sprintf("http error: %s %s: status=%d", e.Request.Method, e.Request.Path, e.StatusCode)
}

func (e *HTTPError) Unwrap() error { return e.Cause }

// RateLimitError is surfaced instead of transparently waiting when the
// caller's RejectOnRateLimit policy elects to fail fast.
type RateLimitError struct {
	Timeout int64 // milliseconds the caller would have waited
	Limit   int
	Method  string
	Path    string
	Route   string
	Global  bool
}

func (e *RateLimitError) Error() string {
	scope := "bucket"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited (%s): %s %s would wait %dms", scope, e.Method, e.Path, e.Timeout)
}

// isRetryableServerError reports whether status is one the request handler
// should retry against (429 handled separately via its own path; this
// covers the 5xx class named in spec.md §4.4/§4.5).
func isRetryableServerError(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
