/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// Invalid-request circuit-breaker tiers: at count >= each threshold,
// applyInvalidRequestPenalty sleeps before the caller returns, before
// Discord's own Cloudflare ban kicks in around 10,000/10min, per
// spec.md §4.5.
const invalidRequestWindow = 10 * time.Minute

// knownCaptchaKeys are the response body keys Discord uses to signal a
// captcha challenge, grounded on the teacher's requester.go retry loop
// pattern generalized from its single-message string match to the full
// key set documented for Discord's captcha flow.
var knownCaptchaKeys = map[string]bool{
	"captcha_key":         true,
	"captcha_sitekey":     true,
	"captcha_service":     true,
	"captcha_rqdata":      true,
	"captcha_rqtoken":     true,
}

const mfaRequiredCode = 60003

// captchaSolver exchanges a captcha challenge body for a solution
// token, per spec.md §6's captchaSolver configuration hook. Left to
// the caller: relay has no opinion on which solving service is used.
type captchaSolver func(ctx context.Context, challenge captchaChallenge) (string, error)

type captchaChallenge struct {
	SiteKey string          `json:"captcha_sitekey"`
	RqData  string          `json:"captcha_rqdata"`
	RqToken string          `json:"captcha_rqtoken"`
	Service string          `json:"captcha_service"`
	Raw     map[string]any  `json:"-"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// invalidRequestCounter tracks invalid requests (401, 403 and
// non-shared 429 responses) in a rolling window shared across every
// bucket, since Discord's own penalty is
// IP-wide rather than per-bucket (spec.md §4.5).
type invalidRequestCounter struct {
	mu   sync.Mutex
	hits []time.Time
}

func newInvalidRequestCounter() *invalidRequestCounter {
	return &invalidRequestCounter{}
}

func (c *invalidRequestCounter) record(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-invalidRequestWindow)
	kept := c.hits[:0]
	for _, h := range c.hits {
		if !h.Before(cutoff) {
			kept = append(kept, h)
		}
	}
	c.hits = append(kept, now)
	return len(c.hits)
}

// remaining reports how long until the rolling window's oldest
// surviving hit ages out and the count starts dropping again.
func (c *invalidRequestCounter) remaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hits) == 0 {
		return 0
	}
	d := invalidRequestWindow - now.Sub(c.hits[0])
	if d < 0 {
		d = 0
	}
	return d
}

// requestHandler serializes every request bound for one route key
// (method + bucket route) through a single FIFO, guaranteeing at most
// one in flight per route key at a time. Routes that share a
// discovered bucket hash share rate-limit counters in the coordinator
// but keep separate handlers.
//
// Grounded on the teacher's per-bucket sync.Mutex queue in
// requester.go's do, generalized into an explicit worker with its own
// retry/circuit-breaker/captcha/MFA state so that logic isn't
// interleaved with the rate-limit wait loop.
type requestHandler struct {
	route   routeKey
	client  *http.Client
	builder *requestBuilder
	coord   *rateLimitCoordinator
	invalid *invalidRequestCounter
	logger  Logger
	disp    *dispatcher

	retryLimit                 int
	invalidRequestWarnInterval int
	captchaRetryLimit          int
	captchaSolver              captchaSolver
	totpSecret                 string
	rejectOnRateLimit          bool

	queue chan *pendingRequest
	done  chan struct{}
}

type pendingRequest struct {
	ctx    context.Context
	method string
	body   any
	opts   requestOptions
	result chan requestResult
}

type requestResult struct {
	status int
	body   []byte
	header http.Header
	err    error
}

func newRequestHandler(route routeKey, client *http.Client, builder *requestBuilder, coord *rateLimitCoordinator, invalid *invalidRequestCounter, logger Logger, disp *dispatcher) *requestHandler {
	h := &requestHandler{
		route:                      route,
		client:                     client,
		builder:                    builder,
		coord:                      coord,
		invalid:                    invalid,
		logger:                     logger,
		disp:                       disp,
		retryLimit:                 3,
		invalidRequestWarnInterval: 1,
		captchaRetryLimit:          1,
		queue:                      make(chan *pendingRequest, 64),
		done:                       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *requestHandler) stop() {
	close(h.queue)
	<-h.done
}

// submit enqueues a request and blocks until it completes, honoring
// ctx cancellation while the request still sits in the FIFO.
func (h *requestHandler) submit(ctx context.Context, method, path string, body any, opts requestOptions) ([]byte, http.Header, error) {
	p := &pendingRequest{ctx: ctx, method: method, body: body, opts: opts, result: make(chan requestResult, 1)}
	select {
	case h.queue <- p:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case r := <-p.result:
		return r.body, r.header, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (h *requestHandler) run() {
	defer close(h.done)
	for p := range h.queue {
		body, status, header, err := h.execute(p)
		p.result <- requestResult{status: status, body: body, header: header, err: err}
	}
}

// execute drives one request through rate-limit waiting, the actual
// HTTP call, and retry handling for 429s, 5xxs, captcha challenges and
// MFA prompts, in that order.
func (h *requestHandler) execute(p *pendingRequest) ([]byte, int, http.Header, error) {
	var (
		mfaCode    string
		captchaKey string
		captchaRq  string
	)

	for attempt := 0; ; attempt++ {
		if wait, isGlobal := h.coord.waitFor(h.route, p.opts.Webhook, time.Now()); wait > 0 {
			if h.disp != nil {
				h.disp.emitRateLimit(RateLimitEvent{Route: h.route.bucketRoute, Global: isGlobal, Timeout: wait})
			}
			if h.rejectOnRateLimit {
				return nil, 0, nil, &RateLimitError{
					Timeout: wait.Milliseconds(),
					Method:  h.route.method,
					Path:    h.route.path,
					Route:   h.route.bucketRoute,
					Global:  isGlobal,
				}
			}
			select {
			case <-time.After(wait):
			case <-p.ctx.Done():
				return nil, 0, nil, p.ctx.Err()
			}
			continue
		}
		h.coord.markGlobalUsage(p.opts.Webhook, time.Now())

		opts := p.opts
		opts.MFACode = mfaCode
		opts.CaptchaKey = captchaKey
		opts.CaptchaRqtoken = captchaRq

		reqCtx, cancel := p.ctx, context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			reqCtx, cancel = context.WithTimeout(p.ctx, opts.Timeout)
		}
		req, err := h.builder.build(reqCtx, p.method, h.route.path, p.body, opts)
		if err != nil {
			cancel()
			return nil, 0, nil, err
		}

		if h.disp != nil {
			h.disp.emitAPIRequest(APIRequestEvent{Method: p.method, Path: h.route.path})
		}
		reqStart := time.Now()

		resp, err := h.client.Do(req)
		if err != nil {
			cancel()
			if h.disp != nil {
				h.disp.emitAPIResponse(APIResponseEvent{Method: p.method, Path: h.route.path, Duration: time.Since(reqStart), Err: err})
			}
			if attempt >= h.retryLimit {
				return nil, 0, nil, &HTTPError{
					Cause:   fmt.Errorf("request failed after %d attempts: %w", attempt+1, err),
					Request: RequestInfo{Method: h.route.method, Path: h.route.path, Route: h.route.bucketRoute},
				}
			}
			time.Sleep(serverErrorBackoff.delay(attempt))
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if h.disp != nil {
			h.disp.emitAPIResponse(APIResponseEvent{Method: p.method, Path: h.route.path, StatusCode: resp.StatusCode, Duration: time.Since(reqStart), Err: readErr})
		}
		if readErr != nil {
			return nil, resp.StatusCode, resp.Header, fmt.Errorf("read response body: %w", readErr)
		}

		rlHeaders := parseRateLimitHeaders(resp.Header)
		h.coord.observe(h.route, rlHeaders, time.Now())

		if resp.StatusCode == http.StatusTooManyRequests {
			var body tooManyRequestsBody
			_ = decodeJSON(respBody, &body)
			scope := classifyTooManyRequests(rlHeaders, body)
			until := time.Now().Add(time.Duration(body.RetryAfter * float64(time.Second)))
			if scope == scopeGlobal {
				h.coord.tripGlobal(until)
			}
			// A shared-scope 429 is not counted against the
			// invalid-request circuit breaker and never mutates
			// global state (spec.md §4.4).
			if scope != scopeShared {
				n := h.invalid.record(time.Now())
				h.applyInvalidRequestPenalty(n)
			}
			h.logger.WithField("route", h.route.bucketRoute).Warn("rate limited, retrying after server-specified delay")
			select {
			case <-time.After(time.Until(until)):
			case <-p.ctx.Done():
				return nil, 0, nil, p.ctx.Err()
			}
			continue
		}

		if isRetryableServerError(resp.StatusCode) {
			if attempt >= h.retryLimit {
				return respBody, resp.StatusCode, resp.Header, &HTTPError{
					StatusCode: resp.StatusCode,
					Request:    RequestInfo{Method: h.route.method, Path: h.route.path, Route: h.route.bucketRoute},
				}
			}
			time.Sleep(serverErrorBackoff.delay(attempt))
			continue
		}

		if resp.StatusCode >= 400 {
			if h.isCaptchaChallenge(respBody) && attempt < h.captchaRetryLimit && h.captchaSolver != nil {
				challenge := parseCaptchaChallenge(respBody)
				solved, err := h.captchaSolver(p.ctx, challenge)
				if err == nil {
					captchaKey = solved
					captchaRq = challenge.RqToken
					continue
				}
			}

			var apiErr apiErrorBody
			_ = decodeJSON(respBody, &apiErr)
			if apiErr.Code == mfaRequiredCode && h.totpSecret != "" && mfaCode == "" {
				if code, err := totp.GenerateCode(h.totpSecret, time.Now()); err == nil {
					mfaCode = code
					continue
				}
			}

			// Only 401/403 count against the circuit breaker; ordinary
			// 4xx application errors (404, 400 validation, etc.) do not
			// (spec.md §4.5 step 5).
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				n := h.invalid.record(time.Now())
				h.applyInvalidRequestPenalty(n)
			}
			return respBody, resp.StatusCode, resp.Header, &DiscordAPIError{
				Status:  resp.StatusCode,
				Code:    apiErr.Code,
				Message: apiErr.Message,
				Body:    respBody,
				Request: RequestInfo{Method: h.route.method, Path: h.route.path, Route: h.route.bucketRoute},
			}
		}

		return respBody, resp.StatusCode, resp.Header, nil
	}
}

// applyInvalidRequestPenalty is §4.5 step 5's circuit breaker: at
// count >= 2500/5000/9000 it sleeps 500ms/1500ms/5000ms respectively
// before the caller returns, and on every invalidRequestWarnInterval-th
// hit it emits INVALID_REQUEST_WARNING with how long remains before
// the rolling window's oldest surviving hit ages out.
func (h *requestHandler) applyInvalidRequestPenalty(count int) {
	now := time.Now()

	if h.invalidRequestWarnInterval > 0 && count%h.invalidRequestWarnInterval == 0 {
		h.logger.WithField("count", count).Warn("invalid request count approaching Discord's Cloudflare ban threshold")
		if h.disp != nil {
			h.disp.emitInvalidRequestWarning(InvalidRequestWarningEvent{
				Count:         count,
				RemainingTime: h.invalid.remaining(now),
			})
		}
	}

	var sleep time.Duration
	switch {
	case count >= 9000:
		sleep = 5000 * time.Millisecond
	case count >= 5000:
		sleep = 1500 * time.Millisecond
	case count >= 2500:
		sleep = 500 * time.Millisecond
	}
	if sleep > 0 {
		time.Sleep(sleep)
	}
}

func (h *requestHandler) isCaptchaChallenge(body []byte) bool {
	var raw map[string]any
	if decodeJSON(body, &raw) != nil {
		return false
	}
	for k := range raw {
		if knownCaptchaKeys[k] {
			return true
		}
	}
	return false
}

func parseCaptchaChallenge(body []byte) captchaChallenge {
	var c captchaChallenge
	_ = decodeJSON(body, &c)
	_ = decodeJSON(body, &c.Raw)
	return c
}
