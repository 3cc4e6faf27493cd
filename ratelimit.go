/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// reactionBucketSlack is added on top of a discovered reset for routes
// frozen by a "reactions" segment, per spec.md §4.4: Discord's reaction
// buckets are observed to reset slightly later than the header reports.
const reactionBucketSlack = 250 * time.Millisecond

// rateLimitHeaders is the parsed content of one REST response's
// rate-limit headers, grounded on the teacher's header-reading block in
// requester.go.
type rateLimitHeaders struct {
	bucket    string
	limit     int
	remaining int
	resetAfter time.Duration
	reset      time.Time
	hasResetAfter bool
	hasReset      bool
	global    bool
	scope     string // "user", "shared", ""
}

func parseRateLimitHeaders(h http.Header) rateLimitHeaders {
	var out rateLimitHeaders
	out.bucket = h.Get("x-ratelimit-bucket")
	out.scope = h.Get("x-ratelimit-scope")
	out.global = strings.EqualFold(h.Get("x-ratelimit-global"), "true")

	if v := h.Get("x-ratelimit-limit"); v != "" {
		out.limit, _ = strconv.Atoi(v)
	}
	if v := h.Get("x-ratelimit-remaining"); v != "" {
		out.remaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("x-ratelimit-reset-after"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.resetAfter = time.Duration(f * float64(time.Second))
			out.hasResetAfter = true
		}
	}
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.reset = time.UnixMilli(int64(f * 1000))
			out.hasReset = true
		}
	}
	return out
}

// resetAt resolves the absolute instant the bucket becomes free again.
// reset-after is preferred since it is relative to the responding
// server's own clock; the absolute reset timestamp is used only as a
// fallback, corrected for clock skew between this process and Discord
// (timeOffset, the restTimeOffset configuration value), per spec.md
// §4.4.
func (h rateLimitHeaders) resetAt(now time.Time, timeOffset time.Duration, reaction bool) time.Time {
	var at time.Time
	switch {
	case h.hasResetAfter:
		at = now.Add(h.resetAfter)
	case h.hasReset:
		at = h.reset.Add(-timeOffset)
	default:
		at = now
	}
	if reaction {
		at = at.Add(reactionBucketSlack)
	}
	return at
}

// bucketState tracks one discovered rate-limit bucket's remaining
// budget and reset time.
type bucketState struct {
	mu        sync.Mutex
	hash      string
	limit     int
	remaining int
	resetAt   time.Time
}

func (b *bucketState) exhausted(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining > 0 {
		return 0, false
	}
	if now.After(b.resetAt) || now.Equal(b.resetAt) {
		return 0, false
	}
	return b.resetAt.Sub(now), true
}

func (b *bucketState) update(now, resetAt time.Time, limit, remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = limit
	b.remaining = remaining
	b.resetAt = resetAt
}

// globalState tracks the proactive, bot-wide global limit (§4.4 step 1
// and §4.5 step 2: "global_limit/global_remaining/global_reset",
// refreshed and decremented once per non-webhook request). Every
// concurrently blocked request computes its wait from the same shared
// reset instant, so they all become free at the same moment; each
// caller still sleeps on its own timer (there is no single shared
// timer or future). A reactive 429 with global scope (trip) simply forces
// remaining to 0 and pulls reset forward to the server-specified
// retry-after, so the next proactive check blocks on the same state.
type globalState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	reset     time.Time
}

// trip forces the global window closed until `until`, used when a 429
// response reports global scope.
func (g *globalState) trip(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = 0
	if until.After(g.reset) {
		g.reset = until
	}
}

// wait reports how long a caller must block on the global window, or 0
// if it may proceed immediately.
func (g *globalState) wait(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remaining > 0 || !now.Before(g.reset) {
		return 0
	}
	return g.reset.Sub(now)
}

// consume is the per-request proactive accounting step of §4.5 step 2:
// if the current window has elapsed, open a fresh one sized to limit;
// then decrement the remaining count for this request.
func (g *globalState) consume(now time.Time, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	g.limit = limit
	if g.reset.Before(now) {
		g.reset = now.Add(time.Second)
		g.remaining = g.limit
	}
	g.remaining--
}

// rateLimitCoordinator owns every known bucket plus the shared global
// cooldown, per spec.md §4.4.
//
// Grounded on the teacher's requester.go rate-limit bookkeeping
// (per-route remaining/reset fields) generalized into first-class
// bucket objects keyed by Discord's discovered bucket hash rather than
// by route, so routes that alias to the same bucket correctly share
// budget (property P4/P7).
type rateLimitCoordinator struct {
	mu          sync.Mutex
	buckets     map[string]*bucketState // keyed by discovered bucket hash
	routeHash   map[string]string       // handlerKey -> bucket hash, once discovered
	global      *globalState
	globalLimit int
	timeOffset  time.Duration
}

func newRateLimitCoordinator(timeOffset time.Duration, globalLimit int) *rateLimitCoordinator {
	if globalLimit <= 0 {
		globalLimit = 50
	}
	return &rateLimitCoordinator{
		buckets:     make(map[string]*bucketState),
		routeHash:   make(map[string]string),
		global:      &globalState{},
		globalLimit: globalLimit,
		timeOffset:  timeOffset,
	}
}

// bucketFor returns the bucket state known for a route, discovering and
// interning a fresh one under the handler key until the server's hash
// arrives.
func (c *rateLimitCoordinator) bucketFor(key routeKey) *bucketState {
	c.mu.Lock()
	defer c.mu.Unlock()

	hk := key.handlerKey()
	if hash, ok := c.routeHash[hk]; ok {
		if b, ok := c.buckets[hash]; ok {
			return b
		}
	}
	b, ok := c.buckets[hk]
	if !ok {
		b = &bucketState{hash: hk}
		c.buckets[hk] = b
	}
	return b
}

// observe folds a response's rate-limit headers into coordinator state,
// rebinding the route to its discovered bucket hash the first time it
// appears. A response without reset headers only rebinds; the bucket's
// limit/remaining/reset are left as they were.
func (c *rateLimitCoordinator) observe(key routeKey, h rateLimitHeaders, now time.Time) {
	reaction := strings.Contains(key.bucketRoute, "/reactions")
	resetAt := h.resetAt(now, c.timeOffset, reaction)

	c.mu.Lock()
	hk := key.handlerKey()
	var b *bucketState
	if h.bucket != "" {
		b = c.buckets[h.bucket]
		if b == nil {
			b = &bucketState{hash: h.bucket}
			c.buckets[h.bucket] = b
		}
		c.routeHash[hk] = h.bucket
	} else {
		b = c.buckets[hk]
		if b == nil {
			b = &bucketState{hash: hk}
			c.buckets[hk] = b
		}
	}
	c.mu.Unlock()

	if h.hasResetAfter || h.hasReset {
		b.update(now, resetAt, h.limit, h.remaining)
	}
}

// waitFor returns how long the caller must sleep before this route's
// request may be sent, and whether that wait is on the shared global
// window rather than the route's own bucket, per spec.md §4.4's
// ordering: webhook calls skip the global check entirely (step 1),
// then the route's own bucket exhaustion (step 2).
func (c *rateLimitCoordinator) waitFor(key routeKey, webhook bool, now time.Time) (time.Duration, bool) {
	if !webhook {
		if d := c.global.wait(now); d > 0 {
			return d, true
		}
	}
	b := c.bucketFor(key)
	if d, exhausted := b.exhausted(now); exhausted {
		return d, false
	}
	return 0, false
}

// markGlobalUsage performs §4.5 step 2's proactive global accounting:
// a non-webhook request consumes one slot of the rolling 1-second
// global window, refreshing the window first if it has elapsed.
func (c *rateLimitCoordinator) markGlobalUsage(webhook bool, now time.Time) {
	if webhook {
		return
	}
	c.global.consume(now, c.globalLimit)
}

// tripGlobal records that the shared global limit has been hit until
// until; every subsequent non-webhook waitFor reports a wait up to that
// same instant.
func (c *rateLimitCoordinator) tripGlobal(until time.Time) {
	c.global.trip(until)
}

/*****************************
 *  429 response handling
 *****************************/

// tooManyRequestsBody is Discord's JSON body on a 429 response.
type tooManyRequestsBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
	Code       int     `json:"code"`
}

// rateLimitScope classifies which dimension produced a 429, per
// spec.md §4.4's global/bucket/shared/sublimit distinction.
type rateLimitScope int

const (
	scopeBucket rateLimitScope = iota
	scopeGlobal
	scopeShared
	scopeSublimit
)

func classifyTooManyRequests(h rateLimitHeaders, body tooManyRequestsBody) rateLimitScope {
	switch {
	case body.Global || h.global:
		return scopeGlobal
	case h.scope == "shared":
		return scopeShared
	case h.scope != "" && h.scope != "user":
		return scopeSublimit
	default:
		return scopeBucket
	}
}

/*****************************
 *  Backoff computation
 *****************************/

// backoffPolicy is an exponential-with-jitter schedule for a class of
// retryable failure, per spec.md §4.4/§7.
type backoffPolicy struct {
	base time.Duration
	cap  time.Duration
}

var (
	tooManyRequestsBackoff = backoffPolicy{base: 125 * time.Millisecond, cap: 1500 * time.Millisecond}
	serverErrorBackoff     = backoffPolicy{base: 200 * time.Millisecond, cap: 3000 * time.Millisecond}
)

// delay returns the backoff for the given 0-indexed retry attempt,
// exponent capped at 5 and the pre-jitter wait capped at p.cap, then
// scaled by +/-20% jitter to avoid synchronized retries across
// shards/requests, so the returned delay can reach 1.2*p.cap.
func (p backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		attempt = 5
	}
	d := p.base << attempt
	if d > p.cap || d <= 0 {
		d = p.cap
	}
	jitter := 0.8 + rand.Float64()*0.4 // +/-20%
	return time.Duration(float64(d) * jitter)
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || isRetryableServerError(status)
}
