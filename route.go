/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// majorContainers are path segments whose following id must stay
// distinct for bucketing, per spec.md §4.7 / GLOSSARY.
var majorContainers = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

var snowflakeSegment = regexp.MustCompile(`^\d{16,19}$`)

// routeKey is the (textual path, bucket route) pair a route derivation
// produces, per spec.md §4.7.
type routeKey struct {
	method      string
	path        string
	bucketRoute string
}

// handlerKey is the handler registry key: method + bucket route. The
// restManager's handlers map stays keyed by it; a discovered
// x-ratelimit-bucket hash is recorded by the rate-limit coordinator
// (ratelimit.go), which shares bucket state across routes with the
// same hash.
func (k routeKey) handlerKey() string {
	return k.method + ":" + k.bucketRoute
}

/*****************************
 *   Fluent route builder
 *****************************/

// RouteBuilder builds a request path and its stable bucket route
// simultaneously, one segment at a time. Each call returns a new,
// independent builder (per spec.md §9's immutable-node design note) so
// a partially built route can be safely reused as a prefix for several
// requests.
//
// Grounded on the teacher's generateRouteData (requester.go) and the
// ra7eemi-goda sibling's generateBucketKey, restructured from a
// two-pass regex substitution over a finished path string into the
// builder spec.md §9 calls for: segments accumulate path and bucket
// route together, so no route is ever regex-parsed twice.
type RouteBuilder struct {
	segments []string
	bucket   []string
	frozen   bool
}

// NewRoute starts an empty route.
func NewRoute() RouteBuilder {
	return RouteBuilder{}
}

// Segment appends one path segment, extending the bucket route unless
// the route has been frozen by an earlier "reactions" segment.
func (b RouteBuilder) Segment(seg string) RouteBuilder {
	next := RouteBuilder{
		segments: append(append([]string{}, b.segments...), seg),
		bucket:   append([]string{}, b.bucket...),
		frozen:   b.frozen,
	}
	if next.frozen {
		return next
	}

	switch {
	case seg == "reactions":
		next.bucket = append(next.bucket, seg)
		next.frozen = true
	case snowflakeSegment.MatchString(seg) && !b.prevIsMajorContainer():
		next.bucket = append(next.bucket, ":id")
	default:
		next.bucket = append(next.bucket, seg)
	}
	return next
}

// Segments appends several segments in order.
func (b RouteBuilder) Segments(segs ...string) RouteBuilder {
	for _, s := range segs {
		b = b.Segment(s)
	}
	return b
}

func (b RouteBuilder) prevIsMajorContainer() bool {
	if len(b.segments) == 0 {
		return false
	}
	return majorContainers[b.segments[len(b.segments)-1]]
}

// Build finalizes the route for method, returning the accumulated
// (path, bucket route) pair.
func (b RouteBuilder) Build(method string) routeKey {
	return routeKey{
		method:      strings.ToUpper(method),
		path:        "/" + strings.Join(b.segments, "/"),
		bucketRoute: "/" + strings.Join(b.bucket, "/"),
	}
}

/*****************************
 *  String-path derivation
 *****************************/

var (
	reInteractionCallback = regexp.MustCompile(`^/interactions/\d{16,19}/[^/]+/callback$`)
	reOldMessageDelete    = regexp.MustCompile(`^/channels/\d{16,19}/messages/(\d{16,19})$`)
)

// oldMessageCutoff mirrors Discord's harsher server-side rate limit for
// deleting messages older than 14 days, a quirk the teacher's requester
// tracks by suffixing the bucket route (requester.go generateRouteData).
const oldMessageCutoff = 14 * 24 * time.Hour

// deriveRouteKey computes the (path, bucket route) pair for a request
// issued against a raw path string, the form callers actually hand the
// REST manager's Request method (spec.md §6's RestClient contract takes
// a path, not a pre-built RouteBuilder). Produces the same bucket route
// a RouteBuilder walking the same segments would, except for the two
// special cases below: interaction callbacks collapse to
// /interactions/:id/:token/callback, and a DELETE of a message older
// than 14 days gets an "/old-message" suffix.
func deriveRouteKey(method, path string) routeKey {
	method = strings.ToUpper(method)

	if reInteractionCallback.MatchString(path) {
		return routeKey{method: method, path: path, bucketRoute: "/interactions/:id/:token/callback"}
	}

	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	b := NewRoute()
	for _, s := range segs {
		b = b.Segment(s)
	}
	key := b.Build(method)
	key.path = path

	if method == "DELETE" {
		if m := reOldMessageDelete.FindStringSubmatch(path); m != nil {
			if id, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				if time.Since(Snowflake(id).Timestamp()) > oldMessageCutoff {
					key.bucketRoute += "/old-message"
				}
			}
		}
	}

	return key
}
