/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"encoding/json"
	"time"

	"github.com/sqlu/relay/optional"
)

// ReadyEvent fires once a shard's session is established and its
// session_id/resume_url/expected guild set have been recorded.
type ReadyEvent struct {
	ShardID   int
	SessionID string
	Guilds    []Snowflake
}

// ResumedEvent fires when a shard successfully resumes a prior
// session instead of starting a fresh one.
type ResumedEvent struct {
	ShardID int
}

// AllReadyEvent fires once every guild named in a READY payload has
// sent its GUILD_CREATE, or the wait-for-guilds timeout elapsed first.
// ExpectedGuilds carries whatever ids were still outstanding when the
// timeout fired; it is None when every guild arrived.
type AllReadyEvent struct {
	ShardID        int
	ExpectedGuilds optional.Option[[]Snowflake]
}

// InvalidSessionEvent fires when the Gateway rejects resumption and
// the shard must identify fresh.
type InvalidSessionEvent struct {
	ShardID   int
	Resumable bool
}

// CloseEvent fires whenever the underlying socket closes, whether
// initiated by the server or by relay itself.
type CloseEvent struct {
	ShardID int
	Code    CloseCode
	Reason  string
	Clean   bool
}

// DestroyedEvent fires once a shard has been permanently torn down
// and will not reconnect.
type DestroyedEvent struct {
	ShardID int
	Reason  string
}

// ShardErrorEvent surfaces a non-fatal failure encountered by a shard
// (a decode error, a transient dial failure) that did not itself close
// the connection.
type ShardErrorEvent struct {
	ShardID int
	Err     error
}

// DebugEvent is a low-volume diagnostic narration of shard lifecycle
// steps, useful for tracing connection issues without enabling full
// Debug-level logging.
type DebugEvent struct {
	ShardID int
	Message string
}

// RawEvent carries every Gateway DISPATCH payload verbatim, for
// callers that want to decode events relay has no typed model for.
type RawEvent struct {
	ShardID int
	Name    string
	Data    json.RawMessage
}

// RateLimitEvent fires whenever the REST pipeline waits on a
// rate-limit bucket or the shared global cooldown.
type RateLimitEvent struct {
	Route   string
	Global  bool
	Timeout time.Duration
}

// InvalidRequestWarningEvent fires every invalidRequestWarnInterval-th
// invalid request, carrying the rolling count and how long remains
// before the window resets.
type InvalidRequestWarningEvent struct {
	Count         int
	RemainingTime time.Duration
}

// APIRequestEvent fires immediately before a REST request is sent.
type APIRequestEvent struct {
	Method string
	Path   string
}

// APIResponseEvent fires once a REST request completes, successfully
// or not.
type APIResponseEvent struct {
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	Err        error
}
