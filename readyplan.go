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
	"fmt"
	"sort"
	"strings"
)

// subscriptionByteCap is the hard per-frame serialized-JSON size limit
// a GUILD_SUBSCRIPTIONS_BULK-style frame must respect, per spec.md
// §4.3.6. The source repository carries two READY-subscription
// builders, one chunking at a fixed 80-guild count and one at this
// byte size; the byte-size rule is the one implemented here.
const subscriptionByteCap = 14 * 1024

// subscriptionEntryTemplate is the fixed per-guild subscription value:
// typing/threads/activities/member_updates enabled, empty thread and
// member lists, an empty channels object.
const subscriptionEntryTemplate = `{"typing":true,"threads":true,"activities":true,"member_updates":true,"thread_lists":[],"member_lists":[],"channels":{}}`

// planSubscriptionChunks greedily packs guildIDs, in input order, into
// JSON object frames such that each frame's serialized form never exceeds
// subscriptionByteCap, except when one guild id alone already exceeds
// the cap (the pathological single-entry case spec.md §4.3.6 calls
// out), in which case it is flushed alone rather than dropped or
// merged.
//
// Grounded on the byte-size variant of the teacher's subscription
// builder design note (no direct teacher implementation survives in
// the retained source; this restates spec.md §4.3.6's algorithm
// directly since it is the authoritative byte-size rule).
func planSubscriptionChunks(guildIDs []Snowflake) []map[Snowflake]struct{} {
	var chunks []map[Snowflake]struct{}

	const braces = 2 // leading '{' + trailing '}' of the JSON object

	current := make(map[Snowflake]struct{})
	currentSize := braces

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, current)
		current = make(map[Snowflake]struct{})
		currentSize = braces
	}

	for _, id := range guildIDs {
		entryCost := entrySize(id, len(current) > 0)

		if currentSize+entryCost > subscriptionByteCap && len(current) >= 1 {
			flush()
			entryCost = entrySize(id, false)
		}

		current[id] = struct{}{}
		currentSize += entryCost

		if len(current) == 1 && currentSize > subscriptionByteCap {
			flush()
		}
	}
	flush()

	return chunks
}

// serializeSubscriptionChunk renders a chunk exactly as entrySize
// accounts for it: a quoted guild id, a colon, the fixed subscription
// template, comma-separated, wrapped in one JSON object. Ids are
// sorted only for deterministic output; Discord does not require any
// particular key order.
func serializeSubscriptionChunk(chunk map[Snowflake]struct{}) json.RawMessage {
	ids := make([]Snowflake, 0, len(chunk))
	for id := range chunk {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%s", id.String(), subscriptionEntryTemplate)
	}
	b.WriteByte('}')
	return json.RawMessage(b.String())
}

// entrySize is the marginal byte cost of adding one guild id's entry:
// a quoted key, a colon, the fixed subscription value, and a leading
// comma for every entry after the first in its chunk.
func entrySize(id Snowflake, needsComma bool) int {
	size := len(fmt.Sprintf("%q", id.String())) + 1 /* ':' */ + len(subscriptionEntryTemplate)
	if needsComma {
		size++
	}
	return size
}
