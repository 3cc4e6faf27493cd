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
	"testing"
)

func unionOf(chunks []map[Snowflake]struct{}) map[Snowflake]struct{} {
	out := make(map[Snowflake]struct{})
	for _, c := range chunks {
		for id := range c {
			out[id] = struct{}{}
		}
	}
	return out
}

func TestPlanSubscriptionChunks_SmallInputSingleChunk(t *testing.T) {
	ids := []Snowflake{1, 2, 3}
	chunks := planSubscriptionChunks(ids)
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d; want 1", len(chunks))
	}
	if len(chunks[0]) != 3 {
		t.Fatalf("chunk size = %d; want 3", len(chunks[0]))
	}
}

func TestPlanSubscriptionChunks_NoFrameExceedsCapAndUnionIsComplete(t *testing.T) {
	// 200 eighteen-digit-ish guild ids, matching spec.md's literal
	// "200 guild ids of 18 ASCII chars each" scenario.
	ids := make([]Snowflake, 200)
	for i := range ids {
		ids[i] = Snowflake(100000000000000000 + uint64(i))
	}

	chunks := planSubscriptionChunks(ids)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d; want >= 2 for 200 entries", len(chunks))
	}

	for i, c := range chunks {
		size := 2 // braces
		first := true
		for id := range c {
			size += entrySize(id, !first)
			first = false
		}
		if size > subscriptionByteCap {
			t.Fatalf("chunk %d serializes to %d bytes; want <= %d", i, size, subscriptionByteCap)
		}
		if len(c) == 0 {
			t.Fatalf("chunk %d is empty", i)
		}
	}

	got := unionOf(chunks)
	if len(got) != len(ids) {
		t.Fatalf("union has %d ids; want %d", len(got), len(ids))
	}
	for _, id := range ids {
		if _, ok := got[id]; !ok {
			t.Fatalf("id %d missing from union", id)
		}
	}
}

func TestPlanSubscriptionChunks_EmptyInput(t *testing.T) {
	if chunks := planSubscriptionChunks(nil); len(chunks) != 0 {
		t.Fatalf("len(chunks) = %d; want 0 for empty input", len(chunks))
	}
}

func TestPlanSubscriptionChunks_SingleEntrySingleChunk(t *testing.T) {
	// A Snowflake renders to at most 20 digits, so no single entry can
	// exceed the cap and the flush-alone branch is not reachable here;
	// this checks that a lone id still yields exactly one non-empty
	// chunk containing exactly that entry.
	hugeID := Snowflake(123456789012345678)
	chunks := planSubscriptionChunks([]Snowflake{hugeID})
	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("chunks = %v; want exactly one chunk with one entry", chunks)
	}
	if _, ok := chunks[0][hugeID]; !ok {
		t.Fatal("expected chunk to contain the single id")
	}
}

func TestEntrySize_CommaAccountedForAfterFirst(t *testing.T) {
	id := Snowflake(111111111111111111)
	withoutComma := entrySize(id, false)
	withComma := entrySize(id, true)
	if withComma != withoutComma+1 {
		t.Fatalf("withComma-withoutComma = %d; want 1", withComma-withoutComma)
	}
}

func TestPlanSubscriptionChunks_DeterministicEntrySize(t *testing.T) {
	id := Snowflake(999999999999999999)
	want := len(fmt.Sprintf("%q", id.String())) + 1 + len(subscriptionEntryTemplate)
	if got := entrySize(id, false); got != want {
		t.Fatalf("entrySize = %d; want %d", got, want)
	}
}
