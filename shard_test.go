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
	"strings"
	"testing"
)

func TestShardState_String(t *testing.T) {
	cases := map[ShardState]string{
		ShardIdle:             "Idle",
		ShardConnecting:       "Connecting",
		ShardNearly:           "Nearly",
		ShardIdentifying:      "Identifying",
		ShardResuming:         "Resuming",
		ShardWaitingForGuilds: "WaitingForGuilds",
		ShardReady:            "Ready",
		ShardReconnecting:     "Reconnecting",
		ShardDisconnected:     "Disconnected",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q; want %q", state, got, want)
		}
	}
	if got := ShardState(99).String(); got != "Unknown" {
		t.Errorf("unknown state String() = %q; want Unknown", got)
	}
}

func TestEndsWithZlibFlush(t *testing.T) {
	flush := []byte{0x01, 0x02, 0x00, 0x00, 0xFF, 0xFF}
	if !endsWithZlibFlush(flush) {
		t.Error("expected chunk ending in 00 00 FF FF to be a terminal fragment")
	}
	notFlush := []byte{0x01, 0x02, 0x03, 0x04}
	if endsWithZlibFlush(notFlush) {
		t.Error("expected non-flush-terminated chunk to not be terminal")
	}
	if endsWithZlibFlush([]byte{0x00, 0xFF}) {
		t.Error("a too-short chunk can never be a terminal fragment")
	}
}

func TestParseCloseFrame(t *testing.T) {
	msg := append([]byte{0x0F, 0xA9}, []byte("session timed out")...) // 4009
	code, reason := parseCloseFrame(msg)
	if code != CloseCode(4009) {
		t.Errorf("code = %d; want 4009", code)
	}
	if reason != "session timed out" {
		t.Errorf("reason = %q; want %q", reason, "session timed out")
	}
}

func TestParseCloseFrame_TooShort(t *testing.T) {
	code, reason := parseCloseFrame([]byte{0x01})
	if code != CloseCode(1005) || reason != "" {
		t.Errorf("got (%d, %q); want (1005, \"\") for a truncated close frame", code, reason)
	}
}

func newTestShard(t *testing.T) *Shard {
	t.Helper()
	disp := newDispatcher(nil, HandlerExecutionSync)
	return newShard(0, 1, "test-token", GatewayIntentGuilds, false, false, defaultIdentifyProperties(), 0, nil, disp, nil)
}

func TestShard_EnqueueFrameRejectsOversizedPayload(t *testing.T) {
	s := newTestShard(t)

	var gotErr error
	s.disp.OnShardError(func(e ShardErrorEvent) { gotErr = e.Err })

	oversized := make([]byte, maxOutboundFrameSize+1)
	s.enqueueFrame(oversized, false)

	if gotErr == nil {
		t.Fatal("expected a ShardErrorEvent for an oversized outbound frame")
	}
	if !strings.Contains(gotErr.Error(), "exceeds") {
		t.Errorf("error = %v; want it to mention the size cap", gotErr)
	}
	if s.scheduler.Len() != 0 {
		t.Errorf("scheduler.Len() = %d; want 0, the oversized frame must never be queued", s.scheduler.Len())
	}
}

func TestShard_EnqueueFrameAcceptsWithinCap(t *testing.T) {
	s := newTestShard(t)

	var gotErr error
	s.disp.OnShardError(func(e ShardErrorEvent) { gotErr = e.Err })

	s.enqueueFrame([]byte(`{"op":1,"d":null}`), true)

	if gotErr != nil {
		t.Errorf("unexpected ShardErrorEvent for a within-cap frame: %v", gotErr)
	}
}

func TestShard_PromoteReadyEmitsLeftoverGuilds(t *testing.T) {
	s := newTestShard(t)

	var got AllReadyEvent
	var fired bool
	s.disp.OnAllReady(func(e AllReadyEvent) { got = e; fired = true })

	leftover := []Snowflake{1, 2, 3}
	s.promoteReady(leftover)

	if !fired {
		t.Fatal("expected AllReadyEvent to fire")
	}
	if !got.ExpectedGuilds.IsSome() {
		t.Fatal("expected ExpectedGuilds to be Some when guilds were left outstanding")
	}
	if len(got.ExpectedGuilds.Value()) != 3 {
		t.Errorf("ExpectedGuilds = %v; want 3 entries", got.ExpectedGuilds.Value())
	}
	if s.State() != ShardReady {
		t.Errorf("state = %s; want Ready", s.State())
	}
}

func TestShard_PromoteReadyNoneWhenComplete(t *testing.T) {
	s := newTestShard(t)

	var got AllReadyEvent
	s.disp.OnAllReady(func(e AllReadyEvent) { got = e })

	s.promoteReady(nil)

	if got.ExpectedGuilds.IsSome() {
		t.Error("expected ExpectedGuilds to be None when every guild arrived")
	}
}

func TestShard_PromoteReadyIdempotent(t *testing.T) {
	s := newTestShard(t)

	fireCount := 0
	s.disp.OnAllReady(func(e AllReadyEvent) { fireCount++ })

	s.promoteReady(nil)
	s.promoteReady(nil)

	if fireCount != 1 {
		t.Errorf("AllReadyEvent fired %d times; want 1 (promotion past Ready must be a no-op)", fireCount)
	}
}

func TestShard_HandleReadySendsSubscriptionChunks(t *testing.T) {
	s := newTestShard(t)

	var dispatched [][]byte
	s.scheduler = newSendScheduler(DefaultSchedulerConfig(), func(payload []byte) error {
		dispatched = append(dispatched, payload)
		return nil
	}, s.logger)

	payload := []byte(`{"session_id":"abc","resume_gateway_url":"wss://example.com","guilds":[{"id":"1"},{"id":"2"},{"id":"3"}]}`)
	s.handleReady(s.generation, payload)

	if len(dispatched) != 1 {
		t.Fatalf("dispatched frames = %d; want 1 subscription-chunk frame for 3 guilds", len(dispatched))
	}
	var frame struct {
		Op int `json:"op"`
		D  struct {
			Subscriptions map[string]json.RawMessage `json:"subscriptions"`
		} `json:"d"`
	}
	if err := json.Unmarshal(dispatched[0], &frame); err != nil {
		t.Fatalf("unmarshal dispatched frame: %v", err)
	}
	if frame.Op != int(gatewayOpcodeGuildSubscriptionBulk) {
		t.Errorf("op = %d; want %d", frame.Op, gatewayOpcodeGuildSubscriptionBulk)
	}
	if len(frame.D.Subscriptions) != 3 {
		t.Errorf("subscriptions = %d; want one entry per READY guild", len(frame.D.Subscriptions))
	}
}

func TestShard_HandleReadyNoGuildsSendsNoChunks(t *testing.T) {
	s := newTestShard(t)

	var dispatched [][]byte
	s.scheduler = newSendScheduler(DefaultSchedulerConfig(), func(payload []byte) error {
		dispatched = append(dispatched, payload)
		return nil
	}, s.logger)

	payload := []byte(`{"session_id":"abc","resume_gateway_url":"wss://example.com","guilds":[]}`)
	s.handleReady(s.generation, payload)

	if len(dispatched) != 0 {
		t.Fatalf("dispatched frames = %d; want 0, nothing to subscribe to", len(dispatched))
	}
}

func TestShard_HandleGuildCreateTracksOutstanding(t *testing.T) {
	s := newTestShard(t)
	s.expectedGuilds = map[Snowflake]struct{}{1: {}, 2: {}}

	var fired bool
	s.disp.OnAllReady(func(e AllReadyEvent) { fired = true })

	s.handleGuildCreate([]byte(`{"id":"1"}`))
	if fired {
		t.Fatal("AllReadyEvent must not fire while guilds remain outstanding")
	}

	s.handleGuildCreate([]byte(`{"id":"2"}`))
	if !fired {
		t.Fatal("expected AllReadyEvent once the last outstanding guild arrives")
	}
}

func TestShard_HandleGuildCreateIgnoresUnexpectedGuild(t *testing.T) {
	s := newTestShard(t)
	s.expectedGuilds = map[Snowflake]struct{}{1: {}}

	s.handleGuildCreate([]byte(`{"id":"999"}`))

	if len(s.expectedGuilds) != 1 {
		t.Errorf("expectedGuilds = %v; an unrelated guild create must not mutate the outstanding set", s.expectedGuilds)
	}
}

func TestShard_HandleHeartbeatACKComputesLatency(t *testing.T) {
	s := newTestShard(t)
	s.sendHeartbeat(false)
	s.handleHeartbeatACK()

	if !s.heartbeatAcked {
		t.Error("expected heartbeatAcked to be true after an ACK")
	}
	if s.Latency() < 0 {
		t.Errorf("Latency() = %d; want >= 0", s.Latency())
	}
}
