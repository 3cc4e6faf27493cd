/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/sqlu/relay/optional"
)

const (
	gatewayVersion = "10"
	gatewayURL     = "wss://gateway.discord.gg/?v=" + gatewayVersion + "&encoding=json"
	gatewayURLZlib = "wss://gateway.discord.gg/?v=" + gatewayVersion + "&encoding=json&compress=zlib-stream"

	maxOutboundFrameSize = 15 * 1024
	helloTimeout         = 20 * time.Second
)

// ShardState names the shard lifecycle's reachable states, per
// spec.md §4.3.1.
type ShardState int

const (
	ShardIdle ShardState = iota
	ShardConnecting
	ShardNearly
	ShardIdentifying
	ShardResuming
	ShardWaitingForGuilds
	ShardReady
	ShardReconnecting
	ShardDisconnected
)

func (s ShardState) String() string {
	switch s {
	case ShardIdle:
		return "Idle"
	case ShardConnecting:
		return "Connecting"
	case ShardNearly:
		return "Nearly"
	case ShardIdentifying:
		return "Identifying"
	case ShardResuming:
		return "Resuming"
	case ShardWaitingForGuilds:
		return "WaitingForGuilds"
	case ShardReady:
		return "Ready"
	case ShardReconnecting:
		return "Reconnecting"
	case ShardDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// ShardsIdentifyRateLimiter controls how frequently a shard manager may
// send Identify payloads, since Discord allows only one concurrent
// identify per max_concurrency bucket.
//
// Grounded verbatim on the teacher's interface of the same name
// (shard.go); its DefaultShardsRateLimiter implementation is unchanged
// in mechanism, only relocated to shardmanager.go.
type ShardsIdentifyRateLimiter interface {
	Wait(ctx context.Context) error
}

// Shard manages a single WebSocket connection to the Discord Gateway:
// its session, sequence number, heartbeat protocol, and reconnect
// logic, per spec.md §4.3.
//
// Grounded on the teacher's Shard (shard.go), generalized from a
// single linear connect/readLoop/reconnect flow into an explicit state
// machine (ShardState) so every transition spec.md §4.3.1's table
// names is a distinct, testable method, and from a single identify
// token-bucket gate into the shared sendScheduler for every outbound
// frame, not just Identify.
type Shard struct {
	shardID     int
	totalShards int
	token       string
	intents     GatewayIntent

	logger           Logger
	disp             *dispatcher
	identifyLimiter  ShardsIdentifyRateLimiter
	useCompression   bool
	useQosHeartbeat  bool
	properties       identifyProperties
	waitGuildTimeout time.Duration

	mu        sync.Mutex
	state     ShardState
	conn      net.Conn
	scheduler *sendScheduler

	seq       int64 // -1 sentinel = none
	closeSeq  int64
	sessionID string
	resumeURL string

	expectedGuilds map[Snowflake]struct{}

	heartbeatInterval time.Duration
	heartbeatAcked    bool
	lastPingSentAt    time.Time
	pingMs            int64

	generation int // bumped on every (re)connect, to discard stale timers/goroutines

	helloTimer *time.Timer
	readyTimer *time.Timer

	connectedAt time.Time
	destroyed   bool
}

func newShard(shardID, totalShards int, token string, intents GatewayIntent, useCompression, useQosHeartbeat bool, props identifyProperties, waitGuildTimeout time.Duration, logger Logger, disp *dispatcher, limiter ShardsIdentifyRateLimiter) *Shard {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Shard{
		shardID:          shardID,
		totalShards:      totalShards,
		token:            token,
		intents:          intents,
		useCompression:   useCompression,
		useQosHeartbeat:  useQosHeartbeat,
		properties:       props,
		waitGuildTimeout: waitGuildTimeout,
		logger:           logger.WithField("shard_id", shardID),
		disp:             disp,
		identifyLimiter:  limiter,
		state:            ShardIdle,
		seq:              -1,
		closeSeq:         -1,
	}
	s.scheduler = newSendScheduler(DefaultSchedulerConfig(), s.writeFrame, s.logger)
	return s
}

func (s *Shard) setState(next ShardState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.debugf("state %s -> %s", prev, next)
	}
}

func (s *Shard) State() ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Shard) debugf(format string, args ...any) {
	if s.disp != nil {
		s.disp.emitDebug(s.shardID, fmt.Sprintf(format, args...))
	}
}

// Latency returns the most recently measured heartbeat round-trip in
// milliseconds.
func (s *Shard) Latency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingMs
}

/*****************************
 *          connect
 *****************************/

// connect opens the socket (Idle/Disconnected -> Connecting), arms the
// hello timeout, and starts the read loop. Per spec.md §4.3.1.
func (s *Shard) connect(ctx context.Context) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	resumeURL := s.resumeURL
	s.mu.Unlock()

	if s.State() == ShardReconnecting {
		s.debugf("reconnecting")
	} else {
		s.setState(ShardConnecting)
	}

	connURL := gatewayURL
	if s.useCompression {
		connURL = gatewayURLZlib
	}
	if resumeURL != "" {
		connURL = s.buildResumeURL(resumeURL)
	}

	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, connURL)
	if err != nil {
		s.disp.emitShardError(ShardErrorEvent{ShardID: s.shardID, Err: fmt.Errorf("dial gateway: %w", err)})
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connectedAt = time.Now()
	s.heartbeatAcked = true
	s.mu.Unlock()

	s.setState(ShardNearly)
	s.armHelloTimeout(gen)

	go s.readLoop(gen, conn)
	return nil
}

func (s *Shard) buildResumeURL(resumeURL string) string {
	parsed, err := url.Parse(resumeURL)
	if err != nil {
		return resumeURL
	}
	q := parsed.Query()
	if q.Get("v") == "" {
		q.Set("v", gatewayVersion)
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	if s.useCompression && q.Get("compress") == "" {
		q.Set("compress", "zlib-stream")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func (s *Shard) armHelloTimeout(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.helloTimer != nil {
		s.helloTimer.Stop()
	}
	s.helloTimer = time.AfterFunc(helloTimeout, func() {
		if s.generationStale(gen) {
			return
		}
		s.logger.Error("HELLO not received within timeout")
		s.destroyAndReconnect(gen, CloseCode(4009), "hello timeout")
	})
}

func (s *Shard) generationStale(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}

/*****************************
 *        inbound loop
 *****************************/

// gatewayReader bridges the WebSocket connection to a persistent zlib
// inflator. Grounded on the teacher's gatewayReader (shard.go): Read
// buffers binary frames until one ends with the 00 00 FF FF sync-flush
// marker (endsWithZlibFlush), then hands the accumulated bytes to the
// inflator, satisfying spec.md §4.3.5's accumulate-until-flush rule.
type gatewayReader struct {
	conn net.Conn
	buf  bytes.Buffer
}

func (gr *gatewayReader) Read(p []byte) (int, error) {
	if gr.buf.Len() > 0 {
		return gr.buf.Read(p)
	}
	for {
		msg, op, err := wsutil.ReadServerData(gr.conn)
		if err != nil {
			return 0, err
		}
		switch op {
		case ws.OpBinary:
			gr.buf.Write(msg)
			if endsWithZlibFlush(msg) {
				return gr.buf.Read(p)
			}
		case ws.OpClose:
			return 0, io.EOF
		case ws.OpPing:
			wsutil.WriteClientMessage(gr.conn, ws.OpPong, msg)
		case ws.OpPong, ws.OpText:
			// ignored on a compressed link
		}
	}
}

// endsWithZlibFlush reports whether chunk ends with the four-byte
// marker Discord appends on every Z_SYNC_FLUSH, the terminal-fragment
// signal of spec.md §4.3.5.
func endsWithZlibFlush(chunk []byte) bool {
	return len(chunk) >= 4 &&
		chunk[len(chunk)-4] == 0x00 && chunk[len(chunk)-3] == 0x00 &&
		chunk[len(chunk)-2] == 0xFF && chunk[len(chunk)-1] == 0xFF
}

func (s *Shard) readLoop(gen int, conn net.Conn) {
	var (
		decoder *json.Decoder
		zr      io.ReadCloser
		err     error
	)

	if s.useCompression {
		zr, err = zlib.NewReader(&gatewayReader{conn: conn})
		if err != nil {
			s.logger.WithField("error", err).Error("zlib handshake failed")
			s.destroyAndReconnect(gen, CloseCode(4009), "zlib handshake failed")
			return
		}
		defer zr.Close()
		decoder = json.NewDecoder(zr)
	}

	for {
		var payload gatewayPayload

		if s.useCompression {
			if err := decoder.Decode(&payload); err != nil {
				if !s.generationStale(gen) {
					s.logger.WithField("error", err).Debug("read loop ended")
					s.handleClose(gen, CloseCode(1006), "read error", false)
				}
				return
			}
		} else {
			msg, op, err := wsutil.ReadServerData(conn)
			if err != nil {
				if !s.generationStale(gen) {
					s.handleClose(gen, CloseCode(1006), "read error", false)
				}
				return
			}
			switch op {
			case ws.OpText:
				if err := json.Unmarshal(msg, &payload); err != nil {
					s.disp.emitShardError(ShardErrorEvent{ShardID: s.shardID, Err: fmt.Errorf("unmarshal payload: %w", err)})
					continue
				}
			case ws.OpClose:
				code, reason := parseCloseFrame(msg)
				s.handleClose(gen, code, reason, true)
				return
			default:
				continue
			}
		}

		s.handlePayload(gen, payload)
	}
}

func parseCloseFrame(msg []byte) (CloseCode, string) {
	if len(msg) < 2 {
		return CloseCode(1005), ""
	}
	code := int(msg[0])<<8 | int(msg[1])
	return CloseCode(code), string(msg[2:])
}

func (s *Shard) handlePayload(gen int, payload gatewayPayload) {
	if payload.S > 0 {
		s.mu.Lock()
		s.seq = payload.S
		s.closeSeq = payload.S
		s.mu.Unlock()
	}

	switch payload.Op {
	case gatewayOpcodeDispatch:
		s.handleDispatch(gen, payload)

	case gatewayOpcodeReconnect:
		s.debugf("RECONNECT opcode received")
		s.destroyAndReconnect(gen, CloseCode(4000), "server requested reconnect")

	case gatewayOpcodeInvalidSession:
		var resumable bool
		json.Unmarshal(payload.D, &resumable)
		s.handleInvalidSession(gen, resumable)

	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatInterval float64 `json:"heartbeat_interval"`
		}
		json.Unmarshal(payload.D, &hello)
		s.handleHello(gen, time.Duration(hello.HeartbeatInterval)*time.Millisecond)

	case gatewayOpcodeHeartbeatACK:
		s.handleHeartbeatACK()

	case gatewayOpcodeHeartbeat:
		s.sendHeartbeat(true)
	}

	if s.disp.hasRawSubscribers() && payload.Op == gatewayOpcodeDispatch {
		s.disp.emitRaw(s.shardID, payload.T, payload.D)
	}
}

/*****************************
 *   HELLO / heartbeat
 *****************************/

func (s *Shard) handleHello(gen int, interval time.Duration) {
	s.mu.Lock()
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
	s.heartbeatInterval = interval
	resuming := s.sessionID != "" && s.seq >= 0
	s.mu.Unlock()

	s.setState(ShardIdentifying)
	go s.heartbeatLoop(gen, interval)

	if resuming {
		s.setState(ShardResuming)
		s.sendResume()
	} else {
		s.sendIdentify()
	}
}

// heartbeatLoop drives the jittered-first, then-periodic heartbeat
// protocol and zombie detection of spec.md §4.3.2.
func (s *Shard) heartbeatLoop(gen int, interval time.Duration) {
	jitter := time.Duration(rand.Float64() * float64(interval))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		<-timer.C
		if s.generationStale(gen) {
			return
		}

		s.mu.Lock()
		acked := s.heartbeatAcked
		s.mu.Unlock()

		if !acked {
			s.logger.Error("zombie connection detected: heartbeat not acked")
			s.destroyAndReconnect(gen, CloseCode(4009), "zombie connection")
			return
		}

		s.sendHeartbeat(false)
		timer.Reset(interval)
	}
}

func (s *Shard) sendHeartbeat(forced bool) {
	s.mu.Lock()
	seq := s.seq
	if seq < 0 {
		seq = s.closeSeq
	}
	s.heartbeatAcked = false
	s.lastPingSentAt = time.Now()
	s.mu.Unlock()

	var d any = seq
	if s.useQosHeartbeat {
		d = map[string]any{
			"seq": seq,
			"qos": map[string]any{
				"ver":     1,
				"active":  true,
				"reasons": []string{},
			},
		}
	}
	payload, _ := encodeJSON(map[string]any{"op": gatewayOpcodeHeartbeat, "d": d})
	s.enqueueFrame(payload, true)
}

func (s *Shard) handleHeartbeatACK() {
	s.mu.Lock()
	s.heartbeatAcked = true
	sentAt := s.lastPingSentAt
	s.mu.Unlock()
	if !sentAt.IsZero() {
		rtt := time.Since(sentAt).Milliseconds()
		s.mu.Lock()
		s.pingMs = rtt
		s.mu.Unlock()
	}
}

/*****************************
 *     Identify / Resume
 *****************************/

func (s *Shard) sendIdentify() {
	if s.identifyLimiter != nil {
		if err := s.identifyLimiter.Wait(context.Background()); err != nil {
			s.disp.emitShardError(ShardErrorEvent{ShardID: s.shardID, Err: err})
			return
		}
	}
	payload, _ := encodeJSON(map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token,
			"properties": map[string]string{
				"os":      s.properties.OS,
				"browser": s.properties.Browser,
				"device":  s.properties.Device,
			},
			"shards":  [2]int{s.shardID, s.totalShards},
			"intents": s.intents,
		},
	})
	s.enqueueFrame(payload, true)
}

func (s *Shard) sendResume() {
	s.mu.Lock()
	sessionID := s.sessionID
	seq := s.seq
	s.mu.Unlock()

	payload, _ := encodeJSON(map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token,
			"session_id": sessionID,
			"seq":        seq,
		},
	})
	s.enqueueFrame(payload, true)
}

func (s *Shard) handleInvalidSession(gen int, resumable bool) {
	if resumable {
		s.logger.Info("session invalid (resumable)")
		s.setState(ShardResuming)
		s.disp.emitInvalidSession(InvalidSessionEvent{ShardID: s.shardID, Resumable: true})
		s.sendResume()
		return
	}

	s.logger.Info("session invalid (not resumable)")
	s.disp.emitInvalidSession(InvalidSessionEvent{ShardID: s.shardID, Resumable: false})
	s.mu.Lock()
	s.sessionID = ""
	s.seq = -1
	s.mu.Unlock()

	delay := time.Duration(1000+rand.IntN(4000)) * time.Millisecond
	time.Sleep(delay)
	if s.generationStale(gen) {
		return
	}
	s.setState(ShardIdentifying)
	s.sendIdentify()
}

// sendSubscriptionChunks plans and dispatches the GUILD_SUBSCRIPTIONS_BULK
// frames covering every guild in a READY payload, per §4.3.6's
// byte-size chunking rule (planSubscriptionChunks). Each frame is sent
// at normal priority; none of it is required for the connection to
// reach Ready.
func (s *Shard) sendSubscriptionChunks(guildIDs []Snowflake) {
	for _, chunk := range planSubscriptionChunks(guildIDs) {
		payload, err := encodeJSON(map[string]any{
			"op": gatewayOpcodeGuildSubscriptionBulk,
			"d": map[string]any{
				"subscriptions": serializeSubscriptionChunk(chunk),
			},
		})
		if err != nil {
			s.disp.emitShardError(ShardErrorEvent{ShardID: s.shardID, Err: err})
			continue
		}
		s.enqueueFrame(payload, false)
	}
}

/*****************************
 *   Dispatch / READY
 *****************************/

func (s *Shard) handleDispatch(gen int, payload gatewayPayload) {
	switch payload.T {
	case "READY":
		s.handleReady(gen, payload.D)
	case "RESUMED":
		s.setState(ShardReady)
		s.disp.emitResumed(ResumedEvent{ShardID: s.shardID})
	case "GUILD_CREATE":
		s.handleGuildCreate(payload.D)
	}
}

type readyPayload struct {
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Guilds           []unavailableGuild `json:"guilds"`
}

type unavailableGuild struct {
	ID Snowflake `json:"id"`
}

func (s *Shard) handleReady(gen int, data []byte) {
	var ready readyPayload
	json.Unmarshal(data, &ready)

	expected := make(map[Snowflake]struct{}, len(ready.Guilds))
	ids := make([]Snowflake, 0, len(ready.Guilds))
	for _, g := range ready.Guilds {
		expected[g.ID] = struct{}{}
		ids = append(ids, g.ID)
	}

	s.mu.Lock()
	s.sessionID = ready.SessionID
	s.resumeURL = ready.ResumeGatewayURL
	s.expectedGuilds = expected
	s.mu.Unlock()

	s.setState(ShardWaitingForGuilds)
	s.disp.emitReady(ReadyEvent{ShardID: s.shardID, SessionID: ready.SessionID, Guilds: ids})
	s.sendSubscriptionChunks(ids)

	if len(expected) == 0 {
		s.promoteReady(nil)
		return
	}

	waitFor := s.waitGuildTimeout
	if s.intents&GatewayIntentGuilds == 0 {
		waitFor = 0
	}
	s.armReadyTimeout(gen, waitFor)
}

func (s *Shard) armReadyTimeout(gen int, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	s.readyTimer = time.AfterFunc(wait, func() {
		if s.generationStale(gen) {
			return
		}
		s.mu.Lock()
		leftover := make([]Snowflake, 0, len(s.expectedGuilds))
		for id := range s.expectedGuilds {
			leftover = append(leftover, id)
		}
		s.expectedGuilds = nil
		s.mu.Unlock()
		s.promoteReady(leftover)
	})
}

func (s *Shard) handleGuildCreate(data []byte) {
	var g unavailableGuild
	json.Unmarshal(data, &g)

	s.mu.Lock()
	if s.expectedGuilds == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.expectedGuilds[g.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.expectedGuilds, g.ID)
	empty := len(s.expectedGuilds) == 0
	s.mu.Unlock()

	if empty {
		s.mu.Lock()
		if s.readyTimer != nil {
			s.readyTimer.Stop()
		}
		s.mu.Unlock()
		s.promoteReady(nil)
	}
}

func (s *Shard) promoteReady(leftover []Snowflake) {
	if s.State() == ShardReady {
		return
	}
	s.setState(ShardReady)

	event := AllReadyEvent{ShardID: s.shardID}
	if leftover != nil {
		event.ExpectedGuilds = optional.Some(leftover)
	} else {
		event.ExpectedGuilds = optional.None[[]Snowflake]()
	}
	s.disp.emitAllReady(event)
}

/*****************************
 *   Outbound / close / destroy
 *****************************/

// enqueueFrame refuses to dispatch any frame exceeding the outbound
// size cap, per spec.md §4.3.4, surfacing a SHARD_ERROR instead of
// silently dropping or truncating it.
func (s *Shard) enqueueFrame(payload []byte, important bool) {
	if len(payload) > maxOutboundFrameSize {
		s.disp.emitShardError(ShardErrorEvent{
			ShardID: s.shardID,
			Err:     fmt.Errorf("outbound frame of %d bytes exceeds %d byte cap", len(payload), maxOutboundFrameSize),
		})
		return
	}
	s.scheduler.enqueue(payload, important)
}

// Send queues an application-originated frame (e.g. PRESENCE_UPDATE,
// VOICE_STATE_UPDATE) through the shard's scheduler.
func (s *Shard) Send(payload []byte, important bool) {
	s.enqueueFrame(payload, important)
}

func (s *Shard) writeFrame(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("shard %d: no connection", s.shardID)
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, payload)
}

func (s *Shard) handleClose(gen int, code CloseCode, reason string, wasClean bool) {
	s.disp.emitClose(CloseEvent{ShardID: s.shardID, Code: code, Reason: reason, Clean: wasClean})
	s.destroyAndReconnect(gen, code, reason)
}

// destroyAndReconnect tears down the current connection and schedules
// a fresh connect, per spec.md §4.3.1's "any -> close/zombie ->
// Disconnected -> reconnect" transition.
func (s *Shard) destroyAndReconnect(gen int, code CloseCode, reason string) {
	if s.generationStale(gen) {
		return
	}
	s.teardown()
	s.setState(ShardDisconnected)
	s.debugf("disconnected (%d %s), reconnecting", code, reason)

	go s.reconnectWithBackoff()
}

func (s *Shard) teardown() {
	s.mu.Lock()
	if s.helloTimer != nil {
		s.helloTimer.Stop()
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.scheduler.clear()
	if conn != nil {
		conn.Close()
	}
}

func (s *Shard) reconnectWithBackoff() {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	s.setState(ShardReconnecting)
	for {
		s.mu.Lock()
		destroyed := s.destroyed
		s.mu.Unlock()
		if destroyed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		s.logger.WithField("error", err).WithField("backoff", backoff).Error("reconnect attempt failed")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Shutdown permanently tears down the shard; it will not reconnect.
func (s *Shard) Shutdown() {
	s.mu.Lock()
	s.destroyed = true
	s.generation++
	s.mu.Unlock()

	s.teardown()
	s.disp.emitDestroyed(DestroyedEvent{ShardID: s.shardID, Reason: "shutdown"})
}
