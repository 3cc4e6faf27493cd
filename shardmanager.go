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
	"time"
)

// DefaultShardsRateLimiter implements ShardsIdentifyRateLimiter with a
// token bucket backed by a buffered channel, refilled on a ticker.
//
// Grounded verbatim on the teacher's DefaultShardsRateLimiter
// (shard.go), with Wait made context-aware instead of an unconditional
// blocking receive, so a shutting-down ShardManager can cancel a shard
// still waiting on its identify turn.
type DefaultShardsRateLimiter struct {
	tokens chan struct{}
}

var _ ShardsIdentifyRateLimiter = (*DefaultShardsRateLimiter)(nil)

// NewDefaultShardsRateLimiter creates a rate limiter allowing r
// concurrent identifies, refilling one token every interval — matching
// Discord's max_concurrency contract (one identify per bucket every
// ~5 seconds).
func NewDefaultShardsRateLimiter(r int, interval time.Duration) *DefaultShardsRateLimiter {
	if r < 1 {
		r = 1
	}
	rl := &DefaultShardsRateLimiter{tokens: make(chan struct{}, r)}
	for range r {
		rl.tokens <- struct{}{}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return rl
}

// Wait blocks until an identify token is available or ctx is done.
func (rl *DefaultShardsRateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShardManagerConfig configures how a Client distributes shards.
//
// For sharding (multiple shards in one process), leave ShardIDs empty
// to manage every shard [0, TotalShards). For clustering, set ShardIDs
// to the subset this process owns.
type ShardManagerConfig struct {
	TotalShards int
	ShardIDs    []int
	Identify    identifyProperties

	// WaitGuildTimeout bounds how long a shard waits for outstanding
	// GUILD_CREATE events after READY before promoting to Ready anyway
	// and emitting AllReadyEvent with the leftover set, per spec.md
	// §4.3.7. Zero means promote immediately.
	WaitGuildTimeout time.Duration

	// UseQosHeartbeat switches every managed shard's heartbeat payload
	// to the QoS shape ({seq, qos:{ver,active,reasons}}); off by default
	// since whether the Gateway negotiates it is undocumented.
	UseQosHeartbeat bool
}

// ShardManager owns the lifecycle of every Gateway shard a Client
// manages: creation, connection, and shutdown.
//
// Grounded on the teacher's ShardManager (shard.go), relocated to its
// own file and generalized to pass the shard-level waitGuildTimeout
// and the new scheduler-backed Shard constructor signature through to
// newShard.
type ShardManager struct {
	config          ShardManagerConfig
	shards          []*Shard
	token           string
	intents         GatewayIntent
	useCompression  bool
	logger          Logger
	dispatcher      *dispatcher
	identifyLimiter ShardsIdentifyRateLimiter
}

func NewShardManager(
	config ShardManagerConfig,
	token string,
	intents GatewayIntent,
	useCompression bool,
	logger Logger,
	dispatcher *dispatcher,
	identifyLimiter ShardsIdentifyRateLimiter,
) *ShardManager {
	if logger == nil {
		logger = noopLogger{}
	}
	if identifyLimiter == nil {
		identifyLimiter = NewDefaultShardsRateLimiter(1, 5*time.Second)
	}
	return &ShardManager{
		config:          config,
		token:           token,
		intents:         intents,
		useCompression:  useCompression,
		logger:          logger,
		dispatcher:      dispatcher,
		identifyLimiter: identifyLimiter,
	}
}

// Start connects every shard this manager owns. If config.ShardIDs is
// non-empty, only those ids are started (clustering); otherwise every
// shard in [0, totalShards) is (sharding).
func (sm *ShardManager) Start(ctx context.Context, totalShards int) error {
	shardIDs := sm.config.ShardIDs
	if len(shardIDs) == 0 {
		shardIDs = make([]int, totalShards)
		for i := range totalShards {
			shardIDs[i] = i
		}
	}

	sm.logger.WithFields(map[string]any{
		"total_shards":   totalShards,
		"managed_shards": shardIDs,
	}).Info("starting shard manager")

	for _, shardID := range shardIDs {
		shard := newShard(
			shardID, totalShards, sm.token, sm.intents, sm.useCompression, sm.config.UseQosHeartbeat,
			sm.config.Identify, sm.config.WaitGuildTimeout,
			sm.logger, sm.dispatcher, sm.identifyLimiter,
		)
		if err := shard.connect(ctx); err != nil {
			return err
		}
		sm.shards = append(sm.shards, shard)
	}

	return nil
}

// Shutdown tears down every managed shard; none will reconnect.
func (sm *ShardManager) Shutdown() {
	sm.logger.Info("shard manager shutting down")
	for _, shard := range sm.shards {
		shard.Shutdown()
	}
	sm.shards = nil
}

// Shards returns the shards this manager currently owns.
func (sm *ShardManager) Shards() []*Shard {
	return sm.shards
}

// ShardCount reports how many shards this manager currently owns.
func (sm *ShardManager) ShardCount() int {
	return len(sm.shards)
}
