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
	"log"
	"os"
	"runtime"
	"strings"
	"time"
)

/*****************************
 *          Client
 *****************************/

// Client is the single entry point a program holds onto: a Gateway
// connection substrate (one or more shards) plus a REST request
// substrate, wired to the same dispatcher, per spec.md §6's
// Connection and RestClient capabilities.
//
// Construct one with New() and its With* options, then call Start().
//
// Grounded on the teacher's Client (client.go), with the CacheManager
// and domain-model fields removed (out of scope — relay is a
// connection substrate, not a cache), *requester swapped for the new
// *restManager, and the dispatcher embedded directly rather than
// constructed with a now-removed CacheManager argument.
type Client struct {
	ctx context.Context

	Logger Logger

	token   string
	intents GatewayIntent

	useCompression bool

	identifyLimiter    ShardsIdentifyRateLimiter
	shardManager       *ShardManager
	shardManagerConfig ShardManagerConfig

	rest          *restManager
	requesterCfg  RequesterConfig
	requesterOpen bool

	*dispatcher
	handlerExecutionMode HandlerExecutionMode
}

type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for the client. The "Bot " prefix, if
// present, is stripped automatically.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	if strings.HasPrefix(token, "Bot ") {
		token = strings.TrimPrefix(token, "Bot ")
	}
	return func(c *Client) {
		c.token = token
		c.requesterCfg.Token = token
	}
}

// WithLogger sets a custom Logger implementation for the client.
func WithLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithRequesterConfig sets the REST pipeline's configuration: HTTP
// client, proxy, timeouts, retry/backoff tuning, captcha solver, and
// TOTP secret. See RequesterConfig.
func WithRequesterConfig(config RequesterConfig) clientOption {
	return func(c *Client) {
		if config.Token == "" {
			config.Token = c.token
		}
		c.requesterCfg = config
	}
}

// WithShardCount forces a specific shard count instead of Discord's
// recommendation.
//
// Deprecated: use WithShardManagerConfig for full control.
func WithShardCount(count int) clientOption {
	return func(c *Client) {
		c.shardManagerConfig.TotalShards = count
	}
}

// WithShardManagerConfig sets the shard manager's configuration,
// supporting both sharding (every shard in one process) and
// clustering (a specific ShardIDs subset per process).
func WithShardManagerConfig(config ShardManagerConfig) clientOption {
	return func(c *Client) {
		c.shardManagerConfig = config
	}
}

// WithShardsIdentifyRateLimiter installs a custom identify rate
// limiter, overriding the default token bucket sized to Discord's
// reported max_concurrency.
func WithShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) clientOption {
	if rateLimiter == nil {
		log.Fatal("WithShardsIdentifyRateLimiter: rateLimiter must not be nil")
	}
	return func(c *Client) {
		c.identifyLimiter = rateLimiter
	}
}

// WithIntents ORs together the given Gateway intents for every shard.
func WithIntents(intents ...GatewayIntent) clientOption {
	var total GatewayIntent
	for _, intent := range intents {
		total |= intent
	}
	return func(c *Client) {
		c.intents = total
	}
}

// WithHandlerExecutionMode controls whether event handlers run
// sequentially (default) or asynchronously on a bounded worker pool.
func WithHandlerExecutionMode(mode HandlerExecutionMode) clientOption {
	return func(c *Client) {
		c.handlerExecutionMode = mode
	}
}

// WithCompression toggles zlib-stream Gateway compression. Enabled by
// default.
func WithCompression(enabled bool) clientOption {
	return func(c *Client) {
		c.useCompression = enabled
	}
}

// WithIdentifyProperties overrides the "properties" object sent in
// every shard's Identify payload.
func WithIdentifyProperties(props identifyProperties) clientOption {
	return func(c *Client) {
		c.shardManagerConfig.Identify = props
		c.requesterCfg.Identify = props
	}
}

// WithQosHeartbeat switches every shard's heartbeat payload to the
// undocumented QoS shape. Off by default.
func WithQosHeartbeat(enabled bool) clientOption {
	return func(c *Client) {
		c.shardManagerConfig.UseQosHeartbeat = enabled
	}
}

// WithWaitGuildTimeout bounds how long a shard waits for outstanding
// GUILD_CREATE events after READY before promoting to Ready and
// emitting AllReadyEvent with whatever guild ids remain outstanding,
// per spec.md §4.3.7.
func WithWaitGuildTimeout(d time.Duration) clientOption {
	return func(c *Client) {
		c.shardManagerConfig.WaitGuildTimeout = d
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a Client from the given options.
//
// Example:
//
//	c, err := relay.New(ctx,
//	    relay.WithToken(token),
//	    relay.WithIntents(relay.GatewayIntentGuilds, relay.GatewayIntentGuildMessages),
//	    relay.WithLogger(relay.NewDefaultLogger(os.Stdout, relay.LogLevelInfo)),
//	)
func New(ctx context.Context, options ...clientOption) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:    ctx,
		Logger: NewDefaultLogger(os.Stdout, LogLevelInfo),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
		useCompression: true,
	}

	for _, option := range options {
		option(client)
	}

	if client.requesterCfg.Token == "" {
		client.requesterCfg.Token = client.token
	}

	client.dispatcher = newDispatcher(client.Logger, client.handlerExecutionMode)

	rest, err := newRestManager(client.requesterCfg, client.Logger, client.dispatcher)
	if err != nil {
		return nil, err
	}
	client.rest = rest
	client.requesterOpen = true

	return client, nil
}

/*****************************
 *       Start / Shutdown
 *****************************/

// Start fetches Gateway connection info, builds the shard manager, and
// connects every configured shard. It blocks until ctx (passed to New)
// is done, then shuts the client down.
//
// Pass context.Background() (or nil to New) to run until Shutdown is
// called externally.
func (c *Client) Start() error {
	gatewayBot, err := c.rest.fetchGatewayBot(c.ctx)
	if err != nil {
		return err
	}

	if c.identifyLimiter == nil {
		c.identifyLimiter = NewDefaultShardsRateLimiter(gatewayBot.SessionStartLimit.MaxConcurrency, 5*time.Second)
	}

	if c.shardManagerConfig.Identify.OS == "" {
		c.shardManagerConfig.Identify.OS = runtime.GOOS
	}
	if c.shardManagerConfig.Identify.Browser == "" {
		c.shardManagerConfig.Identify.Browser = "relay"
	}
	if c.shardManagerConfig.Identify.Device == "" {
		c.shardManagerConfig.Identify.Device = "relay"
	}

	totalShards := gatewayBot.Shards
	if c.shardManagerConfig.TotalShards > 0 {
		totalShards = c.shardManagerConfig.TotalShards
	}

	c.shardManager = NewShardManager(
		c.shardManagerConfig,
		c.token,
		c.intents,
		c.useCompression,
		c.Logger,
		c.dispatcher,
		c.identifyLimiter,
	)

	if err := c.shardManager.Start(c.ctx, totalShards); err != nil {
		return err
	}

	<-c.ctx.Done()
	if err := c.ctx.Err(); err != nil {
		c.Logger.WithField("error", err).Error("client shutting down due to context error")
	}
	c.Shutdown()
	return nil
}

// Request issues a raw REST call through the client's rate-limit-aware
// request pipeline, returning the raw response body bytes; response
// headers are not returned.
// Higher-level endpoint helpers build on this.
func (c *Client) Request(ctx context.Context, method, path string, body any, opts requestOptions) ([]byte, error) {
	data, _, err := c.rest.request(ctx, method, path, body, opts)
	return data, err
}

// Shutdown tears down the REST pipeline and every managed shard.
func (c *Client) Shutdown() {
	c.Logger.Info("client shutting down")
	if c.requesterOpen {
		c.rest.close()
		c.requesterOpen = false
	}
	if c.shardManager != nil {
		c.shardManager.Shutdown()
		c.shardManager = nil
	}
	if c.dispatcher != nil {
		c.dispatcher.close()
	}
}
