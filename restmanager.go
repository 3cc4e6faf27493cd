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
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"
)

const (
	apiVersion = "v10"
	baseAPIURL = "https://discord.com/api/" + apiVersion
)

// RequesterConfig configures the REST manager's HTTP behavior, the
// restGlobalRateLimit/restRequestTimeout/restTimeOffset/
// restSweepInterval/retryLimit/invalidRequestWarningInterval/
// captchaRetryLimit/captchaSolver/TOTPKey/rejectOnRateLimit
// configuration keys named in spec.md §6, flattened onto the teacher's
// RequesterConfig (requester.go) shape.
type RequesterConfig struct {
	Token      string
	HTTPClient *http.Client
	ProxyURL   string

	RequestTimeout             time.Duration
	TimeOffset                 time.Duration
	SweepInterval              time.Duration
	RetryLimit                 int
	InvalidRequestWarnInterval int
	CaptchaRetryLimit          int
	CaptchaSolver              captchaSolver
	TOTPKey                    string
	RejectOnRateLimit          bool
	Identify                   identifyProperties

	// GlobalRateLimit is the restGlobalRateLimit configuration key: the
	// bot-wide request budget per rolling 1-second window the
	// coordinator enforces proactively (spec.md §4.4 step 1/§4.5 step
	// 2), bypassed for webhook calls. Discord's documented default for
	// bot tokens is 50.
	GlobalRateLimit int
}

func (c RequesterConfig) withDefaults() RequesterConfig {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 3
	}
	if c.InvalidRequestWarnInterval == 0 {
		c.InvalidRequestWarnInterval = 1
	}
	if c.CaptchaRetryLimit == 0 {
		c.CaptchaRetryLimit = 1
	}
	if c.GlobalRateLimit == 0 {
		c.GlobalRateLimit = 50
	}
	if c.Identify.OS == "" {
		c.Identify = defaultIdentifyProperties()
	}
	return c
}

// restManager owns every requestHandler, one per route key (method +
// bucket route), and sweeps idle handlers on a timer. Handlers are not
// rebound when a bucket hash is discovered; the rate-limit coordinator
// records the hash, so routes sharing it share one bucket's counters
// while each keeps its own handler and queue.
//
// Grounded on the teacher's defaultWorkerPool idle-timeout ticker
// (workerpool.go), adapted here from pooling goroutines for dispatched
// event handlers to pooling per-bucket request handlers.
type restManager struct {
	mu       sync.Mutex
	handlers map[string]*requestHandler // keyed by routeKey.handlerKey()

	client  *http.Client
	builder *requestBuilder
	coord   *rateLimitCoordinator
	invalid *invalidRequestCounter
	logger  Logger
	disp    *dispatcher
	cfg     RequesterConfig

	sweepStop chan struct{}
}

func newRestManager(cfg RequesterConfig, logger Logger, disp *dispatcher) (*restManager, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = noopLogger{}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		proxy := http.ProxyFromEnvironment
		if cfg.ProxyURL != "" {
			u, err := url.Parse(cfg.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			proxy = http.ProxyURL(u)
		}
		transport := &http.Transport{
			Proxy:                 proxy,
			MaxIdleConns:          500,
			MaxIdleConnsPerHost:   100,
			MaxConnsPerHost:       200,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		}
		httpClient = &http.Client{Timeout: cfg.RequestTimeout, Jar: jar, Transport: transport}
	}

	builder, err := newRequestBuilder(baseAPIURL, cfg.Token, "DiscordBot (relay, v10)", cfg.Identify)
	if err != nil {
		return nil, err
	}

	rm := &restManager{
		handlers:  make(map[string]*requestHandler),
		client:    httpClient,
		builder:   builder,
		coord:     newRateLimitCoordinator(cfg.TimeOffset, cfg.GlobalRateLimit),
		invalid:   newInvalidRequestCounter(),
		logger:    logger,
		disp:      disp,
		cfg:       cfg,
		sweepStop: make(chan struct{}),
	}
	go rm.sweepLoop()
	return rm, nil
}

func (rm *restManager) handlerFor(key routeKey) *requestHandler {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	hk := key.handlerKey()
	h, ok := rm.handlers[hk]
	if !ok {
		h = newRequestHandler(key, rm.client, rm.builder, rm.coord, rm.invalid, rm.logger, rm.disp)
		h.retryLimit = rm.cfg.RetryLimit
		h.invalidRequestWarnInterval = rm.cfg.InvalidRequestWarnInterval
		h.captchaRetryLimit = rm.cfg.CaptchaRetryLimit
		h.captchaSolver = rm.cfg.CaptchaSolver
		h.totpSecret = rm.cfg.TOTPKey
		h.rejectOnRateLimit = rm.cfg.RejectOnRateLimit
		rm.handlers[hk] = h
	}
	return h
}

// request submits a REST call, deriving its route and dispatching it
// through the bucket's serialized handler. Implements the Request side
// of the RestClient contract (spec.md §6).
func (rm *restManager) request(ctx context.Context, method, path string, body any, opts requestOptions) ([]byte, http.Header, error) {
	key := deriveRouteKey(method, path)
	h := rm.handlerFor(key)
	return h.submit(ctx, method, path, body, opts)
}

func (rm *restManager) sweepLoop() {
	ticker := time.NewTicker(rm.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rm.sweepIdle()
		case <-rm.sweepStop:
			return
		}
	}
}

// sweepIdle drops handlers for buckets with nothing queued, since an
// idle goroutine per long-dead bucket would otherwise accumulate over
// a bot's lifetime.
func (rm *restManager) sweepIdle() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for key, h := range rm.handlers {
		if len(h.queue) == 0 {
			h.stop()
			delete(rm.handlers, key)
		}
	}
}

func (rm *restManager) close() {
	close(rm.sweepStop)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for key, h := range rm.handlers {
		h.stop()
		delete(rm.handlers, key)
	}
}

/*****************************
 *   Boundary REST endpoints
 *****************************/

// fetchGateway calls GET /gateway.
func (rm *restManager) fetchGateway(ctx context.Context) (*gateway, error) {
	body, _, err := rm.request(ctx, http.MethodGet, "/gateway", nil, requestOptions{AuthNotRequired: true})
	if err != nil {
		return nil, err
	}
	g := &gateway{}
	if err := g.fillFromJSON(body); err != nil {
		return nil, err
	}
	return g, nil
}

// fetchGatewayBot calls GET /gateway/bot.
func (rm *restManager) fetchGatewayBot(ctx context.Context) (*gatewayBot, error) {
	body, _, err := rm.request(ctx, http.MethodGet, "/gateway/bot", nil, requestOptions{})
	if err != nil {
		return nil, err
	}
	g := &gatewayBot{}
	if err := g.fillFromJSON(body); err != nil {
		return nil, err
	}
	return g, nil
}
