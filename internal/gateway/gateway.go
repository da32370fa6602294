package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klyr/bastion/internal/actions"
	"github.com/klyr/bastion/internal/appsec"
	"github.com/klyr/bastion/internal/attributes"
	"github.com/klyr/bastion/internal/config"
	"github.com/klyr/bastion/internal/httpsec"
	"github.com/klyr/bastion/internal/logging"
	"github.com/klyr/bastion/internal/observability"
	"github.com/klyr/bastion/internal/ratelimit"
	"github.com/klyr/bastion/internal/trace"
)

const (
	headerRequestID = "X-Request-Id"

	TagRouteID     = "bastion.route_id"
	TagRateLimited = "bastion.rate_limited"
	// TagRejected holds the reason a request was refused before inspection.
	TagRejected = "bastion.rejected"
)

type Gateway struct {
	router   *Router
	policies map[string]config.Policy
	// handlers are the upstream proxies wrapped by the inspection engine.
	handlers map[string]http.Handler

	engine      *appsec.Engine
	decisionLog *logging.DecisionLogger
	metrics     *observability.Metrics
	limiter     *ratelimit.Limiter
	logger      zerolog.Logger
}

func New(cfg *config.Config, engine *appsec.Engine) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}

	router, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		router:   router,
		policies: make(map[string]config.Policy, len(cfg.Policies)),
		handlers: make(map[string]http.Handler, len(cfg.Upstreams)),
		engine:   engine,
		limiter:  ratelimit.NewLimiter(),
		logger:   engine.Logger(),
	}
	for name, policyCfg := range cfg.Policies {
		g.policies[name] = policyCfg
	}

	transport := newTransport(maxPolicyTimeout(cfg))
	for _, upstream := range cfg.Upstreams {
		target, err := url.Parse(upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %s: %w", upstream.Name, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = transport
		proxy.ErrorHandler = g.proxyError(upstream.Name)
		g.handlers[upstream.Name] = httpsec.Wrap(engine, proxy)
	}

	return g, nil
}

func (g *Gateway) SetDecisionLogger(logger *logging.DecisionLogger) {
	g.decisionLog = logger
}

func (g *Gateway) SetMetrics(metrics *observability.Metrics) {
	g.metrics = metrics
}

// Sweep drops rate limit buckets idle since before cutoff.
func (g *Gateway) Sweep(cutoff time.Time) int {
	return g.limiter.Sweep(cutoff)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, policyCfg, handler, ok := g.resolveRoute(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Header.Get(headerRequestID) == "" {
		r.Header.Set(headerRequestID, uuid.NewString())
	}

	rec := trace.NewRecord()
	rec.SetTag(TagRouteID, route.ID)
	defer g.finish(rec)

	if exceedsHeaderLimit(r.Header, policyCfg.Limits.MaxHeaderBytes) {
		g.reject(w, r, rec, http.StatusRequestHeaderFieldsTooLarge, "header_limit", "request headers too large")
		return
	}

	if policyCfg.Limits.MaxBodyBytes > 0 {
		if r.ContentLength > policyCfg.Limits.MaxBodyBytes {
			g.reject(w, r, rec, http.StatusRequestEntityTooLarge, "body_limit", "request body too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, policyCfg.Limits.MaxBodyBytes)
	}

	if policyCfg.RateLimit.Enabled && !g.allow(r, policyCfg.RateLimit) {
		g.rateLimited(w, r, rec, policyCfg.RateLimit)
		return
	}

	ctx := trace.NewContext(r.Context(), rec)
	if policyCfg.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policyCfg.Limits.Timeout)
		defer cancel()
	}
	handler.ServeHTTP(w, r.WithContext(ctx))
}

func (g *Gateway) allow(r *http.Request, rl config.RateLimitConfig) bool {
	snap := g.engine.Snapshot()
	ip, ok := attributes.ClientIP(r.Header, r.RemoteAddr, snap.Extractor().ClientIPHeader)
	if !ok {
		return true
	}
	key := ratelimit.Key(ratelimit.KeyType(rl.Key), ip.String(), r.URL.Path)
	return g.limiter.Allow(key, rl.RPS, rl.Burst, time.Now())
}

// rateLimited writes the configured action, the built-in rate_limit action
// by default.
func (g *Gateway) rateLimited(w http.ResponseWriter, r *http.Request, rec *trace.Record, rl config.RateLimitConfig) {
	id := rl.Action
	if id == "" {
		id = actions.RateLimitID
	}
	resp := actions.Resolve(g.engine.Snapshot().Action(id), r.Header.Get("Accept"))
	if resp.Empty() {
		resp = actions.Resolve(actions.Builtins()[actions.RateLimitID], r.Header.Get("Accept"))
	}

	trace.SetRequestTags(rec, r, "")
	rec.SetTag(TagRateLimited, "true")
	resp.Write(w)
	trace.SetResponseTags(rec, resp.StatusCode, w.Header())
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, rec *trace.Record, status int, reason, msg string) {
	trace.SetRequestTags(rec, r, "")
	rec.SetTag(TagRejected, reason)
	http.Error(w, msg, status)
	trace.SetResponseTags(rec, status, w.Header())
}

func (g *Gateway) finish(rec *trace.Record) {
	rec.Finish()

	decision := logging.FromRecord(rec, g.engine.Snapshot().Mode())
	decision.RouteID, _ = rec.Tag(TagRouteID)
	if v, _ := rec.Tag(TagRateLimited); v == "true" {
		decision.RateLimited = true
		decision.Action = "block"
	}
	if _, ok := rec.Tag(TagRejected); ok {
		decision.Action = "block"
	}

	if err := g.decisionLog.Write(decision); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to write decision log")
	}
	g.metrics.Observe(decision)
}

func (g *Gateway) proxyError(upstream string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		case errors.As(err, &maxErr):
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		default:
			g.logger.Warn().Err(err).Str("upstream", upstream).Msg("Upstream request failed")
			http.Error(w, "upstream error", http.StatusBadGateway)
		}
	}
}

func (g *Gateway) resolveRoute(r *http.Request) (Route, config.Policy, http.Handler, bool) {
	route, ok := g.router.Match(r)
	if !ok {
		return Route{}, config.Policy{}, nil, false
	}

	policyCfg, ok := g.policies[route.Policy]
	if !ok {
		return Route{}, config.Policy{}, nil, false
	}
	handler, ok := g.handlers[route.Upstream]
	if !ok {
		return Route{}, config.Policy{}, nil, false
	}

	return route, policyCfg, handler, true
}

func exceedsHeaderLimit(headers http.Header, maxBytes int64) bool {
	if maxBytes <= 0 {
		return false
	}

	var total int64
	for name, values := range headers {
		for _, value := range values {
			total += int64(len(name) + len(value) + 2)
			if total > maxBytes {
				return true
			}
		}
	}

	return total > maxBytes
}

func maxPolicyTimeout(cfg *config.Config) time.Duration {
	var max time.Duration
	for _, policyCfg := range cfg.Policies {
		if policyCfg.Limits.Timeout > max {
			max = policyCfg.Limits.Timeout
		}
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return max
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}
