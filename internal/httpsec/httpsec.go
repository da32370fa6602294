// Package httpsec protects net/http handlers with the request inspection
// engine.
package httpsec

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/klyr/bastion/internal/appsec"
	"github.com/klyr/bastion/internal/trace"
)

type config struct {
	pathParams func(*http.Request) map[string]string
	onFinish   func(*trace.Record)
}

type Option func(*config)

// WithPathParams sets how route parameters are read from a request.
func WithPathParams(fn func(*http.Request) map[string]string) Option {
	return func(c *config) {
		c.pathParams = fn
	}
}

// WithOnFinish registers a callback run with the finished record of every
// request.
func WithOnFinish(fn func(*trace.Record)) Option {
	return func(c *config) {
		c.onFinish = fn
	}
}

// Wrap returns a handler that evaluates every request and response going
// through next.
func Wrap(engine *appsec.Engine, next http.Handler, opts ...Option) http.Handler {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &handler{engine: engine, next: next, cfg: cfg}
}

// WrapHandler is Wrap for adapters that resolved the route parameters
// already.
func WrapHandler(engine *appsec.Engine, next http.Handler, pathParams map[string]string) http.Handler {
	return Wrap(engine, next, WithPathParams(func(*http.Request) map[string]string {
		return pathParams
	}))
}

// Chi returns a chi middleware. Route parameters are only known once chi has
// routed the request, so install it with r.With or on a sub-router.
func Chi(engine *appsec.Engine, opts ...Option) func(http.Handler) http.Handler {
	opts = append([]Option{WithPathParams(chiURLParams)}, opts...)
	return func(next http.Handler) http.Handler {
		return Wrap(engine, next, opts...)
	}
}

func chiURLParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key == "*" || i >= len(rctx.URLParams.Values) {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}

type handler struct {
	engine *appsec.Engine
	next   http.Handler
	cfg    config
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec, ok := trace.FromContext(r.Context())
	if !ok {
		rec = trace.NewRecord()
	}
	op := newOperation(h.engine.Snapshot(), rec)
	defer h.finish(rec)

	ctx := withOperation(trace.NewContext(r.Context(), rec), op)
	r = r.WithContext(ctx)

	var params map[string]string
	if h.cfg.pathParams != nil {
		params = h.cfg.pathParams(r)
	}

	if resp, blocked := op.evaluateRequest(r, params); blocked {
		resp.Write(w)
		trace.SetResponseTags(rec, resp.StatusCode, w.Header())
		return
	}

	rw := newResponseWriter(w, op, r.Header.Get("Accept"))
	h.next.ServeHTTP(rw, r)
	rw.finish()
}

func (h *handler) finish(rec *trace.Record) {
	rec.Finish()
	if h.cfg.onFinish != nil {
		h.cfg.onFinish(rec)
	}
}
