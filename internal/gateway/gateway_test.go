package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/klyr/bastion/internal/appsec"
	"github.com/klyr/bastion/internal/config"
	"github.com/klyr/bastion/internal/logging"
	"github.com/klyr/bastion/internal/observability"
)

func newGateway(t *testing.T, cfg *config.Config, engineCfg appsec.Config) (*Gateway, *bytes.Buffer) {
	t.Helper()
	engine, err := appsec.New(engineCfg)
	if err != nil {
		t.Fatalf("appsec.New error: %v", err)
	}
	gw, err := New(cfg, engine)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	var logs bytes.Buffer
	gw.SetDecisionLogger(logging.NewDecisionLogger(&logs))
	return gw, &logs
}

func lastDecision(t *testing.T, logs *bytes.Buffer) logging.Decision {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	var d logging.Decision
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &d); err != nil {
		t.Fatalf("decode decision: %v (%q)", err, logs.String())
	}
	return d
}

func TestGatewayProxy(t *testing.T) {
	var requestID string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	gw, logs := newGateway(t, sampleConfig(backend.URL, 1024, 1024), appsec.Config{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "ok" {
		t.Fatalf("expected body ok, got %q", string(body))
	}
	if requestID == "" {
		t.Fatal("expected a request id to reach the upstream")
	}

	d := lastDecision(t, logs)
	if d.Action != "allow" || d.StatusCode != http.StatusOK {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d.RequestID != requestID {
		t.Fatalf("expected request id %q, got %q", requestID, d.RequestID)
	}
	if d.RouteID != "route-0" {
		t.Fatalf("expected route-0, got %q", d.RouteID)
	}
}

func TestGatewayBlocksMatchingRequest(t *testing.T) {
	called := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer backend.Close()

	gw, logs := newGateway(t, sampleConfig(backend.URL, 1024, 1024), appsec.Config{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/.git/config", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json block, got %q", ct)
	}
	if called {
		t.Fatal("upstream must not be called for a blocked request")
	}

	d := lastDecision(t, logs)
	if d.Action != "block" || d.BlockedBy != "nfd-000-001" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if _, ok := d.Tags["appsec.json"]; ok {
		t.Fatal("decision log must not carry the raw match document")
	}
}

func TestGatewayMonitorMode(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	gw, logs := newGateway(t, sampleConfig(backend.URL, 1024, 1024), appsec.Config{Enabled: true, Mode: "monitor"})

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/.env", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 in monitor mode, got %d", rec.Code)
	}
	d := lastDecision(t, logs)
	if d.Action != "monitor" || d.Mode != "monitor" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(d.MatchedRules) != 1 || d.MatchedRules[0].ID != "nfd-000-001" {
		t.Fatalf("unexpected matches %+v", d.MatchedRules)
	}
}

func TestGatewayResponsePhaseBlock(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Secret", "MagicKey_Al4h7iCFep9s1")
		_, _ = w.Write([]byte("leak"))
	}))
	defer backend.Close()

	rulesDoc := []byte(`
rules:
  - id: rsp-header-001
    phase: response-header
    key: x-secret
    operator: exact_match
    list: [MagicKey_Al4h7iCFep9s1]
`)
	gw, _ := newGateway(t, sampleConfig(backend.URL, 1024, 1024), appsec.Config{Enabled: true, RulesInline: rulesDoc})

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "leak") {
		t.Fatalf("upstream body leaked: %q", rec.Body.String())
	}
	if rec.Header().Get("X-Secret") != "" {
		t.Fatal("upstream headers leaked")
	}
}

func TestGatewayRejectsLargeBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gw, logs := newGateway(t, sampleConfig(backend.URL, 4, 1024), appsec.Config{Enabled: true})

	req := httptest.NewRequest(http.MethodPost, "http://example.com/", bytes.NewBufferString("hello"))
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if d := lastDecision(t, logs); d.Action != "block" || d.Tags[TagRejected] != "body_limit" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestGatewayRejectsLargeHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gw, _ := newGateway(t, sampleConfig(backend.URL, 1024, 8), appsec.Config{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-Test", "0123456789")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("expected 431, got %d", rec.Code)
	}
}

func TestGatewayRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := sampleConfig(backend.URL, 1024, 1024)
	policyCfg := cfg.Policies["default"]
	policyCfg.RateLimit = config.RateLimitConfig{Enabled: true, Key: "ip", RPS: 0.001, Burst: 1}
	cfg.Policies["default"] = policyCfg

	gw, logs := newGateway(t, cfg, appsec.Config{Enabled: true})
	reg := prometheus.NewRegistry()
	gw.SetMetrics(observability.NewMetrics(reg))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
		req.Header.Set("Accept", "text/html")
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Content-Type") != "application/json" {
			t.Fatalf("expected json rate limit body, got %q", rec.Header().Get("Content-Type"))
		}
	}

	d := lastDecision(t, logs)
	if !d.RateLimited || d.Action != "block" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if n, err := testutil.GatherAndCount(reg, "bastion_ratelimit_hits_total"); err != nil || n != 1 {
		t.Fatalf("expected one rate limit series, got %d (%v)", n, err)
	}

	if n := gw.Sweep(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("expected 1 bucket swept, got %d", n)
	}
}

func TestGatewayUnknownRoute(t *testing.T) {
	cfg := sampleConfig("http://127.0.0.1:1", 1024, 1024)
	cfg.Routes[0].Match.PathPrefix = "/api"
	gw, logs := newGateway(t, cfg, appsec.Config{Enabled: true})

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no decision for unrouted request, got %q", logs.String())
	}
}

func sampleConfig(upstreamURL string, maxBodyBytes, maxHeaderBytes int64) *config.Config {
	return &config.Config{
		Upstreams: []config.Upstream{
			{Name: "backend", URL: upstreamURL},
		},
		Routes: []config.Route{
			{
				Match:    config.RouteMatch{PathPrefix: "/"},
				Upstream: "backend",
				Policy:   "default",
			},
		},
		Policies: map[string]config.Policy{
			"default": {
				Limits: config.Limits{
					MaxBodyBytes:   maxBodyBytes,
					MaxHeaderBytes: maxHeaderBytes,
					Timeout:        2 * time.Second,
				},
			},
		},
	}
}
