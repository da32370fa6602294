package httpsec

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klyr/bastion/internal/appsec"
	"github.com/klyr/bastion/internal/trace"
)

const testRules = `
actions:
  - id: redirect_301
    type: redirect_request
    parameters: {status_code: 301, location: "https://example.com/blocked"}
  - id: block_306
    type: block_request
    parameters: {status_code: 306, type: auto}
  - id: block_429
    type: block_request
    parameters: {status_code: 429, type: json}
  - id: block_503
    type: block_request
    parameters: {status_code: 503, type: html}

rules:
  - id: blk-001-001
    name: Block query value
    tags: {type: block_query, category: blocking}
    phase: request-query
    operator: exact_match
    list: [xtrace]
  - id: blk-001-002
    phase: request-query
    operator: exact_match
    list: [suspicious_301]
    action: redirect_301
  - id: blk-001-003
    phase: request-query
    operator: exact_match
    list: [suspicious_306_auto]
    action: block_306
  - id: blk-001-004
    phase: request-query
    operator: exact_match
    list: [suspicious_429_json]
    action: block_429
  - id: blk-001-005
    phase: request-query
    operator: exact_match
    list: [suspicious_503_html]
    action: block_503
  - id: tst-037-001
    phase: request-query
    operator: exact_match
    list: [watched]
    action: monitor
  - id: crs-942-100
    tags: {type: sql_injection, category: attack_attempt}
    phase: request-body
    operator: match_regex
    pattern: "1' or '1' = '1'"
  - id: blk-ip-001
    phase: client-ip
    operator: ip_match
    list: [8.8.4.4]
  - id: blk-param-001
    phase: path-param
    key: year
    operator: exact_match
    list: ["1337"]
  - id: rsp-status-404
    phase: response-status
    operator: exact_match
    list: ["404"]
  - id: rsp-header-001
    phase: response-header
    key: X-Secret
    operator: exact_match
    list: [MagicKey_Al4h7iCFep9s1]
`

const defaultJSON = `{"errors":[{"title":"You've been blocked","detail":"Sorry, you cannot access this page. Please contact the customer service team."}]}`

func newEngine(t *testing.T, cfg appsec.Config) *appsec.Engine {
	t.Helper()
	if cfg.Enabled && cfg.RulesInline == nil {
		cfg.RulesInline = []byte(testRules)
	}
	e, err := appsec.New(cfg)
	require.NoError(t, err)
	return e
}

// serve runs req through a wrapped "Hello" handler and returns the response
// and the finished record.
func serve(t *testing.T, e *appsec.Engine, app http.Handler, req *http.Request) (*httptest.ResponseRecorder, *trace.Record) {
	t.Helper()
	if app == nil {
		app = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("Hello"))
		})
	}
	var rec *trace.Record
	h := Wrap(e, app, WithOnFinish(func(r *trace.Record) { rec = r }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.NotNil(t, rec)
	return w, rec
}

func TestDisabledEngineNeverBlocks(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: false})

	for _, target := range []string{"/?q=xtrace", "/.git", "/?q=suspicious_301"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("User-Agent", "Arachni/v1")
		w, rec := serve(t, e, nil, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Hello", w.Body.String())
		_, ok := rec.Tag(trace.TagAppSecJSON)
		assert.False(t, ok)
		_, ok = rec.Tag(trace.TagClientIP)
		assert.False(t, ok)

		tags := rec.Tags()
		assert.Equal(t, "200", tags[trace.TagStatusCode])
		assert.Equal(t, http.MethodGet, tags[trace.TagMethod])
		assert.Equal(t, "Arachni/v1", tags[trace.TagUserAgent])
		assert.True(t, strings.HasPrefix(tags[trace.TagURL], "http://example.com/"))
	}
}

func TestBlockMultiValueQuery(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	for _, target := range []string{"/?toto=xtrace", "/?toto=ytrace&toto=xtrace", "/?toto=xtrace&toto=ytrace"} {
		t.Run(target, func(t *testing.T) {
			called := false
			app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

			w, rec := serve(t, e, app, httptest.NewRequest(http.MethodGet, target, nil))
			assert.False(t, called)
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, defaultJSON, w.Body.String())

			appsecJSON, _ := rec.Tag(trace.TagAppSecJSON)
			assert.Contains(t, appsecJSON, `"id":"blk-001-001"`)
			blocked, _ := rec.Tag(trace.TagAppSecBlocked)
			assert.Equal(t, "true", blocked)
			status, _ := rec.Tag(trace.TagStatusCode)
			assert.Equal(t, "403", status)
		})
	}

	w, rec := serve(t, e, nil, httptest.NewRequest(http.MethodGet, "/?toto=ytrace", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	_, ok := rec.Tag(trace.TagAppSecJSON)
	assert.False(t, ok)
}

func TestPlainTextBodyIsNotInspected(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	var body []byte
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("1' or '1' = '1'"))
	req.Header.Set("Content-Type", "text/plain")
	w, rec := serve(t, e, app, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1' or '1' = '1'", string(body))
	_, ok := rec.Tag(trace.TagAppSecJSON)
	assert.False(t, ok)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"attack":"1' or '1' = '1'"}`))
	req.Header.Set("Content-Type", "application/json")
	w, rec = serve(t, e, app, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	appsecJSON, _ := rec.Tag(trace.TagAppSecJSON)
	assert.Contains(t, appsecJSON, `"address":"server.request.body"`)
	assert.Contains(t, appsecJSON, `"key_path":["attack"]`)
}

func TestRedirectAction(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "/?toto=suspicious_301", nil)
	req.Header.Set("Accept", "text/html")
	w, rec := serve(t, e, nil, req)

	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://example.com/blocked", w.Header().Get("Location"))
	assert.Empty(t, w.Body.String())
	blocked, _ := rec.Tag(trace.TagAppSecBlocked)
	assert.Equal(t, "true", blocked)
}

func TestBlockContentNegotiation(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "/?q=xtrace", nil)
	req.Header.Set("Accept", "text/html")
	w, _ := serve(t, e, nil, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "<!DOCTYPE html>")

	req = httptest.NewRequest(http.MethodGet, "/?q=xtrace", nil)
	w, _ = serve(t, e, nil, req)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, defaultJSON, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/?q=xtrace", nil)
	req.Header.Set("Accept", "application/json,text/html")
	w, _ = serve(t, e, nil, req)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestCustomActions(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	cases := []struct {
		value       string
		accept      string
		status      int
		contentType string
	}{
		{"suspicious_306_auto", "text/html", 306, "text/html"},
		{"suspicious_306_auto", "", 306, "application/json"},
		{"suspicious_429_json", "text/html", http.StatusTooManyRequests, "application/json"},
		{"suspicious_503_html", "text/json", http.StatusServiceUnavailable, "text/html"},
	}
	for _, tt := range cases {
		t.Run(tt.value+"/"+tt.accept, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?toto="+tt.value, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			w, _ := serve(t, e, nil, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
		})
	}
}

func TestMonitorActionAndMode(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	w, rec := serve(t, e, nil, httptest.NewRequest(http.MethodGet, "/?q=watched", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	appsecJSON, _ := rec.Tag(trace.TagAppSecJSON)
	assert.Contains(t, appsecJSON, "tst-037-001")
	_, ok := rec.Tag(trace.TagAppSecBlocked)
	assert.False(t, ok)

	monitor := newEngine(t, appsec.Config{Enabled: true, Mode: "monitor"})
	w, rec = serve(t, monitor, nil, httptest.NewRequest(http.MethodGet, "/?q=xtrace", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello", w.Body.String())
	appsecJSON, _ = rec.Tag(trace.TagAppSecJSON)
	assert.Contains(t, appsecJSON, "blk-001-001")
	_, ok = rec.Tag(trace.TagAppSecBlocked)
	assert.False(t, ok)
}

func TestInvalidBodyStillReachesApp(t *testing.T) {
	var logs bytes.Buffer
	e, err := appsec.New(appsec.Config{Enabled: true, RulesInline: []byte(testRules)}, appsec.WithLogger(zerolog.New(&logs)))
	require.NoError(t, err)

	for _, tc := range []struct{ contentType, body string }{
		{"application/json", `{"attack": "bad_payload",}`},
		{"application/xml", "bad xml"},
	} {
		logs.Reset()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", tc.contentType)

		var got []byte
		app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = io.ReadAll(r.Body)
		})
		w, _ := serve(t, e, app, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, tc.body, string(got))
		assert.Contains(t, logs.String(), "Failed to parse request body")
	}
}

func TestClientIPTag(t *testing.T) {
	cases := []struct {
		name     string
		override string
		headers  map[string]string
		want     string
	}{
		{"public-after-private", "", map[string]string{"X-Client-Ip": "192.168.1.3,4.4.4.4"}, "4.4.4.4"},
		{"only-private", "", map[string]string{"X-Client-Ip": "192.168.1.10,192.168.1.20"}, "192.168.1.10"},
		{"override", "X-Use-This", map[string]string{"X-Client-Ip": "8.8.8.8", "X-Use-This": "4.4.4.4"}, "4.4.4.4"},
		{"override-empty", "Fooipheader", map[string]string{"Fooipheader": "", "X-Real-Ip": "8.8.8.8"}, ""},
		{"override-invalid", "Fooipheader", map[string]string{"Fooipheader": "foobar", "X-Real-Ip": "8.8.8.8"}, ""},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, appsec.Config{Enabled: true, ClientIPHeader: tt.override})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "127.0.0.1:5000"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			_, rec := serve(t, e, nil, req)

			got, ok := rec.Tag(trace.TagClientIP)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientIPBlockSetsActor(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "8.8.4.4")

	w, rec := serve(t, e, nil, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	actor, _ := rec.Tag(trace.TagActorIP)
	assert.Equal(t, "8.8.4.4", actor)
}

func TestResponseStatusBlock(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App", "1")
		http.NotFound(w, r)
	})

	w, rec := serve(t, e, app, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, defaultJSON, w.Body.String())
	assert.Empty(t, w.Header().Get("X-App"))

	appsecJSON, _ := rec.Tag(trace.TagAppSecJSON)
	assert.Contains(t, appsecJSON, "rsp-status-404")
	status, _ := rec.Tag(trace.TagStatusCode)
	assert.Equal(t, "403", status)
}

func TestResponseHeaderBlock(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Secret", "MagicKey_Al4h7iCFep9s1")
		_, _ = w.Write([]byte("secret"))
	})

	w, _ := serve(t, e, app, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("X-Secret"))
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestResponsePhaseRunsWithoutWrites(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true, RulesInline: []byte(`
rules:
  - id: rsp-200
    phase: response-status
    operator: exact_match
    list: ["200"]
    action: monitor
`)})
	app := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	w, rec := serve(t, e, app, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	appsecJSON, _ := rec.Tag(trace.TagAppSecJSON)
	assert.Contains(t, appsecJSON, "rsp-200")
}

func TestOperationStates(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	var op *Operation
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, _ = FromContext(r.Context())
		assert.Equal(t, StatePassedToApp, op.State())
		w.WriteHeader(http.StatusNotFound)
	})
	serve(t, e, app, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, op)
	assert.Equal(t, StateResponseBlockedOrTagged, op.State())

	app = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, _ = FromContext(r.Context())
	})
	serve(t, e, app, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, StateDone, op.State())
	assert.True(t, op.State().Terminal())
	assert.Equal(t, "DONE", op.State().String())
}

func TestChiPathParams(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})

	r := chi.NewRouter()
	r.With(Chi(e)).Get("/archive/{year}/{month}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chi.URLParam(r, "month")))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/archive/2022/july", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "july", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/archive/1337/july", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWrapHandlerPathParams(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := WrapHandler(e, app, map[string]string{"year": "1337"})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestConcurrentRequestsDuringReconfigure(t *testing.T) {
	e := newEngine(t, appsec.Config{Enabled: true})
	h := Wrap(e, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Hello"))
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w := httptest.NewRecorder()
				h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?q=xtrace", nil))
				assert.Equal(t, http.StatusForbidden, w.Code)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Reconfigure(appsec.Config{Enabled: true, RulesInline: []byte(testRules)}))
	}
	wg.Wait()
}
