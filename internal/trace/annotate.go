package trace

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/klyr/bastion/internal/rules"
)

const (
	TagAppSecJSON    = "appsec.json"
	TagAppSecEvent   = "appsec.event"
	TagAppSecBlocked = "appsec.blocked"
	TagActorIP       = "actor.ip"

	TagURL        = "http.url"
	TagMethod     = "http.method"
	TagUserAgent  = "http.useragent"
	TagRequestID  = "http.request_id"
	TagClientIP   = "http.client_ip"
	TagStatusCode = "http.status_code"

	responseHeaderPrefix = "http.response.headers."
)

// echoedResponseHeaders are copied to the record for every response.
var echoedResponseHeaders = []string{
	"content-type",
	"content-length",
	"content-encoding",
	"content-language",
}

type event struct {
	Triggers []trigger `json:"triggers"`
}

type trigger struct {
	Rule        ruleInfo    `json:"rule"`
	RuleMatches []ruleMatch `json:"rule_matches"`
}

type ruleInfo struct {
	ID   string            `json:"id"`
	Name string            `json:"name,omitempty"`
	Tags map[string]string `json:"tags,omitempty"`
}

type ruleMatch struct {
	Operator      string      `json:"operator"`
	OperatorValue string      `json:"operator_value"`
	Parameters    []parameter `json:"parameters"`
}

type parameter struct {
	Address   string   `json:"address"`
	KeyPath   []any    `json:"key_path"`
	Value     string   `json:"value"`
	Highlight []string `json:"highlight"`
}

// Annotate adds matches to the record and rewrites the appsec.json tag
// with every match seen so far. Without any match no tag is set.
func Annotate(rec *Record, matches []rules.Match) {
	if len(matches) == 0 {
		return
	}

	rec.mu.Lock()
	rec.matches = append(rec.matches, matches...)
	doc := buildEvent(rec.matches)
	rec.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	rec.SetTag(TagAppSecJSON, string(data))
	rec.SetTag(TagAppSecEvent, "true")
}

func buildEvent(matches []rules.Match) event {
	doc := event{Triggers: make([]trigger, 0, len(matches))}
	for _, m := range matches {
		keyPath := m.KeyPath
		if keyPath == nil {
			keyPath = []any{}
		}
		doc.Triggers = append(doc.Triggers, trigger{
			Rule: ruleInfo{ID: m.RuleID, Name: m.RuleName, Tags: m.Tags},
			RuleMatches: []ruleMatch{{
				Operator:      string(m.Operator),
				OperatorValue: m.OperatorValue,
				Parameters: []parameter{{
					Address:   string(m.Address),
					KeyPath:   keyPath,
					Value:     m.Value,
					Highlight: []string{m.Highlight},
				}},
			}},
		})
	}
	return doc
}

// MarkBlocked records that m's action replaced the response.
func MarkBlocked(rec *Record, m rules.Match) {
	rec.mu.Lock()
	blocked := m
	rec.blocked = &blocked
	rec.tags[TagAppSecBlocked] = "true"
	if m.Phase == rules.PhaseClientIP {
		rec.tags[TagActorIP] = m.Value
	}
	rec.mu.Unlock()
}

// SetRequestTags sets the tags known from the request line and headers.
// clientIP is only tagged when non-empty.
func SetRequestTags(rec *Record, r *http.Request, clientIP string) {
	rec.SetTag(TagURL, absoluteURL(r))
	rec.SetTag(TagMethod, r.Method)
	if ua := r.UserAgent(); ua != "" {
		rec.SetTag(TagUserAgent, ua)
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		rec.SetTag(TagRequestID, id)
	}
	if clientIP != "" {
		rec.SetTag(TagClientIP, clientIP)
	}
}

// SetResponseTags sets the status code and echoes a fixed set of response
// headers.
func SetResponseTags(rec *Record, status int, header http.Header) {
	rec.SetTag(TagStatusCode, strconv.Itoa(status))
	for _, name := range echoedResponseHeaders {
		if v := header.Get(name); v != "" {
			rec.SetTag(responseHeaderPrefix+name, v)
		}
	}
}

func absoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	path := "/"
	if r.URL != nil {
		path = r.URL.RequestURI()
	}
	return scheme + "://" + host + path
}
