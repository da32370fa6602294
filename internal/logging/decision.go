package logging

import (
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klyr/bastion/internal/rules"
	"github.com/klyr/bastion/internal/trace"
)

const maxEvidence = 64

// Decision is written as a single JSON object per request.
type Decision struct {
	Timestamp    time.Time         `json:"ts"`
	RequestID    string            `json:"request_id"`
	ClientIP     string            `json:"client_ip"`
	Host         string            `json:"host"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	RouteID      string            `json:"route_id,omitempty"`
	Mode         string            `json:"mode"`
	Action       string            `json:"action"`
	StatusCode   int               `json:"status_code"`
	BlockedBy    string            `json:"blocked_by,omitempty"`
	MatchedRules []MatchedRule     `json:"matched_rules"`
	RateLimited  bool              `json:"rate_limited"`
	DurationMS   int64             `json:"duration_ms"`
	Tags         map[string]string `json:"tags,omitempty"`
}

type MatchedRule struct {
	ID       string            `json:"id"`
	Phase    string            `json:"phase"`
	Tags     map[string]string `json:"tags"`
	Address  string            `json:"address"`
	Evidence string            `json:"evidence"`
}

// FromRecord summarizes a finished request record.
func FromRecord(rec *trace.Record, mode string) Decision {
	tags := rec.Tags()

	d := Decision{
		Timestamp:  rec.Start().UTC(),
		RequestID:  tags[trace.TagRequestID],
		ClientIP:   tags[trace.TagClientIP],
		Method:     tags[trace.TagMethod],
		Mode:       mode,
		DurationMS: rec.Duration().Milliseconds(),
		Tags:       tags,
	}
	if u, err := url.Parse(tags[trace.TagURL]); err == nil {
		d.Host = u.Host
		d.Path = u.Path
	}
	d.StatusCode, _ = strconv.Atoi(tags[trace.TagStatusCode])

	matches := rec.Matches()
	d.MatchedRules = matchedRules(matches)

	switch blocked, ok := rec.BlockedBy(); {
	case ok:
		d.Action = "block"
		d.BlockedBy = blocked.RuleID
	case len(matches) > 0:
		d.Action = "monitor"
	default:
		d.Action = "allow"
	}
	return d
}

func matchedRules(matches []rules.Match) []MatchedRule {
	if len(matches) == 0 {
		return nil
	}
	out := make([]MatchedRule, 0, len(matches))
	for _, m := range matches {
		out = append(out, MatchedRule{
			ID:       m.RuleID,
			Phase:    string(m.Phase),
			Tags:     m.Tags,
			Address:  string(m.Address),
			Evidence: m.Highlight,
		})
	}
	return out
}

// DecisionLogger appends decisions as JSON lines. Writes are serialized.
type DecisionLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewDecisionLogger(w io.Writer) *DecisionLogger {
	return &DecisionLogger{w: w}
}

func OpenDecisionLog(path string) (*DecisionLogger, func() error, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return NewDecisionLogger(file), file.Close, nil
}

func (l *DecisionLogger) Write(decision Decision) error {
	if l == nil {
		return nil
	}
	decision.MatchedRules = sanitizeMatchedRules(decision.MatchedRules)
	decision.Path = redactSecrets(decision.Path)
	decision.Tags = sanitizeTags(decision.Tags)

	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

// sanitizeTags copies tags without the match document, which is already
// summarized in matched_rules, and with secrets masked in the URL.
func sanitizeTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		switch k {
		case trace.TagAppSecJSON:
			continue
		case trace.TagURL:
			v = redactSecrets(v)
		}
		out[k] = v
	}
	return out
}

func sanitizeMatchedRules(rules []MatchedRule) []MatchedRule {
	if len(rules) == 0 {
		return nil
	}
	out := make([]MatchedRule, len(rules))
	for i, rule := range rules {
		out[i] = rule
		evidence := redactSecrets(rule.Evidence)
		if len(evidence) > maxEvidence {
			evidence = evidence[:maxEvidence]
		}
		out[i].Evidence = evidence
	}
	return out
}
