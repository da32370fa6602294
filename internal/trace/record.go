// Package trace holds the per-request observability record and the tags
// the security engine attaches to it.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/klyr/bastion/internal/rules"
)

// Record collects the tags and matches of one request. It is safe for
// concurrent use.
type Record struct {
	mu      sync.RWMutex
	tags    map[string]string
	matches []rules.Match
	blocked *rules.Match
	start   time.Time
	end     time.Time
}

func NewRecord() *Record {
	return &Record{tags: map[string]string{}, start: time.Now()}
}

func (r *Record) SetTag(key, value string) {
	r.mu.Lock()
	r.tags[key] = value
	r.mu.Unlock()
}

func (r *Record) Tag(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.tags[key]
	return v, ok
}

// Tags returns a copy of the tags.
func (r *Record) Tags() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

// Matches returns every match recorded so far, request phase first.
func (r *Record) Matches() []rules.Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]rules.Match(nil), r.matches...)
}

// BlockedBy returns the match whose action was written, if any.
func (r *Record) BlockedBy() (rules.Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.blocked == nil {
		return rules.Match{}, false
	}
	return *r.blocked, true
}

func (r *Record) Start() time.Time {
	return r.start
}

// Finish marks the end of the request. Only the first call counts.
func (r *Record) Finish() {
	r.mu.Lock()
	if r.end.IsZero() {
		r.end = time.Now()
	}
	r.mu.Unlock()
}

// Duration is the time between NewRecord and Finish, or until now while
// the request is still running.
func (r *Record) Duration() time.Duration {
	r.mu.RLock()
	end := r.end
	r.mu.RUnlock()
	if end.IsZero() {
		return time.Since(r.start)
	}
	return end.Sub(r.start)
}

type recordKey struct{}

func NewContext(ctx context.Context, rec *Record) context.Context {
	return context.WithValue(ctx, recordKey{}, rec)
}

func FromContext(ctx context.Context) (*Record, bool) {
	rec, ok := ctx.Value(recordKey{}).(*Record)
	return rec, ok
}
