// Package report summarizes decision logs.
package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klyr/bastion/internal/logging"
)

// DefaultTop is the number of entries kept in each ranked section.
const DefaultTop = 5

type Summary struct {
	Total        int            `json:"total"`
	Allowed      int            `json:"allowed"`
	Blocked      int            `json:"blocked"`
	Monitored    int            `json:"monitored"`
	RateLimited  int            `json:"rate_limited"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	TopBlockedBy []CountItem    `json:"top_blocked_by"`
	TopMatched   []CountItem    `json:"top_matched_rules"`
	TopTypes     []CountItem    `json:"top_attack_types"`
	TopClients   []CountItem    `json:"top_flagged_clients"`
	Statuses     []CountItem    `json:"status_codes"`
	Latency      LatencySummary `json:"latency"`
}

type CountItem struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type LatencySummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Reader loads decisions from a JSONL decision log. Decisions older than
// Since, or not matching the optional route and blocking rule filters, are
// skipped.
type Reader struct {
	Since     time.Time
	RouteID   string
	BlockedBy string
}

func (r *Reader) keep(d logging.Decision) bool {
	if !r.Since.IsZero() && d.Timestamp.Before(r.Since) {
		return false
	}
	if r.RouteID != "" && d.RouteID != r.RouteID {
		return false
	}
	if r.BlockedBy != "" && d.BlockedBy != r.BlockedBy {
		return false
	}
	return true
}

func (r *Reader) Read(path string) ([]logging.Decision, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return r.decode(file)
}

func (r *Reader) decode(in io.Reader) ([]logging.Decision, error) {
	var decisions []logging.Decision
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var d logging.Decision
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !r.keep(d) {
			continue
		}
		decisions = append(decisions, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return decisions, nil
}

func Summarize(decisions []logging.Decision) Summary {
	return SummarizeTop(decisions, DefaultTop)
}

// SummarizeTop is Summarize with top entries per ranked section.
func SummarizeTop(decisions []logging.Decision, top int) Summary {
	if top <= 0 {
		top = DefaultTop
	}

	var summary Summary
	if len(decisions) == 0 {
		return summary
	}

	summary.Start = decisions[0].Timestamp
	summary.End = decisions[0].Timestamp

	blockedBy := map[string]int{}
	matched := map[string]int{}
	types := map[string]int{}
	clients := map[string]int{}
	statuses := map[string]int{}
	latencies := make([]int64, 0, len(decisions))

	for _, d := range decisions {
		summary.Total++
		if d.Timestamp.Before(summary.Start) {
			summary.Start = d.Timestamp
		}
		if d.Timestamp.After(summary.End) {
			summary.End = d.Timestamp
		}

		switch d.Action {
		case "allow":
			summary.Allowed++
		case "block":
			summary.Blocked++
		case "monitor":
			summary.Monitored++
		}
		if d.RateLimited {
			summary.RateLimited++
		}

		if d.BlockedBy != "" {
			blockedBy[d.BlockedBy]++
		}
		for _, match := range d.MatchedRules {
			matched[match.ID]++
			if typ := match.Tags["type"]; typ != "" {
				types[typ]++
			}
		}
		if (len(d.MatchedRules) > 0 || d.RateLimited) && d.ClientIP != "" {
			clients[d.ClientIP]++
		}
		if d.StatusCode > 0 {
			statuses[fmt.Sprint(d.StatusCode)]++
		}

		latencies = append(latencies, d.DurationMS)
	}

	summary.TopBlockedBy = topCounts(blockedBy, top)
	summary.TopMatched = topCounts(matched, top)
	summary.TopTypes = topCounts(types, top)
	summary.TopClients = topCounts(clients, top)
	summary.Statuses = topCounts(statuses, len(statuses))
	summary.Latency = latencySummary(latencies)

	return summary
}

func topCounts(counts map[string]int, n int) []CountItem {
	items := make([]CountItem, 0, len(counts))
	for key, count := range counts {
		items = append(items, CountItem{Key: key, Count: count})
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})

	if len(items) > n {
		items = items[:n]
	}
	return items
}

func latencySummary(values []int64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencySummary{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := int(float64(len(values)-1) * p)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return float64(values[idx])
}

type section struct {
	title string
	items []CountItem
}

func (s Summary) sections() []section {
	return []section{
		{"Blocking rules", s.TopBlockedBy},
		{"Matched rules", s.TopMatched},
		{"Attack types", s.TopTypes},
		{"Flagged clients", s.TopClients},
		{"Status codes", s.Statuses},
	}
}

func RenderText(summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d\n", summary.Total)
	fmt.Fprintf(&b, "Allowed: %d\n", summary.Allowed)
	fmt.Fprintf(&b, "Blocked: %d\n", summary.Blocked)
	fmt.Fprintf(&b, "Monitored: %d\n", summary.Monitored)
	fmt.Fprintf(&b, "Rate limited: %d\n", summary.RateLimited)
	fmt.Fprintf(&b, "Latency p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)

	for _, s := range summary.sections() {
		writeCounts(&b, s.title, s.items)
	}
	return b.String()
}

func RenderMarkdown(summary Summary) string {
	var b strings.Builder
	b.WriteString("# Bastion Report\n\n")
	if !summary.Start.IsZero() {
		fmt.Fprintf(&b, "%s to %s\n\n", summary.Start.Format(time.RFC3339), summary.End.Format(time.RFC3339))
	}
	b.WriteString("## Totals\n\n")
	fmt.Fprintf(&b, "- Total: %d\n", summary.Total)
	fmt.Fprintf(&b, "- Allowed: %d\n", summary.Allowed)
	fmt.Fprintf(&b, "- Blocked: %d\n", summary.Blocked)
	fmt.Fprintf(&b, "- Monitored: %d\n", summary.Monitored)
	fmt.Fprintf(&b, "- Rate limited: %d\n", summary.RateLimited)
	fmt.Fprintf(&b, "- Latency p50/p95/p99 (ms): %.0f/%.0f/%.0f\n\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)

	for _, s := range summary.sections() {
		writeCountsMarkdown(&b, s.title, s.items)
	}
	return b.String()
}

func RenderJSON(summary Summary) ([]byte, error) {
	return json.MarshalIndent(summary, "", "  ")
}

func writeCounts(b *strings.Builder, title string, items []CountItem) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
}

func writeCountsMarkdown(b *strings.Builder, title string, items []CountItem) {
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n\n")
	if len(items) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
	b.WriteString("\n")
}

// WriteOutput writes content to path, or to stdout when path is empty.
func WriteOutput(path string, content []byte) error {
	if path == "" {
		_, err := io.Copy(os.Stdout, bytes.NewReader(content))
		return err
	}
	return os.WriteFile(path, content, 0o600)
}
