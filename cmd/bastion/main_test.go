package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klyr/bastion/internal/report"
	"github.com/klyr/bastion/internal/rules"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRulesCheckBuiltin(t *testing.T) {
	out, err := execute(t, "rules", "check", "--list")
	if err != nil {
		t.Fatalf("rules check: %v", err)
	}
	if !strings.Contains(out, "nfd-000-001") || !strings.Contains(out, "rules ok: 8 rules") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRulesCheckSample(t *testing.T) {
	out, err := execute(t, "rules", "check", filepath.Join("..", "..", "configs", "rules.yaml"))
	if err != nil {
		t.Fatalf("rules check: %v", err)
	}
	if !strings.Contains(out, "rules ok") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRulesCheckReportsProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := "rules:\n  - {id: a, phase: request-uri, operator: exact_match, list: [x]}\n  - {id: a, phase: request-uri, operator: exact_match, list: [y]}\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "rules", "check", path)
	var lerr *rules.LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if len(lerr.Problems) != 1 || !strings.Contains(lerr.Problems[0], "duplicated") {
		t.Fatalf("unexpected problems %v", lerr.Problems)
	}
}

func TestValidateSampleConfig(t *testing.T) {
	out, err := execute(t, "validate", "-c", filepath.Join("..", "..", "configs", "bastion.yaml"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.HasPrefix(out, "config ok, ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "version=dev") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestReportFiltersByRoute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log := `{"ts":"2024-06-01T00:00:00Z","route_id":"api","action":"block","status_code":403,"blocked_by":"crs-942-100","matched_rules":[{"id":"crs-942-100","tags":{"type":"sql_injection"}}]}
{"ts":"2024-06-01T00:00:01Z","route_id":"api","action":"block","status_code":403,"blocked_by":"nfd-000-001","matched_rules":[{"id":"nfd-000-001","tags":{"type":"lfi"}}]}
{"ts":"2024-06-01T00:00:02Z","route_id":"web","action":"allow","status_code":200}
`
	if err := os.WriteFile(path, []byte(log), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "report", "--in", path, "--route", "api", "--format", "json", "--top", "1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var summary report.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("report output is not json: %v\n%s", err, out)
	}
	if summary.Total != 2 || summary.Blocked != 2 {
		t.Fatalf("unexpected totals %+v", summary)
	}
	if len(summary.TopBlockedBy) != 1 {
		t.Fatalf("expected one ranked blocking rule, got %+v", summary.TopBlockedBy)
	}

	out, err = execute(t, "report", "--in", path, "--blocked-by", "nfd-000-001")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(out, "nfd-000-001") || strings.Contains(out, "crs-942-100") {
		t.Fatalf("unexpected text report %q", out)
	}
}

func TestReportRequiresInput(t *testing.T) {
	if _, err := execute(t, "report"); err == nil || !strings.Contains(err.Error(), "--in is required") {
		t.Fatalf("expected missing input error, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "report", "--in", path, "--top", "0"); err == nil {
		t.Fatal("expected --top 0 to be rejected")
	}
}
