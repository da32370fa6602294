package rules

import (
	"bufio"
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/klyr/bastion/internal/actions"
	"github.com/klyr/bastion/internal/normalize"
)

//go:embed default_rules.yaml
var defaultRules []byte

// LoadError aggregates every problem found in a rule document.
type LoadError struct {
	Source   string
	Problems []string
	Err      error
}

func (e *LoadError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *LoadError) Error() string {
	prefix := "rules"
	if e.Source != "" {
		prefix = e.Source
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", prefix, e.Problems[0])
	}
	return fmt.Sprintf("%s: %d problem(s): %s", prefix, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type document struct {
	Version string        `yaml:"version"`
	Rules   []ruleEntry   `yaml:"rules"`
	Actions []actionEntry `yaml:"actions"`
}

type ruleEntry struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Tags       map[string]string `yaml:"tags"`
	Phase      string            `yaml:"phase"`
	Key        string            `yaml:"key"`
	Operator   string            `yaml:"operator"`
	Pattern    string            `yaml:"pattern"`
	List       []string          `yaml:"list"`
	ListFile   string            `yaml:"listFile"`
	Transforms []string          `yaml:"transforms"`
	Action     string            `yaml:"action"`
}

type actionEntry struct {
	ID         string         `yaml:"id"`
	Type       string         `yaml:"type"`
	Parameters map[string]any `yaml:"parameters"`
}

// LoadFile reads and compiles the rule document at path. Relative list
// files resolve against the document's directory.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Problems: []string{fmt.Sprintf("read: %v", err)}, Err: err}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &LoadError{Source: path, Problems: []string{fmt.Sprintf("resolve path: %v", err)}, Err: err}
	}
	rs, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Source = path
		}
		return nil, err
	}
	return rs, nil
}

// Default compiles the rule set shipped with the binary.
func Default() (*RuleSet, error) {
	return Parse(defaultRules, "")
}

// Parse compiles a YAML or JSON rule document.
func Parse(data []byte, baseDir string) (*RuleSet, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Problems: []string{fmt.Sprintf("parse: %v", err)}, Err: err}
	}

	le := &LoadError{}
	if len(doc.Rules) == 0 {
		le.add("rules must not be empty")
	}

	rs := &RuleSet{
		byID:    make(map[string]int, len(doc.Rules)),
		actions: actions.Builtins(),
		phases:  map[Phase]struct{}{},
	}

	custom := map[string]struct{}{}
	for i, entry := range doc.Actions {
		if entry.ID == "" {
			le.add("actions[%d].id is required", i)
			continue
		}
		if _, dup := custom[entry.ID]; dup {
			le.add("actions[%d].id %q is duplicated", i, entry.ID)
			continue
		}
		custom[entry.ID] = struct{}{}

		spec, err := actions.Decode(entry.ID, entry.Type, entry.Parameters)
		if err != nil {
			le.add("actions[%d] %q: %v", i, entry.ID, err)
			continue
		}
		rs.actions[entry.ID] = spec
	}

	for i, entry := range doc.Rules {
		if entry.ID == "" {
			le.add("rules[%d].id is required", i)
			continue
		}
		if _, dup := rs.byID[entry.ID]; dup {
			le.add("rules[%d].id %q is duplicated", i, entry.ID)
			continue
		}

		rule, problems := compileRule(entry, rs.actions, baseDir)
		for _, p := range problems {
			le.add("rules[%d] %q: %s", i, entry.ID, p)
		}
		if len(problems) > 0 {
			// Reserve the id so later duplicates are still reported.
			rs.byID[entry.ID] = -1
			continue
		}

		rs.byID[rule.ID] = len(rs.rules)
		rs.rules = append(rs.rules, rule)
		rs.phases[rule.Phase] = struct{}{}
	}

	if len(le.Problems) > 0 {
		sort.Strings(le.Problems)
		return nil, le
	}
	return rs, nil
}

func compileRule(entry ruleEntry, table map[string]actions.Spec, baseDir string) (Rule, []string) {
	var problems []string

	phase := Phase(entry.Phase)
	if _, ok := phase.Address(); !ok {
		problems = append(problems, fmt.Sprintf("unknown phase %q", entry.Phase))
	}

	transforms := make([]normalize.Transform, 0, len(entry.Transforms))
	for _, raw := range entry.Transforms {
		t := normalize.Transform(strings.TrimSpace(raw))
		if !normalize.Valid(t) {
			problems = append(problems, fmt.Sprintf("unknown transform %q", raw))
			continue
		}
		transforms = append(transforms, t)
	}

	actionID := entry.Action
	if actionID == "" {
		actionID = actions.BlockID
	}
	action, ok := table[actionID]
	if !ok {
		problems = append(problems, fmt.Sprintf("unknown action %q", entry.Action))
	}

	list := append([]string(nil), entry.List...)
	if entry.ListFile != "" {
		fromFile, err := readList(resolvePath(baseDir, entry.ListFile))
		if err != nil {
			problems = append(problems, fmt.Sprintf("listFile: %v", err))
		}
		list = append(list, fromFile...)
	}

	var (
		matcher Matcher
		value   string
		err     error
	)
	op := Operator(entry.Operator)
	switch op {
	case OpMatchRegex:
		value = entry.Pattern
		if value == "" {
			err = errors.New("pattern is required")
		} else {
			matcher, err = newRegexMatcher(value)
		}
	case OpPhraseMatch:
		list = applyListTransforms(list, transforms)
		value = strings.Join(list, ",")
		matcher, err = newPhraseMatcher(list)
	case OpExactMatch:
		list = applyListTransforms(list, transforms)
		value = strings.Join(list, ",")
		matcher, err = newExactMatcher(list)
	case OpIPMatch:
		value = strings.Join(list, ",")
		matcher, err = newIPMatcher(list)
	default:
		err = fmt.Errorf("unknown operator %q", entry.Operator)
	}
	if err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return Rule{}, problems
	}

	tags := make(map[string]string, len(entry.Tags))
	for k, v := range entry.Tags {
		tags[k] = v
	}

	return Rule{
		ID:         entry.ID,
		Name:       entry.Name,
		Tags:       tags,
		Phase:      phase,
		Key:        entry.Key,
		Operator:   op,
		Value:      value,
		Transforms: transforms,
		Action:     action,
		matcher:    matcher,
	}, nil
}

// applyListTransforms lowercases list entries when the rule lowercases its
// input, so both sides compare in the same form.
func applyListTransforms(list []string, transforms []normalize.Transform) []string {
	lower := false
	for _, t := range transforms {
		if t == normalize.Lowercase {
			lower = true
			break
		}
	}
	if !lower {
		return list
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, strings.ToLower(item))
	}
	return out
}

func readList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var out []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
