package rules

import (
	"strings"

	"github.com/klyr/bastion/internal/actions"
	"github.com/klyr/bastion/internal/attributes"
	"github.com/klyr/bastion/internal/normalize"
)

// RuleSet is an immutable, compiled rule document. It is safe for
// concurrent use.
type RuleSet struct {
	rules   []Rule
	byID    map[string]int
	actions map[string]actions.Spec
	phases  map[Phase]struct{}
}

// EvalOptions tunes one evaluation.
type EvalOptions struct {
	// StopAtFirstBlock ends the evaluation at the first blocking match.
	StopAtFirstBlock bool
	// MaxDepth bounds how deep nested values are walked.
	MaxDepth int
}

func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Rules returns a copy of the rules in evaluation order.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

func (rs *RuleSet) Rule(id string) (Rule, bool) {
	idx, ok := rs.byID[id]
	if !ok || idx < 0 {
		return Rule{}, false
	}
	return rs.rules[idx], true
}

// Action returns a declared or built-in action.
func (rs *RuleSet) Action(id string) (actions.Spec, bool) {
	spec, ok := rs.actions[id]
	return spec, ok
}

// HasPhase reports whether any rule inspects phase.
func (rs *RuleSet) HasPhase(phase Phase) bool {
	_, ok := rs.phases[phase]
	return ok
}

// Evaluate runs the rules of the given phases against bag, in rule-set
// order. A rule contributes at most one match, for the first value that
// satisfies it.
func (rs *RuleSet) Evaluate(bag attributes.Bag, phases []Phase, opts EvalOptions) []Match {
	if rs == nil || len(bag) == 0 {
		return nil
	}

	wanted := make(map[Phase]struct{}, len(phases))
	for _, p := range phases {
		wanted[p] = struct{}{}
	}

	var matches []Match
	for i := range rs.rules {
		rule := &rs.rules[i]
		if _, ok := wanted[rule.Phase]; !ok {
			continue
		}
		m, ok := rule.evaluate(bag, opts.MaxDepth)
		if !ok {
			continue
		}
		matches = append(matches, m)
		if opts.StopAtFirstBlock && m.Blocking() {
			break
		}
	}
	return matches
}

func (r *Rule) evaluate(bag attributes.Bag, maxDepth int) (Match, bool) {
	addr, _ := r.Phase.Address()
	value, ok := bag.Get(addr)
	if !ok {
		return Match{}, false
	}

	var prefix []any
	if r.Key != "" {
		value, ok = r.lookupKey(value)
		if !ok {
			return Match{}, false
		}
		prefix = []any{r.Key}
	}

	var (
		match Match
		found bool
	)
	attributes.Walk(value, maxDepth, func(path []any, leaf string) bool {
		input := normalize.Apply(leaf, r.Transforms)
		highlight, ok := r.matcher.Match(input)
		if !ok {
			return true
		}
		keyPath := append(append([]any{}, prefix...), path...)
		match = Match{
			RuleID:        r.ID,
			RuleName:      r.Name,
			Tags:          r.Tags,
			Phase:         r.Phase,
			Operator:      r.Operator,
			OperatorValue: r.Value,
			Address:       addr,
			KeyPath:       keyPath,
			Value:         leaf,
			Highlight:     highlight,
			Action:        r.Action,
		}
		found = true
		return false
	})
	return match, found
}

// lookupKey narrows a keyed value to the entry named by the rule.
func (r *Rule) lookupKey(value any) (any, bool) {
	key := r.Key
	if r.Phase.caseInsensitiveKey() {
		key = strings.ToLower(key)
	}
	switch v := value.(type) {
	case *attributes.Map:
		return v.Get(key)
	case map[string]any:
		item, ok := v[key]
		return item, ok
	case map[string]string:
		item, ok := v[key]
		return item, ok
	default:
		return nil, false
	}
}
