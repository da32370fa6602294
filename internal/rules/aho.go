package rules

import "errors"

// phraseMatcher finds any of a set of phrases in one pass (Aho-Corasick).
type phraseMatcher struct {
	nodes []phraseNode
}

type phraseNode struct {
	next map[byte]int
	fail int
	out  []string
}

func newPhraseMatcher(phrases []string) (*phraseMatcher, error) {
	if len(phrases) == 0 {
		return nil, errors.New("list is required")
	}

	nodes := []phraseNode{{next: map[byte]int{}}}
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		current := 0
		for i := 0; i < len(phrase); i++ {
			b := phrase[i]
			next, ok := nodes[current].next[b]
			if !ok {
				nodes = append(nodes, phraseNode{next: map[byte]int{}})
				next = len(nodes) - 1
				nodes[current].next[b] = next
			}
			current = next
		}
		nodes[current].out = append(nodes[current].out, phrase)
	}
	if len(nodes) == 1 {
		return nil, errors.New("no non-empty phrases")
	}

	queue := make([]int, 0, len(nodes))
	for _, next := range nodes[0].next {
		queue = append(queue, next)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]

		for b, next := range nodes[state].next {
			fail := nodes[state].fail
			for fail != 0 {
				if _, ok := nodes[fail].next[b]; ok {
					break
				}
				fail = nodes[fail].fail
			}
			if target, ok := nodes[fail].next[b]; ok && target != next {
				nodes[next].fail = target
			}
			nodes[next].out = append(nodes[next].out, nodes[nodes[next].fail].out...)
			queue = append(queue, next)
		}
	}

	return &phraseMatcher{nodes: nodes}, nil
}

func (m *phraseMatcher) Match(input string) (string, bool) {
	state := 0
	for i := 0; i < len(input); i++ {
		b := input[i]
		for state != 0 {
			if _, ok := m.nodes[state].next[b]; ok {
				break
			}
			state = m.nodes[state].fail
		}
		if next, ok := m.nodes[state].next[b]; ok {
			state = next
		}
		if out := m.nodes[state].out; len(out) > 0 {
			return snippet(out[0]), true
		}
	}
	return "", false
}
