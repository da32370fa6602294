package rules

import "regexp"

type regexMatcher struct {
	re *regexp.Regexp
}

func newRegexMatcher(pattern string) (*regexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &regexMatcher{re: re}, nil
}

func (m *regexMatcher) Match(input string) (string, bool) {
	loc := m.re.FindStringIndex(input)
	if loc == nil {
		return "", false
	}
	return snippet(input[loc[0]:loc[1]]), true
}
