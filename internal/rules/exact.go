package rules

import (
	"errors"
	"net/netip"
	"strings"
)

type exactMatcher struct {
	values map[string]struct{}
}

func newExactMatcher(values []string) (*exactMatcher, error) {
	if len(values) == 0 {
		return nil, errors.New("list is required")
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return &exactMatcher{values: set}, nil
}

func (m *exactMatcher) Match(input string) (string, bool) {
	if _, ok := m.values[input]; ok {
		return snippet(input), true
	}
	return "", false
}

// ipMatcher matches addresses against single IPs and CIDR ranges.
type ipMatcher struct {
	prefixes []netip.Prefix
}

func newIPMatcher(values []string) (*ipMatcher, error) {
	if len(values) == 0 {
		return nil, errors.New("list is required")
	}
	m := &ipMatcher{prefixes: make([]netip.Prefix, 0, len(values))}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.Contains(v, "/") {
			prefix, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			m.prefixes = append(m.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		m.prefixes = append(m.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return m, nil
}

func (m *ipMatcher) Match(input string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(input))
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	for _, prefix := range m.prefixes {
		if prefix.Contains(addr) {
			return addr.String(), true
		}
	}
	return "", false
}
