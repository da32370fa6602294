package attributes

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// monitoredIPHeaders are walked in order when no override header is set.
var monitoredIPHeaders = []string{
	"x-forwarded-for",
	"x-real-ip",
	"true-client-ip",
	"x-client-ip",
	"x-forwarded",
	"forwarded-for",
	"x-cluster-client-ip",
	"fastly-client-ip",
	"cf-connecting-ip",
	"cf-connecting-ipv6",
	"forwarded",
}

// ClientIP resolves the client address of a request.
//
// With an override header, only that header is consulted: when it is
// present but empty or invalid no IP is returned, even if other headers
// carry one. Without an override, the monitored headers are walked and the
// first global address wins; otherwise the first valid private address is
// kept. The remote address is the fallback, and a private remote address is
// superseded by any address found in the headers.
func ClientIP(header http.Header, remoteAddr, override string) (netip.Addr, bool) {
	if override != "" {
		values := header.Values(override)
		if len(values) == 0 {
			return fallbackRemote(remoteAddr)
		}
		for _, candidate := range splitIPs(override, values) {
			if ip := parseIP(candidate); ip.IsValid() {
				return ip, true
			}
		}
		return netip.Addr{}, false
	}

	var found netip.Addr
headers:
	for _, name := range monitoredIPHeaders {
		values := header.Values(name)
		if len(values) == 0 {
			continue
		}
		for _, candidate := range splitIPs(name, values) {
			ip := parseIP(candidate)
			if !ip.IsValid() {
				continue
			}
			if !found.IsValid() {
				found = ip
			}
			if isGlobal(ip) {
				found = ip
				break headers
			}
		}
	}

	remote, hasRemote := fallbackRemote(remoteAddr)
	switch {
	case isGlobal(found):
		return found, true
	case found.IsValid() && !isGlobal(remote):
		return found, true
	case hasRemote:
		return remote, true
	default:
		return netip.Addr{}, false
	}
}

func fallbackRemote(remoteAddr string) (netip.Addr, bool) {
	ip := parseIP(remoteAddr)
	return ip, ip.IsValid()
}

func splitIPs(name string, values []string) []string {
	var out []string
	for _, value := range values {
		if strings.EqualFold(name, "forwarded") {
			out = append(out, parseForwarded(value)...)
			continue
		}
		for _, item := range strings.Split(value, ",") {
			out = append(out, strings.TrimSpace(item))
		}
	}
	return out
}

// parseForwarded returns the "for" directives of an RFC 7239 header.
func parseForwarded(value string) []string {
	var out []string
	for _, element := range strings.Split(value, ",") {
		for _, pair := range strings.Split(element, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(k, "for") {
				continue
			}
			v = strings.Trim(v, `"`)
			if strings.HasPrefix(v, "[") {
				if end := strings.Index(v, "]"); end > 0 {
					v = v[1:end]
				}
			}
			out = append(out, v)
		}
	}
	return out
}

func parseIP(s string) netip.Addr {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}
	}
	if ip, err := netip.ParseAddr(s); err == nil {
		return ip.Unmap()
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if ip, err := netip.ParseAddr(host); err == nil {
			return ip.Unmap()
		}
	}
	return netip.Addr{}
}

func isGlobal(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() &&
		!ip.IsUnspecified() && !ip.IsMulticast()
}
