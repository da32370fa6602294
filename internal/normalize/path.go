package normalize

import "strings"

// NormalizePath resolves "." and ".." segments and collapses repeated
// slashes. ".." never climbs above the root; a leading and a trailing slash
// are preserved. An empty value stays empty.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	if p == "/" {
		return "/"
	}

	segments := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			continue
		}
		if seg != ".." {
			segments = append(segments, seg)
			continue
		}
		if n := len(segments); n > 0 {
			segments = segments[:n-1]
		}
	}

	joined := strings.Join(segments, "/")
	if strings.HasPrefix(p, "/") {
		joined = "/" + joined
	}
	if joined == "" || joined == "/" {
		return "/"
	}
	if strings.HasSuffix(p, "/") {
		joined += "/"
	}
	return joined
}
