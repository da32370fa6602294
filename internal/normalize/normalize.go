package normalize

import (
	"html"
	"net/url"
	"strings"
)

// Transform names a single normalization step applied to a value before
// matching.
type Transform string

const (
	Lowercase          Transform = "lowercase"
	URLDecode          Transform = "url_decode"
	HTMLEntity         Transform = "html_entity"
	NormalizePathStep  Transform = "normalize_path"
	RemoveNulls        Transform = "remove_nulls"
	CompressWhitespace Transform = "compress_whitespace"
)

const defaultDecodeDepth = 2

var known = map[Transform]func(string) string{
	Lowercase:          strings.ToLower,
	URLDecode:          func(s string) string { return Decode(s, defaultDecodeDepth) },
	HTMLEntity:         html.UnescapeString,
	NormalizePathStep:  NormalizePath,
	RemoveNulls:        func(s string) string { return strings.ReplaceAll(s, "\x00", "") },
	CompressWhitespace: compressWhitespace,
}

// Valid reports whether t is a known transform.
func Valid(t Transform) bool {
	_, ok := known[t]
	return ok
}

// Apply runs the transforms in order. Unknown transforms are skipped; the
// rule loader rejects them before they get here.
func Apply(input string, transforms []Transform) string {
	out := input
	for _, t := range transforms {
		if fn, ok := known[t]; ok {
			out = fn(out)
		}
	}
	return out
}

// Decode percent-decodes input at most depth times, stopping early when a
// pass changes nothing or the input is not valid escaping.
func Decode(input string, depth int) string {
	if depth <= 0 {
		depth = defaultDecodeDepth
	}

	decoded := input
	for i := 0; i < depth; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil || next == decoded {
			break
		}
		decoded = next
	}
	return decoded
}

func compressWhitespace(input string) string {
	return strings.Join(strings.Fields(input), " ")
}
