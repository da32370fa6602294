package attributes

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes caps how much of a request body is read for
// inspection.
const DefaultMaxBodyBytes int64 = 1 << 20

// Extractor turns live requests and responses into bags.
type Extractor struct {
	// ClientIPHeader, when set, is the only header consulted for the client IP.
	ClientIPHeader string
	// MaxBodyBytes caps the inspected body size. Larger bodies are not
	// inspected.
	MaxBodyBytes int64
	// MaxDepth bounds nesting of parsed bodies.
	MaxDepth int
	Logger   zerolog.Logger
}

// Request builds the request-phase bag. The body, when read, is restored on
// r so the wrapped handler still receives it in full.
func (e *Extractor) Request(r *http.Request, pathParams map[string]string) Bag {
	bag := Bag{
		RequestMethod: r.Method,
		RequestURIRaw: requestURI(r),
	}

	if r.URL != nil && r.URL.RawQuery != "" {
		bag[RequestQuery] = ParseQuery(r.URL.RawQuery)
	}

	if headers := headerMap(r.Header, "cookie"); headers.Len() > 0 {
		bag[RequestHeaders] = headers
	}

	if cookies := r.Cookies(); len(cookies) > 0 {
		m := NewMap()
		for _, c := range cookies {
			m.Add(c.Name, c.Value)
		}
		bag[RequestCookies] = m
	}

	if len(pathParams) > 0 {
		bag[RequestPathParams] = MapOf(pathParams)
	}

	if ip, ok := ClientIP(r.Header, r.RemoteAddr, e.ClientIPHeader); ok {
		bag[ClientIPAddr] = ip.String()
	}

	if body, ok := e.requestBody(r); ok {
		bag[RequestBody] = body
	}

	return bag
}

// Response builds the response-phase bag.
func (e *Extractor) Response(status int, header http.Header) Bag {
	bag := Bag{ResponseStatus: strconv.Itoa(status)}
	if headers := headerMap(header, "set-cookie"); headers.Len() > 0 {
		bag[ResponseHeaders] = headers
	}
	return bag
}

func (e *Extractor) requestBody(r *http.Request) (any, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}
	contentType := r.Header.Get("Content-Type")
	if !SupportsBody(contentType) {
		return nil, false
	}

	limit := e.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body = restoreBody(data, r.Body)
	if err != nil {
		e.Logger.Warn().Err(err).Str("content_type", contentType).Msg("Failed to read request body")
		return nil, false
	}
	if int64(len(data)) > limit {
		e.Logger.Debug().Int64("limit", limit).Msg("Request body exceeds inspection limit, skipping")
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	value, err := ParseBody(contentType, data, e.MaxDepth)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedBody) {
			e.Logger.Warn().Err(err).Str("content_type", contentType).Msg("Failed to parse request body")
		}
		return nil, false
	}
	return value, true
}

type readCloser struct {
	io.Reader
	io.Closer
}

func restoreBody(read []byte, rest io.ReadCloser) io.ReadCloser {
	return readCloser{Reader: io.MultiReader(bytes.NewReader(read), rest), Closer: rest}
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	if r.URL != nil {
		return r.URL.RequestURI()
	}
	return "/"
}

// headerMap lowercases names and drops the excluded header.
func headerMap(header http.Header, exclude string) *Map {
	m := NewMap()
	names := make(map[string][]string, len(header))
	for name, values := range header {
		lower := strings.ToLower(name)
		if lower == exclude {
			continue
		}
		names[lower] = append(names[lower], values...)
	}
	for _, name := range sortedKeys(names) {
		for _, v := range names[name] {
			m.Add(name, v)
		}
	}
	return m
}
