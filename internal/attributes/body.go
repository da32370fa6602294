package attributes

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// ErrUnsupportedBody is returned for content types whose bodies are never
// inspected.
var ErrUnsupportedBody = errors.New("unsupported body content type")

type bodyParser func(body []byte, params map[string]string, maxDepth int) (any, error)

// Content types not listed here are not inspected at all, not even as raw
// text.
var bodyParsers = map[string]bodyParser{
	"application/json":                  parseJSON,
	"text/json":                         parseJSON,
	"application/xml":                   parseXML,
	"text/xml":                          parseXML,
	"application/x-www-form-urlencoded": parseForm,
	"multipart/form-data":               parseMultipart,
}

// SupportsBody reports whether bodies of contentType are inspected.
func SupportsBody(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := bodyParsers[mediaType]
	return ok
}

// ParseBody decodes body according to contentType. It returns
// ErrUnsupportedBody for content types that are not inspected.
func ParseBody(contentType string, body []byte, maxDepth int) (any, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, ErrUnsupportedBody
	}
	parse, ok := bodyParsers[mediaType]
	if !ok {
		return nil, ErrUnsupportedBody
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return parse(body, params, maxDepth)
}

func parseJSON(body []byte, _ map[string]string, maxDepth int) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level value")
	}
	if d := depth(value); d > maxDepth {
		return nil, fmt.Errorf("nesting depth %d exceeds %d", d, maxDepth)
	}
	return value, nil
}

func depth(value any) int {
	max := 0
	switch v := value.(type) {
	case map[string]any:
		for _, item := range v {
			if d := depth(item); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		for _, item := range v {
			if d := depth(item); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

// parseXML flattens the document to leaf element name -> text pairs.
func parseXML(body []byte, _ map[string]string, maxDepth int) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	type frame struct {
		name     string
		text     strings.Builder
		children int
	}

	out := NewMap()
	var stack []*frame
	roots := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				roots++
			} else {
				stack[len(stack)-1].children++
			}
			if len(stack) >= maxDepth {
				return nil, fmt.Errorf("nesting depth exceeds %d", maxDepth)
			}
			stack = append(stack, &frame{name: t.Name.Local})
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			} else if strings.TrimSpace(string(t)) != "" {
				return nil, errors.New("character data outside of root element")
			}
		case xml.EndElement:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.children == 0 {
				out.Add(top.name, strings.TrimSpace(top.text.String()))
			}
		}
	}

	if roots == 0 {
		return nil, errors.New("no root element")
	}
	return out, nil
}

func parseForm(body []byte, _ map[string]string, _ int) (any, error) {
	return ParseQuery(string(body)), nil
}

func parseMultipart(body []byte, params map[string]string, maxDepth int) (any, error) {
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("missing multipart boundary")
	}

	out := NewMap()
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		// File uploads are not inspected.
		if part.FileName() != "" {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}

		name := part.FormName()
		partType := part.Header.Get("Content-Type")
		if mediaType, _, err := mime.ParseMediaType(partType); err == nil && (mediaType == "application/json" || mediaType == "text/json") {
			if value, err := parseJSON(data, nil, maxDepth-1); err == nil {
				out.AddValue(name, value)
				continue
			}
		}
		out.Add(name, string(data))
	}
	return out, nil
}

// ParseQuery decodes an application/x-www-form-urlencoded string keeping
// pair order. A key without "=" gets an empty value; pairs whose escaping is
// invalid are kept verbatim.
func ParseQuery(raw string) *Map {
	out := NewMap()
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		out.Add(unescapeQuery(key), unescapeQuery(value))
	}
	return out
}

func unescapeQuery(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}
