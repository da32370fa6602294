// Package attributes builds the canonical view of a request or response
// that rules are evaluated against.
package attributes

// Address names one canonical attribute.
type Address string

const (
	RequestURIRaw     Address = "server.request.uri.raw"
	RequestMethod     Address = "server.request.method"
	RequestQuery      Address = "server.request.query"
	RequestHeaders    Address = "server.request.headers.no_cookies"
	RequestCookies    Address = "server.request.cookies"
	RequestBody       Address = "server.request.body"
	RequestPathParams Address = "server.request.path_params"
	ClientIPAddr      Address = "http.client_ip"
	ResponseStatus    Address = "server.response.status"
	ResponseHeaders   Address = "server.response.headers.no_cookies"
)

// Bag maps addresses to values. A Bag is filled once per phase and is not
// modified after it is handed to the evaluator.
type Bag map[Address]any

// Get returns the value stored at addr.
func (b Bag) Get(addr Address) (any, bool) {
	if b == nil {
		return nil, false
	}
	v, ok := b[addr]
	return v, ok
}

// Merge returns a new bag holding the entries of b and other; other wins on
// conflicts. Neither input is modified.
func (b Bag) Merge(other Bag) Bag {
	out := make(Bag, len(b)+len(other))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Map is an insertion-ordered multi-map. A key added once holds a string;
// adding the same key again turns its value into a []string.
type Map struct {
	keys   []string
	values map[string]any
}

func NewMap() *Map {
	return &Map{values: map[string]any{}}
}

// MapOf builds a Map from a plain map, with keys in sorted order.
func MapOf(in map[string]string) *Map {
	m := NewMap()
	for _, k := range sortedKeys(in) {
		m.Add(k, in[k])
	}
	return m
}

func (m *Map) Add(key, value string) {
	m.AddValue(key, value)
}

// AddValue stores an arbitrary value (for example a decoded JSON part).
func (m *Map) AddValue(key string, value any) {
	prev, ok := m.values[key]
	if !ok {
		m.keys = append(m.keys, key)
		m.values[key] = value
		return
	}

	switch p := prev.(type) {
	case []string:
		if s, isStr := value.(string); isStr {
			m.values[key] = append(p, s)
			return
		}
		list := make([]any, 0, len(p)+1)
		for _, item := range p {
			list = append(list, item)
		}
		m.values[key] = append(list, value)
	case []any:
		m.values[key] = append(p, value)
	case string:
		if s, isStr := value.(string); isStr {
			m.values[key] = []string{p, s}
			return
		}
		m.values[key] = []any{p, value}
	default:
		m.values[key] = []any{p, value}
	}
}

func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Range calls fn for each key in insertion order until fn returns false.
func (m *Map) Range(fn func(key string, value any) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Plain returns a copy as a regular map, used when the map is serialized.
func (m *Map) Plain() map[string]any {
	out := make(map[string]any, m.Len())
	m.Range(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}
