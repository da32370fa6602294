// Package actions turns rule actions into concrete HTTP responses.
package actions

import (
	"fmt"
	"net/http"

	"github.com/mitchellh/mapstructure"
)

// Type is the kind of an action.
type Type string

// TemplateType selects the body of a block response.
type TemplateType string

const (
	TypeBlock    Type = "block_request"
	TypeRedirect Type = "redirect_request"
	TypeMonitor  Type = "monitor"
)

const (
	TemplateAuto TemplateType = "auto"
	TemplateJSON TemplateType = "json"
	TemplateHTML TemplateType = "html"
)

// Built-in action ids, always available to rules.
const (
	BlockID     = "block"
	MonitorID   = "monitor"
	RateLimitID = "rate_limit"
)

// Spec is a resolved action definition.
type Spec struct {
	ID         string
	Type       Type
	StatusCode int
	Template   TemplateType
	Location   string
}

// Blocking reports whether the action stops the request.
func (s Spec) Blocking() bool {
	return s.Type == TypeBlock || s.Type == TypeRedirect
}

// Builtins returns a fresh table of the built-in actions.
func Builtins() map[string]Spec {
	return map[string]Spec{
		BlockID:     {ID: BlockID, Type: TypeBlock, StatusCode: http.StatusForbidden, Template: TemplateAuto},
		MonitorID:   {ID: MonitorID, Type: TypeMonitor},
		RateLimitID: {ID: RateLimitID, Type: TypeBlock, StatusCode: http.StatusTooManyRequests, Template: TemplateJSON},
	}
}

type params struct {
	StatusCode int          `mapstructure:"status_code"`
	Type       TemplateType `mapstructure:"type"`
	Location   string       `mapstructure:"location"`
}

// Decode builds a Spec from a declared action. Parameter values are decoded
// weakly, so "301" and 301 are both accepted as a status code.
func Decode(id string, typ string, raw map[string]any) (Spec, error) {
	p := params{Type: TemplateAuto}
	if err := mapstructure.WeakDecode(raw, &p); err != nil {
		return Spec{}, fmt.Errorf("decode parameters: %w", err)
	}

	switch Type(typ) {
	case TypeBlock:
		return blockSpec(id, p)
	case TypeRedirect:
		return redirectSpec(id, p), nil
	case TypeMonitor:
		return Spec{ID: id, Type: TypeMonitor}, nil
	default:
		return Spec{}, fmt.Errorf("unknown action type %q", typ)
	}
}

func blockSpec(id string, p params) (Spec, error) {
	switch p.Type {
	case "":
		p.Type = TemplateAuto
	case TemplateAuto, TemplateJSON, TemplateHTML:
	default:
		return Spec{}, fmt.Errorf("unknown template type %q", p.Type)
	}
	if p.StatusCode == 0 {
		p.StatusCode = http.StatusForbidden
	}
	if p.StatusCode < 100 || p.StatusCode > 599 {
		return Spec{}, fmt.Errorf("status_code %d out of range", p.StatusCode)
	}
	return Spec{ID: id, Type: TypeBlock, StatusCode: p.StatusCode, Template: p.Type}, nil
}

func redirectSpec(id string, p params) Spec {
	// Without a target the redirect degrades to a plain block.
	if p.Location == "" {
		return Spec{ID: id, Type: TypeBlock, StatusCode: http.StatusForbidden, Template: TemplateAuto}
	}
	status := p.StatusCode
	if status < http.StatusMultipleChoices || status >= http.StatusBadRequest {
		status = http.StatusSeeOther
	}
	return Spec{ID: id, Type: TypeRedirect, StatusCode: status, Location: p.Location}
}
