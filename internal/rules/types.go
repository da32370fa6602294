package rules

import (
	"github.com/klyr/bastion/internal/actions"
	"github.com/klyr/bastion/internal/attributes"
	"github.com/klyr/bastion/internal/normalize"
)

// Phase selects the attribute a rule inspects.
type Phase string

type Operator string

const (
	PhaseRequestURI     Phase = "request-uri"
	PhaseRequestMethod  Phase = "request-method"
	PhaseRequestQuery   Phase = "request-query"
	PhaseRequestHeader  Phase = "request-header"
	PhaseRequestCookie  Phase = "request-cookie"
	PhaseRequestBody    Phase = "request-body"
	PhasePathParam      Phase = "path-param"
	PhaseClientIP       Phase = "client-ip"
	PhaseResponseStatus Phase = "response-status"
	PhaseResponseHeader Phase = "response-header"
)

// RequestPhases are evaluated before the application runs.
var RequestPhases = []Phase{
	PhaseClientIP,
	PhaseRequestURI,
	PhaseRequestMethod,
	PhaseRequestQuery,
	PhaseRequestHeader,
	PhaseRequestCookie,
	PhasePathParam,
	PhaseRequestBody,
}

// ResponsePhases are evaluated once the application has produced its
// status and headers.
var ResponsePhases = []Phase{
	PhaseResponseStatus,
	PhaseResponseHeader,
}

var phaseAddress = map[Phase]attributes.Address{
	PhaseRequestURI:     attributes.RequestURIRaw,
	PhaseRequestMethod:  attributes.RequestMethod,
	PhaseRequestQuery:   attributes.RequestQuery,
	PhaseRequestHeader:  attributes.RequestHeaders,
	PhaseRequestCookie:  attributes.RequestCookies,
	PhaseRequestBody:    attributes.RequestBody,
	PhasePathParam:      attributes.RequestPathParams,
	PhaseClientIP:       attributes.ClientIPAddr,
	PhaseResponseStatus: attributes.ResponseStatus,
	PhaseResponseHeader: attributes.ResponseHeaders,
}

// Address returns the attribute inspected by rules of phase p.
func (p Phase) Address() (attributes.Address, bool) {
	addr, ok := phaseAddress[p]
	return addr, ok
}

func (p Phase) caseInsensitiveKey() bool {
	return p == PhaseRequestHeader || p == PhaseResponseHeader
}

const (
	OpMatchRegex  Operator = "match_regex"
	OpPhraseMatch Operator = "phrase_match"
	OpExactMatch  Operator = "exact_match"
	OpIPMatch     Operator = "ip_match"
)

// Rule is a compiled rule. Rules are never modified once their RuleSet is
// built.
type Rule struct {
	ID         string
	Name       string
	Tags       map[string]string
	Phase      Phase
	Key        string
	Operator   Operator
	Value      string
	Transforms []normalize.Transform
	Action     actions.Spec

	matcher Matcher
}

// Match records one rule that matched one value.
type Match struct {
	RuleID        string
	RuleName      string
	Tags          map[string]string
	Phase         Phase
	Operator      Operator
	OperatorValue string
	Address       attributes.Address
	KeyPath       []any
	Value         string
	Highlight     string
	Action        actions.Spec
}

// Blocking reports whether the rule's action stops the request.
func (m Match) Blocking() bool {
	return m.Action.Blocking()
}

// Matcher reports whether input matches and returns the highlighted part.
type Matcher interface {
	Match(input string) (string, bool)
}
