package httpsec

import (
	"context"
	"fmt"
	"net/http"

	"github.com/klyr/bastion/internal/actions"
	"github.com/klyr/bastion/internal/appsec"
	"github.com/klyr/bastion/internal/attributes"
	"github.com/klyr/bastion/internal/policy"
	"github.com/klyr/bastion/internal/rules"
	"github.com/klyr/bastion/internal/trace"
)

// State is the progress of one request through the engine.
type State int

const (
	StateNew State = iota
	StateRequestEvaluated
	StateBlocked
	StatePassedToApp
	StateResponseEvaluated
	StateResponseBlockedOrTagged
	StateDone
)

var stateNames = map[State]string{
	StateNew:                     "NEW",
	StateRequestEvaluated:        "REQUEST_EVALUATED",
	StateBlocked:                 "BLOCKED",
	StatePassedToApp:             "PASSED_TO_APP",
	StateResponseEvaluated:       "RESPONSE_EVALUATED",
	StateResponseBlockedOrTagged: "RESPONSE_BLOCKED_OR_TAGGED",
	StateDone:                    "DONE",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateBlocked || s == StateResponseBlockedOrTagged || s == StateDone
}

var transitions = map[State][]State{
	StateNew:               {StateRequestEvaluated, StatePassedToApp},
	StateRequestEvaluated:  {StateBlocked, StatePassedToApp},
	StatePassedToApp:       {StateResponseEvaluated, StateDone},
	StateResponseEvaluated: {StateResponseBlockedOrTagged, StateDone},
}

// Operation carries one request through both phases. Every evaluation of
// the request uses the snapshot captured when it started.
type Operation struct {
	snap  *appsec.Snapshot
	rec   *trace.Record
	state State
}

func newOperation(snap *appsec.Snapshot, rec *trace.Record) *Operation {
	return &Operation{snap: snap, rec: rec, state: StateNew}
}

func (o *Operation) State() State {
	return o.state
}

func (o *Operation) Record() *trace.Record {
	return o.rec
}

func (o *Operation) Snapshot() *appsec.Snapshot {
	return o.snap
}

func (o *Operation) transition(to State) {
	for _, allowed := range transitions[o.state] {
		if allowed == to {
			o.state = to
			return
		}
	}
	panic(fmt.Sprintf("httpsec: invalid transition %s -> %s", o.state, to))
}

// evaluateRequest runs the request phase. It returns the response to write
// instead of calling the application, if any.
func (o *Operation) evaluateRequest(r *http.Request, pathParams map[string]string) (actions.Response, bool) {
	if !o.snap.Enabled() {
		trace.SetRequestTags(o.rec, r, "")
		o.transition(StatePassedToApp)
		return actions.Response{}, false
	}

	bag := o.snap.Extractor().Request(r, pathParams)
	clientIP, _ := bag[attributes.ClientIPAddr].(string)
	trace.SetRequestTags(o.rec, r, clientIP)

	matches := o.snap.Evaluate(bag, rules.RequestPhases)
	trace.Annotate(o.rec, matches)
	o.transition(StateRequestEvaluated)

	decision := policy.Decide(o.snap.Mode(), matches)
	if !decision.Blocked() {
		o.transition(StatePassedToApp)
		return actions.Response{}, false
	}

	resp := actions.Resolve(decision.Match.Action, r.Header.Get("Accept"))
	trace.MarkBlocked(o.rec, decision.Match)
	o.transition(StateBlocked)
	return resp, true
}

// evaluateResponse runs the response phase on the status and headers the
// application produced. When replaceable is false matches are only
// annotated.
func (o *Operation) evaluateResponse(status int, header http.Header, accept string, replaceable bool) (actions.Response, bool) {
	if o.state != StatePassedToApp {
		return actions.Response{}, false
	}
	if !o.snap.Enabled() {
		o.transition(StateDone)
		return actions.Response{}, false
	}

	bag := o.snap.Extractor().Response(status, header)
	matches := o.snap.Evaluate(bag, rules.ResponsePhases)
	trace.Annotate(o.rec, matches)
	o.transition(StateResponseEvaluated)

	if len(matches) == 0 {
		o.transition(StateDone)
		return actions.Response{}, false
	}
	o.transition(StateResponseBlockedOrTagged)

	decision := policy.Decide(o.snap.Mode(), matches)
	if !decision.Blocked() || !replaceable {
		return actions.Response{}, false
	}
	trace.MarkBlocked(o.rec, decision.Match)
	return actions.Resolve(decision.Match.Action, accept), true
}

type operationKey struct{}

func withOperation(ctx context.Context, op *Operation) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// FromContext returns the operation of the request being served.
func FromContext(ctx context.Context) (*Operation, bool) {
	op, ok := ctx.Value(operationKey{}).(*Operation)
	return op, ok
}
