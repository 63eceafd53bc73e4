package rpcbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Decision is the user's answer to an elicitation.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
)

// Valid reports whether d is in the decision vocabulary.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionApprovedForSession, DecisionDenied, DecisionAbort:
		return true
	}
	return false
}

// ParseDecision accepts the canonical spellings as well as hyphenated and
// mixed-case variants.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
	return d, nil
}

// Prefixes some agents put in front of the id that the UI later echoes back
// without them (or vice versa).
var callKeyPrefixes = []string{"patch_", "elicitation_", "permission_", "exec_"}

// NormalizeCallKey strips the known decorative prefixes from a call key so
// the router and the UI agree on identity.
func NormalizeCallKey(key string) string {
	key = strings.TrimSpace(key)
	for stripped := true; stripped; {
		stripped = false
		for _, p := range callKeyPrefixes {
			if strings.HasPrefix(key, p) && len(key) > len(p) {
				key = key[len(p):]
				stripped = true
			}
		}
	}
	return key
}

// Embedded approval types carried in a notification's params.type or
// params.msg.type.
var approvalEventTypes = map[string]bool{
	"exec_approval_request":        true,
	"apply_patch_approval_request": true,
	"elicitation_request":          true,
}

// elicitationParams covers the places agents put the call identifier.
type elicitationParams struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id"`
	CallIDCamel string `json:"callId"`
	CodexCallID string `json:"codex_call_id"`
	ToolCall    *struct {
		ToolCallID string `json:"toolCallId"`
	} `json:"toolCall"`
	Msg *struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
	} `json:"msg"`
}

func parseElicitationParams(raw json.RawMessage) elicitationParams {
	var p elicitationParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func (p elicitationParams) callID() string {
	switch {
	case p.CallID != "":
		return p.CallID
	case p.CallIDCamel != "":
		return p.CallIDCamel
	case p.CodexCallID != "":
		return p.CodexCallID
	case p.ToolCall != nil && p.ToolCall.ToolCallID != "":
		return p.ToolCall.ToolCallID
	case p.Msg != nil && p.Msg.CallID != "":
		return p.Msg.CallID
	}
	return ""
}

// elicitationKey derives the normalized call key for a dedicated
// elicitation request, falling back to the request id.
func elicitationKey(params, id json.RawMessage) string {
	key := parseElicitationParams(params).callID()
	if key == "" {
		key = idText(id)
	}
	return NormalizeCallKey(key)
}

// approvalNotice reports whether a notification announces an approval
// prompt, returning its normalized call key when one is present.
func approvalNotice(method string, params json.RawMessage) (string, bool) {
	p := parseElicitationParams(params)
	embedded := approvalEventTypes[p.Type] || (p.Msg != nil && approvalEventTypes[p.Msg.Type])
	if method != MethodApprovalRequested && !embedded {
		return "", false
	}
	return NormalizeCallKey(p.callID()), true
}

// binding remembers which peer request id answers a call key.
type binding struct {
	created   time.Time
	key       string
	method    string
	requestID json.RawMessage
}

// resolveWaiter is a decision that arrived before its elicitation.
type resolveWaiter struct {
	timer    *time.Timer
	done     chan error
	key      string
	decision Decision
	finished bool
}

func (w *resolveWaiter) finish(err error) {
	if w.finished {
		return
	}
	w.finished = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.done <- err
}

// router is the elicitation bookkeeping owned by the event loop.
type router struct {
	methods  map[string]bool
	bindings map[string]*binding
	waiters  map[string][]*resolveWaiter
}

func newRouter(methods []string) *router {
	r := &router{
		methods:  make(map[string]bool, len(methods)),
		bindings: make(map[string]*binding),
		waiters:  make(map[string][]*resolveWaiter),
	}
	for _, m := range methods {
		r.methods[m] = true
	}
	return r
}

func (r *router) isElicitation(method string) bool {
	return r.methods[method]
}

// bind records b, returning the binding it replaced, if any.
func (r *router) bind(b *binding) *binding {
	prev := r.bindings[b.key]
	r.bindings[b.key] = b
	return prev
}

func (r *router) take(key string) (*binding, bool) {
	b, ok := r.bindings[key]
	if ok {
		delete(r.bindings, key)
	}
	return b, ok
}

func (r *router) addWaiter(w *resolveWaiter) {
	r.waiters[w.key] = append(r.waiters[w.key], w)
}

// takeWaiter pops the oldest waiter for key.
func (r *router) takeWaiter(key string) *resolveWaiter {
	ws := r.waiters[key]
	if len(ws) == 0 {
		return nil
	}
	w := ws[0]
	if len(ws) == 1 {
		delete(r.waiters, key)
	} else {
		r.waiters[key] = ws[1:]
	}
	return w
}

func (r *router) removeWaiter(w *resolveWaiter) bool {
	ws := r.waiters[w.key]
	for i, cur := range ws {
		if cur == w {
			ws = append(ws[:i], ws[i+1:]...)
			if len(ws) == 0 {
				delete(r.waiters, w.key)
			} else {
				r.waiters[w.key] = ws
			}
			return true
		}
	}
	return false
}

func (r *router) waiterCount() int {
	n := 0
	for _, ws := range r.waiters {
		n += len(ws)
	}
	return n
}

// clear drops all bindings and returns every waiter.
func (r *router) clear() []*resolveWaiter {
	var out []*resolveWaiter
	for _, ws := range r.waiters {
		out = append(out, ws...)
	}
	r.waiters = make(map[string][]*resolveWaiter)
	r.bindings = make(map[string]*binding)
	return out
}
