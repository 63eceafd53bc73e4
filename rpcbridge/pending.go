package rpcbridge

import (
	"cmp"
	"encoding/json"
	"slices"
	"time"
)

type callResult struct {
	err    error
	result json.RawMessage
}

// pendingCall is one outbound request from submission to completion. All
// fields except done are owned by the event loop.
type pendingCall struct {
	submitted time.Time
	deadline  *time.Timer
	done      chan callResult
	method    string
	params    json.RawMessage
	timeout   time.Duration
	id        int64 // zero until the request is written
	finished  bool
}

func newPendingCall(method string, params json.RawMessage, timeout time.Duration) *pendingCall {
	return &pendingCall{
		method:    method,
		params:    params,
		timeout:   timeout,
		submitted: time.Now(),
		done:      make(chan callResult, 1),
	}
}

// complete delivers the outcome exactly once. Later calls are no-ops.
func (p *pendingCall) complete(result json.RawMessage, err error) bool {
	if p.finished {
		return false
	}
	p.finished = true
	p.stopDeadline()
	p.done <- callResult{result: result, err: err}
	return true
}

func (p *pendingCall) stopDeadline() {
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
}

// callTable maps in-flight request ids to calls.
type callTable struct {
	calls  map[int64]*pendingCall
	nextID int64
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[int64]*pendingCall)}
}

// assign gives the call the next id and records it as in flight.
func (t *callTable) assign(call *pendingCall) int64 {
	t.nextID++
	call.id = t.nextID
	t.calls[call.id] = call
	return call.id
}

func (t *callTable) take(id int64) (*pendingCall, bool) {
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return call, ok
}

// remove drops call only if it is still the entry for its id.
func (t *callTable) remove(call *pendingCall) bool {
	if call.id == 0 {
		return false
	}
	if cur, ok := t.calls[call.id]; ok && cur == call {
		delete(t.calls, call.id)
		return true
	}
	return false
}

func (t *callTable) len() int {
	return len(t.calls)
}

// drain empties the table and returns the calls in id order.
func (t *callTable) drain() []*pendingCall {
	if len(t.calls) == 0 {
		return nil
	}
	out := make([]*pendingCall, 0, len(t.calls))
	for _, call := range t.calls {
		out = append(out, call)
	}
	slices.SortFunc(out, func(a, b *pendingCall) int { return cmp.Compare(a.id, b.id) })
	t.calls = make(map[int64]*pendingCall)
	return out
}
