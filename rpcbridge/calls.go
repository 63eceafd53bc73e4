package rpcbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Submit sends a request and blocks until its response, its deadline, the
// caller's context, or the end of the connection. While an elicitation is
// outstanding the request is held and written once the gate reopens; the
// deadline runs from submission either way. A timeout of zero uses the
// configured default.
func (c *Conn) Submit(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}

	call := newPendingCall(method, raw, timeout)
	if err := c.post(func() { c.submit(call) }); err != nil {
		return nil, c.closedErr()
	}

	var res callResult
	select {
	case res = <-call.done:
	case <-ctx.Done():
		cause := ctx.Err()
		if c.post(func() { c.cancel(call, cause) }) != nil {
			return nil, c.closedErr()
		}
		select {
		case res = <-call.done:
		case <-c.loopDone:
			return nil, c.awaitClosed(call)
		}
	case <-c.loopDone:
		return nil, c.awaitClosed(call)
	}
	return res.result, res.err
}

// awaitClosed picks up a completion that raced with loop exit.
func (c *Conn) awaitClosed(call *pendingCall) error {
	select {
	case res := <-call.done:
		return res.err
	default:
		return c.closedErr()
	}
}

// Notify writes a notification immediately. Notifications bypass the gate.
func (c *Conn) Notify(ctx context.Context, method string, params interface{}) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.do(ctx, func() error {
		if !c.life.current().accepting() {
			return c.closedErr()
		}
		return c.writeFrame(JSONRPCNotification{JSONRPC: jsonrpcVersion, Method: method, Params: raw})
	})
}

func (c *Conn) submit(call *pendingCall) {
	if !c.life.current().accepting() {
		call.complete(nil, c.closedErr())
		return
	}
	call.deadline = time.AfterFunc(call.timeout, func() {
		_ = c.post(func() { c.expire(call) })
	})
	if !c.gate.isOpen() {
		c.gate.enqueue(call)
		c.logger.Debug("call queued behind elicitation", "method", call.method, "queued", c.gate.len())
		return
	}
	c.dispatch(call)
}

// dispatch assigns the next id and writes the request.
func (c *Conn) dispatch(call *pendingCall) {
	id := c.table.assign(call)
	req := JSONRPCRequest{JSONRPC: jsonrpcVersion, ID: id, Method: call.method, Params: call.params}
	if err := c.writeFrame(req); err != nil {
		c.table.remove(call)
		c.logger.Warn("failed to write request", "method", call.method, "id", id, "error", err)
		call.complete(nil, err)
	}
}

func (c *Conn) expire(call *pendingCall) {
	if call.finished {
		return
	}
	if _, ok := c.delayed[call]; ok {
		// A response already arrived; the fault notice will complete it.
		return
	}
	if !c.table.remove(call) {
		c.gate.remove(call)
	}
	c.logger.Debug("call timed out", "method", call.method, "id", call.id, "timeout", call.timeout)
	call.complete(nil, &TimeoutError{Method: call.method, ID: call.id, Timeout: call.timeout})
}

func (c *Conn) cancel(call *pendingCall, cause error) {
	if call.finished {
		return
	}
	if timer, ok := c.delayed[call]; ok {
		timer.Stop()
		delete(c.delayed, call)
	} else if !c.table.remove(call) {
		c.gate.remove(call)
	}
	call.complete(nil, cause)
}

func (c *Conn) openGate() {
	queued := c.gate.open()
	if len(queued) == 0 {
		return
	}
	c.logger.Debug("gate opened, draining queued calls", "count", len(queued))
	for _, call := range queued {
		if call.finished {
			continue
		}
		c.dispatch(call)
	}
}

func (c *Conn) handleResponse(f *frame) {
	id, ok := f.numericID()
	if !ok {
		c.logger.Warn("ignoring response with non-numeric id", "id", string(f.ID))
		return
	}
	call, ok := c.table.take(id)
	if !ok {
		c.logger.Debug("ignoring response for unknown id", "id", id)
		return
	}
	call.stopDeadline()
	if f.Error != nil {
		c.failRemote(call, f.Error)
		return
	}
	c.retry.succeeded()
	result := f.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	call.complete(result, nil)
}

// failRemote completes a call whose response carried an error, routing
// network faults through the retry policy.
func (c *Conn) failRemote(call *pendingCall, e *JSONRPCError) {
	rpcErr := &RPCError{Code: e.Code, Message: e.Message, Data: e.Data}
	kind := ClassifyFault(e.Message)
	if kind == FaultUnknown {
		call.complete(nil, rpcErr)
		return
	}

	scheduled := c.retry.onFault(kind)
	ev := FaultEvent{
		Kind:            kind,
		Method:          call.method,
		Message:         e.Message,
		SuggestedAction: kind.SuggestedAction(),
		RetryCount:      c.retry.count,
		MaxRetries:      c.retry.maxRetries,
		RetryScheduled:  scheduled,
	}
	faultErr := &NetworkFaultError{
		Cause:          rpcErr,
		Kind:           kind,
		Message:        e.Message,
		RetryCount:     c.retry.count,
		RetryScheduled: scheduled,
	}

	if !scheduled {
		c.logger.Warn("network fault", "kind", kind, "method", call.method, "retries", c.retry.count, "message", e.Message)
		c.emitFault(ev)
		call.complete(nil, faultErr)
		return
	}

	ev.Delay = c.retry.baseDelay
	c.logger.Warn("network fault, retry notice scheduled", "kind", kind, "method", call.method,
		"retry", c.retry.count, "max_retries", c.retry.maxRetries, "delay", ev.Delay)
	c.delayed[call] = time.AfterFunc(ev.Delay, func() {
		_ = c.post(func() { c.fireFault(call, ev, faultErr) })
	})
}

func (c *Conn) fireFault(call *pendingCall, ev FaultEvent, err *NetworkFaultError) {
	if _, ok := c.delayed[call]; !ok {
		return
	}
	delete(c.delayed, call)
	c.emitFault(ev)
	call.complete(nil, err)
}

// ResetNetworkError clears the retry counter and the degraded flag.
func (c *Conn) ResetNetworkError() {
	_ = c.do(context.Background(), func() error {
		c.retry.reset()
		c.logger.Debug("network error state reset")
		return nil
	})
}

func (c *Conn) handlePeerRequest(f *frame) {
	if !c.router.isElicitation(f.Method) {
		c.logger.Debug("rejecting unsupported peer request", "method", f.Method)
		rpcErr := &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + f.Method}
		if err := c.writeReply(f.ID, nil, rpcErr); err != nil {
			c.logger.Warn("failed to reject peer request", "method", f.Method, "error", err)
		}
		return
	}
	if !c.life.current().accepting() {
		return
	}

	key := elicitationKey(f.Params, f.ID)
	if c.gate.close() {
		c.logger.Debug("gate closed", "method", f.Method, "call_key", key)
	}
	b := &binding{key: key, method: f.Method, requestID: f.ID, created: time.Now()}
	c.emitNotification(Notification{
		Method:      f.Method,
		Params:      f.Params,
		RequestID:   f.ID,
		CallKey:     key,
		Elicitation: true,
	})

	if w := c.router.takeWaiter(key); w != nil {
		c.logger.Debug("answering elicitation with earlier decision", "call_key", key, "decision", w.decision)
		w.finish(c.answer(b, w.decision))
		return
	}
	if prev := c.router.bind(b); prev != nil {
		c.logger.Warn("elicitation call key rebound", "call_key", key, "previous_id", string(prev.requestID))
	}
}

func (c *Conn) handleNotification(f *frame) {
	n := Notification{Method: f.Method, Params: f.Params}
	if key, ok := approvalNotice(f.Method, f.Params); ok && c.life.current().accepting() {
		n.CallKey = key
		n.Elicitation = true
		if c.gate.close() {
			c.logger.Debug("gate closed", "method", f.Method, "call_key", key)
		}
	}
	c.emitNotification(n)
}

// ResolveElicitation answers the elicitation identified by callKey. If the
// elicitation has not arrived yet the decision is held for up to the
// elicitation timeout and answered as soon as it does. The gate reopens
// either way.
func (c *Conn) ResolveElicitation(ctx context.Context, callKey string, decision Decision) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	w := &resolveWaiter{key: NormalizeCallKey(callKey), decision: decision, done: make(chan error, 1)}
	if err := c.post(func() { c.resolve(w) }); err != nil {
		return c.closedErr()
	}
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		cause := ctx.Err()
		_ = c.post(func() {
			if c.router.removeWaiter(w) {
				w.finish(cause)
			}
		})
		select {
		case err := <-w.done:
			return err
		case <-c.loopDone:
		}
	case <-c.loopDone:
	}
	select {
	case err := <-w.done:
		return err
	default:
		return c.closedErr()
	}
}

func (c *Conn) resolve(w *resolveWaiter) {
	if !c.life.current().accepting() {
		w.finish(c.closedErr())
		return
	}
	if b, ok := c.router.take(w.key); ok {
		w.finish(c.answer(b, w.decision))
		return
	}

	c.logger.Debug("no elicitation bound for decision yet, waiting", "call_key", w.key, "timeout", c.config.ElicitationTimeout)
	c.openGate()
	c.router.addWaiter(w)
	timeout := c.config.ElicitationTimeout
	w.timer = time.AfterFunc(timeout, func() {
		_ = c.post(func() {
			if c.router.removeWaiter(w) {
				c.logger.Warn("elicitation decision expired", "call_key", w.key)
				w.finish(&ElicitationTimeoutError{CallKey: w.key, Waited: timeout})
			}
		})
	})
}

// answer writes the decision to the bound request id and reopens the gate.
func (c *Conn) answer(b *binding, decision Decision) error {
	err := c.writeReply(b.requestID, map[string]Decision{"decision": decision}, nil)
	if err != nil {
		c.logger.Warn("failed to send elicitation decision", "call_key", b.key, "error", err)
	} else {
		c.logger.Debug("elicitation resolved", "call_key", b.key, "decision", decision,
			"waited", time.Since(b.created))
	}
	c.openGate()
	return err
}
