package rpcbridge

// Diagnostics is a point-in-time view of a connection.
type Diagnostics struct {
	ID                 string    `json:"id"`
	Agent              string    `json:"agent"`
	State              State     `json:"state"`
	Gate               GateState `json:"gate"`
	PID                int       `json:"pid"`
	PendingCalls       int       `json:"pending_calls"`
	QueuedCalls        int       `json:"queued_calls"`
	DelayedFaults      int       `json:"delayed_faults"`
	Bindings           int       `json:"bindings"`
	ElicitationWaiters int       `json:"elicitation_waiters"`
	RetryCount         int       `json:"retry_count"`
	MaxRetries         int       `json:"max_retries"`
	Connected          bool      `json:"connected"`
	Degraded           bool      `json:"degraded"`
}

// Diagnostics returns a snapshot of the connection's internal state. After
// the connection ends it returns the final snapshot.
func (c *Conn) Diagnostics() Diagnostics {
	if d := c.final.Load(); d != nil {
		return *d
	}
	if !c.started.Load() {
		return Diagnostics{
			ID:         c.id,
			Agent:      c.config.Agent,
			State:      c.life.current(),
			MaxRetries: c.config.MaxRetries,
		}
	}

	ch := make(chan Diagnostics, 1)
	if c.post(func() { ch <- c.snapshot() }) == nil {
		select {
		case d := <-ch:
			return d
		case <-c.loopDone:
		}
	}
	if d := c.final.Load(); d != nil {
		return *d
	}
	return Diagnostics{ID: c.id, Agent: c.config.Agent, State: c.life.current()}
}

// snapshot must run on the loop (or after it has exited).
func (c *Conn) snapshot() Diagnostics {
	state := c.life.current()
	pid := 0
	if c.process != nil {
		pid = c.process.pid()
	}
	return Diagnostics{
		ID:                 c.id,
		Agent:              c.config.Agent,
		State:              state,
		Gate:               c.gate.state,
		PID:                pid,
		PendingCalls:       c.table.len(),
		QueuedCalls:        c.gate.len(),
		DelayedFaults:      len(c.delayed),
		Bindings:           len(c.router.bindings),
		ElicitationWaiters: c.router.waiterCount(),
		RetryCount:         c.retry.count,
		MaxRetries:         c.retry.maxRetries,
		Connected:          state == StateReady,
		Degraded:           c.retry.degraded,
	}
}
