package rpcbridge

// GateState says whether new outbound requests are written or held.
type GateState int

const (
	GateOpen GateState = iota
	GateClosed
)

func (g GateState) String() string {
	if g == GateClosed {
		return "closed"
	}
	return "open"
}

func (g GateState) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

// gate holds submitted calls while an elicitation is outstanding. Calls
// are released in FIFO order.
type gate struct {
	queue []*pendingCall
	state GateState
}

func (g *gate) isOpen() bool {
	return g.state == GateOpen
}

// close returns true if this call changed the state.
func (g *gate) close() bool {
	if g.state == GateClosed {
		return false
	}
	g.state = GateClosed
	return true
}

// open marks the gate open and hands back everything queued, oldest first.
// The caller dispatches the returned calls within the same loop turn.
func (g *gate) open() []*pendingCall {
	g.state = GateOpen
	queued := g.queue
	g.queue = nil
	return queued
}

// flush empties the queue without changing the gate state.
func (g *gate) flush() []*pendingCall {
	queued := g.queue
	g.queue = nil
	return queued
}

func (g *gate) enqueue(call *pendingCall) {
	g.queue = append(g.queue, call)
}

// remove drops call from the queue, reporting whether it was there.
func (g *gate) remove(call *pendingCall) bool {
	for i, c := range g.queue {
		if c == call {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (g *gate) len() int {
	return len(g.queue)
}
