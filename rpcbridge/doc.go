// Package rpcbridge drives an agent CLI that speaks newline-delimited
// JSON-RPC 2.0 over its stdin and stdout.
//
// A Conn spawns the agent, decides when it is ready, correlates responses
// with the calls that caused them, and fails every call exactly once on
// response, deadline, cancellation or shutdown. When the agent asks for a
// human decision (an elicitation) the Conn stops writing new requests
// until ResolveElicitation answers it, then releases them in order.
// Remote errors that look like network trouble are classified and reported
// through OnFaultClassified under a bounded retry budget.
//
// Basic usage:
//
//	conn := rpcbridge.New(
//		rpcbridge.WithCommand("codex"),
//		rpcbridge.WithArgs("mcp", "serve"),
//	)
//	conn.OnNotification(func(n rpcbridge.Notification) {
//		if n.ExpectsReply() {
//			_ = conn.ResolveElicitation(ctx, n.CallKey, rpcbridge.DecisionApproved)
//		}
//	})
//	if err := conn.Start(ctx); err != nil {
//		return err
//	}
//	defer conn.Stop()
//
//	result, err := conn.Submit(ctx, "tools/call", params, 0)
package rpcbridge
