package rpcbridge

import (
	"strings"
	"time"
)

// FaultKind classifies a remote error message that points at the network
// between the agent and its upstream API rather than at the request itself.
type FaultKind string

const (
	FaultBlockedByEdgeProxy FaultKind = "blocked-by-edge-proxy"
	FaultNetworkTimeout     FaultKind = "network-timeout"
	FaultConnectionRefused  FaultKind = "connection-refused"
	FaultUnknown            FaultKind = "unknown"
)

// Retryable reports whether the retry policy may count this kind of fault.
// Edge-proxy blocks do not clear up on their own.
func (k FaultKind) Retryable() bool {
	return k == FaultNetworkTimeout || k == FaultConnectionRefused
}

// SuggestedAction is a short operator hint for the fault kind.
func (k FaultKind) SuggestedAction() string {
	switch k {
	case FaultBlockedByEdgeProxy:
		return "request was blocked by an edge proxy; check VPN, proxy or region settings"
	case FaultNetworkTimeout:
		return "upstream timed out; check network connectivity"
	case FaultConnectionRefused:
		return "upstream refused the connection; check that the API endpoint is reachable"
	default:
		return ""
	}
}

// Fingerprints are matched against the lower-cased message. Order matters:
// edge-proxy pages often mention timeouts too.
var faultFingerprints = []struct {
	kind     FaultKind
	patterns []string
}{
	{FaultBlockedByEdgeProxy, []string{
		"cloudflare",
		"cf-ray",
		"attention required",
		"you have been blocked",
		"sorry, you have been blocked",
		"akamai",
		"cloudfront",
		"request blocked",
	}},
	{FaultNetworkTimeout, []string{
		"timed out",
		"timeout",
		"etimedout",
		"deadline exceeded",
	}},
	{FaultConnectionRefused, []string{
		"connection refused",
		"econnrefused",
		"connect refused",
	}},
}

// ClassifyFault maps a remote error message to a FaultKind.
func ClassifyFault(msg string) FaultKind {
	if msg == "" {
		return FaultUnknown
	}
	lower := strings.ToLower(msg)
	for _, fp := range faultFingerprints {
		for _, p := range fp.patterns {
			if strings.Contains(lower, p) {
				return fp.kind
			}
		}
	}
	return FaultUnknown
}

// FaultEvent is emitted to the fault sink for every classified network fault.
type FaultEvent struct {
	Kind            FaultKind
	Method          string
	Message         string
	SuggestedAction string
	RetryCount      int
	MaxRetries      int
	Delay           time.Duration
	RetryScheduled  bool
}

// retryState is the per-connection bounded retry counter.
type retryState struct {
	maxRetries int
	baseDelay  time.Duration
	count      int
	degraded   bool
}

// onFault records a classified fault and reports whether a retry notice is
// scheduled for it.
func (r *retryState) onFault(kind FaultKind) bool {
	r.degraded = true
	if !kind.Retryable() || r.count >= r.maxRetries {
		return false
	}
	r.count++
	return true
}

// succeeded is called for every successful response.
func (r *retryState) succeeded() {
	r.count = 0
}

func (r *retryState) reset() {
	r.count = 0
	r.degraded = false
}
