package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bazelment/yoloswe/agentbridge/rpcbridge"
)

// DecisionTable maps the option ids a UI shows for an elicitation
// (allow_once, reject_always, ...) to bridge decisions.
type DecisionTable map[string]string

// Lookup resolves a UI option id. Ids that are themselves decisions
// resolve to that decision.
func (t DecisionTable) Lookup(optionID string) (rpcbridge.Decision, bool) {
	if v, ok := t[optionID]; ok {
		if d, err := rpcbridge.ParseDecision(v); err == nil {
			return d, true
		}
	}
	if d, err := rpcbridge.ParseDecision(optionID); err == nil {
		return d, true
	}
	return "", false
}

// Options returns the option ids in sorted order.
func (t DecisionTable) Options() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate rejects values outside the decision vocabulary.
func (t DecisionTable) Validate() error {
	var errs []error
	for _, id := range t.Options() {
		if _, err := rpcbridge.ParseDecision(t[id]); err != nil {
			errs = append(errs, fmt.Errorf("decisions.%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
