// Package heal maps failure signatures in vLLM logs to configuration changes.
package heal

import "github.com/atoniolo76/llmvm/pkg/deploy"

// minContext is the smallest max_model_len the OOM remedy will set.
const minContext = 2048

// Policy tunes the OOM remedy. Utilization values are percentage points.
type Policy struct {
	MemoryStep  int
	MemoryFloor int
}

// DefaultPolicy steps 5 points down to a 50% floor.
var DefaultPolicy = Policy{MemoryStep: 5, MemoryFloor: 50}

// Action is one remediation decision.
type Action struct {
	Signature string       `json:"signature"`
	Delta     deploy.Delta `json:"delta"`
	Rationale string       `json:"rationale"`
	Attempt   int          `json:"attempt"`
}

// Healer is stateless; Diagnose depends only on its arguments and Policy.
type Healer struct {
	policy Policy
}

// New returns a Healer. Zero fields of p take DefaultPolicy values.
func New(p Policy) Healer {
	if p.MemoryStep <= 0 {
		p.MemoryStep = DefaultPolicy.MemoryStep
	}
	if p.MemoryFloor <= 0 {
		p.MemoryFloor = DefaultPolicy.MemoryFloor
	}
	return Healer{policy: p}
}

// Diagnose returns the remediation for the first signature found in logText,
// or nil when nothing matches or the matched remedy would change nothing.
func (h Healer) Diagnose(logText string, cfg deploy.DeploymentConfig, attempt int) *Action {
	p := h.policy
	if p.MemoryStep == 0 {
		p = DefaultPolicy
	}
	for _, sig := range table {
		if !sig.matches(logText) {
			continue
		}
		delta, rationale, ok := sig.fix(p, logText, cfg)
		if !ok || !cfg.Changes(delta) {
			return nil
		}
		return &Action{Signature: sig.name, Delta: delta, Rationale: rationale, Attempt: attempt}
	}
	return nil
}

// Match names the first signature found in logText, or "".
func Match(logText string) string {
	for _, sig := range table {
		if sig.matches(logText) {
			return sig.name
		}
	}
	return ""
}
