// Package readiness drives a freshly created VM until vLLM serves requests,
// healing known failures along the way, or fails with a fixed reason.
package readiness

import (
	"fmt"
	"time"

	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/heal"
)

// State is a readiness stage.
type State string

const (
	StateCreated         State = "CREATED"
	StateAwaitingNetwork State = "AWAITING_NETWORK"
	StateAwaitingInit    State = "AWAITING_INIT"
	StateAwaitingService State = "AWAITING_SERVICE"
	StateHealing         State = "HEALING"
	StateReady           State = "READY"
	StateFailed          State = "FAILED"
)

// Failure reasons. Every FAILED result carries exactly one of these.
const (
	ReasonUnreachable      = "unreachable"
	ReasonInitFailed       = "init failed"
	ReasonServiceUnhealthy = "service unhealthy"
	ReasonInterrupted      = "interrupted"
)

// Options bounds every wait. Zero durations take the defaults.
type Options struct {
	NetworkInterval time.Duration
	NetworkTimeout  time.Duration
	InitInterval    time.Duration
	InitTimeout     time.Duration
	ServiceInterval time.Duration
	// ServiceTimeout is cumulative across healing attempts.
	ServiceTimeout time.Duration
	// MaxRetries is the healing budget. Zero disables healing.
	MaxRetries int
}

// DefaultOptions returns the stock polling intervals and ceilings.
func DefaultOptions() Options {
	return Options{
		NetworkInterval: 10 * time.Second,
		NetworkTimeout:  15 * time.Minute,
		InitInterval:    15 * time.Second,
		InitTimeout:     30 * time.Minute,
		ServiceInterval: 10 * time.Second,
		ServiceTimeout:  20 * time.Minute,
		MaxRetries:      3,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.NetworkInterval <= 0 {
		o.NetworkInterval = d.NetworkInterval
	}
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = d.NetworkTimeout
	}
	if o.InitInterval <= 0 {
		o.InitInterval = d.InitInterval
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = d.InitTimeout
	}
	if o.ServiceInterval <= 0 {
		o.ServiceInterval = d.ServiceInterval
	}
	if o.ServiceTimeout <= 0 {
		o.ServiceTimeout = d.ServiceTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Result is the outcome of Run. State is always StateReady or StateFailed.
type Result struct {
	State State
	// Stage is the stage that failed, empty when ready.
	Stage  State
	Reason string
	Detail string
	// Config is the deployment as last applied, healing included.
	Config  deploy.DeploymentConfig
	History []heal.Action
	// Endpoint is the OpenAI base URL as seen from the VM.
	Endpoint string
}

// Err returns nil for a ready result and a *FailedError otherwise.
func (r Result) Err() error {
	if r.State == StateReady {
		return nil
	}
	return &FailedError{Stage: r.Stage, Reason: r.Reason, Detail: r.Detail}
}

// FailedError reports the stage and reason a session failed to become ready.
type FailedError struct {
	Stage  State
	Reason string
	Detail string
}

func (e *FailedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s during %s", e.Reason, e.Stage)
	}
	return fmt.Sprintf("%s during %s: %s", e.Reason, e.Stage, e.Detail)
}
