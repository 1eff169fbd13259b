// Package session persists the lifecycle record of every provisioned VM.
package session

import (
	"time"

	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/heal"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusDegraded     Status = "degraded"
	StatusFailed       Status = "failed"
	StatusDestroying   Status = "destroying"
	StatusTerminated   Status = "terminated"
)

// Session is one VM and the deployment running on it.
type Session struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
	InstanceID   string `json:"instance_id"`
	Address      string `json:"address"`
	InstanceType string `json:"instance_type"`
	Region       string `json:"region"`
	GPUs         int    `json:"gpus"`
	SSHUser      string `json:"ssh_user"`
	SSHKeyPath   string `json:"ssh_key_path"`

	Deployment deploy.DeploymentConfig `json:"deployment"`

	// HourlyCost is fixed when the session is created.
	HourlyCost float64 `json:"hourly_cost"`

	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ReadyAt        *time.Time `json:"ready_at,omitempty"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`

	Status Status `json:"status"`
	// Stage and Reason record where and why readiness or destroy stopped.
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`

	Healing     []heal.Action `json:"healing,omitempty"`
	WatchdogPID int           `json:"watchdog_pid,omitempty"`
}

// Runtime is the billable time up to now, or up to termination.
func (s *Session) Runtime(now time.Time) time.Duration {
	end := now
	if s.TerminatedAt != nil {
		end = *s.TerminatedAt
	}
	if end.Before(s.CreatedAt) {
		return 0
	}
	return end.Sub(s.CreatedAt)
}

// Cost is the accrued cost at the fixed hourly rate.
func (s *Session) Cost(now time.Time) float64 {
	return s.Runtime(now).Hours() * s.HourlyCost
}

// Live reports whether the instance may still be billing.
func (s *Session) Live() bool {
	return s.Status != StatusTerminated
}
