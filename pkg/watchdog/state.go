// Package watchdog destroys a session after a period with no inference
// traffic. It runs as its own detached process and coordinates with the
// foreground CLI only through the session store.
package watchdog

import "time"

// Options configures the idle policy.
type Options struct {
	Timeout      time.Duration
	WarningLead  time.Duration
	PollInterval time.Duration
}

// DefaultOptions destroys after 30 idle minutes, warning 5 minutes ahead.
func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Minute, WarningLead: 5 * time.Minute, PollInterval: time.Minute}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.WarningLead < 0 {
		o.WarningLead = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// Action is what the loop must do after a poll.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionDestroy
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionDestroy:
		return "destroy"
	default:
		return "none"
	}
}

// State tracks one idle episode. The warning fires at most once per episode;
// Touch starts a new one.
type State struct {
	Timeout      time.Duration
	WarningLead  time.Duration
	LastActivity time.Time
	WarningSent  bool
}

// NewState starts an idle episode at lastActivity.
func NewState(opts Options, lastActivity time.Time) *State {
	opts = opts.normalized()
	return &State{Timeout: opts.Timeout, WarningLead: opts.WarningLead, LastActivity: lastActivity}
}

// Touch records activity at t and clears the warning. Times not after the
// current last activity are ignored.
func (s *State) Touch(t time.Time) {
	if !t.After(s.LastActivity) {
		return
	}
	s.LastActivity = t
	s.WarningSent = false
}

// Idle is how long the session has been quiet at now.
func (s *State) Idle(now time.Time) time.Duration {
	if now.Before(s.LastActivity) {
		return 0
	}
	return now.Sub(s.LastActivity)
}

// Remaining is the time left before destroy.
func (s *State) Remaining(now time.Time) time.Duration {
	if left := s.Timeout - s.Idle(now); left > 0 {
		return left
	}
	return 0
}

// Next decides the action at now. A destroy is only ever returned once the
// episode's warning has gone out, so with a zero lead the first poll past the
// timeout warns and the following one destroys.
func (s *State) Next(now time.Time) Action {
	idle := s.Idle(now)
	if idle >= s.Timeout {
		if !s.WarningSent {
			s.WarningSent = true
			return ActionWarn
		}
		return ActionDestroy
	}
	if !s.WarningSent && idle >= s.Timeout-s.WarningLead {
		s.WarningSent = true
		return ActionWarn
	}
	return ActionNone
}
