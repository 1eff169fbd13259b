package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atoniolo76/llmvm/pkg/clock"
	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/gpu"
	"github.com/atoniolo76/llmvm/pkg/heal"
	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/session"
)

// logTail is how many log lines are scanned for failure signatures.
const logTail = 200

const (
	networkProbe = "echo ready"
	initProbe    = "cloud-init status"
)

// Deployer restarts and inspects the remote service.
type Deployer interface {
	Apply(ctx context.Context, cfg deploy.DeploymentConfig) error
	Logs(ctx context.Context, tail int) (string, error)
	State(ctx context.Context) (string, error)
}

// Prober runs the two service checks.
type Prober interface {
	ServiceUp(ctx context.Context) error
	Complete(ctx context.Context) error
}

// GPUCapturer reports the devices on the VM.
type GPUCapturer interface {
	Capture(ctx context.Context) (*gpu.Snapshot, error)
}

// Recorder persists progress against the session record.
type Recorder interface {
	Update(ctx context.Context, name string, fn func(*session.Session) error) (*session.Session, error)
}

// Controller runs the readiness state machine for one session. Exec, Deployer
// and Prober are required; GPUs and Store are optional.
type Controller struct {
	Session  string
	Exec     remote.Executor
	Deployer Deployer
	Prober   Prober
	Healer   heal.Healer
	GPUs     GPUCapturer
	Store    Recorder
	Clock    clock.Clock
	Log      *zap.Logger
	Options  Options
}

type run struct {
	c       *Controller
	opts    Options
	log     *zap.Logger
	clk     clock.Clock
	cfg     deploy.DeploymentConfig
	history []heal.Action
}

// Run drives the session from CREATED to READY or FAILED. cfg is the
// deployment cloud-init laid down. Run never returns any other state.
func (c *Controller) Run(ctx context.Context, cfg deploy.DeploymentConfig) Result {
	r := &run{c: c, opts: c.Options.normalized(), log: c.Log, clk: c.Clock, cfg: cfg}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.With(zap.String("session", c.Session))
	if r.clk == nil {
		r.clk = clock.Real{}
	}

	r.log.Debug("readiness started", zap.String("state", string(StateCreated)))

	res := r.execute(ctx)
	res.Config = r.cfg
	res.History = r.history
	r.finish(res)
	return res
}

func (r *run) execute(ctx context.Context) Result {
	steps := []struct {
		state State
		fn    func(context.Context) *Result
	}{
		{StateAwaitingNetwork, r.awaitNetwork},
		{StateAwaitingInit, r.awaitInit},
		{StateAwaitingService, r.awaitService},
	}
	for _, step := range steps {
		r.enter(ctx, step.state)
		if res := step.fn(ctx); res != nil {
			return *res
		}
	}
	return Result{State: StateReady, Endpoint: r.cfg.BaseURL() + "/v1"}
}

func failed(stage State, reason, detail string) *Result {
	return &Result{State: StateFailed, Stage: stage, Reason: reason, Detail: detail}
}

func interrupted(stage State) *Result {
	return failed(stage, ReasonInterrupted, "operator interrupt")
}

func (r *run) enter(ctx context.Context, state State) {
	r.log.Info("readiness stage", zap.String("state", string(state)))
	r.record(ctx, func(s *session.Session) {
		s.Stage = string(state)
	})
}

// record applies fn to the stored session. Store errors are logged; they do
// not change the readiness outcome.
func (r *run) record(ctx context.Context, fn func(*session.Session)) {
	if r.c.Store == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := r.c.Store.Update(ctx, r.c.Session, func(s *session.Session) error {
		fn(s)
		return nil
	}); err != nil {
		r.log.Warn("failed to record readiness progress", zap.Error(err))
	}
}

func (r *run) finish(res Result) {
	now := r.clk.Now().UTC()
	if res.State == StateReady {
		r.log.Info("session ready", zap.String("endpoint", res.Endpoint), zap.Int("healing_attempts", len(r.history)))
	} else {
		r.log.Error("readiness failed",
			zap.String("stage", string(res.Stage)),
			zap.String("reason", res.Reason),
			zap.String("detail", res.Detail))
	}
	r.record(context.Background(), func(s *session.Session) {
		s.Deployment = r.cfg
		s.Healing = append([]heal.Action(nil), r.history...)
		if res.State == StateReady {
			s.Status = session.StatusReady
			s.Stage = string(StateReady)
			s.Reason = ""
			s.ReadyAt = &now
			s.LastActivityAt = now
			return
		}
		s.Status = session.StatusFailed
		s.Stage = string(res.Stage)
		s.Reason = res.Reason
	})
}

// sleepUntil sleeps one interval, clipped to deadline. It reports false when
// ctx is done.
func (r *run) sleepUntil(ctx context.Context, interval time.Duration, deadline time.Time) bool {
	if left := deadline.Sub(r.clk.Now()); left < interval {
		interval = left
	}
	return r.clk.Sleep(ctx, interval) == nil
}

func (r *run) awaitNetwork(ctx context.Context) *Result {
	deadline := r.clk.Now().Add(r.opts.NetworkTimeout)
	for attempt := 1; ; attempt++ {
		res, err := r.c.Exec.Run(ctx, networkProbe)
		if err == nil && res.OK() {
			return nil
		}
		if ctx.Err() != nil {
			return interrupted(StateAwaitingNetwork)
		}
		r.log.Debug("host not reachable yet", zap.Int("attempt", attempt), zap.Error(err))

		if !r.clk.Now().Before(deadline) {
			detail := fmt.Sprintf("no connection after %s", r.opts.NetworkTimeout)
			if err != nil {
				detail += ": " + err.Error()
			}
			return failed(StateAwaitingNetwork, ReasonUnreachable, detail)
		}
		if !r.sleepUntil(ctx, r.opts.NetworkInterval, deadline) {
			return interrupted(StateAwaitingNetwork)
		}
	}
}

// initStatus extracts the value of the "status:" line cloud-init prints.
func initStatus(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "status:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (r *run) awaitInit(ctx context.Context) *Result {
	deadline := r.clk.Now().Add(r.opts.InitTimeout)
	for {
		res, err := r.c.Exec.Run(ctx, initProbe)
		if ctx.Err() != nil {
			return interrupted(StateAwaitingInit)
		}
		var authErr *remote.AuthError
		switch {
		case errors.As(err, &authErr):
			return failed(StateAwaitingInit, ReasonInitFailed, err.Error())
		case err != nil:
			r.log.Debug("init status unavailable", zap.Error(err))
		default:
			switch status := initStatus(res.Stdout); status {
			case "done":
				r.detectGPUs(ctx)
				return nil
			case "error":
				return failed(StateAwaitingInit, ReasonInitFailed, strings.TrimSpace(res.Stdout+res.Stderr))
			default:
				r.log.Debug("init still running", zap.String("status", status))
			}
		}

		if !r.clk.Now().Before(deadline) {
			return failed(StateAwaitingInit, ReasonInitFailed, fmt.Sprintf("initialization did not finish within %s", r.opts.InitTimeout))
		}
		if !r.sleepUntil(ctx, r.opts.InitInterval, deadline) {
			return interrupted(StateAwaitingInit)
		}
	}
}

// detectGPUs records the device count for the parallelism remedy.
func (r *run) detectGPUs(ctx context.Context) {
	if r.c.GPUs == nil {
		return
	}
	snap, err := r.c.GPUs.Capture(ctx)
	if err != nil {
		r.log.Warn("could not read GPU inventory", zap.Error(err))
		return
	}
	r.cfg.DetectedGPUs = snap.Count()
	if r.cfg.TensorParallelSize > snap.Count() {
		r.log.Warn("tensor parallelism exceeds visible GPUs",
			zap.Int("tensor_parallel_size", r.cfg.TensorParallelSize),
			zap.Int("gpus", snap.Count()))
	}
}

// checkService requires both probes to pass in one attempt.
func (r *run) checkService(ctx context.Context) error {
	if err := r.c.Prober.ServiceUp(ctx); err != nil {
		return err
	}
	return r.c.Prober.Complete(ctx)
}

func (r *run) awaitService(ctx context.Context) *Result {
	deadline := r.clk.Now().Add(r.opts.ServiceTimeout)
	for {
		err := r.checkService(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return interrupted(StateAwaitingService)
		}
		var authErr *remote.AuthError
		if errors.As(err, &authErr) {
			return failed(StateAwaitingService, ReasonServiceUnhealthy, err.Error())
		}

		if res := r.diagnose(ctx, err); res != nil {
			return res
		}

		if !r.clk.Now().Before(deadline) {
			return failed(StateAwaitingService, ReasonServiceUnhealthy,
				fmt.Sprintf("not serving after %s: %v", r.opts.ServiceTimeout, err))
		}
		if !r.sleepUntil(ctx, r.opts.ServiceInterval, deadline) {
			return interrupted(StateAwaitingService)
		}
	}
}

// diagnose inspects the service after a failed check. It heals and restarts
// when a known signature is present, and fails when nothing can be done.
// A nil return means keep polling.
func (r *run) diagnose(ctx context.Context, checkErr error) *Result {
	logs, err := r.c.Deployer.Logs(ctx, logTail)
	if err != nil {
		r.log.Debug("could not read service logs", zap.Error(err))
		return nil
	}

	sig := heal.Match(logs)
	if sig == "" {
		state, err := r.c.Deployer.State(ctx)
		if err != nil {
			r.log.Debug("could not read container state", zap.Error(err))
			return nil
		}
		if state == deploy.StateExited || state == deploy.StateDead {
			return failed(StateAwaitingService, ReasonServiceUnhealthy,
				fmt.Sprintf("container %s with no recognised failure: %v", state, checkErr))
		}
		r.log.Debug("service not ready yet", zap.String("container", state), zap.Error(checkErr))
		return nil
	}

	if len(r.history) >= r.opts.MaxRetries {
		return failed(StateAwaitingService, ReasonServiceUnhealthy,
			fmt.Sprintf("%s persists after %d healing attempts", sig, len(r.history)))
	}
	action := r.c.Healer.Diagnose(logs, r.cfg, len(r.history)+1)
	if action == nil {
		return failed(StateAwaitingService, ReasonServiceUnhealthy,
			fmt.Sprintf("no further remediation for %s", sig))
	}

	r.log.Info("healing",
		zap.String("state", string(StateHealing)),
		zap.String("signature", action.Signature),
		zap.Int("attempt", action.Attempt),
		zap.String("change", action.Delta.String()),
		zap.String("rationale", action.Rationale))

	next := r.cfg.Apply(action.Delta)
	if err := r.c.Deployer.Apply(ctx, next); err != nil {
		if ctx.Err() != nil {
			return interrupted(StateHealing)
		}
		var connErr *remote.ConnectionError
		if errors.As(err, &connErr) {
			// Nothing reached the VM; the next poll diagnoses again.
			r.log.Warn("failed to reach VM to restart service", zap.Error(err))
			return nil
		}
		return failed(StateAwaitingService, ReasonServiceUnhealthy,
			fmt.Sprintf("failed to apply %s remediation: %v", action.Signature, err))
	}

	r.cfg = next
	r.history = append(r.history, *action)
	r.record(ctx, func(s *session.Session) {
		s.Stage = string(StateHealing)
		s.Deployment = r.cfg
		s.Healing = append([]heal.Action(nil), r.history...)
	})
	return nil
}
