package readiness

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoniolo76/llmvm/pkg/clock"
	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/heal"
	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/remote/remotetest"
	"github.com/atoniolo76/llmvm/pkg/session"
)

const oomLog = `INFO 03-01 12:04:10 model_runner.py:1041] Loading model weights took 14.99 GB
ERROR 03-01 12:04:12 engine.py:366] torch.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB`

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDeployer struct {
	mu      sync.Mutex
	current deploy.DeploymentConfig
	applied []deploy.DeploymentConfig
	logs    func(cfg deploy.DeploymentConfig) string
	state   string
	// applyErr fails the nth Apply call when it returns non-nil.
	applyErr   func(n int) error
	applyCalls int
}

func (d *fakeDeployer) Apply(_ context.Context, cfg deploy.DeploymentConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyCalls++
	if d.applyErr != nil {
		if err := d.applyErr(d.applyCalls); err != nil {
			return err
		}
	}
	d.current = cfg
	d.applied = append(d.applied, cfg)
	return nil
}

func (d *fakeDeployer) Logs(context.Context, int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.logs == nil {
		return "INFO: loading model", nil
	}
	return d.logs(d.current), nil
}

func (d *fakeDeployer) State(context.Context) (string, error) {
	if d.state == "" {
		return deploy.StateRunning, nil
	}
	return d.state, nil
}

func (d *fakeDeployer) Current() deploy.DeploymentConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

type fakeProber struct {
	up           func(attempt int) error
	complete     func(attempt int) error
	upCalls      int
	completeCall int
}

func (p *fakeProber) ServiceUp(context.Context) error {
	p.upCalls++
	if p.up == nil {
		return nil
	}
	return p.up(p.upCalls)
}

func (p *fakeProber) Complete(context.Context) error {
	p.completeCall++
	if p.complete == nil {
		return nil
	}
	return p.complete(p.completeCall)
}

func baseConfig() deploy.DeploymentConfig {
	return deploy.DeploymentConfig{
		ModelID:              "Qwen/Qwen2.5-Coder-7B-Instruct",
		ServedModelName:      "coder",
		TensorParallelSize:   1,
		MaxModelLen:          16384,
		GPUMemoryUtilization: 0.90,
		MaxNumSeqs:           1,
		Port:                 8000,
	}
}

// reachableExec answers the network and init probes immediately.
func reachableExec() *remotetest.Executor {
	return remotetest.New().
		Reply(networkProbe, "ready\n").
		Reply(initProbe, "status: done\n")
}

func newStore(t *testing.T, name string, cfg deploy.DeploymentConfig) *session.Store {
	t.Helper()
	s, err := session.Open(filepath.Join(t.TempDir(), session.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Create(context.Background(), &session.Session{
		Name:       name,
		Provider:   "linode",
		HourlyCost: 1.5,
		Deployment: cfg,
	}))
	return s
}

func TestAlphaHealsTwiceThenReady(t *testing.T) {
	cfg := baseConfig()
	clk := clock.NewFake(start)
	store := newStore(t, "alpha", cfg)

	var reachedAt, initAt time.Time
	exec := remotetest.New().
		On(networkProbe, func(string) (remote.Result, error) {
			if clk.Now().Sub(start) < 30*time.Second {
				return remote.Result{}, &remote.ConnectionError{Host: "203.0.113.9", Err: errors.New("connection refused")}
			}
			if reachedAt.IsZero() {
				reachedAt = clk.Now()
			}
			return remote.Result{Stdout: "ready\n"}, nil
		}).
		On(initProbe, func(string) (remote.Result, error) {
			if clk.Now().Sub(start) < 5*time.Minute {
				return remote.Result{Stdout: "status: running\n"}, nil
			}
			if initAt.IsZero() {
				initAt = clk.Now()
			}
			return remote.Result{Stdout: "status: done\n"}, nil
		})

	deployer := &fakeDeployer{current: cfg}
	deployer.logs = func(cur deploy.DeploymentConfig) string {
		if cur.GPUMemoryUtilization > 0.805 {
			return oomLog
		}
		return "INFO: Application startup complete."
	}
	prober := &fakeProber{up: func(int) error {
		if deployer.Current().GPUMemoryUtilization > 0.805 {
			return errors.New("connection reset by peer")
		}
		return nil
	}}

	c := &Controller{
		Session:  "alpha",
		Exec:     exec,
		Deployer: deployer,
		Prober:   prober,
		Healer:   heal.New(heal.DefaultPolicy),
		Store:    store,
		Clock:    clk,
		Options:  DefaultOptions(),
	}
	res := c.Run(context.Background(), cfg)

	require.Equal(t, StateReady, res.State, res.Detail)
	require.NoError(t, res.Err())
	assert.Equal(t, start.Add(30*time.Second), reachedAt)
	assert.Equal(t, start.Add(5*time.Minute), initAt)

	require.Len(t, res.History, 2)
	assert.Equal(t, heal.SignatureOOM, res.History[0].Signature)
	assert.Equal(t, 1, res.History[0].Attempt)
	assert.Equal(t, 2, res.History[1].Attempt)
	assert.InDelta(t, 0.80, res.Config.GPUMemoryUtilization, 1e-9)
	require.Len(t, deployer.applied, 2)
	assert.InDelta(t, 0.85, deployer.applied[0].GPUMemoryUtilization, 1e-9)
	assert.Equal(t, 1, prober.completeCall, "completion only runs once the server is up")
	assert.Equal(t, "http://127.0.0.1:8000/v1", res.Endpoint)

	stored, err := store.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, stored.Status)
	assert.InDelta(t, 0.80, stored.Deployment.GPUMemoryUtilization, 1e-9)
	assert.Len(t, stored.Healing, 2)
	require.NotNil(t, stored.ReadyAt)
	assert.True(t, clk.Now().Equal(*stored.ReadyAt))
}

func TestInitErrorFailsImmediately(t *testing.T) {
	cfg := baseConfig()
	clk := clock.NewFake(start)
	store := newStore(t, "gamma", cfg)
	exec := remotetest.New().
		Reply(networkProbe, "ready\n").
		On(initProbe, func(string) (remote.Result, error) {
			return remote.Result{ExitCode: 1, Stdout: "status: error\n"}, nil
		})
	deployer := &fakeDeployer{current: cfg}
	prober := &fakeProber{}

	c := &Controller{Session: "gamma", Exec: exec, Deployer: deployer, Prober: prober,
		Healer: heal.New(heal.DefaultPolicy), Store: store, Clock: clk}
	res := c.Run(context.Background(), cfg)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateAwaitingInit, res.Stage)
	assert.Equal(t, ReasonInitFailed, res.Reason)
	assert.Empty(t, res.History)
	assert.Zero(t, prober.upCalls)
	assert.Empty(t, deployer.applied)
	assert.Equal(t, 1, exec.Count(initProbe), "init error is not retried")
	assert.Zero(t, clk.Slept())

	var ferr *FailedError
	require.ErrorAs(t, res.Err(), &ferr)
	assert.Equal(t, ReasonInitFailed, ferr.Reason)

	stored, err := store.Get(context.Background(), "gamma")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, stored.Status)
	assert.Equal(t, string(StateAwaitingInit), stored.Stage)
	assert.Equal(t, ReasonInitFailed, stored.Reason)
}

func TestReadyNeedsBothChecksInOneAttempt(t *testing.T) {
	cfg := baseConfig()
	clk := clock.NewFake(start)
	// The server answers /v1/models on odd attempts only; completion only
	// ever succeeds on an even attempt, so the two never line up.
	upAttempts := 0
	prober := &fakeProber{
		up: func(n int) error {
			upAttempts = n
			if n%2 == 1 {
				return nil
			}
			return errors.New("503")
		},
		complete: func(int) error {
			if upAttempts%2 == 0 {
				return nil
			}
			return errors.New("completion failed")
		},
	}
	c := &Controller{Session: "delta", Exec: reachableExec(), Deployer: &fakeDeployer{current: cfg},
		Prober: prober, Healer: heal.New(heal.DefaultPolicy), Clock: clk}
	res := c.Run(context.Background(), cfg)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateAwaitingService, res.Stage)
	assert.Equal(t, ReasonServiceUnhealthy, res.Reason)
	assert.Equal(t, 20*time.Minute, clk.Slept())
	assert.Positive(t, prober.completeCall)
}

func TestCompletionGatesReady(t *testing.T) {
	cfg := baseConfig()
	prober := &fakeProber{complete: func(n int) error {
		if n < 3 {
			return errors.New("model still warming up")
		}
		return nil
	}}
	c := &Controller{Session: "delta", Exec: reachableExec(), Deployer: &fakeDeployer{current: cfg},
		Prober: prober, Healer: heal.New(heal.DefaultPolicy), Clock: clock.NewFake(start)}
	res := c.Run(context.Background(), cfg)

	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, 3, prober.upCalls)
	assert.Equal(t, 3, prober.completeCall)
}

func TestNetworkCeiling(t *testing.T) {
	cfg := baseConfig()
	clk := clock.NewFake(start)
	exec := remotetest.New().On(networkProbe, func(string) (remote.Result, error) {
		return remote.Result{}, &remote.ConnectionError{Host: "h", Err: errors.New("i/o timeout")}
	})
	c := &Controller{Session: "eps", Exec: exec, Deployer: &fakeDeployer{}, Prober: &fakeProber{}, Clock: clk}
	res := c.Run(context.Background(), cfg)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateAwaitingNetwork, res.Stage)
	assert.Equal(t, ReasonUnreachable, res.Reason)
	assert.Equal(t, 15*time.Minute, clk.Now().Sub(start))
	assert.Zero(t, exec.Count(initProbe))
}

func TestAuthErrorIsRetriedWhileBooting(t *testing.T) {
	cfg := baseConfig()
	clk := clock.NewFake(start)
	exec := remotetest.New().
		On(networkProbe, func(string) (remote.Result, error) {
			if clk.Now().Sub(start) < time.Minute {
				return remote.Result{}, &remote.AuthError{Host: "h", User: "root", Err: errors.New("no supported methods remain")}
			}
			return remote.Result{}, nil
		}).
		Reply(initProbe, "status: done\n")
	c := &Controller{Session: "zeta", Exec: exec, Deployer: &fakeDeployer{current: cfg}, Prober: &fakeProber{}, Clock: clk}
	res := c.Run(context.Background(), cfg)
	assert.Equal(t, StateReady, res.State)
}

func TestServiceFailures(t *testing.T) {
	tests := []struct {
		name        string
		util        float64
		logs        string
		state       string
		maxRetries  int
		wantHistory int
		wantDetail  string
	}{
		{
			name:        "budget exhausted",
			util:        0.90,
			logs:        oomLog,
			maxRetries:  3,
			wantHistory: 3,
			wantDetail:  "persists after 3 healing attempts",
		},
		{
			name:       "healing disabled",
			util:       0.90,
			logs:       oomLog,
			maxRetries: 0,
			wantDetail: "persists after 0 healing attempts",
		},
		{
			name:       "already at floor",
			util:       0.50,
			logs:       oomLog,
			maxRetries: 3,
			wantDetail: "no further remediation for oom",
		},
		{
			name:       "container exited without signature",
			util:       0.90,
			logs:       "ValueError: model repo not found",
			state:      deploy.StateExited,
			maxRetries: 3,
			wantDetail: "container exited",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.GPUMemoryUtilization = tt.util
			deployer := &fakeDeployer{
				current: cfg,
				state:   tt.state,
				logs:    func(deploy.DeploymentConfig) string { return tt.logs },
			}
			prober := &fakeProber{up: func(int) error { return errors.New("connection refused") }}
			opts := DefaultOptions()
			opts.MaxRetries = tt.maxRetries
			c := &Controller{Session: "eta", Exec: reachableExec(), Deployer: deployer, Prober: prober,
				Healer: heal.New(heal.DefaultPolicy), Clock: clock.NewFake(start), Options: opts}
			res := c.Run(context.Background(), cfg)

			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, ReasonServiceUnhealthy, res.Reason)
			assert.Len(t, res.History, tt.wantHistory)
			assert.Len(t, deployer.applied, tt.wantHistory)
			assert.Contains(t, res.Detail, tt.wantDetail)
		})
	}
}

func TestFailedRemediationIsNotCounted(t *testing.T) {
	cfg := baseConfig()
	store := newStore(t, "iota", cfg)
	deployer := &fakeDeployer{
		current:  cfg,
		logs:     func(deploy.DeploymentConfig) string { return oomLog },
		applyErr: func(int) error { return errors.New("compose: no such service") },
	}
	prober := &fakeProber{up: func(int) error { return errors.New("connection refused") }}
	c := &Controller{Session: "iota", Exec: reachableExec(), Deployer: deployer, Prober: prober,
		Healer: heal.New(heal.DefaultPolicy), Store: store, Clock: clock.NewFake(start)}
	res := c.Run(context.Background(), cfg)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonServiceUnhealthy, res.Reason)
	assert.Contains(t, res.Detail, "failed to apply oom remediation")
	assert.Empty(t, res.History)
	assert.Equal(t, 1, deployer.applyCalls)
	assert.InDelta(t, 0.90, res.Config.GPUMemoryUtilization, 1e-9)

	stored, err := store.Get(context.Background(), "iota")
	require.NoError(t, err)
	assert.Empty(t, stored.Healing)
	assert.InDelta(t, 0.90, stored.Deployment.GPUMemoryUtilization, 1e-9)
}

func TestUnreachableRemediationIsRetried(t *testing.T) {
	cfg := baseConfig()
	deployer := &fakeDeployer{current: cfg}
	deployer.logs = func(cur deploy.DeploymentConfig) string {
		if cur.GPUMemoryUtilization > 0.855 {
			return oomLog
		}
		return "INFO: Application startup complete."
	}
	deployer.applyErr = func(n int) error {
		if n == 1 {
			return &remote.ConnectionError{Host: "203.0.113.9", Err: errors.New("connection reset")}
		}
		return nil
	}
	prober := &fakeProber{up: func(int) error {
		if deployer.Current().GPUMemoryUtilization > 0.855 {
			return errors.New("connection refused")
		}
		return nil
	}}
	c := &Controller{Session: "kappa", Exec: reachableExec(), Deployer: deployer, Prober: prober,
		Healer: heal.New(heal.DefaultPolicy), Clock: clock.NewFake(start)}
	res := c.Run(context.Background(), cfg)

	require.Equal(t, StateReady, res.State, res.Detail)
	assert.Equal(t, 2, deployer.applyCalls)
	require.Len(t, res.History, 1)
	assert.Equal(t, 1, res.History[0].Attempt)
	assert.InDelta(t, 0.85, res.Config.GPUMemoryUtilization, 1e-9)
}

func TestLoadingModelKeepsPolling(t *testing.T) {
	cfg := baseConfig()
	clk := clock.NewFake(start)
	prober := &fakeProber{up: func(int) error {
		if clk.Now().Sub(start) < 8*time.Minute {
			return errors.New("connection refused")
		}
		return nil
	}}
	c := &Controller{Session: "theta", Exec: reachableExec(), Deployer: &fakeDeployer{current: cfg},
		Prober: prober, Healer: heal.New(heal.DefaultPolicy), Clock: clk}
	res := c.Run(context.Background(), cfg)

	assert.Equal(t, StateReady, res.State)
	assert.Empty(t, res.History)
}

func TestInterrupted(t *testing.T) {
	cfg := baseConfig()
	clk := clock.NewFake(start)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.OnTick = func(now time.Time) {
		if now.Sub(start) >= 2*time.Minute {
			cancel()
		}
	}
	exec := remotetest.New().
		Reply(networkProbe, "ready\n").
		Reply(initProbe, "status: running\n")
	c := &Controller{Session: "iota", Exec: exec, Deployer: &fakeDeployer{}, Prober: &fakeProber{}, Clock: clk}
	res := c.Run(ctx, cfg)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateAwaitingInit, res.Stage)
	assert.Equal(t, ReasonInterrupted, res.Reason)
}

func TestInitStatus(t *testing.T) {
	assert.Equal(t, "done", initStatus("\nstatus: done\n"))
	assert.Equal(t, "running", initStatus("status: running"))
	assert.Equal(t, "", initStatus("cloud-init: command not found"))
	assert.True(t, strings.HasPrefix(initStatus("status: error\nextended_status: error"), "error"))
}
