package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/atoniolo76/llmvm/pkg/clock"
	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/gpu"
	"github.com/atoniolo76/llmvm/pkg/heal"
	"github.com/atoniolo76/llmvm/pkg/provider"
	"github.com/atoniolo76/llmvm/pkg/readiness"
	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/session"
)

const (
	addressPollInterval = 5 * time.Second
	probeTimeout        = 30 * time.Second
)

// Conn is a live connection to a session VM.
type Conn interface {
	remote.Executor
	remote.Dialer
	Close() error
}

// ConnectFunc opens a connection to host as user.
type ConnectFunc func(host, user string) (Conn, error)

// SpawnFunc starts the watchdog for a ready session and returns its PID.
type SpawnFunc func(sess *session.Session) (int, error)

// Request is one `up` invocation.
type Request struct {
	// Name defaults to SessionName(model, now).
	Name         string
	Workdir      string
	Region       string
	InstanceType string
	FirewallID   string
	SSHKeyName   string
	Deployment   deploy.DeploymentConfig
	Watchdog     bool
}

// Provisioner creates a VM, records the session and drives it to ready.
type Provisioner struct {
	Store      *session.Store
	Provider   provider.CloudProvider
	Connect    ConnectFunc
	PublicKey  string
	SSHKeyPath string
	Models     ModelInfo
	Readiness  readiness.Options
	Heal       heal.Policy
	Spawn      SpawnFunc
	Clock      clock.Clock
	Log        *zap.Logger
}

// SessionName derives a name from the model's repository name and a
// timestamp, e.g. "qwen25code-20260301-120000".
func SessionName(modelID string, now time.Time) string {
	base := modelID
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if b.Len() >= 10 {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	prefix := b.String()
	if prefix == "" {
		prefix = "session"
	}
	return prefix + "-" + now.Format("20060102-150405")
}

// Up provisions req. It returns the stored session and the readiness result
// whenever an instance was created; the error is non-nil when the session is
// not ready. A failed session is left in place for inspection.
func (p *Provisioner) Up(ctx context.Context, req Request) (*session.Session, *readiness.Result, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	name := req.Name
	if name == "" {
		name = SessionName(req.Deployment.ModelID, clk.Now())
	}
	log = log.With(zap.String("session", name))
	if _, err := p.Store.Get(ctx, name); err == nil {
		return nil, nil, fmt.Errorf("%w: %s", session.ErrExists, name)
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, nil, err
	}

	vmType, err := provider.ResolveRate(ctx, p.Provider, req.InstanceType)
	if err != nil {
		return nil, nil, err
	}
	cfg := FitContext(ctx, p.Models, req.Deployment, log)
	if vmType.GPUs > 0 && cfg.TensorParallelSize != vmType.GPUs {
		log.Info("matching tensor parallelism to GPU count",
			zap.Int("from", cfg.TensorParallelSize), zap.Int("to", vmType.GPUs))
		cfg.TensorParallelSize = vmType.GPUs
	}

	traits := p.Provider.Traits()
	userData, err := deploy.RenderCloudInit(cfg, traits.InstallDrivers)
	if err != nil {
		return nil, nil, err
	}

	log.Info("creating instance",
		zap.String("provider", string(p.Provider.Type())),
		zap.String("type", vmType.ID),
		zap.String("region", req.Region),
		zap.Float64("hourly_cost", vmType.HourlyCost))
	handle, err := p.Provider.Create(ctx, provider.CreateSpec{
		Label:        name,
		Region:       req.Region,
		InstanceType: vmType.ID,
		UserData:     userData,
		PublicKey:    p.PublicKey,
		SSHKeyName:   req.SSHKeyName,
		FirewallID:   req.FirewallID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create instance: %w", err)
	}

	sess := &session.Session{
		Name:         name,
		Provider:     string(p.Provider.Type()),
		InstanceID:   handle.ID,
		Address:      handle.Address,
		InstanceType: vmType.ID,
		Region:       req.Region,
		GPUs:         vmType.GPUs,
		SSHUser:      traits.SSHUser,
		SSHKeyPath:   p.SSHKeyPath,
		Deployment:   cfg,
		HourlyCost:   vmType.HourlyCost,
		CreatedAt:    clk.Now().UTC(),
	}
	if err := p.Store.Create(ctx, sess); err != nil {
		log.Error("failed to record session, deleting instance", zap.String("instance", handle.ID), zap.Error(err))
		if _, derr := p.Provider.Delete(context.Background(), handle.ID); derr != nil {
			return nil, nil, &DestroyError{Session: name, Provider: sess.Provider, InstanceID: handle.ID, Attempts: 1,
				Err: errors.Join(err, derr)}
		}
		return nil, nil, fmt.Errorf("failed to record session: %w", err)
	}
	if req.Workdir != "" {
		if err := p.Store.SetCurrent(ctx, req.Workdir, name); err != nil {
			log.Warn("failed to set current session", zap.Error(err))
		}
	}

	if sess.Address == "" {
		addr, res := p.waitForAddress(ctx, clk, log, handle.ID)
		if res != nil {
			return p.fail(name, res)
		}
		sess, err = p.Store.Update(ctx, name, func(s *session.Session) error {
			s.Address = addr
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	conn, err := p.Connect(sess.Address, sess.SSHUser)
	if err != nil {
		return p.fail(name, &readiness.Result{
			State: readiness.StateFailed, Stage: readiness.StateAwaitingNetwork,
			Reason: readiness.ReasonUnreachable, Detail: err.Error(), Config: cfg,
		})
	}
	defer conn.Close()

	ctrl := &readiness.Controller{
		Session:  name,
		Exec:     conn,
		Deployer: deploy.NewDeployer(conn, sess.SSHUser != "root"),
		Prober:   deploy.NewProber(remote.HTTPClient(conn, probeTimeout), cfg.BaseURL(), cfg.ServedModelName),
		Healer:   heal.New(p.Heal),
		GPUs:     gpu.NewMonitor(conn),
		Store:    p.Store,
		Clock:    clk,
		Log:      log,
		Options:  p.Readiness,
	}
	res := ctrl.Run(ctx, cfg)

	if res.State == readiness.StateReady && req.Watchdog && p.Spawn != nil {
		current, err := p.Store.Get(ctx, name)
		if err == nil {
			var pid int
			pid, err = p.Spawn(current)
			if err == nil {
				_, err = p.Store.Update(ctx, name, func(s *session.Session) error {
					s.WatchdogPID = pid
					return nil
				})
				log.Info("watchdog started", zap.Int("pid", pid))
			}
		}
		if err != nil {
			log.Warn("failed to start watchdog", zap.Error(err))
		}
	}

	final, err := p.Store.Get(ctx, name)
	if err != nil {
		return nil, &res, err
	}
	return final, &res, res.Err()
}

// waitForAddress polls the provider until the instance has a public address.
func (p *Provisioner) waitForAddress(ctx context.Context, clk clock.Clock, log *zap.Logger, id string) (string, *readiness.Result) {
	timeout := p.Readiness.NetworkTimeout
	if timeout <= 0 {
		timeout = readiness.DefaultOptions().NetworkTimeout
	}
	deadline := clk.Now().Add(timeout)
	unreachable := func(detail string) *readiness.Result {
		return &readiness.Result{State: readiness.StateFailed, Stage: readiness.StateAwaitingNetwork,
			Reason: readiness.ReasonUnreachable, Detail: detail}
	}
	for {
		st, err := p.Provider.GetStatus(ctx, id)
		switch {
		case err == nil && st.Address != "":
			return st.Address, nil
		case errors.Is(err, provider.ErrInstanceNotFound):
			return "", unreachable("instance disappeared before it was assigned an address")
		case err != nil:
			log.Debug("status poll failed", zap.Error(err))
		}
		if !clk.Now().Before(deadline) {
			return "", unreachable(fmt.Sprintf("no address assigned within %s", timeout))
		}
		if err := clk.Sleep(ctx, addressPollInterval); err != nil {
			return "", &readiness.Result{State: readiness.StateFailed, Stage: readiness.StateAwaitingNetwork,
				Reason: readiness.ReasonInterrupted, Detail: "operator interrupt"}
		}
	}
}

func (p *Provisioner) fail(name string, res *readiness.Result) (*session.Session, *readiness.Result, error) {
	sess, err := p.Store.Update(context.Background(), name, func(s *session.Session) error {
		s.Status = session.StatusFailed
		s.Stage = string(res.Stage)
		s.Reason = res.Reason
		return nil
	})
	if err != nil {
		return nil, res, errors.Join(res.Err(), err)
	}
	return sess, res, res.Err()
}
