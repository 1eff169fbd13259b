package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atoniolo76/llmvm/pkg/clock"
	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/gpu"
	"github.com/atoniolo76/llmvm/pkg/heal"
	"github.com/atoniolo76/llmvm/pkg/readiness"
	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/session"
)

// ModelInfo reports the longest context a model supports.
type ModelInfo interface {
	ContextLength(ctx context.Context, modelID string) (int, error)
}

// FitContext lowers cfg.MaxModelLen to what the model supports. A lookup
// failure leaves cfg unchanged; vLLM then reports the mismatch itself.
func FitContext(ctx context.Context, info ModelInfo, cfg deploy.DeploymentConfig, log *zap.Logger) deploy.DeploymentConfig {
	if info == nil {
		return cfg
	}
	if log == nil {
		log = zap.NewNop()
	}
	limit, err := info.ContextLength(ctx, cfg.ModelID)
	if err != nil {
		log.Warn("could not read model context length", zap.String("model", cfg.ModelID), zap.Error(err))
		return cfg
	}
	if cfg.MaxModelLen <= 0 || cfg.MaxModelLen > limit {
		log.Info("clamping max model length to the model limit",
			zap.String("model", cfg.ModelID), zap.Int("from", cfg.MaxModelLen), zap.Int("to", limit))
		cfg.MaxModelLen = limit
	}
	return cfg
}

// ErrNotReady means the session cannot take a new model in its current state.
var ErrNotReady = errors.New("session is not ready")

// Switch names the model to serve next. Empty fields keep the current value.
type Switch struct {
	ModelID         string
	ServedModelName string
	MaxModelLen     int
	// HFToken is never stored with the session, so it is supplied again.
	HFToken string
}

// Switcher redeploys a running session with a different model.
type Switcher struct {
	Store     *session.Store
	Connect   ConnectFunc
	Models    ModelInfo
	Readiness readiness.Options
	Heal      heal.Policy
	Clock     clock.Clock
	Log       *zap.Logger
}

// Switch rewrites the compose stack of a ready session for sw and waits,
// healing as `up` does, until the new model answers. A failed switch leaves
// the session failed with the VM kept.
func (w *Switcher) Switch(ctx context.Context, name string, sw Switch) (*session.Session, *readiness.Result, error) {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session", name))

	sess, err := w.Store.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status != session.StatusReady && sess.Status != session.StatusFailed && sess.Status != session.StatusDegraded {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotReady, name, sess.Status)
	}
	if sess.Address == "" {
		return nil, nil, fmt.Errorf("%w: %s has no address", ErrNotReady, name)
	}

	cfg := sess.Deployment
	if sw.ModelID != "" && sw.ModelID != cfg.ModelID {
		cfg.ModelID = sw.ModelID
		// Remedies tuned for the old model do not carry over.
		cfg.Env = nil
	}
	if sw.ServedModelName != "" {
		cfg.ServedModelName = sw.ServedModelName
	}
	if sw.MaxModelLen > 0 {
		cfg.MaxModelLen = sw.MaxModelLen
	}
	cfg.HFToken = sw.HFToken
	cfg = FitContext(ctx, w.Models, cfg, log)

	conn, err := w.Connect(sess.Address, sess.SSHUser)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", sess.Address, err)
	}
	defer conn.Close()

	clk := w.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	now := clk.Now().UTC()
	if _, err := w.Store.Update(ctx, name, func(s *session.Session) error {
		s.LastActivityAt = now
		s.Status = session.StatusProvisioning
		s.Stage = ""
		s.Reason = ""
		s.Deployment = cfg
		s.ReadyAt = nil
		return nil
	}); err != nil {
		return nil, nil, err
	}

	log.Info("switching model", zap.String("model", cfg.ModelID), zap.String("served_name", cfg.ServedModelName))
	deployer := deploy.NewDeployer(conn, sess.SSHUser != "root")
	if err := deployer.Apply(ctx, cfg); err != nil {
		res := &readiness.Result{State: readiness.StateFailed, Stage: readiness.StateAwaitingService,
			Reason: readiness.ReasonServiceUnhealthy, Detail: "failed to redeploy: " + err.Error(), Config: cfg}
		if ctx.Err() != nil {
			res.Reason, res.Detail = readiness.ReasonInterrupted, "operator interrupt"
		}
		sess, err := w.Store.Update(context.Background(), name, func(s *session.Session) error {
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

	ctrl := &readiness.Controller{
		Session:  name,
		Exec:     conn,
		Deployer: deployer,
		Prober:   deploy.NewProber(remote.HTTPClient(conn, probeTimeout), cfg.BaseURL(), cfg.ServedModelName),
		Healer:   heal.New(w.Heal),
		GPUs:     gpu.NewMonitor(conn),
		Store:    w.Store,
		Clock:    clk,
		Log:      log,
		Options:  w.Readiness,
	}
	res := ctrl.Run(ctx, cfg)

	final, err := w.Store.Get(ctx, name)
	if err != nil {
		return nil, &res, err
	}
	return final, &res, res.Err()
}
