// Package lifecycle creates sessions end to end and tears them down.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/atoniolo76/llmvm/pkg/clock"
	"github.com/atoniolo76/llmvm/pkg/provider"
	"github.com/atoniolo76/llmvm/pkg/session"
	"github.com/atoniolo76/llmvm/pkg/watchdog"
)

// ErrDestroyInProgress is returned when another process already claimed the
// session for destruction.
var ErrDestroyInProgress = errors.New("destroy already in progress")

// DestroyError means the instance could not be deleted and may still be
// billing. Callers should surface it loudly.
type DestroyError struct {
	Session    string
	Provider   string
	InstanceID string
	Attempts   int
	Err        error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("failed to destroy session %s: %s instance %s may still be billing after %d attempts: %v",
		e.Session, e.Provider, e.InstanceID, e.Attempts, e.Err)
}

func (e *DestroyError) Unwrap() error { return e.Err }

// ProviderFunc returns the client for a session's backend.
type ProviderFunc func(t provider.Type) (provider.CloudProvider, error)

// Store is the subset of session.Store used by the lifecycle.
type Store interface {
	Get(ctx context.Context, name string) (*session.Session, error)
	Update(ctx context.Context, name string, fn func(*session.Session) error) (*session.Session, error)
	Delete(ctx context.Context, name string) error
}

// Destroyer deletes a session's instance and removes its record.
type Destroyer struct {
	Store     Store
	Providers ProviderFunc
	// StopWatchdog defaults to watchdog.Stop.
	StopWatchdog func(pid int) error
	Clock        clock.Clock
	Log          *zap.Logger
	// Retries is the number of delete attempts; Backoff separates them.
	Retries int
	Backoff time.Duration
}

// Destroy tears down name. A session that no longer exists is a no-op.
func (d *Destroyer) Destroy(ctx context.Context, name string) error {
	_, err := d.Down(ctx, name, false)
	return err
}

func (d *Destroyer) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func (d *Destroyer) clock() clock.Clock {
	if d.Clock == nil {
		return clock.Real{}
	}
	return d.Clock
}

// Down destroys name and returns the final record, with TerminatedAt set, for
// cost reporting. It returns nil and no error when the session is already
// gone. force reclaims a session stuck in destroying after a crash.
func (d *Destroyer) Down(ctx context.Context, name string, force bool) (*session.Session, error) {
	log := d.logger().With(zap.String("session", name))
	clk := d.clock()

	var prior session.Status
	terminated := false
	sess, err := d.Store.Update(ctx, name, func(s *session.Session) error {
		if s.Status == session.StatusDestroying && !force {
			return ErrDestroyInProgress
		}
		if s.Status == session.StatusTerminated {
			terminated = true
			return nil
		}
		prior = s.Status
		s.Status = session.StatusDestroying
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		log.Info("session already gone")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if terminated {
		// The instance is already deleted; only the record is left behind.
		log.Info("session already terminated")
		if err := d.Store.Delete(ctx, name); err != nil && !errors.Is(err, session.ErrNotFound) {
			return sess, fmt.Errorf("failed to remove terminated session: %w", err)
		}
		return sess, nil
	}
	if prior == "" {
		prior = session.StatusFailed
	}

	if sess.WatchdogPID != 0 && sess.WatchdogPID != os.Getpid() {
		stop := d.StopWatchdog
		if stop == nil {
			stop = watchdog.Stop
		}
		if err := stop(sess.WatchdogPID); err != nil {
			log.Warn("failed to stop watchdog", zap.Int("pid", sess.WatchdogPID), zap.Error(err))
		}
	}

	if sess.InstanceID != "" {
		if err := d.deleteInstance(ctx, log, sess); err != nil {
			d.restore(log, name, prior, err)
			return nil, err
		}
	}

	now := clk.Now().UTC()
	final, err := d.Store.Update(ctx, name, func(s *session.Session) error {
		s.Status = session.StatusTerminated
		s.TerminatedAt = &now
		s.WatchdogPID = 0
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("instance deleted but failed to update session: %w", err)
	}
	if err := d.Store.Delete(ctx, name); err != nil && !errors.Is(err, session.ErrNotFound) {
		return final, fmt.Errorf("instance deleted but failed to remove session: %w", err)
	}
	log.Info("session destroyed", zap.String("instance", final.InstanceID), zap.Float64("cost", final.Cost(now)))
	return final, nil
}

func (d *Destroyer) deleteInstance(ctx context.Context, log *zap.Logger, sess *session.Session) error {
	retries := d.Retries
	if retries <= 0 {
		retries = 1
	}
	fail := func(attempts int, err error) error {
		return &DestroyError{Session: sess.Name, Provider: sess.Provider, InstanceID: sess.InstanceID, Attempts: attempts, Err: err}
	}

	p, err := d.Providers(provider.Type(sess.Provider))
	if err != nil {
		return fail(0, err)
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		existed, err := p.Delete(ctx, sess.InstanceID)
		if err == nil || errors.Is(err, provider.ErrInstanceNotFound) {
			if !existed {
				log.Info("instance was already deleted", zap.String("instance", sess.InstanceID))
			}
			return nil
		}
		lastErr = err
		log.Warn("delete failed", zap.Int("attempt", attempt), zap.Int("max_attempts", retries), zap.Error(err))
		if attempt < retries {
			if err := d.clock().Sleep(ctx, d.Backoff); err != nil {
				return fail(attempt, err)
			}
		}
	}
	return fail(retries, lastErr)
}

// restore puts the session back to its prior status so it stays visible and
// a later destroy can claim it.
func (d *Destroyer) restore(log *zap.Logger, name string, prior session.Status, cause error) {
	_, err := d.Store.Update(context.Background(), name, func(s *session.Session) error {
		s.Status = prior
		s.Stage = "destroy"
		s.Reason = "destroy failed"
		return nil
	})
	if err != nil {
		log.Error("failed to restore session status after destroy failure", zap.Error(err), zap.NamedError("cause", cause))
	}
}
