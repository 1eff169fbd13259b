package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atoniolo76/llmvm/pkg/clock"
	"github.com/atoniolo76/llmvm/pkg/session"
)

// ActivityProbe counts inference requests seen on the VM within window.
type ActivityProbe interface {
	RequestCount(ctx context.Context, window time.Duration) (int, error)
}

// Notifier delivers a message to the operator. It must not block for long
// and its failures are the notifier's own concern.
type Notifier interface {
	Notify(title, message string)
}

// Destroyer tears the session down.
type Destroyer interface {
	Destroy(ctx context.Context, name string) error
}

// Store is the part of the session store the watchdog reads and writes.
type Store interface {
	Get(ctx context.Context, name string) (*session.Session, error)
	Update(ctx context.Context, name string, fn func(*session.Session) error) (*session.Session, error)
}

// Watchdog polls one session for activity and destroys it once idle.
type Watchdog struct {
	Session   string
	Activity  ActivityProbe
	Notifier  Notifier
	Destroyer Destroyer
	Store     Store
	Clock     clock.Clock
	Log       *zap.Logger
	Options   Options
}

// Run loops until the session is destroyed, removed elsewhere, or ctx is
// cancelled. It returns a non-nil error only when the idle session could not
// be destroyed.
func (w *Watchdog) Run(ctx context.Context) error {
	opts := w.Options.normalized()
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session", w.Session))
	clk := w.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	sess, err := w.Store.Get(ctx, w.Session)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", w.Session, err)
	}
	start := sess.LastActivityAt
	if start.IsZero() {
		start = clk.Now()
	}
	state := NewState(opts, start)
	lastPoll := clk.Now()

	log.Info("watchdog started",
		zap.Duration("timeout", opts.Timeout),
		zap.Duration("warning_lead", opts.WarningLead),
		zap.Duration("poll_interval", opts.PollInterval))

	for {
		if ctx.Err() != nil {
			log.Info("watchdog stopped")
			return nil
		}

		hold := false
		sess, err := w.Store.Get(ctx, w.Session)
		switch {
		case errors.Is(err, session.ErrNotFound):
			log.Info("session removed, watchdog exiting")
			return nil
		case err != nil:
			log.Warn("failed to read session", zap.Error(err))
		case sess.Status == session.StatusDestroying || sess.Status == session.StatusTerminated:
			log.Info("session is being destroyed elsewhere, watchdog exiting", zap.String("status", string(sess.Status)))
			return nil
		case sess.Status == session.StatusProvisioning:
			// A redeploy owns the session; idle time does not accrue until it is ready again.
			hold = true
			state.Touch(clk.Now())
		default:
			if sess.LastActivityAt.After(state.LastActivity) {
				log.Info("activity recorded externally", zap.Time("last_activity", sess.LastActivityAt))
				state.Touch(sess.LastActivityAt)
			}
		}

		if hold {
			lastPoll = clk.Now()
			if err := clk.Sleep(ctx, opts.PollInterval); err != nil {
				log.Info("watchdog stopped")
				return nil
			}
			continue
		}

		now := clk.Now()
		window := now.Sub(lastPoll)
		if window < opts.PollInterval {
			window = opts.PollInterval
		}
		n, err := w.Activity.RequestCount(ctx, window)
		lastPoll = now
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			log.Warn("activity query failed, counting as idle", zap.Error(err))
		case n > 0:
			log.Debug("activity observed", zap.Int("requests", n))
			state.Touch(now)
			w.recordActivity(ctx, log, now)
		}

		switch state.Next(now) {
		case ActionWarn:
			left := state.Remaining(now)
			log.Warn("idle warning sent", zap.Duration("idle", state.Idle(now)), zap.Duration("remaining", left))
			w.notify("llmvm: "+w.Session+" idle",
				fmt.Sprintf("No requests for %s. The VM will be destroyed in %s unless it is used or extended.",
					state.Idle(now).Round(time.Minute), left.Round(time.Minute)))
		case ActionDestroy:
			return w.destroy(ctx, log, state.Idle(now))
		}

		if err := clk.Sleep(ctx, opts.PollInterval); err != nil {
			log.Info("watchdog stopped")
			return nil
		}
	}
}

func (w *Watchdog) recordActivity(ctx context.Context, log *zap.Logger, now time.Time) {
	_, err := w.Store.Update(ctx, w.Session, func(s *session.Session) error {
		if now.After(s.LastActivityAt) {
			s.LastActivityAt = now
		}
		return nil
	})
	if err != nil {
		log.Warn("failed to record activity", zap.Error(err))
	}
}

func (w *Watchdog) notify(title, message string) {
	if w.Notifier != nil {
		w.Notifier.Notify(title, message)
	}
}

func (w *Watchdog) destroy(ctx context.Context, log *zap.Logger, idle time.Duration) error {
	log.Info("idle timeout reached, destroying", zap.Duration("idle", idle))
	err := w.Destroyer.Destroy(ctx, w.Session)
	if err == nil {
		w.notify("llmvm: "+w.Session+" destroyed",
			fmt.Sprintf("Destroyed after %s without requests.", idle.Round(time.Minute)))
		log.Info("session destroyed")
		return nil
	}

	// Another process may have claimed the session between our check and the
	// destroy call; that is not a failure.
	if sess, gerr := w.Store.Get(context.Background(), w.Session); errors.Is(gerr, session.ErrNotFound) ||
		(gerr == nil && (sess.Status == session.StatusDestroying || sess.Status == session.StatusTerminated)) {
		log.Info("session destroyed elsewhere", zap.Error(err))
		return nil
	}

	log.Error("FAILED TO DESTROY IDLE SESSION, INSTANCE MAY STILL BE BILLING", zap.Error(err))
	w.notify("llmvm: FAILED to destroy "+w.Session,
		"The idle VM could not be destroyed and may still be billing. Run `llmvm down "+w.Session+"`.")
	return fmt.Errorf("failed to destroy idle session %s: %w", w.Session, err)
}
