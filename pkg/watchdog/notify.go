package watchdog

import (
	"time"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

const notifyTimeout = 5 * time.Second

// DesktopNotifier shows desktop notifications through beeep. Every message is
// also logged, so a headless host still has a record.
type DesktopNotifier struct {
	Log *zap.Logger
	// send overrides the notification call in tests.
	send func(title, message string) error
}

func beeepNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Notify logs the message and shows it. It returns after notifyTimeout at the
// latest; a notification that fails or hangs never holds up the watchdog.
func (n DesktopNotifier) Notify(title, message string) {
	log := n.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification", zap.String("title", title), zap.String("message", message))

	send := n.send
	if send == nil {
		send = beeepNotify
	}
	done := make(chan error, 1)
	go func() { done <- send(title, message) }()
	select {
	case err := <-done:
		if err != nil {
			log.Debug("desktop notification failed", zap.Error(err))
		}
	case <-time.After(notifyTimeout):
		log.Debug("desktop notification timed out")
	}
}
