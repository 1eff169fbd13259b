/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/session"
	"github.com/atoniolo76/llmvm/pkg/watchdog"
)

// watchdogCmd represents the watchdog command
var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Manage the idle watchdog of a session",
}

var watchdogStartCmd = &cobra.Command{
	Use:   "start [session]",
	Short: "Start the idle watchdog in the background",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		if watchdog.Running(sess.WatchdogPID) {
			fmt.Printf("Watchdog already running for %s (pid %d)\n", sess.Name, sess.WatchdogPID)
			return
		}
		if sess.Status != session.StatusReady && sess.Status != session.StatusDegraded {
			log.Fatalf("Session %s is %s; the watchdog only guards running sessions", sess.Name, sess.Status)
		}

		pid, err := spawnWatchdog(sess)
		if err != nil {
			log.Fatalf("Error starting watchdog: %v", err)
		}
		if _, err := store.Update(ctx, sess.Name, func(s *session.Session) error {
			s.WatchdogPID = pid
			return nil
		}); err != nil {
			watchdog.Stop(pid)
			log.Fatalf("Error recording watchdog: %v", err)
		}
		fmt.Printf("✅ Watchdog started for %s (pid %d)\n", sess.Name, pid)
		fmt.Printf("   Log: %s\n", watchdogLogPath(sess.Name))
	},
}

var watchdogStopCmd = &cobra.Command{
	Use:   "stop [session]",
	Short: "Stop the idle watchdog",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		if sess.WatchdogPID == 0 {
			fmt.Printf("No watchdog recorded for %s\n", sess.Name)
			return
		}
		if err := watchdog.Stop(sess.WatchdogPID); err != nil {
			log.Fatalf("Error stopping watchdog: %v", err)
		}
		if _, err := store.Update(ctx, sess.Name, func(s *session.Session) error {
			s.WatchdogPID = 0
			return nil
		}); err != nil {
			log.Fatalf("Error updating session: %v", err)
		}
		fmt.Printf("✅ Watchdog stopped for %s. The instance will keep billing until `llmvm down`.\n", sess.Name)
	},
}

// watchdogRunCmd is the detached process body started by up and watchdog start.
var watchdogRunCmd = &cobra.Command{
	Use:    "run <session>",
	Short:  "Run the idle watchdog in the foreground",
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{"stderr"}
		wlog, err := zcfg.Build()
		if err != nil {
			log.Fatalf("Error creating logger: %v", err)
		}
		defer wlog.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := openStore()
		defer store.Close()
		sess, err := store.Get(ctx, name)
		if err != nil {
			wlog.Fatal("failed to load session", zap.String("session", name), zap.Error(err))
		}

		exec := connect(sess)
		defer exec.Close()

		destroyer := newDestroyer(store)
		destroyer.Log = wlog

		w := &watchdog.Watchdog{
			Session:   name,
			Activity:  deploy.NewDeployer(exec, sess.SSHUser != "root"),
			Notifier:  watchdog.DesktopNotifier{Log: wlog},
			Destroyer: destroyer,
			Store:     store,
			Log:       wlog,
			Options:   cfg.WatchdogOptions(),
		}
		if err := w.Run(ctx); err != nil {
			wlog.Error("watchdog stopped with error", zap.Error(err))
			wlog.Sync()
			log.Fatalf("Watchdog failed: %v", err)
		}

		clearCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		clearWatchdogPID(clearCtx, store, name, os.Getpid(), wlog)
		wlog.Info("watchdog exited")
	},
}

func init() {
	rootCmd.AddCommand(watchdogCmd)
	watchdogCmd.AddCommand(watchdogStartCmd)
	watchdogCmd.AddCommand(watchdogStopCmd)
	watchdogCmd.AddCommand(watchdogRunCmd)
}

// clearWatchdogPID drops pid from the session unless another watchdog has
// already replaced it. A session that is already gone needs nothing.
func clearWatchdogPID(ctx context.Context, store *session.Store, name string, pid int, wlog *zap.Logger) {
	_, err := store.Update(ctx, name, func(s *session.Session) error {
		if s.WatchdogPID == pid {
			s.WatchdogPID = 0
		}
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		wlog.Warn("failed to clear watchdog pid", zap.Int("pid", pid), zap.Error(err))
	}
}
