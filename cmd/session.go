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
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/atoniolo76/llmvm/pkg/config"
	"github.com/atoniolo76/llmvm/pkg/hfhub"
	"github.com/atoniolo76/llmvm/pkg/lifecycle"
	"github.com/atoniolo76/llmvm/pkg/provider"
	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/session"
	"github.com/atoniolo76/llmvm/pkg/watchdog"
)

func stateDir() string {
	dir, err := cfg.StateDirPath()
	if err != nil {
		log.Fatalf("Error resolving state directory: %v", err)
	}
	return dir
}

func openStore() *session.Store {
	store, err := session.Open(filepath.Join(stateDir(), session.FileName))
	if err != nil {
		log.Fatalf("Error opening session store: %v", err)
	}
	return store
}

func workdir() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Error getting working directory: %v", err)
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return wd
	}
	return abs
}

// resolveSession returns the named session, or the current one for the
// working directory when args is empty.
func resolveSession(ctx context.Context, store *session.Store, args []string) *session.Session {
	if len(args) > 0 {
		sess, err := store.Get(ctx, args[0])
		if errors.Is(err, session.ErrNotFound) {
			log.Fatalf("No session named %q. Run `llmvm list` to see sessions.", args[0])
		}
		if err != nil {
			log.Fatalf("Error loading session %s: %v", args[0], err)
		}
		return sess
	}
	sess, err := store.Current(ctx, workdir())
	if errors.Is(err, session.ErrNoCurrent) || errors.Is(err, session.ErrNotFound) {
		log.Fatalf("No current session for this directory. Pass a name or run `llmvm use <name>`.")
	}
	if err != nil {
		log.Fatalf("Error loading current session: %v", err)
	}
	return sess
}

func tokenFor(t provider.Type) string {
	if t == provider.Lambda {
		return cfg.LambdaAPIKey
	}
	return cfg.LinodeToken
}

func providerFor(t provider.Type) (provider.CloudProvider, error) {
	return provider.New(t, provider.Options{Token: tokenFor(t)})
}

func mustProvider(name string) provider.CloudProvider {
	t, err := provider.ParseType(name)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	p, err := providerFor(t)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	return p
}

func modelInfo() *hfhub.Client {
	return hfhub.New(hfhub.Options{Token: cfg.HFToken})
}

func connect(sess *session.Session) *remote.SSHExecutor {
	if sess.Address == "" {
		log.Fatalf("Session %s has no address yet", sess.Name)
	}
	return remote.NewSSHExecutor(sess.Address, sess.SSHUser, sess.SSHKeyPath, config.DefaultSSHTimeout)
}

func newDestroyer(store *session.Store) *lifecycle.Destroyer {
	return &lifecycle.Destroyer{
		Store:     store,
		Providers: providerFor,
		Log:       logger,
		Retries:   config.DefaultDestroyRetries,
		Backoff:   config.DefaultDestroyBackoff,
	}
}

// spawnWatchdog starts `llmvm watchdog run <name>` as a detached process.
func spawnWatchdog(sess *session.Session) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}
	args := []string{"watchdog", "run", sess.Name}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return watchdog.Spawn(exe, args, watchdogLogPath(sess.Name))
}

func watchdogLogPath(name string) string {
	return filepath.Join(stateDir(), "logs", name+"-watchdog.log")
}

func statusText(s session.Status) string {
	switch s {
	case session.StatusReady:
		return color.GreenString(string(s))
	case session.StatusDegraded, session.StatusProvisioning:
		return color.YellowString(string(s))
	case session.StatusFailed, session.StatusDestroying:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func printCostSummary(sess *session.Session) {
	now := time.Now()
	fmt.Printf("  Runtime: %s\n", formatDuration(sess.Runtime(now)))
	fmt.Printf("  Cost:    $%.2f (at $%.2f/hr)\n", sess.Cost(now), sess.HourlyCost)
}
