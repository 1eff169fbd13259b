/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/provider"
	"github.com/atoniolo76/llmvm/pkg/watchdog"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show a session's state, provider status and running cost",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)
		now := time.Now()

		fmt.Printf("Session:   %s\n", sess.Name)
		fmt.Printf("Status:    %s", statusText(sess.Status))
		if sess.Stage != "" {
			fmt.Printf(" (stage %s", sess.Stage)
			if sess.Reason != "" {
				fmt.Printf(", %s", sess.Reason)
			}
			fmt.Printf(")")
		}
		fmt.Println()
		fmt.Printf("Provider:  %s %s in %s\n", sess.Provider, sess.InstanceType, sess.Region)
		fmt.Printf("Instance:  %s  %s\n", sess.InstanceID, sess.Address)
		fmt.Printf("Model:     %s (served as %s)\n", sess.Deployment.ModelID, sess.Deployment.ServedModelName)
		fmt.Printf("vLLM:      tp=%d max_model_len=%d gpu_memory_utilization=%.2f\n",
			sess.Deployment.TensorParallelSize, sess.Deployment.MaxModelLen, sess.Deployment.GPUMemoryUtilization)
		fmt.Printf("Idle for:  %s\n", formatDuration(now.Sub(sess.LastActivityAt)))
		printCostSummary(sess)

		for _, a := range sess.Healing {
			fmt.Printf("Healed:    #%d %s: %s\n", a.Attempt, a.Signature, a.Rationale)
		}

		if sess.WatchdogPID != 0 {
			state := "not running"
			if watchdog.Running(sess.WatchdogPID) {
				state = "running"
			}
			fmt.Printf("Watchdog:  pid %d (%s)\n", sess.WatchdogPID, state)
		}

		t, err := provider.ParseType(sess.Provider)
		if err != nil {
			return
		}
		p, err := providerFor(t)
		if err != nil {
			fmt.Printf("Cloud:     unknown (%v)\n", err)
			return
		}
		st, err := p.GetStatus(ctx, sess.InstanceID)
		switch {
		case errors.Is(err, provider.ErrInstanceNotFound):
			fmt.Printf("Cloud:     ⚠️  instance no longer exists (run `llmvm cleanup`)\n")
		case err != nil:
			fmt.Printf("Cloud:     unknown (%v)\n", err)
		default:
			fmt.Printf("Cloud:     %s\n", st.Status)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
