/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/gpu"
	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/session"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check [session]",
	Short: "Check GPU usage and service health",
	Long: `Read nvidia-smi on the VM, verify the model is spread over every GPU, and probe the
vLLM endpoints. A ready session whose probe fails is marked degraded; a passing
probe marks it ready again.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		exec := connect(sess)
		defer exec.Close()

		healthy := true
		snap, err := gpu.NewMonitor(exec).Capture(ctx)
		if err != nil {
			fmt.Printf("❌ GPU query failed: %v\n", err)
			healthy = false
		} else {
			table := newTable([]string{"GPU", "Name", "Memory", "Util", ""})
			for _, g := range snap.GPUs() {
				state := "busy"
				colors := tablewriter.Colors{tablewriter.Bold, tablewriter.FgGreenColor}
				if g.IsIdle(cfg.GPUIdleFraction) {
					state = "idle"
					colors = tablewriter.Colors{tablewriter.Bold, tablewriter.FgYellowColor}
				}
				row := []string{
					fmt.Sprint(g.Index),
					g.Name,
					fmt.Sprintf("%.0f/%.0f MiB (%.0f%%)", g.MemUsedMiB, g.MemTotalMiB, g.MemoryFraction()*100),
					fmt.Sprintf("%.0f%%", g.Utilization),
					state,
				}
				table.Rich(row, richRow(row, 4, colors))
			}
			table.Render()
			fmt.Println()

			if ok, msg := snap.CheckParallelism(sess.Deployment.TensorParallelSize, cfg.GPUIdleFraction); ok {
				fmt.Printf("✅ Parallelism: %s\n", msg)
			} else {
				fmt.Printf("⚠️  Parallelism: %s\n", msg)
			}
		}

		d := sess.Deployment
		prober := deploy.NewProber(remote.HTTPClient(exec, 30*time.Second), d.BaseURL(), d.ServedModelName)
		if err := prober.ServiceUp(ctx); err != nil {
			fmt.Printf("❌ Service: %v\n", err)
			healthy = false
		} else if err := prober.Complete(ctx); err != nil {
			fmt.Printf("❌ Completion: %v\n", err)
			healthy = false
		} else {
			fmt.Printf("✅ Service: %s answers completions\n", d.ServedModelName)
		}

		next := sess.Status
		switch {
		case !healthy && sess.Status == session.StatusReady:
			next = session.StatusDegraded
		case healthy && sess.Status == session.StatusDegraded:
			next = session.StatusReady
		}
		if next != sess.Status {
			if _, err := store.Update(ctx, sess.Name, func(s *session.Session) error {
				s.Status = next
				return nil
			}); err != nil {
				log.Fatalf("Error updating session: %v", err)
			}
			fmt.Printf("Status: %s -> %s\n", statusText(sess.Status), statusText(next))
		}
		if !healthy {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
