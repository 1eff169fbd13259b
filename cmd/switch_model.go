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

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/config"
	"github.com/atoniolo76/llmvm/pkg/lifecycle"
	"github.com/atoniolo76/llmvm/pkg/readiness"
	"github.com/atoniolo76/llmvm/pkg/remote"
)

// switchModelCmd represents the switch-model command
var switchModelCmd = &cobra.Command{
	Use:   "switch-model [session]",
	Short: "Serve a different model on a running session",
	Long: `Rewrite the vLLM deployment on an existing VM for another model and wait until it
answers a completion, healing known failures as "llmvm up" does. The VM is kept
whatever the outcome.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		model, _ := cmd.Flags().GetString("model")
		served, _ := cmd.Flags().GetString("served-name")
		maxLen, _ := cmd.Flags().GetInt("max-model-len")
		if model == "" && served == "" && maxLen == 0 {
			log.Fatalf("Nothing to change: pass --model, --served-name or --max-model-len")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		w := &lifecycle.Switcher{
			Store: store,
			Connect: func(host, user string) (lifecycle.Conn, error) {
				return remote.NewSSHExecutor(host, user, sess.SSHKeyPath, config.DefaultSSHTimeout), nil
			},
			Models:    modelInfo(),
			Readiness: cfg.ReadinessOptions(),
			Heal:      cfg.HealPolicy(),
			Log:       logger,
		}
		fmt.Printf("Switching %s to %s...\n", sess.Name, firstNonEmpty(model, sess.Deployment.ModelID))
		updated, res, err := w.Switch(ctx, sess.Name, lifecycle.Switch{
			ModelID:         model,
			ServedModelName: served,
			MaxModelLen:     maxLen,
			HFToken:         cfg.HFToken,
		})
		if res != nil {
			for _, a := range res.History {
				fmt.Printf("⚠️  Healed %s (attempt %d): %s\n", a.Signature, a.Attempt, a.Delta.String())
			}
		}

		var failed *readiness.FailedError
		if errors.As(err, &failed) && updated != nil {
			fmt.Printf("❌ Switch failed: %v\n", err)
			fmt.Printf("   Inspect with: llmvm logs %s\n", updated.Name)
			os.Exit(1)
		}
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		if _, err := lifecycle.WriteEnvFile(workdir(), updated, updated.Deployment.Port); err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
		fmt.Printf("✅ %s now serves %s as %q (max length %d)\n", updated.Name,
			updated.Deployment.ModelID, updated.Deployment.ServedModelName, updated.Deployment.MaxModelLen)
	},
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(switchModelCmd)

	switchModelCmd.Flags().String("model", "", "Hugging Face model ID to serve")
	switchModelCmd.Flags().String("served-name", "", "model name clients send in requests")
	switchModelCmd.Flags().Int("max-model-len", 0, "context length (clamped to the model's limit)")
}
