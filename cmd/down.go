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
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/lifecycle"
)

// downCmd represents the down command
var downCmd = &cobra.Command{
	Use:   "down [session]",
	Short: "Destroy a session's VM",
	Long:  `Destroy the VM behind a session (the current one when no name is given), stop its watchdog, and remove the session record. Prints the total runtime and cost.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		force, _ := cmd.Flags().GetBool("force")

		ctx := context.Background()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		if !yes {
			confirmed := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Destroy %s (%s %s, %s)?", sess.Name, sess.Provider, sess.InstanceType, sess.Address),
			}
			if err := survey.AskOne(prompt, &confirmed); err != nil {
				log.Fatalf("Error getting confirmation: %v", err)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return
			}
		}

		fmt.Printf("Destroying %s...\n", sess.Name)
		final, err := newDestroyer(store).Down(ctx, sess.Name, force)
		if errors.Is(err, lifecycle.ErrDestroyInProgress) {
			log.Fatalf("Another process is already destroying %s. Use --force if it crashed.", sess.Name)
		}
		var derr *lifecycle.DestroyError
		if errors.As(err, &derr) {
			fmt.Printf("❌ %v\n", err)
			fmt.Printf("   Check the %s console and delete instance %s manually if needed.\n", derr.Provider, derr.InstanceID)
			os.Exit(1)
		}
		if err != nil {
			log.Fatalf("Error destroying session: %v", err)
		}
		if final == nil {
			fmt.Printf("Session %s was already gone.\n", sess.Name)
			return
		}

		removeEnvFile(final.Name)
		fmt.Printf("✅ Destroyed %s\n", final.Name)
		printCostSummary(final)
	},
}

// removeEnvFile deletes the working directory's env file when it belongs to name.
func removeEnvFile(name string) {
	path := filepath.Join(workdir(), lifecycle.EnvFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if strings.HasPrefix(string(data), "# llmvm session "+name+"\n") {
		os.Remove(path)
	}
}

func init() {
	rootCmd.AddCommand(downCmd)

	downCmd.Flags().BoolP("yes", "y", false, "skip confirmation")
	downCmd.Flags().Bool("force", false, "reclaim a session stuck in destroying")
}
