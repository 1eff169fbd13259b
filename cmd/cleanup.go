/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/provider"
	"github.com/atoniolo76/llmvm/pkg/session"
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove sessions whose instance no longer exists",
	Long: `Ask each provider about every recorded session and offer to remove the records
whose instance is gone, for example because it was deleted from the web console.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		store := openStore()
		defer store.Close()

		sessions, err := store.List(ctx)
		if err != nil {
			log.Fatalf("Error listing sessions: %v", err)
		}

		var stale []*session.Session
		for _, sess := range sessions {
			if sess.InstanceID == "" {
				continue
			}
			t, err := provider.ParseType(sess.Provider)
			if err != nil {
				fmt.Printf("⚠️  %s: %v\n", sess.Name, err)
				continue
			}
			p, err := providerFor(t)
			if err != nil {
				fmt.Printf("⚠️  %s: %v\n", sess.Name, err)
				continue
			}
			_, err = p.GetStatus(ctx, sess.InstanceID)
			switch {
			case errors.Is(err, provider.ErrInstanceNotFound):
				stale = append(stale, sess)
			case err != nil:
				fmt.Printf("⚠️  %s: could not query instance: %v\n", sess.Name, err)
			}
		}

		if len(stale) == 0 {
			fmt.Println("✅ Every session still has a live instance.")
			return
		}

		fmt.Printf("Sessions without an instance:\n")
		for _, sess := range stale {
			fmt.Printf("  %s (%s %s, %s)\n", sess.Name, sess.Provider, sess.InstanceID, statusText(sess.Status))
		}
		if !yes {
			confirm := false
			prompt := &survey.Confirm{Message: fmt.Sprintf("Remove %d session record(s)?", len(stale))}
			if err := survey.AskOne(prompt, &confirm); err != nil {
				log.Fatalf("Prompt failed: %v", err)
			}
			if !confirm {
				fmt.Println("Nothing removed.")
				return
			}
		}

		for _, sess := range stale {
			if err := store.Delete(ctx, sess.Name); err != nil && !errors.Is(err, session.ErrNotFound) {
				fmt.Printf("❌ %s: %v\n", sess.Name, err)
				continue
			}
			removeEnvFile(sess.Name)
			fmt.Printf("✅ Removed %s\n", sess.Name)
		}
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolP("yes", "y", false, "remove without asking")
}
