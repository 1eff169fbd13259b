/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/session"
)

// extendCmd represents the extend command
var extendCmd = &cobra.Command{
	Use:   "extend [session]",
	Short: "Reset the idle timer so the watchdog keeps the VM",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		now := time.Now().UTC()
		if _, err := store.Update(ctx, sess.Name, func(s *session.Session) error {
			s.LastActivityAt = now
			return nil
		}); err != nil {
			log.Fatalf("Error extending session: %v", err)
		}
		fmt.Printf("✅ Idle timer for %s reset; it will be destroyed after %d idle minutes from now.\n",
			sess.Name, cfg.WatchdogTimeoutMinutes)
	},
}

func init() {
	rootCmd.AddCommand(extendCmd)
}
