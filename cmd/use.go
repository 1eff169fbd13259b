/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/lifecycle"
)

// useCmd represents the use command
var useCmd = &cobra.Command{
	Use:   "use <session>",
	Short: "Make a session current for this directory",
	Long:  `Make a session the default for commands run in this directory and rewrite ` + lifecycle.EnvFileName + ` to point at it.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		if err := store.SetCurrent(ctx, workdir(), sess.Name); err != nil {
			log.Fatalf("Error setting current session: %v", err)
		}
		if _, err := lifecycle.WriteEnvFile(workdir(), sess, sess.Deployment.Port); err != nil {
			log.Fatalf("Error: %v", err)
		}
		fmt.Printf("✅ %s is now the current session. Run `source %s` to update your shell.\n", sess.Name, lifecycle.EnvFileName)
	},
}

func init() {
	rootCmd.AddCommand(useCmd)
}
