/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/heal"
)

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs [session]",
	Short: "Show the vLLM container logs",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tail, _ := cmd.Flags().GetInt("tail")

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		store := openStore()
		defer store.Close()
		sess := resolveSession(ctx, store, args)

		exec := connect(sess)
		defer exec.Close()

		out, err := deploy.NewDeployer(exec, sess.SSHUser != "root").Logs(ctx, tail)
		if err != nil {
			log.Fatalf("Error fetching logs: %v", err)
		}
		fmt.Fprint(os.Stdout, out)
		if !strings.HasSuffix(out, "\n") {
			fmt.Println()
		}
		if sig := heal.Match(out); sig != "" {
			fmt.Printf("\n⚠️  Known failure signature in logs: %s\n", sig)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntP("tail", "n", 200, "number of lines to show")
}
