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
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		sessions, err := store.List(ctx)
		if err != nil {
			log.Fatalf("Error listing sessions: %v", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions. Create one with `llmvm up`.")
			return
		}

		current := ""
		if cur, err := store.Current(ctx, workdir()); err == nil {
			current = cur.Name
		}

		now := time.Now()
		var total float64
		table := newTable([]string{"", "Name", "Status", "Provider", "Type", "Address", "Model", "Uptime", "Cost"})
		for _, s := range sessions {
			marker := ""
			if s.Name == current {
				marker = "*"
			}
			row := []string{
				marker,
				s.Name,
				string(s.Status),
				s.Provider,
				s.InstanceType,
				s.Address,
				s.Deployment.ServedModelName,
				formatDuration(s.Runtime(now)),
				fmt.Sprintf("$%.2f", s.Cost(now)),
			}
			table.Rich(row, richRow(row, 2, statusColors(s.Status)))
			total += s.Cost(now)
		}
		table.Render()
		fmt.Printf("\nTotal accrued: $%.2f\n", total)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
