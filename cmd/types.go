/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// typesCmd represents the types command
var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List GPU instance types offered by the provider",
	Run: func(cmd *cobra.Command, args []string) {
		providerName, _ := cmd.Flags().GetString("provider")
		region, _ := cmd.Flags().GetString("region")
		gpuOnly, _ := cmd.Flags().GetBool("gpu")
		if providerName == "" {
			providerName = cfg.Provider
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		p := mustProvider(providerName)
		types, err := p.ListTypes(ctx)
		if err != nil {
			log.Fatalf("Error listing instance types: %v", err)
		}
		sort.Slice(types, func(i, j int) bool { return types[i].HourlyCost < types[j].HourlyCost })

		table := newTable([]string{"Type", "Description", "GPUs", "GPU Mem", "$/hr", "Regions"})
		shown := 0
		for _, t := range types {
			if gpuOnly && t.GPUs == 0 {
				continue
			}
			if region != "" && len(t.Regions) > 0 && !contains(t.Regions, region) {
				continue
			}
			mem := "-"
			if t.GPUMemGB > 0 {
				mem = fmt.Sprintf("%d GB", t.GPUMemGB)
			}
			regions := strings.Join(t.Regions, ",")
			if regions == "" {
				regions = "all"
			}
			table.Append([]string{t.ID, t.Label, fmt.Sprint(t.GPUs), mem, fmt.Sprintf("%.2f", t.HourlyCost), regions})
			shown++
		}
		if shown == 0 {
			fmt.Println("No matching instance types.")
			return
		}
		table.Render()
	},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(typesCmd)

	typesCmd.Flags().String("provider", "", "provider to query (default from config)")
	typesCmd.Flags().StringP("region", "r", "", "only types available in this region")
	typesCmd.Flags().Bool("gpu", true, "only GPU types")
}
