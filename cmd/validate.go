/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/provider"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration, instance type and model before creating anything",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		ok := true
		if err := cfg.Validate(); err != nil {
			fmt.Printf("❌ Configuration:\n%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Configuration\n")

		p := mustProvider(cfg.Provider)
		if t, err := provider.ResolveRate(ctx, p, cfg.Type); err != nil {
			fmt.Printf("❌ Instance type %s: %v\n", cfg.Type, err)
			ok = false
		} else {
			fmt.Printf("✅ Instance type %s: %d GPU(s) at $%.2f/hr\n", t.ID, t.GPUs, t.HourlyCost)
			if t.GPUs > 0 && cfg.TensorParallelSize != t.GPUs {
				fmt.Printf("⚠️  Tensor parallel size %d will be set to %d to match the GPUs\n", cfg.TensorParallelSize, t.GPUs)
			}
		}

		if limit, err := modelInfo().ContextLength(ctx, cfg.ModelID); err != nil {
			fmt.Printf("⚠️  Model %s: %v\n", cfg.ModelID, err)
		} else if cfg.MaxModelLen > limit {
			fmt.Printf("⚠️  MAX_MODEL_LEN %d exceeds the %d tokens %s supports; up will clamp it\n",
				cfg.MaxModelLen, limit, cfg.ModelID)
		} else {
			fmt.Printf("✅ Model %s supports %d tokens\n", cfg.ModelID, limit)
		}

		if !ok {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
