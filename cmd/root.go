/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atoniolo76/llmvm/pkg/config"
)

var (
	cfgFile string
	debug   bool

	cfg    *config.Config
	logger = zap.NewNop()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "llmvm",
	Short: "Ephemeral GPU VMs running a self-healing vLLM server",
	Long: `llmvm provisions a GPU VM on Linode or Lambda, deploys vLLM with docker compose,
and drives it until it serves completions, healing known failures such as GPU
out-of-memory on the way.

Key Features:
  - One command from nothing to an OpenAI-compatible endpoint
  - Automatic remediation of OOM, NCCL, tensor parallel and dtype failures
  - Idle watchdog that destroys forgotten VMs before they burn money
  - SSH tunnel to the loopback-only inference port
  - Share a running session with a teammate via Magic Wormhole

Use "llmvm [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		logger = newLogger(debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zc.DisableStacktrace = true
	zc.DisableCaller = !debug
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	l, err := zc.Build()
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	return l
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml in the llmvm config directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
