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

// upCmd represents the up command
var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Create a GPU VM and bring vLLM up on it",
	Long: `Create a GPU VM on the configured provider, deploy vLLM with docker compose via
cloud-init, and wait until the model answers a completion. Known failures such as
CUDA out-of-memory are healed automatically by adjusting the deployment and
restarting the service.

A session that fails is kept so its logs can be inspected; destroy it with
"llmvm down".`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		if v, _ := cmd.Flags().GetString("type"); v != "" {
			cfg.Type = v
		}
		if v, _ := cmd.Flags().GetString("region"); v != "" {
			cfg.Region = v
		}
		if v, _ := cmd.Flags().GetString("model"); v != "" {
			cfg.ModelID = v
		}
		if cmd.Flags().Changed("watchdog") {
			cfg.WatchdogEnabled, _ = cmd.Flags().GetBool("watchdog")
		}
		if cmd.Flags().Changed("webui") {
			cfg.EnableWebUI, _ = cmd.Flags().GetBool("webui")
		}

		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid configuration:\n%v", err)
		}

		keyPath, err := cfg.SSHKeyPath()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		pubKey, err := remote.PublicKey(keyPath)
		if err != nil {
			log.Fatalf("Error reading public key for %s: %v", keyPath, err)
		}

		store := openStore()
		defer store.Close()
		p := mustProvider(cfg.Provider)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		prov := &lifecycle.Provisioner{
			Store:    store,
			Provider: p,
			Connect: func(host, user string) (lifecycle.Conn, error) {
				return remote.NewSSHExecutor(host, user, keyPath, config.DefaultSSHTimeout), nil
			},
			PublicKey:  pubKey,
			SSHKeyPath: keyPath,
			Models:     modelInfo(),
			Readiness:  cfg.ReadinessOptions(),
			Heal:       cfg.HealPolicy(),
			Log:        logger,
		}
		if cfg.WatchdogEnabled {
			prov.Spawn = spawnWatchdog
		}

		fmt.Printf("Provisioning %s on %s (%s, %s)...\n", cfg.ModelID, cfg.Provider, cfg.Type, cfg.Region)
		sess, res, err := prov.Up(ctx, lifecycle.Request{
			Name:         name,
			Workdir:      workdir(),
			Region:       cfg.Region,
			InstanceType: cfg.Type,
			FirewallID:   cfg.FirewallID,
			SSHKeyName:   cfg.LambdaSSHKeyName,
			Deployment:   cfg.Deployment(),
			Watchdog:     cfg.WatchdogEnabled,
		})

		if res != nil {
			for _, a := range res.History {
				fmt.Printf("⚠️  Healed %s (attempt %d): %s\n", a.Signature, a.Attempt, a.Delta.String())
			}
		}

		var failed *readiness.FailedError
		if errors.As(err, &failed) && sess != nil {
			fmt.Printf("❌ Session %s failed: %v\n", sess.Name, err)
			fmt.Printf("   The VM is still running so you can inspect it:\n")
			fmt.Printf("     llmvm logs %s\n", sess.Name)
			fmt.Printf("     %s\n", remote.SSHCommand(sess.Address, sess.SSHUser, sess.SSHKeyPath))
			fmt.Printf("   Destroy it with: llmvm down %s\n", sess.Name)
			os.Exit(1)
		}
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		fmt.Printf("✅ Session %s is ready (%s at $%.2f/hr)\n", sess.Name, sess.InstanceType, sess.HourlyCost)

		if err := remote.UpdateSSHConfig(sess.Name, sess.Address, sess.SSHUser, sess.SSHKeyPath); err != nil {
			fmt.Printf("⚠️  Could not update ~/.ssh/config: %v\n", err)
		}
		envPath, err := lifecycle.WriteEnvFile(workdir(), sess, sess.Deployment.Port)
		if err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
		if sess.WatchdogPID != 0 {
			fmt.Printf("   Watchdog running (pid %d), destroys after %d idle minutes\n", sess.WatchdogPID, cfg.WatchdogTimeoutMinutes)
		}

		fmt.Printf("\nNext steps:\n")
		fmt.Printf("  llmvm tunnel            # forward 127.0.0.1:%d to the VM\n", sess.Deployment.Port)
		if envPath != "" {
			fmt.Printf("  source %s\n", lifecycle.EnvFileName)
		}
		fmt.Printf("  Endpoint: http://127.0.0.1:%d/v1  model: %s\n", sess.Deployment.Port, sess.Deployment.ServedModelName)
	},
}

func init() {
	rootCmd.AddCommand(upCmd)

	upCmd.Flags().String("name", "", "session name (default derived from the model and time)")
	upCmd.Flags().String("type", "", "instance type (overrides TYPE)")
	upCmd.Flags().String("region", "", "region (overrides REGION)")
	upCmd.Flags().String("model", "", "Hugging Face model ID (overrides MODEL_ID)")
	upCmd.Flags().Bool("watchdog", false, "start the idle watchdog once ready (overrides WATCHDOG_ENABLED)")
	upCmd.Flags().Bool("webui", false, "also run Open WebUI (overrides ENABLE_OPENWEBUI)")
}
