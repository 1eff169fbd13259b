/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/remote"
)

// tunnelCmd represents the tunnel command
var tunnelCmd = &cobra.Command{
	Use:   "tunnel [session]",
	Short: "Forward the vLLM port to localhost over SSH",
	Long:  `Forward the VM's loopback-only vLLM port (and Open WebUI when enabled) to this machine until interrupted.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := openStore()
		sess := resolveSession(ctx, store, args)
		store.Close()

		localPort, _ := cmd.Flags().GetInt("port")
		d := sess.Deployment
		if localPort == 0 {
			localPort = d.Port
		}

		exec := connect(sess)
		defer exec.Close()
		if _, err := exec.Run(ctx, "true"); err != nil {
			log.Fatalf("Error connecting to %s: %v", sess.Address, err)
		}

		errs := make(chan error, 2)
		go func() {
			errs <- remote.Forward(ctx, exec, fmt.Sprintf("127.0.0.1:%d", localPort), fmt.Sprintf("127.0.0.1:%d", d.Port), logger)
		}()
		fmt.Printf("✅ vLLM:      http://127.0.0.1:%d/v1 -> %s\n", localPort, sess.Name)
		forwards := 1
		if d.EnableWebUI {
			forwards++
			go func() {
				errs <- remote.Forward(ctx, exec, fmt.Sprintf("127.0.0.1:%d", d.WebUIPort), fmt.Sprintf("127.0.0.1:%d", d.WebUIPort), logger)
			}()
			fmt.Printf("✅ Open WebUI: http://127.0.0.1:%d\n", d.WebUIPort)
		}
		fmt.Println("Press Ctrl+C to close the tunnel.")

		for i := 0; i < forwards; i++ {
			if err := <-errs; err != nil {
				log.Fatalf("Tunnel error: %v", err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(tunnelCmd)

	tunnelCmd.Flags().IntP("port", "p", 0, "local port (default is the remote vLLM port)")
}
