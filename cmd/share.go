/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/psanford/wormhole-william/wormhole"
	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/session"
)

const shareFileName = "llmvm-share.json"

// SharePayload is what a receiver needs to reach a session.
type SharePayload struct {
	Session *session.Session `json:"session"`
	KeyName string           `json:"key_name"`
	KeyData string           `json:"key_data"`
}

// shareCmd represents the share command
var shareCmd = &cobra.Command{
	Use:   "share [session]",
	Short: "Securely share a session and its SSH key with another user",
	Long: `Send the session record and its SSH key over the Magic Wormhole protocol. The
receiver runs "llmvm receive <code>" to get SSH access and a working session.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		sess := resolveSession(context.Background(), store, args)
		store.Close()

		if sess.Address == "" {
			log.Fatalf("Session %s has no address yet. Is it running?", sess.Name)
		}
		keyData, err := os.ReadFile(sess.SSHKeyPath)
		if err != nil {
			log.Fatalf("Failed to read SSH key %s: %v", sess.SSHKeyPath, err)
		}

		shared := *sess
		shared.WatchdogPID = 0
		data, err := json.Marshal(SharePayload{
			Session: &shared,
			KeyName: filepath.Base(sess.SSHKeyPath),
			KeyData: string(keyData),
		})
		if err != nil {
			log.Fatalf("Failed to marshal payload: %v", err)
		}

		fmt.Printf("Preparing to share session '%s' (%s)\n", sess.Name, sess.Address)
		fmt.Printf("Key file: %s\n\n", sess.SSHKeyPath)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		var c wormhole.Client
		code, status, err := c.SendFile(ctx, shareFileName, bytes.NewReader(data))
		if err != nil {
			log.Fatalf("Failed to start send: %v", err)
		}

		fmt.Printf("Share this code with the receiver:\n\n")
		fmt.Printf("\t%s\n\n", code)
		fmt.Println("Waiting for receiver to connect...")

		select {
		case s := <-status:
			if s.Error != nil {
				log.Fatalf("Transfer failed: %v", s.Error)
			}
			fmt.Println("\n✅ Transfer completed successfully!")
		case <-ctx.Done():
			log.Fatal("Transfer timed out after 10 minutes")
		}
	},
}

func init() {
	rootCmd.AddCommand(shareCmd)
}
