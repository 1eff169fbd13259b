/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/psanford/wormhole-william/wormhole"
	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/session"
)

// receiveCmd represents the receive command
var receiveCmd = &cobra.Command{
	Use:   "receive <code>",
	Short: "Receive a shared session",
	Long:  `Receive a session shared with "llmvm share". The SSH key is saved to ~/.ssh, an SSH config entry is added and the session is recorded locally.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		fmt.Printf("Connecting to wormhole with code: %s\n", args[0])

		var c wormhole.Client
		msg, err := c.Receive(ctx, args[0])
		if err != nil {
			log.Fatalf("Failed to receive: %v", err)
		}
		if msg.Type != wormhole.TransferFile || msg.Name != shareFileName {
			log.Fatalf("Unexpected transfer %q; was it sent with llmvm share?", msg.Name)
		}

		data, err := io.ReadAll(io.LimitReader(msg, 1<<20))
		if err != nil {
			log.Fatalf("Failed to read transfer: %v", err)
		}
		var payload SharePayload
		if err := json.Unmarshal(data, &payload); err != nil || payload.Session == nil {
			log.Fatalf("Invalid share payload: %v", err)
		}
		sess := payload.Session

		keyPath, err := saveSharedKey(payload.KeyName, []byte(payload.KeyData))
		if err != nil {
			log.Fatalf("Failed to save SSH key: %v", err)
		}
		fmt.Printf("✅ Saved key: %s\n", keyPath)
		sess.SSHKeyPath = keyPath

		if err := remote.UpdateSSHConfig(sess.Name, sess.Address, sess.SSHUser, keyPath); err != nil {
			fmt.Printf("⚠️  Failed to update SSH config: %v\n", err)
		}

		store := openStore()
		defer store.Close()
		err = store.Create(ctx, sess)
		if errors.Is(err, session.ErrExists) {
			fmt.Printf("⚠️  Session %s is already recorded locally\n", sess.Name)
		} else if err != nil {
			log.Fatalf("Error recording session: %v", err)
		} else if err := store.SetCurrent(ctx, workdir(), sess.Name); err != nil {
			fmt.Printf("⚠️  Failed to set current session: %v\n", err)
		}

		fmt.Printf("\nYou can now connect with: ssh %s\n", sess.Name)
		fmt.Printf("Run `llmvm tunnel %s` to reach the model at http://127.0.0.1:%d/v1\n", sess.Name, sess.Deployment.Port)
	},
}

// saveSharedKey writes a received private key into ~/.ssh, read-only for the owner.
func saveSharedKey(name string, data []byte) (string, error) {
	sshDir, err := homedir.Expand("~/.ssh")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return "", err
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	path := filepath.Join(sshDir, name)
	if existing, err := os.ReadFile(path); err == nil {
		if string(existing) == string(data) {
			return path, nil
		}
		return "", fmt.Errorf("%s already exists with different content", path)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	if err := os.Chmod(path, 0400); err != nil {
		return "", err
	}
	return path, nil
}

func init() {
	rootCmd.AddCommand(receiveCmd)
}
