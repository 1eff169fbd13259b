/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atoniolo76/llmvm/pkg/remote"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect [session]",
	Short: "Open an SSH shell or an IDE on a session VM",
	Long:  `Open an interactive SSH shell on the session VM. Use --cursor or --code to open the deployment directory in Cursor or VS Code over Remote-SSH instead.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cursor, _ := cmd.Flags().GetBool("cursor")
		code, _ := cmd.Flags().GetBool("code")
		if cursor && code {
			log.Fatal("Cannot specify both --cursor and --code flags")
		}

		store := openStore()
		sess := resolveSession(context.Background(), store, args)
		store.Close()
		if sess.Address == "" {
			log.Fatalf("Session %s has no address yet", sess.Name)
		}

		if cursor || code {
			openInIDE(sess.Name, "/opt/llm", cursor)
			return
		}

		fields := strings.Fields(remote.SSHCommand(sess.Address, sess.SSHUser, sess.SSHKeyPath))
		ssh := exec.Command(fields[0], fields[1:]...)
		ssh.Stdin = os.Stdin
		ssh.Stdout = os.Stdout
		ssh.Stderr = os.Stderr
		if err := ssh.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				os.Exit(exitErr.ExitCode())
			}
			log.Fatalf("Failed to connect to %s: %v", sess.Name, err)
		}
	},
}

// openInIDE opens remotePath on the ssh config host in VS Code or Cursor.
// Cursor uses the same vscode-remote URI scheme.
func openInIDE(host, remotePath string, useCursor bool) {
	uri := fmt.Sprintf("vscode-remote://ssh-remote+%s%s", host, remotePath)

	binary := "cursor"
	if !useCursor {
		if _, err := exec.LookPath("cursor"); err != nil {
			binary = "code"
		}
	}
	fmt.Printf("Opening %s for session '%s' at '%s'...\n", binary, host, remotePath)

	command := exec.Command(binary, "--folder-uri", uri)
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if err := command.Run(); err != nil {
		log.Fatalf("Failed to open %s: %v\nMake sure '%s' is in your PATH.", binary, err, binary)
	}
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().Bool("cursor", false, "Open in Cursor instead of SSH")
	connectCmd.Flags().Bool("code", false, "Open in VS Code instead of SSH")
}
