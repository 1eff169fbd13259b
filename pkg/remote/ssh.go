package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs commands over a single lazily dialed SSH connection. A
// broken connection is dropped and redialed on the next Run.
type SSHExecutor struct {
	host    string
	user    string
	keyFile string
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor returns an executor for user@host authenticated with keyFile.
func NewSSHExecutor(host, user, keyFile string, timeout time.Duration) *SSHExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SSHExecutor{host: host, user: user, keyFile: keyFile, timeout: timeout}
}

func (e *SSHExecutor) Host() string { return e.host }
func (e *SSHExecutor) User() string { return e.user }

func (e *SSHExecutor) connect() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	client, err := createSSHClient(e.host, e.user, e.keyFile, e.timeout)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

func (e *SSHExecutor) drop(c *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == c {
		e.client.Close()
		e.client = nil
	}
}

// Run executes command and waits for it, or for ctx.
func (e *SSHExecutor) Run(ctx context.Context, command string) (Result, error) {
	client, err := e.connect()
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.drop(client)
		return Result{}, &ConnectionError{Host: e.host, Err: fmt.Errorf("session error: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	// ExitMissingError and io errors mean the channel went away mid-command.
	e.drop(client)
	return res, &ConnectionError{Host: e.host, Err: err}
}

// Dial opens a TCP connection from the remote host to addr, e.g. a service
// bound to the VM loopback interface.
func (e *SSHExecutor) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := e.connect()
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial(network, addr)
	if err != nil {
		if channelRejected(err) {
			// The SSH link is fine; nothing listens on addr yet.
			return nil, fmt.Errorf("dial %s on %s: %w", addr, e.host, err)
		}
		e.drop(client)
		return nil, &ConnectionError{Host: e.host, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	return conn, nil
}

// channelRejected reports whether err is the server refusing a forwarded
// channel rather than the transport failing.
func channelRejected(err error) bool {
	var rejected *ssh.OpenChannelError
	return errors.As(err, &rejected)
}

// Close releases the underlying connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// createSSHClient establishes SSH connection
func createSSHClient(host, user, keyFile string, timeout time.Duration) (*ssh.Client, error) {
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, &AuthError{Host: host, User: user, Err: fmt.Errorf("read key: %w", err)}
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, &AuthError{Host: host, User: user, Err: fmt.Errorf("parse key: %w", err)}
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Cloud VMs are freshly created with unknown host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthError{Host: host, User: user, Err: err}
		}
		return nil, &ConnectionError{Host: host, Err: fmt.Errorf("dial SSH: %w", err)}
	}

	return client, nil
}

// WriteFileCommand returns a shell command that writes content to path. The
// content travels base64 encoded so quoting never matters.
func WriteFileCommand(path string, content []byte, mode os.FileMode) string {
	encoded := base64.StdEncoding.EncodeToString(content)
	return fmt.Sprintf("mkdir -p %s && echo %s | base64 -d > %s && chmod %o %s",
		filepath.Dir(path), encoded, path, mode.Perm(), path)
}

// SSHCommand returns the interactive ssh invocation for a session host.
func SSHCommand(host, user, keyFile string) string {
	return fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null %s@%s", keyFile, user, host)
}

// UpdateSSHConfig adds a Host entry to ~/.ssh/config unless one already exists.
func UpdateSSHConfig(hostName, hostIP, user, identityFile string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("failed to create ssh directory: %w", err)
	}

	configPath := filepath.Join(sshDir, "config")
	content, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read ssh config: %w", err)
	}
	if strings.Contains(string(content), "Host "+hostName+"\n") {
		return nil
	}

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("\nHost %s\n  HostName %s\n  User %s\n  IdentityFile %s\n  StrictHostKeyChecking no\n  UserKnownHostsFile /dev/null\n", hostName, hostIP, user, identityFile)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to write to ssh config: %w", err)
	}
	return nil
}

// PublicKey reads the public half of keyFile, from keyFile.pub when present
// or derived from the private key otherwise.
func PublicKey(keyFile string) (string, error) {
	if data, err := os.ReadFile(keyFile + ".pub"); err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return "", fmt.Errorf("parse key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}
