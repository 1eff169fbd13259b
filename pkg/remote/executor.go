package remote

import (
	"context"
	"fmt"
)

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Executor runs shell commands on a remote host. A non-zero exit is reported
// in Result, not as an error; errors are reserved for transport failures.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
}

// ConnectionError is a transient transport failure. Callers may retry.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the host rejected our credentials.
type AuthError struct {
	Host string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication as %s@%s failed: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
