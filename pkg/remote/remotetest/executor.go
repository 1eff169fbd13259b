// Package remotetest provides a scripted remote.Executor for tests.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/atoniolo76/llmvm/pkg/remote"
)

// Handler answers one command.
type Handler func(command string) (remote.Result, error)

// Executor dispatches each command to the first handler whose key is a
// substring of the command. Unmatched commands fail the call.
type Executor struct {
	mu       sync.Mutex
	keys     []string
	handlers map[string]Handler
	calls    []string
}

func New() *Executor {
	return &Executor{handlers: map[string]Handler{}}
}

// On registers h for commands containing key. Earlier registrations win.
func (e *Executor) On(key string, h Handler) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.handlers[key] = h
	return e
}

// Reply registers a fixed stdout and zero exit for commands containing key.
func (e *Executor) Reply(key, stdout string) *Executor {
	return e.On(key, func(string) (remote.Result, error) {
		return remote.Result{Stdout: stdout}, nil
	})
}

func (e *Executor) Run(ctx context.Context, command string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	e.mu.Lock()
	e.calls = append(e.calls, command)
	var h Handler
	for _, k := range e.keys {
		if strings.Contains(command, k) {
			h = e.handlers[k]
			break
		}
	}
	e.mu.Unlock()
	if h == nil {
		return remote.Result{}, fmt.Errorf("remotetest: unexpected command %q", command)
	}
	return h(command)
}

// Calls returns every command seen, in order.
func (e *Executor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Count returns how many commands contained key.
func (e *Executor) Count(key string) int {
	n := 0
	for _, c := range e.Calls() {
		if strings.Contains(c, key) {
			n++
		}
	}
	return n
}
