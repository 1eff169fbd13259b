package deploy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atoniolo76/llmvm/pkg/remote"
)

// Container states reported by State.
const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateExited     = "exited"
	StateDead       = "dead"
	StateMissing    = "missing"
)

// Deployer manages the compose stack on one VM.
type Deployer struct {
	exec remote.Executor
	sudo bool
}

// NewDeployer returns a Deployer that runs through exec. sudo wraps each
// command for non-root login users.
func NewDeployer(exec remote.Executor, sudo bool) *Deployer {
	return &Deployer{exec: exec, sudo: sudo}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (d *Deployer) command(cmd string) string {
	if d.sudo {
		return "sudo sh -c " + shellQuote(cmd)
	}
	return cmd
}

func (d *Deployer) run(ctx context.Context, op, cmd string) (remote.Result, error) {
	res, err := d.exec.Run(ctx, d.command(cmd))
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, fmt.Errorf("%s exited %d: %s", op, res.ExitCode, strings.TrimSpace(res.Stderr+res.Stdout))
	}
	return res, nil
}

// Apply rewrites the remote .env and compose file for c and recreates the
// containers. Running it against a stopped stack simply starts it.
func (d *Deployer) Apply(ctx context.Context, c DeploymentConfig) error {
	compose, err := RenderCompose(c)
	if err != nil {
		return err
	}
	cmd := strings.Join([]string{
		remote.WriteFileCommand(Dir+"/.env", RenderEnv(c), 0600),
		remote.WriteFileCommand(Dir+"/docker-compose.yml", compose, 0644),
		"cd " + Dir,
		"docker compose up -d --force-recreate",
	}, " && ")
	_, err = d.run(ctx, "docker compose up", cmd)
	return err
}

// Stop takes the stack down. Stopping a stopped stack is not an error.
func (d *Deployer) Stop(ctx context.Context) error {
	_, err := d.run(ctx, "docker compose down", "cd "+Dir+" && docker compose down")
	return err
}

// Logs returns the last tail lines of the inference container output.
func (d *Deployer) Logs(ctx context.Context, tail int) (string, error) {
	res, err := d.run(ctx, "docker compose logs",
		fmt.Sprintf("cd %s && docker compose logs --no-color --tail %d %s 2>&1", Dir, tail, vllmService))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// State reports the inference container's state, StateMissing when it does
// not exist yet.
func (d *Deployer) State(ctx context.Context) (string, error) {
	res, err := d.run(ctx, "docker compose ps",
		fmt.Sprintf("cd %s && docker compose ps -a --format '{{.State}}' %s", Dir, vllmService))
	if err != nil {
		return "", err
	}
	state := strings.TrimSpace(res.Stdout)
	if state == "" {
		return StateMissing, nil
	}
	return strings.Fields(state)[0], nil
}

// activityFilter counts inference requests in vLLM access log lines on stdin.
// Health completions carry HealthCheckQuery and are not counted.
const activityFilter = `grep -E '"POST /v1/' | grep -vcF '` + HealthCheckQuery + `' || true`

// RequestCount counts inference requests logged within window. Zero is a valid
// answer, not an error.
func (d *Deployer) RequestCount(ctx context.Context, window time.Duration) (int, error) {
	secs := int(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	res, err := d.run(ctx, "activity query",
		fmt.Sprintf("cd %s && docker compose logs --no-color --since %ds %s 2>&1 | %s", Dir, secs, vllmService, activityFilter))
	if err != nil {
		return 0, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("unexpected activity count %q", out)
	}
	return n, nil
}
