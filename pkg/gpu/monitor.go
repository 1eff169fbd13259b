// Package gpu reads accelerator status from a session VM.
package gpu

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/atoniolo76/llmvm/pkg/remote"
)

// QueryCommand asks nvidia-smi for one CSV row per GPU.
const QueryCommand = "nvidia-smi --query-gpu=index,name,memory.used,memory.total,utilization.gpu --format=csv,noheader,nounits"

// CollectionError means no snapshot could be produced.
type CollectionError struct {
	Reason string
	Err    error
}

func (e *CollectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gpu collection failed: %s: %v", e.Reason, e.Err)
	}
	return "gpu collection failed: " + e.Reason
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Monitor captures snapshots over a remote executor.
type Monitor struct {
	exec remote.Executor
}

func NewMonitor(exec remote.Executor) *Monitor {
	return &Monitor{exec: exec}
}

// Capture runs the query and parses every row. Any bad row fails the whole
// capture.
func (m *Monitor) Capture(ctx context.Context) (*Snapshot, error) {
	res, err := m.exec.Run(ctx, QueryCommand)
	if err != nil {
		return nil, &CollectionError{Reason: "query failed", Err: err}
	}
	if !res.OK() {
		return nil, &CollectionError{Reason: fmt.Sprintf("nvidia-smi exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr+res.Stdout))}
	}
	return Parse(res.Stdout)
}

// Parse turns nvidia-smi CSV output into a Snapshot.
func Parse(output string) (*Snapshot, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, &CollectionError{Reason: "no GPUs reported"}
	}

	var gpus []GPU
	for i, line := range strings.Split(output, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			return nil, &CollectionError{Reason: fmt.Sprintf("line %d: expected 5 fields, got %d", i+1, len(fields))}
		}
		for j := range fields {
			fields[j] = strings.TrimSpace(fields[j])
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, &CollectionError{Reason: fmt.Sprintf("line %d: bad index", i+1), Err: err}
		}
		used, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, &CollectionError{Reason: fmt.Sprintf("line %d: bad memory.used", i+1), Err: err}
		}
		total, err := strconv.ParseFloat(fields[3], 64)
		if err != nil || total <= 0 {
			return nil, &CollectionError{Reason: fmt.Sprintf("line %d: bad memory.total %q", i+1, fields[3]), Err: err}
		}
		util, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, &CollectionError{Reason: fmt.Sprintf("line %d: bad utilization", i+1), Err: err}
		}

		gpus = append(gpus, GPU{
			Index:       index,
			Name:        fields[1],
			MemUsedMiB:  used,
			MemTotalMiB: total,
			Utilization: util,
		})
	}
	return &Snapshot{gpus: gpus}, nil
}
