package gpu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoniolo76/llmvm/pkg/remote"
	"github.com/atoniolo76/llmvm/pkg/remote/remotetest"
)

const twoGPUs = `0, NVIDIA RTX 6000 Ada Generation, 44000, 49140, 87
1, NVIDIA RTX 6000 Ada Generation, 43800, 49140, 85
`

func TestCapture(t *testing.T) {
	m := NewMonitor(remotetest.New().Reply("nvidia-smi", twoGPUs))
	snap, err := m.Capture(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, snap.Count())
	g := snap.GPUs()[1]
	assert.Equal(t, 1, g.Index)
	assert.Equal(t, "NVIDIA RTX 6000 Ada Generation", g.Name)
	assert.Equal(t, 43800.0, g.MemUsedMiB)
	assert.Equal(t, 85.0, g.Utilization)
}

func TestCaptureFailures(t *testing.T) {
	tests := []struct {
		name string
		exec *remotetest.Executor
	}{
		{"transport", remotetest.New().On("nvidia-smi", func(string) (remote.Result, error) {
			return remote.Result{}, &remote.ConnectionError{Host: "h", Err: errors.New("reset")}
		})},
		{"exit code", remotetest.New().On("nvidia-smi", func(string) (remote.Result, error) {
			return remote.Result{ExitCode: 9, Stderr: "NVIDIA-SMI has failed"}, nil
		})},
		{"empty", remotetest.New().Reply("nvidia-smi", "\n")},
		{"partial row", remotetest.New().Reply("nvidia-smi", "0, A100, 100, 40960, 0\n1, A100, 100\n")},
		{"not a number", remotetest.New().Reply("nvidia-smi", "0, A100, [N/A], 40960, 0\n")},
		{"zero total", remotetest.New().Reply("nvidia-smi", "0, A100, 0, 0, 0\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := NewMonitor(tt.exec).Capture(context.Background())
			assert.Nil(t, snap)
			var cerr *CollectionError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestIdle(t *testing.T) {
	snap, err := Parse("0, A100, 100, 40960, 0\n1, A100, 30000, 40960, 99\n")
	require.NoError(t, err)

	idle := snap.IdleGPUs(0.10)
	require.Len(t, idle, 1)
	assert.Equal(t, 0, idle[0].Index)
	assert.Empty(t, snap.IdleGPUs(0.001))
}

func TestSnapshotIsCopied(t *testing.T) {
	snap, err := Parse(twoGPUs)
	require.NoError(t, err)
	gpus := snap.GPUs()
	gpus[0].Name = "changed"
	assert.Equal(t, "NVIDIA RTX 6000 Ada Generation", snap.GPUs()[0].Name)
}

func TestCheckParallelism(t *testing.T) {
	even, _ := Parse(twoGPUs)
	ok, _ := even.CheckParallelism(2, 0.10)
	assert.True(t, ok)

	ok, msg := even.CheckParallelism(1, 0.10)
	assert.False(t, ok)
	assert.Contains(t, msg, "does not match")

	uneven, _ := Parse("0, A, 40000, 40960, 90\n1, A, 10000, 40960, 20\n")
	ok, msg = uneven.CheckParallelism(2, 0.10)
	assert.False(t, ok)
	assert.Contains(t, msg, "uneven")

	oneIdle, _ := Parse("0, A, 40000, 40960, 90\n1, A, 100, 40960, 0\n")
	ok, msg = oneIdle.CheckParallelism(2, 0.10)
	assert.False(t, ok)
	assert.Contains(t, msg, "1 of 2 GPUs idle")
}
