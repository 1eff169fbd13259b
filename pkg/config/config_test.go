package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "provider: lambda\nregion: us-east\nvllm_max_model_len: 8192\n")
	t.Setenv("PROVIDER", "Linode")
	t.Setenv("LINODE_TOKEN", "tok")
	t.Setenv("VLLM_GPU_MEMORY_UTILIZATION", "0.85")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "linode", cfg.Provider, "environment beats the file")
	assert.Equal(t, "us-east", cfg.Region)
	assert.Equal(t, 8192, cfg.MaxModelLen)
	assert.Equal(t, 0.85, cfg.GPUMemoryUtilization)
	assert.Equal(t, "tok", cfg.Token())
	assert.Equal(t, DefaultServedModelName, cfg.ServedModelName)
	assert.Equal(t, DefaultVLLMPort, cfg.VLLMPort)
	assert.Equal(t, DefaultHealMaxRetries, cfg.HealMaxRetries)

	r := cfg.ReadinessOptions()
	assert.Equal(t, DefaultNetworkTimeout, r.NetworkTimeout)
	assert.Equal(t, DefaultInitPollInterval, r.InitInterval)
	assert.Equal(t, DefaultServiceTimeout, r.ServiceTimeout)
}

func TestLoadReadinessCeilings(t *testing.T) {
	t.Setenv("NETWORK_TIMEOUT_MINUTES", "5")
	t.Setenv("INIT_TIMEOUT_MINUTES", "45")
	t.Setenv("SERVICE_TIMEOUT_MINUTES", "40")
	t.Setenv("SERVICE_POLL_SECONDS", "30")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "provider: linode\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	r := cfg.ReadinessOptions()
	assert.Equal(t, 5*time.Minute, r.NetworkTimeout)
	assert.Equal(t, DefaultNetworkPollInterval, r.NetworkInterval)
	assert.Equal(t, 45*time.Minute, r.InitTimeout)
	assert.Equal(t, 40*time.Minute, r.ServiceTimeout)
	assert.Equal(t, 30*time.Second, r.ServiceInterval)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Provider:             "lambda",
		GPUMemoryUtilization: 1.5,
		TensorParallelSize:   0,
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"LAMBDA_API_KEY",
		"LAMBDA_SSH_KEY_NAME",
		"REGION",
		"TYPE",
		"MODEL_ID",
		"VLLM_GPU_MEMORY_UTILIZATION",
		"VLLM_TENSOR_PARALLEL_SIZE",
	} {
		assert.Contains(t, err.Error(), want)
	}

	ok := &Config{
		Provider:             "linode",
		LinodeToken:          "tok",
		Region:               "us-east",
		Type:                 "g1-gpu-rtx6000-1",
		ModelID:              "Qwen/Qwen2.5-Coder-7B-Instruct",
		GPUMemoryUtilization: 0.9,
		TensorParallelSize:   1,
	}
	assert.NoError(t, ok.Validate())

	ok.WatchdogEnabled = true
	ok.WatchdogTimeoutMinutes = 5
	ok.WatchdogWarningMinutes = 5
	assert.ErrorContains(t, ok.Validate(), "WATCHDOG_WARNING_MINUTES")
}

func TestProjections(t *testing.T) {
	cfg := &Config{
		ModelID:                "m",
		ServedModelName:        "coder",
		GPUMemoryUtilization:   0.9,
		HFToken:                "hf_x",
		VLLMPort:               8000,
		HealMaxRetries:         2,
		HealMemoryStep:         10,
		HealMemoryFloor:        60,
		WatchdogTimeoutMinutes: 45,
		WatchdogWarningMinutes: 10,
		WatchdogPollSeconds:    30,
	}

	d := cfg.Deployment()
	assert.Equal(t, "hf_x", d.HFToken)
	assert.Equal(t, 8000, d.Port)

	assert.Equal(t, 10, cfg.HealPolicy().MemoryStep)
	assert.Equal(t, 60, cfg.HealPolicy().MemoryFloor)

	r := cfg.ReadinessOptions()
	assert.Equal(t, 2, r.MaxRetries)
	assert.Zero(t, r.ServiceTimeout, "unset ceilings are left to the readiness defaults")

	w := cfg.WatchdogOptions()
	assert.Equal(t, 45*time.Minute, w.Timeout)
	assert.Equal(t, 10*time.Minute, w.WarningLead)
	assert.Equal(t, 30*time.Second, w.PollInterval)
}

func TestStateDirPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	cfg := &Config{StateDir: dir}
	got, err := cfg.StateDirPath()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	assert.DirExists(t, dir)
}

func TestSSHKeyPath(t *testing.T) {
	key := filepath.Join(t.TempDir(), "id_test")
	writeFile(t, key, "not really a key")
	cfg := &Config{SSHKey: key}
	got, err := cfg.SSHKeyPath()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}
