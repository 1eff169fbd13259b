/*
Copyright © 2025 ALESSIO TONIOLO

constants.go defines the default values for every llmvm setting.
Each one can be overridden from config.yaml, .env or the environment.
*/
package config

import "time"

// AppName names the config directory and the binary.
const AppName = "llmvm"

// =============================================================================
// PROVIDER CONFIGURATION
// =============================================================================

const (
	// DefaultProvider is the cloud backend used when PROVIDER is unset
	DefaultProvider = "linode"

	// DefaultServedModelName is the model alias the inference server exposes
	DefaultServedModelName = "coder"
)

// =============================================================================
// VLLM DEPLOYMENT
// =============================================================================

const (
	// DefaultVLLMImage is the container image for the inference server
	DefaultVLLMImage = "vllm/vllm-openai:latest"

	// DefaultOpenWebUIImage is the optional chat UI container image
	DefaultOpenWebUIImage = "ghcr.io/open-webui/open-webui:main"

	// DefaultVLLMPort is the port vLLM binds on the VM loopback interface
	DefaultVLLMPort = 8000

	// DefaultWebUIPort is the port the chat UI binds on the VM loopback interface
	DefaultWebUIPort = 3000

	// DefaultTensorParallelSize is overridden by the GPU count of the chosen type
	DefaultTensorParallelSize = 1

	// DefaultMaxModelLen is the context window passed to vLLM
	DefaultMaxModelLen = 16384

	// DefaultGPUMemoryUtilization is the fraction of GPU memory vLLM may claim
	DefaultGPUMemoryUtilization = 0.90

	// DefaultMaxNumSeqs bounds concurrent sequences per server
	DefaultMaxNumSeqs = 1

	// DefaultDType lets vLLM pick the numeric type
	DefaultDType = "auto"
)

// =============================================================================
// HEALING POLICY
// =============================================================================

const (
	// DefaultHealMaxRetries is the healing budget during AWAITING_SERVICE
	DefaultHealMaxRetries = 3

	// DefaultHealMemoryStep is the utilization reduction per OOM, in percentage points
	DefaultHealMemoryStep = 5

	// DefaultHealMemoryFloor is the lowest utilization the healer will set, in percent
	DefaultHealMemoryFloor = 50
)

// =============================================================================
// READINESS TIMING
// =============================================================================

const (
	DefaultNetworkPollInterval = 10 * time.Second
	DefaultNetworkTimeout      = 15 * time.Minute

	DefaultInitPollInterval = 15 * time.Second
	DefaultInitTimeout      = 30 * time.Minute

	DefaultServicePollInterval = 10 * time.Second
	// DefaultServiceTimeout is cumulative across healing attempts
	DefaultServiceTimeout = 20 * time.Minute
)

// =============================================================================
// WATCHDOG
// =============================================================================

const (
	// DefaultWatchdogEnabled controls whether `up` spawns the idle watchdog
	DefaultWatchdogEnabled = false

	DefaultWatchdogTimeout      = 30 * time.Minute
	DefaultWatchdogWarningLead  = 5 * time.Minute
	DefaultWatchdogPollInterval = 60 * time.Second

	// DefaultDestroyRetries is how many times a failed delete is retried before escalating
	DefaultDestroyRetries = 3

	// DefaultDestroyBackoff is the wait between delete attempts
	DefaultDestroyBackoff = 10 * time.Second
)

// =============================================================================
// GPU MONITORING
// =============================================================================

// DefaultGPUIdleFraction marks a GPU idle when less than this share of its memory is in use
const DefaultGPUIdleFraction = 0.10

// =============================================================================
// SSH
// =============================================================================

const (
	// DefaultSSHKeyPath is the private key used for every session
	DefaultSSHKeyPath = "~/.ssh/id_ed25519"

	// DefaultSSHTimeout bounds a single dial
	DefaultSSHTimeout = 10 * time.Second
)
