// Package deploy renders and manages the vLLM docker compose deployment that
// runs on each session VM.
package deploy

import (
	"fmt"
	"sort"
	"strings"
)

// Dir is where the deployment lives on the VM.
const Dir = "/opt/llm"

// DeploymentConfig is everything needed to render the remote deployment.
type DeploymentConfig struct {
	ModelID              string            `json:"model_id"`
	ServedModelName      string            `json:"served_model_name"`
	TensorParallelSize   int               `json:"tensor_parallel_size"`
	MaxModelLen          int               `json:"max_model_len"`
	GPUMemoryUtilization float64           `json:"gpu_memory_utilization"`
	MaxNumSeqs           int               `json:"max_num_seqs"`
	DType                string            `json:"dtype"`
	ExtraArgs            string            `json:"extra_args,omitempty"`
	Image                string            `json:"image"`
	Port                 int               `json:"port"`
	EnableWebUI          bool              `json:"enable_webui,omitempty"`
	WebUIImage           string            `json:"webui_image,omitempty"`
	WebUIPort            int               `json:"webui_port,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	// DetectedGPUs is the device count reported by the VM, 0 when unknown.
	DetectedGPUs int `json:"detected_gpus,omitempty"`

	// HFToken is written to the remote .env but never persisted locally.
	HFToken string `json:"-"`
}

// Delta is a partial change to a DeploymentConfig. Nil fields are untouched.
type Delta struct {
	GPUMemoryUtilization *float64          `json:"gpu_memory_utilization,omitempty"`
	MaxModelLen          *int              `json:"max_model_len,omitempty"`
	TensorParallelSize   *int              `json:"tensor_parallel_size,omitempty"`
	DType                *string           `json:"dtype,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
}

// Apply returns c with d merged in. c is not modified.
func (c DeploymentConfig) Apply(d Delta) DeploymentConfig {
	out := c
	out.Env = make(map[string]string, len(c.Env)+len(d.Env))
	for k, v := range c.Env {
		out.Env[k] = v
	}
	for k, v := range d.Env {
		out.Env[k] = v
	}
	if len(out.Env) == 0 {
		out.Env = nil
	}
	if d.GPUMemoryUtilization != nil {
		out.GPUMemoryUtilization = *d.GPUMemoryUtilization
	}
	if d.MaxModelLen != nil {
		out.MaxModelLen = *d.MaxModelLen
	}
	if d.TensorParallelSize != nil {
		out.TensorParallelSize = *d.TensorParallelSize
	}
	if d.DType != nil {
		out.DType = *d.DType
	}
	return out
}

// Changes reports whether applying d to c would alter anything.
func (c DeploymentConfig) Changes(d Delta) bool {
	if d.GPUMemoryUtilization != nil && *d.GPUMemoryUtilization != c.GPUMemoryUtilization {
		return true
	}
	if d.MaxModelLen != nil && *d.MaxModelLen != c.MaxModelLen {
		return true
	}
	if d.TensorParallelSize != nil && *d.TensorParallelSize != c.TensorParallelSize {
		return true
	}
	if d.DType != nil && *d.DType != c.DType {
		return true
	}
	for k, v := range d.Env {
		if cur, ok := c.Env[k]; !ok || cur != v {
			return true
		}
	}
	return false
}

// String renders d as "key=value" pairs for logs and operator output.
func (d Delta) String() string {
	var parts []string
	if d.GPUMemoryUtilization != nil {
		parts = append(parts, fmt.Sprintf("gpu_memory_utilization=%.2f", *d.GPUMemoryUtilization))
	}
	if d.MaxModelLen != nil {
		parts = append(parts, fmt.Sprintf("max_model_len=%d", *d.MaxModelLen))
	}
	if d.TensorParallelSize != nil {
		parts = append(parts, fmt.Sprintf("tensor_parallel_size=%d", *d.TensorParallelSize))
	}
	if d.DType != nil {
		parts = append(parts, "dtype="+*d.DType)
	}
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+d.Env[k])
	}
	return strings.Join(parts, " ")
}

// BaseURL is the service address as seen from the VM itself.
func (c DeploymentConfig) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}
