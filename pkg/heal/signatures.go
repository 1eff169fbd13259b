package heal

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/atoniolo76/llmvm/pkg/deploy"
)

// Signature names, in priority order.
const (
	SignatureOOM        = "oom"
	SignatureNCCL       = "nccl"
	SignatureTPMismatch = "tensor-parallel-mismatch"
	SignatureDType      = "dtype-unsupported"
)

// remedy computes the delta for a matched signature. ok is false when the
// signature is recognised but nothing can be changed.
type remedy func(p Policy, logText string, cfg deploy.DeploymentConfig) (delta deploy.Delta, rationale string, ok bool)

type signature struct {
	name     string
	patterns []*regexp.Regexp
	fix      remedy
}

func (s signature) matches(logText string) bool {
	for _, re := range s.patterns {
		if re.MatchString(logText) {
			return true
		}
	}
	return false
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile("(?i)" + e)
	}
	return out
}

// table is checked top to bottom; the first matching signature decides.
var table = []signature{
	{
		name: SignatureOOM,
		patterns: patterns(
			`CUDA out of memory`,
			`CUDA error.*out of memory`,
			`CUDA_ERROR_OUT_OF_MEMORY`,
			`torch\.OutOfMemoryError`,
			`OutOfMemoryError`,
			`\bOOM\b`,
			`out of memory`,
		),
		fix: reduceMemory,
	},
	{
		name: SignatureNCCL,
		patterns: patterns(
			`NCCL_ERROR`,
			`nccl(System|Internal|UnhandledCuda|Remote)Error`,
			`NCCL.*(error|timeout|timed out|failure|failed)`,
			`collective.*(fail|timed out|timeout)`,
			`all_reduce.*error`,
		),
		fix: ncclFallback,
	},
	{
		name: SignatureTPMismatch,
		patterns: patterns(
			`tensor.parallel.*mismatch`,
			`tp_size.*not match`,
			`world_size.*!=.*tensor`,
			`expected \d+ (devices|gpus)[^\n]*found \d+`,
		),
		fix: matchDeviceCount,
	},
	{
		name: SignatureDType,
		patterns: patterns(
			`dtype.*not (compatible|supported)`,
			`does not support (bfloat16|bf16|float16|fp16)`,
			`bfloat16 is only supported on GPUs with compute capability`,
			`unsupported dtype`,
		),
		fix: automaticDType,
	},
}

func reduceMemory(p Policy, _ string, cfg deploy.DeploymentConfig) (deploy.Delta, string, bool) {
	current := int(cfg.GPUMemoryUtilization*100 + 0.5)
	if current <= p.MemoryFloor {
		return deploy.Delta{}, "", false
	}
	next := current - p.MemoryStep
	if next < p.MemoryFloor {
		next = p.MemoryFloor
	}
	util := float64(next) / 100
	delta := deploy.Delta{GPUMemoryUtilization: &util}
	rationale := fmt.Sprintf("GPU memory exhausted: lowering gpu_memory_utilization %d%% -> %d%%", current, next)

	if next == p.MemoryFloor && cfg.MaxModelLen > minContext {
		ctxLen := cfg.MaxModelLen / 2
		if ctxLen < minContext {
			ctxLen = minContext
		}
		delta.MaxModelLen = &ctxLen
		rationale += fmt.Sprintf(" (floor reached, max_model_len %d -> %d)", cfg.MaxModelLen, ctxLen)
	}
	return delta, rationale, true
}

// ncclEnv forces NCCL off InfiniBand and peer-to-peer onto the socket and
// shared-memory transports.
var ncclEnv = map[string]string{
	"NCCL_IB_DISABLE":  "1",
	"NCCL_P2P_DISABLE": "1",
	"NCCL_DEBUG":       "WARN",
}

func ncclFallback(_ Policy, _ string, _ deploy.DeploymentConfig) (deploy.Delta, string, bool) {
	env := make(map[string]string, len(ncclEnv))
	for k, v := range ncclEnv {
		env[k] = v
	}
	return deploy.Delta{Env: env}, "multi-GPU communication failed: disabling NCCL InfiniBand and P2P transports", true
}

var deviceCount = regexp.MustCompile(`(?i)expected \d+ (?:devices|gpus)[^\n]*?found (\d+)`)

func matchDeviceCount(_ Policy, logText string, cfg deploy.DeploymentConfig) (deploy.Delta, string, bool) {
	// The VM's own device count wins; the log count only fills in when it is unknown.
	found := cfg.DetectedGPUs
	if found < 1 {
		if m := deviceCount.FindStringSubmatch(logText); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				found = n
			}
		}
	}
	if found < 1 {
		return deploy.Delta{}, "", false
	}
	tp := found
	return deploy.Delta{TensorParallelSize: &tp},
		fmt.Sprintf("tensor parallel size %d does not match %d detected GPUs", cfg.TensorParallelSize, found), true
}

func automaticDType(_ Policy, _ string, cfg deploy.DeploymentConfig) (deploy.Delta, string, bool) {
	auto := "auto"
	return deploy.Delta{DType: &auto}, fmt.Sprintf("dtype %q not supported here: falling back to auto", cfg.DType), true
}
