/*
Copyright © 2025 ALESSIO TONIOLO
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kirsle/configdir"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/atoniolo76/llmvm/pkg/deploy"
	"github.com/atoniolo76/llmvm/pkg/heal"
	"github.com/atoniolo76/llmvm/pkg/readiness"
	"github.com/atoniolo76/llmvm/pkg/watchdog"
)

// Config is the fully resolved settings for one invocation. It is built once
// by Load and passed down explicitly.
type Config struct {
	Provider   string `mapstructure:"provider"`
	Region     string `mapstructure:"region"`
	Type       string `mapstructure:"type"`
	FirewallID string `mapstructure:"linode_firewall_id"`

	LinodeToken      string `mapstructure:"linode_token"`
	LambdaAPIKey     string `mapstructure:"lambda_api_key"`
	LambdaSSHKeyName string `mapstructure:"lambda_ssh_key_name"`
	HFToken          string `mapstructure:"hugging_face_hub_token"`

	ModelID              string  `mapstructure:"model_id"`
	ServedModelName      string  `mapstructure:"served_model_name"`
	TensorParallelSize   int     `mapstructure:"vllm_tensor_parallel_size"`
	MaxModelLen          int     `mapstructure:"vllm_max_model_len"`
	GPUMemoryUtilization float64 `mapstructure:"vllm_gpu_memory_utilization"`
	MaxNumSeqs           int     `mapstructure:"vllm_max_num_seqs"`
	DType                string  `mapstructure:"vllm_dtype"`
	ExtraArgs            string  `mapstructure:"vllm_extra_args"`
	VLLMImage            string  `mapstructure:"vllm_image"`
	VLLMPort             int     `mapstructure:"vllm_port"`
	EnableWebUI          bool    `mapstructure:"enable_openwebui"`
	WebUIImage           string  `mapstructure:"openwebui_image"`
	WebUIPort            int     `mapstructure:"webui_port"`

	WatchdogEnabled        bool `mapstructure:"watchdog_enabled"`
	WatchdogTimeoutMinutes int  `mapstructure:"watchdog_timeout_minutes"`
	WatchdogWarningMinutes int  `mapstructure:"watchdog_warning_minutes"`
	WatchdogPollSeconds    int  `mapstructure:"watchdog_poll_seconds"`

	NetworkTimeoutMinutes int `mapstructure:"network_timeout_minutes"`
	NetworkPollSeconds    int `mapstructure:"network_poll_seconds"`
	InitTimeoutMinutes    int `mapstructure:"init_timeout_minutes"`
	InitPollSeconds       int `mapstructure:"init_poll_seconds"`
	ServiceTimeoutMinutes int `mapstructure:"service_timeout_minutes"`
	ServicePollSeconds    int `mapstructure:"service_poll_seconds"`

	GPUIdleFraction float64 `mapstructure:"gpu_idle_fraction"`
	HealMaxRetries  int     `mapstructure:"heal_max_retries"`
	HealMemoryStep  int     `mapstructure:"heal_memory_step"`
	HealMemoryFloor int     `mapstructure:"heal_memory_floor"`

	SSHKey   string `mapstructure:"ssh_key_path"`
	StateDir string `mapstructure:"llmvm_state_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", DefaultProvider)
	v.SetDefault("region", "")
	v.SetDefault("type", "")
	v.SetDefault("linode_firewall_id", "")
	v.SetDefault("linode_token", "")
	v.SetDefault("lambda_api_key", "")
	v.SetDefault("lambda_ssh_key_name", "")
	v.SetDefault("hugging_face_hub_token", "")

	v.SetDefault("model_id", "")
	v.SetDefault("served_model_name", DefaultServedModelName)
	v.SetDefault("vllm_tensor_parallel_size", DefaultTensorParallelSize)
	v.SetDefault("vllm_max_model_len", DefaultMaxModelLen)
	v.SetDefault("vllm_gpu_memory_utilization", DefaultGPUMemoryUtilization)
	v.SetDefault("vllm_max_num_seqs", DefaultMaxNumSeqs)
	v.SetDefault("vllm_dtype", DefaultDType)
	v.SetDefault("vllm_extra_args", "")
	v.SetDefault("vllm_image", DefaultVLLMImage)
	v.SetDefault("vllm_port", DefaultVLLMPort)
	v.SetDefault("enable_openwebui", false)
	v.SetDefault("openwebui_image", DefaultOpenWebUIImage)
	v.SetDefault("webui_port", DefaultWebUIPort)

	v.SetDefault("watchdog_enabled", DefaultWatchdogEnabled)
	v.SetDefault("watchdog_timeout_minutes", int(DefaultWatchdogTimeout/time.Minute))
	v.SetDefault("watchdog_warning_minutes", int(DefaultWatchdogWarningLead/time.Minute))
	v.SetDefault("watchdog_poll_seconds", int(DefaultWatchdogPollInterval/time.Second))

	v.SetDefault("network_timeout_minutes", int(DefaultNetworkTimeout/time.Minute))
	v.SetDefault("network_poll_seconds", int(DefaultNetworkPollInterval/time.Second))
	v.SetDefault("init_timeout_minutes", int(DefaultInitTimeout/time.Minute))
	v.SetDefault("init_poll_seconds", int(DefaultInitPollInterval/time.Second))
	v.SetDefault("service_timeout_minutes", int(DefaultServiceTimeout/time.Minute))
	v.SetDefault("service_poll_seconds", int(DefaultServicePollInterval/time.Second))

	v.SetDefault("gpu_idle_fraction", DefaultGPUIdleFraction)
	v.SetDefault("heal_max_retries", DefaultHealMaxRetries)
	v.SetDefault("heal_memory_step", DefaultHealMemoryStep)
	v.SetDefault("heal_memory_floor", DefaultHealMemoryFloor)

	v.SetDefault("ssh_key_path", DefaultSSHKeyPath)
	v.SetDefault("llmvm_state_dir", "")
}

// Load resolves settings from defaults, an optional YAML file, .env files in
// the working directory and the environment, in increasing precedence. An
// empty path means config.yaml in the user config directory.
func Load(path string) (*Config, error) {
	for _, f := range []string{".env", ".env.secrets"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", f, err)
			}
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configdir.LocalConfig(AppName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	return &cfg, nil
}

// Validate reports every problem that would stop `up` from provisioning.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case "linode":
		if c.LinodeToken == "" {
			errs = append(errs, errors.New("LINODE_TOKEN is required for provider linode"))
		}
	case "lambda":
		if c.LambdaAPIKey == "" {
			errs = append(errs, errors.New("LAMBDA_API_KEY is required for provider lambda"))
		}
		if c.LambdaSSHKeyName == "" {
			errs = append(errs, errors.New("LAMBDA_SSH_KEY_NAME is required for provider lambda"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("REGION is required"))
	}
	if c.Type == "" {
		errs = append(errs, errors.New("TYPE is required"))
	}
	if c.ModelID == "" {
		errs = append(errs, errors.New("MODEL_ID is required"))
	}
	if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
		errs = append(errs, fmt.Errorf("VLLM_GPU_MEMORY_UTILIZATION must be in (0, 1], got %v", c.GPUMemoryUtilization))
	}
	if c.TensorParallelSize < 1 {
		errs = append(errs, fmt.Errorf("VLLM_TENSOR_PARALLEL_SIZE must be at least 1, got %d", c.TensorParallelSize))
	}
	if c.WatchdogEnabled && c.WatchdogWarningMinutes >= c.WatchdogTimeoutMinutes {
		errs = append(errs, errors.New("WATCHDOG_WARNING_MINUTES must be smaller than WATCHDOG_TIMEOUT_MINUTES"))
	}
	return errors.Join(errs...)
}

// Token returns the API credential for the configured provider.
func (c *Config) Token() string {
	if c.Provider == "lambda" {
		return c.LambdaAPIKey
	}
	return c.LinodeToken
}

// Deployment is the initial remote deployment configuration.
func (c *Config) Deployment() deploy.DeploymentConfig {
	return deploy.DeploymentConfig{
		ModelID:              c.ModelID,
		ServedModelName:      c.ServedModelName,
		TensorParallelSize:   c.TensorParallelSize,
		MaxModelLen:          c.MaxModelLen,
		GPUMemoryUtilization: c.GPUMemoryUtilization,
		MaxNumSeqs:           c.MaxNumSeqs,
		DType:                c.DType,
		ExtraArgs:            c.ExtraArgs,
		Image:                c.VLLMImage,
		Port:                 c.VLLMPort,
		EnableWebUI:          c.EnableWebUI,
		WebUIImage:           c.WebUIImage,
		WebUIPort:            c.WebUIPort,
		HFToken:              c.HFToken,
	}
}

func (c *Config) HealPolicy() heal.Policy {
	return heal.Policy{MemoryStep: c.HealMemoryStep, MemoryFloor: c.HealMemoryFloor}
}

// ReadinessOptions bounds each readiness stage. Unset values fall back to the
// readiness defaults.
func (c *Config) ReadinessOptions() readiness.Options {
	return readiness.Options{
		NetworkInterval: time.Duration(c.NetworkPollSeconds) * time.Second,
		NetworkTimeout:  time.Duration(c.NetworkTimeoutMinutes) * time.Minute,
		InitInterval:    time.Duration(c.InitPollSeconds) * time.Second,
		InitTimeout:     time.Duration(c.InitTimeoutMinutes) * time.Minute,
		ServiceInterval: time.Duration(c.ServicePollSeconds) * time.Second,
		ServiceTimeout:  time.Duration(c.ServiceTimeoutMinutes) * time.Minute,
		MaxRetries:      c.HealMaxRetries,
	}
}

func (c *Config) WatchdogOptions() watchdog.Options {
	return watchdog.Options{
		Timeout:      time.Duration(c.WatchdogTimeoutMinutes) * time.Minute,
		WarningLead:  time.Duration(c.WatchdogWarningMinutes) * time.Minute,
		PollInterval: time.Duration(c.WatchdogPollSeconds) * time.Second,
	}
}

// StateDirPath is where the session database and watchdog logs live.
func (c *Config) StateDirPath() (string, error) {
	dir := c.StateDir
	if dir == "" {
		dir = configdir.LocalConfig(AppName)
	}
	dir, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("failed to expand state dir: %w", err)
	}
	if err := configdir.MakePath(dir); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// SSHKeyPath returns the private key path with ~ expanded. When the configured
// key is missing it falls back to the usual key names under ~/.ssh.
func (c *Config) SSHKeyPath() (string, error) {
	p, err := homedir.Expand(c.SSHKey)
	if err != nil {
		return "", fmt.Errorf("failed to expand ssh key path: %w", err)
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		candidate := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no SSH private key found at %s or ~/.ssh/id_{ed25519,rsa,ecdsa}", p)
}
