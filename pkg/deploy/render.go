package deploy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	vllmService  = "vllm"
	webuiService = "openwebui"
	unitName     = "llm.service"
)

// RenderEnv renders /opt/llm/.env. Values a healer may change are duplicated
// here so the file on the VM shows the active settings.
func RenderEnv(c DeploymentConfig) []byte {
	lines := []string{
		"HUGGING_FACE_HUB_TOKEN=" + c.HFToken,
		"HF_TOKEN=" + c.HFToken,
		"HF_HOME=/data/hf",
		"MODEL_ID=" + c.ModelID,
		"SERVED_MODEL_NAME=" + c.ServedModelName,
		"VLLM_TENSOR_PARALLEL_SIZE=" + strconv.Itoa(c.TensorParallelSize),
		"VLLM_MAX_MODEL_LEN=" + strconv.Itoa(c.MaxModelLen),
		"VLLM_GPU_MEMORY_UTILIZATION=" + formatFraction(c.GPUMemoryUtilization),
		"VLLM_MAX_NUM_SEQS=" + strconv.Itoa(c.MaxNumSeqs),
		"VLLM_DTYPE=" + dtype(c),
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+"="+c.Env[k])
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func formatFraction(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func dtype(c DeploymentConfig) string {
	if c.DType == "" {
		return "auto"
	}
	return c.DType
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]struct{}       `yaml:"volumes,omitempty"`
}

type composeService struct {
	Image       string              `yaml:"image"`
	Restart     string              `yaml:"restart,omitempty"`
	IPC         string              `yaml:"ipc,omitempty"`
	GPUs        string              `yaml:"gpus,omitempty"`
	Ports       []string            `yaml:"ports,omitempty"`
	EnvFile     []string            `yaml:"env_file,omitempty"`
	Environment []string            `yaml:"environment,omitempty"`
	Command     []string            `yaml:"command,omitempty"`
	Volumes     []string            `yaml:"volumes,omitempty"`
	DependsOn   []string            `yaml:"depends_on,omitempty"`
	Healthcheck *composeHealthcheck `yaml:"healthcheck,omitempty"`
}

type composeHealthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

func vllmArgs(c DeploymentConfig) []string {
	args := []string{
		c.ModelID,
		"--host", "0.0.0.0",
		"--port", "8000",
		"--served-model-name", c.ServedModelName,
		"--gpu-memory-utilization", formatFraction(c.GPUMemoryUtilization),
		"--max-num-seqs", strconv.Itoa(c.MaxNumSeqs),
		"--max-model-len", strconv.Itoa(c.MaxModelLen),
		"--tensor-parallel-size", strconv.Itoa(c.TensorParallelSize),
		"--dtype", dtype(c),
	}
	return append(args, strings.Fields(c.ExtraArgs)...)
}

// RenderCompose renders /opt/llm/docker-compose.yml. Every port binds to the
// VM loopback interface; clients reach it through SSH.
func RenderCompose(c DeploymentConfig) ([]byte, error) {
	f := composeFile{
		Services: map[string]composeService{
			vllmService: {
				Image:   c.Image,
				Restart: "unless-stopped",
				IPC:     "host",
				GPUs:    "all",
				Ports:   []string{fmt.Sprintf("127.0.0.1:%d:8000", c.Port)},
				EnvFile: []string{".env"},
				Command: vllmArgs(c),
				Volumes: []string{"hf-cache:/data/hf"},
				Healthcheck: &composeHealthcheck{
					Test:     []string{"CMD-SHELL", "curl -fsS http://localhost:8000/v1/models >/dev/null"},
					Interval: "30s",
					Timeout:  "5s",
					Retries:  6,
				},
			},
		},
		Volumes: map[string]struct{}{"hf-cache": {}},
	}
	if c.EnableWebUI {
		f.Services[webuiService] = composeService{
			Image:   c.WebUIImage,
			Restart: "unless-stopped",
			Ports:   []string{fmt.Sprintf("127.0.0.1:%d:8080", c.WebUIPort)},
			Environment: []string{
				"OPENAI_API_BASE_URL=http://vllm:8000/v1",
				"OPENAI_API_KEY=local",
				"WEBUI_AUTH=false",
			},
			Volumes:   []string{"webui-data:/app/backend/data"},
			DependsOn: []string{vllmService},
		}
		f.Volumes["webui-data"] = struct{}{}
	}
	out, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to render compose file: %w", err)
	}
	return out, nil
}

type cloudConfig struct {
	PackageUpdate bool        `yaml:"package_update"`
	Packages      []string    `yaml:"packages,omitempty"`
	WriteFiles    []writeFile `yaml:"write_files"`
	RunCmd        []string    `yaml:"runcmd"`
	PowerState    *powerState `yaml:"power_state,omitempty"`
}

type writeFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Content     string `yaml:"content"`
}

type powerState struct {
	Mode    string `yaml:"mode"`
	Message string `yaml:"message"`
	Delay   string `yaml:"delay"`
}

const systemdUnit = `[Unit]
Description=LLM inference stack
After=docker.service network-online.target
Requires=docker.service

[Service]
Type=oneshot
RemainAfterExit=yes
WorkingDirectory=/opt/llm
ExecStart=/usr/bin/docker compose up -d
ExecStop=/usr/bin/docker compose down

[Install]
WantedBy=multi-user.target
`

// driverSetup installs docker, the NVIDIA driver and the container toolkit on
// a stock Ubuntu image.
var driverSetup = []string{
	"curl -fsSL https://get.docker.com | sh",
	"ubuntu-drivers install --gpgpu",
	"curl -fsSL https://nvidia.github.io/libnvidia-container/gpgkey | gpg --dearmor -o /usr/share/keyrings/nvidia-container-toolkit-keyring.gpg",
	"curl -fsSL https://nvidia.github.io/libnvidia-container/stable/deb/nvidia-container-toolkit.list | sed 's#deb https://#deb [signed-by=/usr/share/keyrings/nvidia-container-toolkit-keyring.gpg] https://#g' > /etc/apt/sources.list.d/nvidia-container-toolkit.list",
	"apt-get update && apt-get install -y nvidia-container-toolkit",
	"nvidia-ctk runtime configure --runtime=docker",
}

// RenderCloudInit renders the #cloud-config user data that lays down the
// deployment and enables it at boot. installDrivers adds driver setup and a
// reboot, after which systemd starts the stack.
func RenderCloudInit(c DeploymentConfig, installDrivers bool) (string, error) {
	compose, err := RenderCompose(c)
	if err != nil {
		return "", err
	}
	cc := cloudConfig{
		PackageUpdate: true,
		Packages:      []string{"curl", "ca-certificates", "gnupg"},
		WriteFiles: []writeFile{
			{Path: Dir + "/.env", Permissions: "0600", Content: string(RenderEnv(c))},
			{Path: Dir + "/docker-compose.yml", Permissions: "0644", Content: string(compose)},
			{Path: "/etc/systemd/system/" + unitName, Permissions: "0644", Content: systemdUnit},
		},
	}
	if installDrivers {
		cc.RunCmd = append(cc.RunCmd, driverSetup...)
		cc.RunCmd = append(cc.RunCmd, "systemctl enable "+unitName)
		cc.PowerState = &powerState{Mode: "reboot", Message: "rebooting to load NVIDIA driver", Delay: "now"}
	} else {
		cc.RunCmd = append(cc.RunCmd, "systemctl daemon-reload", "systemctl enable --now "+unitName)
	}

	out, err := yaml.Marshal(cc)
	if err != nil {
		return "", fmt.Errorf("failed to render cloud-init: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}
