package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/atoniolo76/llmvm/pkg/session"
)

// EnvFileName is written to the working directory by `up` and `use`.
const EnvFileName = ".llmvm-env"

// EnvFile renders shell exports that point OpenAI-compatible clients at the
// session through the local tunnel.
func EnvFile(sess *session.Session, localPort int) []byte {
	return []byte(fmt.Sprintf(`# llmvm session %[1]s
# Start the tunnel with "llmvm tunnel %[1]s", then: source %[2]s
export OPENAI_API_BASE="http://127.0.0.1:%[3]d/v1"
export OPENAI_API_KEY="sk-local"
export LLMVM_MODEL="openai/%[4]s"
export LLMVM_SESSION="%[1]s"
`, sess.Name, EnvFileName, localPort, sess.Deployment.ServedModelName))
}

// WriteEnvFile writes EnvFile into dir and returns its path.
func WriteEnvFile(dir string, sess *session.Session, localPort int) (string, error) {
	path := filepath.Join(dir, EnvFileName)
	if err := os.WriteFile(path, EnvFile(sess, localPort), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", EnvFileName, err)
	}
	return path, nil
}
