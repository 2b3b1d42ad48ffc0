package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// WriteEnvFile materializes the saved configuration blob as a KEY=value env
// file, mode 0600 since it carries secrets. The blob is parsed defensively:
// a malformed blob is logged and yields an empty environment rather than
// failing provisioning.
func WriteEnvFile(path string, blob []byte, log *zap.Logger) error {
	env := parseEnvBlob(blob, log)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

func parseEnvBlob(blob []byte, log *zap.Logger) map[string]string {
	var env map[string]string
	if err := json.Unmarshal(blob, &env); err != nil {
		log.Warn("malformed env configuration, using empty environment", zap.Error(err))
		return map[string]string{}
	}
	return env
}
