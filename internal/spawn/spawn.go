// Package spawn launches detached daemon processes.
package spawn

import (
	"fmt"
	"os/exec"
	"strings"
)

// Launch starts executablePath with args as a detached process and returns
// its pid. The child is released immediately; the daemon announces itself
// through the registry, not through this process handle.
func Launch(executablePath string, args ...string) (int, error) {
	if strings.TrimSpace(executablePath) == "" {
		return 0, fmt.Errorf("resolve executable: executable path is empty")
	}
	proc := exec.Command(executablePath, args...)
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	pid := proc.Process.Pid
	if err := proc.Process.Release(); err != nil {
		return pid, fmt.Errorf("release daemon process: %w", err)
	}
	return pid, nil
}
