package atropos

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// HostID returns a best-effort stable identifier of the host recorded with
// every run. It falls back to the hostname when no hardware id is readable.
func HostID() string {
	if id, err := getHostUUID(); err == nil && id != "" {
		return id
	}
	if name, err := os.Hostname(); err == nil {
		return strings.TrimSpace(name)
	}
	return ""
}

// On macOS it uses `system_profiler`; on Linux it prefers /etc/machine-id then
// falls back to /sys/class/dmi/id/product_uuid.
func getHostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if id, err := readSystemFile(path); err == nil && id != "" {
				return id, nil
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
