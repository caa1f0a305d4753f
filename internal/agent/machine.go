package agent

import (
	"os"
	"strings"
)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID returns the OS machine id, falling back to the host name.
func MachineID() string {
	for _, p := range machineIDPaths {
		if raw, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				return id
			}
		}
	}
	host, _ := os.Hostname()
	if host == "" {
		return "unknown"
	}
	return host
}
