package overlayfs

import (
	"os"
	"path/filepath"
	"strings"
)

// isKernelMounted checks /proc/mounts for target, the same source
// internal/lifecycle's stale-mount reclaim reads.
func isKernelMounted(target string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	clean := filepath.Clean(target)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == clean {
			return true
		}
	}
	return false
}
