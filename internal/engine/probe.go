package engine

import (
	"os"
	"strings"
)

var nvidiaDriverPath = "/proc/driver/nvidia/version"

// CUDAAvailable reports whether an NVIDIA driver is loaded and CUDA devices
// are not hidden from child processes.
func CUDAAvailable() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		switch strings.TrimSpace(v) {
		case "", "-1", "none", "NoDevFiles":
			return false
		}
	}
	_, err := os.Stat(nvidiaDriverPath)
	return err == nil
}
