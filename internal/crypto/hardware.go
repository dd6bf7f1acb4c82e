package crypto

import (
	"runtime"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"golang.org/x/sys/cpu"
)

// HardwareInfo describes AES acceleration on the host running the gateway.
type HardwareInfo struct {
	AESHardwareSupport bool   `json:"aes_hardware_support"`
	AccelerationActive bool   `json:"hardware_acceleration_active"`
	Architecture       string `json:"architecture"`
	GOOS               string `json:"goos"`
	GoVersion          string `json:"go_version"`
}

// HasAESHardwareSupport checks if the CPU supports AES hardware acceleration.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// Hardware reports AES acceleration support and whether cfg leaves it enabled.
func Hardware(cfg config.HardwareConfig) HardwareInfo {
	info := HardwareInfo{
		AESHardwareSupport: HasAESHardwareSupport(),
		Architecture:       runtime.GOARCH,
		GOOS:               runtime.GOOS,
		GoVersion:          runtime.Version(),
	}
	if !info.AESHardwareSupport {
		return info
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		info.AccelerationActive = cfg.EnableAESNI
	case "arm64":
		info.AccelerationActive = cfg.EnableARMv8AES
	default:
		info.AccelerationActive = true
	}
	return info
}
