package crypto

import (
	"runtime"
	"testing"

	"github.com/kenneth/native-sign-gateway/internal/config"
)

func TestHasAESHardwareSupport(t *testing.T) {
	support := HasAESHardwareSupport()
	if support && runtime.GOARCH != "amd64" && runtime.GOARCH != "386" && runtime.GOARCH != "arm64" && runtime.GOARCH != "s390x" {
		t.Errorf("HasAESHardwareSupport() returned true for unknown architecture: %s", runtime.GOARCH)
	}
}

func TestHardware(t *testing.T) {
	info := Hardware(config.HardwareConfig{EnableAESNI: true, EnableARMv8AES: true})

	if info.Architecture != runtime.GOARCH {
		t.Errorf("Hardware() architecture mismatch: got %s, want %s", info.Architecture, runtime.GOARCH)
	}
	if info.AESHardwareSupport != HasAESHardwareSupport() {
		t.Errorf("Hardware() support flag disagrees with HasAESHardwareSupport()")
	}
	if !info.AESHardwareSupport && info.AccelerationActive {
		t.Errorf("Hardware() reports acceleration without hardware support")
	}

	off := Hardware(config.HardwareConfig{})
	if (runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64") && off.AccelerationActive {
		t.Errorf("Hardware() reports acceleration with the config flags disabled")
	}
}
