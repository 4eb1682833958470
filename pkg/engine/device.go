package engine

import (
	"os"
	"runtime"
)

// Device names a compute backend. The set is closed; selection follows
// an explicit priority order rather than runtime type inspection.
type Device string

const (
	DeviceCUDA  Device = "cuda"
	DeviceMetal Device = "metal"
	DeviceCPU   Device = "cpu"
)

// Probe reports which accelerators the host exposes.
type Probe interface {
	HasCUDA() bool
	HasMetal() bool
}

// DetectDevice picks the compute device. Priority: explicit override,
// then CUDA, then Metal, then CPU.
func DetectDevice(override Device, probe Probe) Device {
	switch override {
	case DeviceCUDA, DeviceMetal, DeviceCPU:
		return override
	}
	if probe.HasCUDA() {
		return DeviceCUDA
	}
	if probe.HasMetal() {
		return DeviceMetal
	}
	return DeviceCPU
}

// SystemProbe detects accelerators from the host environment.
type SystemProbe struct{}

// HasCUDA reports whether an NVIDIA device is visible.
func (SystemProbe) HasCUDA() bool {
	for _, path := range []string{"/dev/nvidia0", "/proc/driver/nvidia/version"} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// HasMetal reports whether the platform accelerator is available.
func (SystemProbe) HasMetal() bool {
	return runtime.GOOS == "darwin"
}
