// Package cpu implements the native batch-norm and renorm kernels.
//
// All kernels partition work by channel (or by slice for renorm): each
// worker owns disjoint output memory, so no locking is needed. Accumulation
// within one channel is strictly sequential to keep floating-point results
// reproducible across runs.
package cpu

import (
	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Backend executes normalization kernels on the CPU.
type Backend struct {
	device tensor.Device
	cfg    parallel.Config
}

// New creates a CPU backend with the default worker-pool configuration.
func New() *Backend {
	return &Backend{
		device: tensor.CPU,
		cfg:    parallel.DefaultConfig(),
	}
}

// NewWithConfig creates a CPU backend with an explicit parallel configuration.
// Useful in tests to force sequential execution.
func NewWithConfig(cfg parallel.Config) *Backend {
	return &Backend{
		device: tensor.CPU,
		cfg:    cfg,
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (b *Backend) Device() tensor.Device {
	return b.device
}
