package norm

import (
	"github.com/kiln-ml/kiln/internal/backend/webgpu"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Impl identifies which backend produced a forward result. The value
// returned by a forward call must be passed unchanged to the paired
// backward call; backward dispatches on it without re-deriving the choice.
type Impl int

const (
	// ImplNative is the CPU reference implementation. It is always a
	// valid fallback and has no eligibility constraints beyond the shared
	// entry-point validation.
	ImplNative Impl = iota
	// ImplWebGPU is the GPU provider. Saved statistics travel to backward
	// through the reserve buffer.
	ImplWebGPU
	// ImplBLAS is the BLAS-accelerated CPU provider.
	ImplBLAS
)

func (i Impl) String() string {
	switch i {
	case ImplNative:
		return "native"
	case ImplWebGPU:
		return "webgpu"
	case ImplBLAS:
		return "blas"
	default:
		return "unknown"
	}
}

// Batch-size ceilings for the GPU provider. Training uses a larger limit
// because the training kernels tile the batch dimension differently.
const (
	webgpuMaxBatchTrain = 880801
	webgpuMaxBatchEval  = 65535
)

// blasMaxRank is the highest tensor rank the BLAS provider handles.
const blasMaxRank = 5

// selectImpl picks a backend for one forward call. It is a pure function
// of the argument properties plus the global adapter availability probe;
// it never mutates anything.
func selectImpl(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, eps float64, backendEnabled bool,
) Impl {
	if webgpuEligible(input, weight, bias, runningMean, runningVar, training, eps, backendEnabled) {
		return ImplWebGPU
	}
	if blasEligible(input, weight, bias, runningMean, runningVar, training, backendEnabled) {
		return ImplBLAS
	}
	return ImplNative
}

// webgpuEligible reports whether the GPU provider can serve this call.
func webgpuEligible(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, eps float64, backendEnabled bool,
) bool {
	if !backendEnabled {
		return false
	}
	if input.DType() != tensor.Float32 {
		return false
	}
	if weight == nil || bias == nil {
		return false
	}
	if weight.DType() != tensor.Float32 {
		return false
	}
	if !runningStatsConsistent(runningMean, runningVar, training) {
		return false
	}
	if len(input.Shape()) < 3 {
		return false
	}
	maxBatch := webgpuMaxBatchEval
	if training {
		maxBatch = webgpuMaxBatchTrain
	}
	if input.Shape()[0] > maxBatch {
		return false
	}
	if eps < webgpu.MinEpsilon {
		return false
	}
	return webgpu.Available()
}

// blasEligible reports whether the BLAS provider can serve this call.
// Unlike the GPU provider there is no batch-size ceiling, but the rank
// ceiling is lower and double precision is excluded.
func blasEligible(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training, backendEnabled bool,
) bool {
	if !backendEnabled {
		return false
	}
	if len(input.Shape()) > blasMaxRank {
		return false
	}
	if input.DType() == tensor.Float64 {
		return false
	}
	if weight == nil || bias == nil {
		return false
	}
	return runningStatsConsistent(runningMean, runningVar, training)
}

// runningStatsConsistent requires the running statistics to be either both
// defined, or both absent while training computes batch statistics instead.
func runningStatsConsistent(runningMean, runningVar *tensor.RawTensor, training bool) bool {
	if runningMean != nil && runningVar != nil {
		return true
	}
	return runningMean == nil && runningVar == nil && training
}
