// Package norm implements batch normalization, instance normalization and
// max-norm renormalization over RawTensor values.
//
// The forward entry points validate their arguments, pick a backend, and
// return an implementation index alongside the saved statistics. A backward
// call must receive that index unchanged; it dispatches on it directly.
package norm

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/backend/blas"
	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/backend/webgpu"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// BatchNorm normalizes input per channel and returns a tensor of the same
// shape. In training mode batch statistics are computed and the running
// statistics, when defined, are updated in place; in eval mode the running
// statistics are required and used directly.
func BatchNorm(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, momentum, eps float64, backendEnabled bool,
) (*tensor.RawTensor, error) {
	output, _, _, _, _, err := BatchNormForwardWithBackend(
		input, weight, bias, runningMean, runningVar,
		training, momentum, eps, backendEnabled)
	return output, err
}

// BatchNormForwardWithBackend is the full forward protocol: it returns the
// normalized output, the saved per-channel mean and inverse standard
// deviation (training mode only, nil in eval mode), an opaque reserve
// buffer, and the implementation index identifying which backend ran.
//
// The reserve buffer is meaningful only to the backend that produced it;
// the native and BLAS backends return an empty buffer. The impl index and
// reserve buffer must be handed to BatchNormBackward unchanged.
func BatchNormForwardWithBackend(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, momentum, eps float64, backendEnabled bool,
) (output, saveMean, saveInvstd *tensor.RawTensor, reserve []byte, impl Impl, err error) {
	if err := validateBatchNorm(input, weight, bias, runningMean, runningVar, training); err != nil {
		return nil, nil, nil, nil, ImplNative, err
	}

	// A zero-element input gets an independently allocated copy rather than
	// a view, so downstream gradient chains never alias the caller's buffer.
	if input.NumElements() == 0 {
		out, allocErr := tensor.NewRaw(input.Shape().Clone(), input.DType(), input.Device())
		if allocErr != nil {
			return nil, nil, nil, nil, ImplNative, allocErr
		}
		applyScalarAffine(out, weight, bias)
		return out, nil, nil, []byte{}, ImplNative, nil
	}

	impl = selectImpl(input, weight, bias, runningMean, runningVar, training, eps, backendEnabled)

	switch impl {
	case ImplWebGPU:
		backend, gpuErr := webgpu.Shared()
		if gpuErr != nil {
			return nil, nil, nil, nil, ImplNative, gpuErr
		}
		output, saveMean, saveInvstd, reserve, err = backend.Forward(
			input, weight, bias, runningMean, runningVar, training, momentum, eps)
		if err != nil {
			return nil, nil, nil, nil, ImplNative, err
		}
		return output, saveMean, saveInvstd, reserve, ImplWebGPU, nil

	case ImplBLAS:
		output, saveMean, saveInvstd = blas.New().Forward(
			input, weight, bias, runningMean, runningVar, training, momentum, eps)
		return output, saveMean, saveInvstd, []byte{}, ImplBLAS, nil

	default:
		backend := cpu.New()
		if training {
			saveMean, saveInvstd = backend.CollectStats(
				input, cpu.PolicyInvStd, eps, runningMean, runningVar, momentum)
		}
		output = backend.TransformInput(
			input, weight, bias, saveMean, saveInvstd, runningMean, runningVar, training, eps)
		return output, saveMean, saveInvstd, []byte{}, ImplNative, nil
	}
}

// BatchNormBackward computes the gradients selected by outputMask for the
// forward call identified by impl. The impl index and reserve buffer must
// come verbatim from the paired forward call; an index outside the known
// set is a contract violation and panics.
func BatchNormBackward(
	impl Impl,
	gradOut, input, weight *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	training bool, eps float64, outputMask [3]bool, reserve []byte,
) (gradInput, gradWeight, gradBias *tensor.RawTensor, err error) {
	switch impl {
	case ImplNative:
		gi, gw, gb := cpu.New().Backward(
			gradOut, input, weight, runningMean, runningVar,
			saveMean, saveInvstd, training, eps, outputMask)
		return gi, gw, gb, nil

	case ImplWebGPU:
		backend, gpuErr := webgpu.Shared()
		if gpuErr != nil {
			return nil, nil, nil, gpuErr
		}
		return backend.Backward(
			gradOut, input, weight, runningMean, runningVar,
			saveMean, saveInvstd, training, eps, outputMask, reserve)

	case ImplBLAS:
		gi, gw, gb := blas.New().Backward(
			gradOut, input, weight, runningMean, runningVar,
			saveMean, saveInvstd, training, eps, outputMask)
		return gi, gw, gb, nil

	default:
		panic(fmt.Sprintf("batch norm backward: impl index %d out of range", int(impl)))
	}
}

// BatchNormUpdateStats computes per-channel batch mean and biased variance
// and blends them into the running statistics in place when those are
// defined. The returned variance carries no epsilon.
func BatchNormUpdateStats(
	input *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	momentum float64,
) (batchMean, batchVar *tensor.RawTensor, err error) {
	if len(input.Shape()) < 2 {
		return nil, nil, fmt.Errorf("batch_norm_update_stats: %w: got rank %d", ErrRankTooSmall, len(input.Shape()))
	}
	channels := input.Shape()[1]
	if err := checkParam("running_mean", runningMean, channels); err != nil {
		return nil, nil, err
	}
	if err := checkParam("running_var", runningVar, channels); err != nil {
		return nil, nil, err
	}

	batchMean, batchVar = cpu.New().CollectStats(
		input, cpu.PolicyVar, 0, runningMean, runningVar, momentum)
	return batchMean, batchVar, nil
}

// validateBatchNorm enforces the shared entry-point contract: rank at least
// 2, every defined 1-D parameter matching the channel count, and running
// statistics present in eval mode. It runs before any statistic is mutated.
func validateBatchNorm(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool,
) error {
	if len(input.Shape()) < 2 {
		return fmt.Errorf("batch_norm: %w: got rank %d", ErrRankTooSmall, len(input.Shape()))
	}
	if !training && (runningMean == nil || runningVar == nil) {
		return fmt.Errorf("batch_norm: %w", ErrMissingRunningStats)
	}
	channels := input.Shape()[1]
	if err := checkParam("weight", weight, channels); err != nil {
		return err
	}
	if err := checkParam("bias", bias, channels); err != nil {
		return err
	}
	if err := checkParam("running_mean", runningMean, channels); err != nil {
		return err
	}
	return checkParam("running_var", runningVar, channels)
}

func checkParam(name string, param *tensor.RawTensor, channels int) error {
	if param == nil {
		return nil
	}
	if param.NumElements() != channels {
		return fmt.Errorf("batch_norm: %w: %s has %d elements, input has %d channels",
			ErrChannelMismatch, name, param.NumElements(), channels)
	}
	return nil
}

// applyScalarAffine scales a tensor by weight[0] and shifts it by bias[0]
// in place when those parameters are defined. It exists for the
// zero-element early return, where it degenerates to a no-op over an empty
// buffer; kept as real code so the contract stays visible.
func applyScalarAffine(t, weight, bias *tensor.RawTensor) {
	w := 1.0
	if weight != nil && weight.NumElements() > 0 {
		w = paramAt(weight, 0)
	}
	b := 0.0
	if bias != nil && bias.NumElements() > 0 {
		b = paramAt(bias, 0)
	}
	switch t.DType() {
	case tensor.Float32:
		data := t.AsFloat32()
		for i := range data {
			data[i] = data[i]*float32(w) + float32(b)
		}
	case tensor.Float64:
		data := t.AsFloat64()
		for i := range data {
			data[i] = data[i]*w + b
		}
	}
}

func paramAt(t *tensor.RawTensor, i int) float64 {
	switch t.DType() {
	case tensor.Float64:
		return t.AsFloat64()[i]
	default:
		return float64(t.AsFloat32()[i])
	}
}
