package norm

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// InstanceNorm normalizes each sample's channels independently by folding
// the batch dimension into the channel dimension and running batch norm
// over the (1, N*C, ...) view with repeated parameters. Running statistics,
// when defined, are updated per instance and then averaged back over the
// batch so the caller-visible tensors keep length C.
//
// When useInputStats is false the running statistics must be defined; they
// then supply the normalization terms exactly as in eval-mode batch norm.
func InstanceNorm(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	useInputStats bool, momentum, eps float64, backendEnabled bool,
) (*tensor.RawTensor, error) {
	if !useInputStats && (runningMean == nil || runningVar == nil) {
		return nil, fmt.Errorf("instance_norm: %w", ErrMissingStats)
	}
	shape := input.Shape()
	if len(shape) < 3 {
		return nil, fmt.Errorf("instance_norm: %w: got rank %d, need at least 3", ErrRankTooSmall, len(shape))
	}
	nBatch, channels := shape[0], shape[1]
	if err := checkParam("weight", weight, channels); err != nil {
		return nil, err
	}
	if err := checkParam("bias", bias, channels); err != nil {
		return nil, err
	}
	if err := checkParam("running_mean", runningMean, channels); err != nil {
		return nil, err
	}
	if err := checkParam("running_var", runningVar, channels); err != nil {
		return nil, err
	}

	weightR, err := repeatIfDefined(weight, nBatch)
	if err != nil {
		return nil, err
	}
	biasR, err := repeatIfDefined(bias, nBatch)
	if err != nil {
		return nil, err
	}
	runningMeanR, err := repeatIfDefined(runningMean, nBatch)
	if err != nil {
		return nil, err
	}
	runningVarR, err := repeatIfDefined(runningVar, nBatch)
	if err != nil {
		return nil, err
	}

	folded := tensor.Shape{1, nBatch * channels}
	folded = append(folded, shape[2:]...)
	reshaped, err := input.Contiguous().View(folded)
	if err != nil {
		return nil, fmt.Errorf("instance_norm: %w", err)
	}

	out, err := BatchNorm(reshaped, weightR, biasR, runningMeanR, runningVarR,
		useInputStats, momentum, eps, backendEnabled)
	if err != nil {
		return nil, err
	}

	if runningMean != nil {
		foldRunningStat(runningMean, runningMeanR, nBatch, channels)
	}
	if runningVar != nil {
		foldRunningStat(runningVar, runningVarR, nBatch, channels)
	}

	result, err := out.View(shape.Clone())
	if err != nil {
		return nil, fmt.Errorf("instance_norm: %w", err)
	}
	return result, nil
}

func repeatIfDefined(param *tensor.RawTensor, n int) (*tensor.RawTensor, error) {
	if param == nil {
		return nil, nil
	}
	repeated, err := tensor.Repeat(param, n)
	if err != nil {
		return nil, fmt.Errorf("instance_norm: %w", err)
	}
	return repeated, nil
}

// foldRunningStat writes the batch mean of the repeated per-instance
// statistic back into the caller's length-C tensor.
func foldRunningStat(dst, repeated *tensor.RawTensor, nBatch, channels int) {
	switch dst.DType() {
	case tensor.Float32:
		d := dst.AsFloat32()
		r := repeated.AsFloat32()
		for f := 0; f < channels; f++ {
			var sum float64
			for nb := 0; nb < nBatch; nb++ {
				sum += float64(r[nb*channels+f])
			}
			d[f] = float32(sum / float64(nBatch))
		}
	case tensor.Float64:
		d := dst.AsFloat64()
		r := repeated.AsFloat64()
		for f := 0; f < channels; f++ {
			var sum float64
			for nb := 0; nb < nBatch; nb++ {
				sum += r[nb*channels+f]
			}
			d[f] = sum / float64(nBatch)
		}
	}
}
