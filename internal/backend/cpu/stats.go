package cpu

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// VarPolicy selects the finishing transform applied to the per-channel
// variance aggregate var_sum / n.
type VarPolicy int

const (
	// PolicyVar passes the biased variance through unchanged. Used by the
	// running-stat update entry point, which wants the raw aggregate (eps 0).
	PolicyVar VarPolicy = iota

	// PolicyInvStd maps variance to 1/sqrt(var+eps). When var == 0 and
	// eps == 0 the result is defined as 0 instead of dividing by zero.
	PolicyInvStd
)

// CollectStats computes the per-channel batch mean and a variance-derived
// statistic over all non-channel dimensions of input, then updates the
// running statistics in place when they are defined.
//
// The mean and var_sum accumulate in float64 regardless of the element
// type; each channel is a single serial pass so the accumulation order is
// reproducible. The running variance update uses the unbiased n-1 divisor,
// while the returned statistic derives from the biased variance var_sum/n.
// n == 1 is not guarded: the unbiased divisor becomes zero and the running
// variance update inherits whatever IEEE arithmetic produces.
//
// Channels are processed in parallel; running_mean/running_var are written
// at disjoint per-channel offsets, so the in-place update needs no locking.
func (b *Backend) CollectStats(
	input *tensor.RawTensor,
	policy VarPolicy,
	eps float64,
	runningMean, runningVar *tensor.RawTensor,
	momentum float64,
) (saveMean, saveStat *tensor.RawTensor) {
	switch input.DType() {
	case tensor.Float32:
		return collectStats[float32](b, input, runningMean, runningVar, policy, eps, momentum)
	case tensor.Float64:
		return collectStats[float64](b, input, runningMean, runningVar, policy, eps, momentum)
	default:
		panic(fmt.Sprintf("collect stats: unsupported dtype %s", input.DType()))
	}
}

func collectStats[T tensor.Float](
	b *Backend,
	input, runningMean, runningVar *tensor.RawTensor,
	policy VarPolicy,
	eps, momentum float64,
) (*tensor.RawTensor, *tensor.RawTensor) {
	shape := input.Shape()
	channels := shape[1]
	n := float64(input.NumElements() / channels)

	saveMean, err := tensor.NewRaw(tensor.Shape{channels}, input.DType(), b.device)
	if err != nil {
		panic(fmt.Sprintf("collect stats: %v", err))
	}
	saveStat, err := tensor.NewRaw(tensor.Shape{channels}, input.DType(), b.device)
	if err != nil {
		panic(fmt.Sprintf("collect stats: %v", err))
	}

	in := asSlice[T](input)
	strides := input.Strides()
	meanOut := asSlice[T](saveMean)
	statOut := asSlice[T](saveStat)

	var rm, rv []T
	rmStride, rvStride := 0, 0
	if runningMean != nil {
		rm = asSlice[T](runningMean)
		rmStride = runningMean.Strides()[0]
	}
	if runningVar != nil {
		rv = asSlice[T](runningVar)
		rvStride = runningVar.Strides()[0]
	}

	parallel.For(channels, func(f int) {
		var sum float64
		dimIter2(shape, 1, f, strides, nil, func(a, _ int) {
			sum += float64(in[a])
		})
		mean := sum / n

		// Serial second pass over the same elements for the variance.
		var varSum float64
		dimIter2(shape, 1, f, strides, nil, func(a, _ int) {
			d := float64(in[a]) - mean
			varSum += d * d
		})

		meanOut[f] = T(mean)
		switch policy {
		case PolicyVar:
			statOut[f] = T(varSum / n)
		case PolicyInvStd:
			v := varSum / n
			if v == 0 && eps == 0 {
				statOut[f] = 0
			} else {
				statOut[f] = T(1 / math.Sqrt(v+eps))
			}
		}

		if rm != nil {
			rm[f*rmStride] = T(momentum*mean + (1-momentum)*float64(rm[f*rmStride]))
		}
		if rv != nil {
			unbiased := varSum / (n - 1)
			rv[f*rvStride] = T(momentum*unbiased + (1-momentum)*float64(rv[f*rvStride]))
		}
	}, b.cfg)

	return saveMean, saveStat
}

// asSlice reinterprets the tensor's memory as a []T.
func asSlice[T tensor.Float](t *tensor.RawTensor) []T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(t.AsFloat32()).([]T)
	default:
		return any(t.AsFloat64()).([]T)
	}
}
