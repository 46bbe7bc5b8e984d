package cpu

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Backward computes the analytic batch-norm gradients for the native
// implementation. mask selects which of (grad_input, grad_weight, grad_bias)
// to produce; unselected outputs are nil and their work is skipped.
//
// In training mode the saved statistics from the forward pass are consumed
// verbatim; the gradient subtracts both the mean-gradient and the
// variance-gradient contributions because the forward statistics are
// themselves functions of every element in the channel:
//
//	grad_input = ((go - sum/n) - (x-mean) * dotp*invstd²/n) * invstd * w
//
// In eval mode the statistics are constants with respect to the input, so
// grad_input = go * invstd * w. grad_weight = dotp*invstd and
// grad_bias = sum in both modes.
func (b *Backend) Backward(
	gradOut, input, weight *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	train bool, eps float64, mask [3]bool,
) (gradInput, gradWeight, gradBias *tensor.RawTensor) {
	switch input.DType() {
	case tensor.Float32:
		return backward[float32](b, gradOut, input, weight, runningMean, runningVar, saveMean, saveInvstd, train, eps, mask)
	case tensor.Float64:
		return backward[float64](b, gradOut, input, weight, runningMean, runningVar, saveMean, saveInvstd, train, eps, mask)
	default:
		panic(fmt.Sprintf("batch norm backward: unsupported dtype %s", input.DType()))
	}
}

func backward[T tensor.Float](
	b *Backend,
	gradOut, input, weight *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	train bool, eps float64, mask [3]bool,
) (*tensor.RawTensor, *tensor.RawTensor, *tensor.RawTensor) {
	shape := input.Shape()
	nChannel := shape[1]
	n := float64(input.NumElements() / nChannel)

	var gradInput, gradWeight, gradBias *tensor.RawTensor
	var err error
	if mask[0] {
		gradInput, err = tensor.NewRaw(shape, input.DType(), b.device)
		if err != nil {
			panic(fmt.Sprintf("batch norm backward: %v", err))
		}
	}
	if mask[1] {
		gradWeight, err = tensor.NewRaw(tensor.Shape{nChannel}, input.DType(), b.device)
		if err != nil {
			panic(fmt.Sprintf("batch norm backward: %v", err))
		}
	}
	if mask[2] {
		gradBias, err = tensor.NewRaw(tensor.Shape{nChannel}, input.DType(), b.device)
		if err != nil {
			panic(fmt.Sprintf("batch norm backward: %v", err))
		}
	}

	in := asSlice[T](input)
	go_ := asSlice[T](gradOut)
	inStrides := input.Strides()
	goStrides := gradOut.Strides()

	var wData []T
	wStride := 0
	if weight != nil {
		wData = asSlice[T](weight)
		wStride = weight.Strides()[0]
	}

	// Per-channel mean/invstd sources, picked once up front.
	meanVec := make([]T, nChannel)
	invstdVec := make([]T, nChannel)
	if train {
		copyChannelVec(meanVec, saveMean)
		copyChannelVec(invstdVec, saveInvstd)
	} else {
		copyChannelVec(meanVec, runningMean)
		rv := asSlice[T](runningVar)
		rvStride := runningVar.Strides()[0]
		for c := 0; c < nChannel; c++ {
			invstdVec[c] = T(1 / math.Sqrt(float64(rv[c*rvStride])+eps))
		}
	}

	// sum[f] = Σ grad_out over all non-channel positions, one reduction
	// pass before the per-channel gradient loop.
	sums := make([]float64, nChannel)
	parallel.For(nChannel, func(f int) {
		var s float64
		dimIter2(shape, 1, f, goStrides, nil, func(a, _ int) {
			s += float64(go_[a])
		})
		sums[f] = s
	}, b.cfg)

	var giData []T
	var giStrides []int
	if mask[0] {
		giData = asSlice[T](gradInput)
		giStrides = shape.ComputeStrides()
	}
	var gwData, gbData []T
	if mask[1] {
		gwData = asSlice[T](gradWeight)
	}
	if mask[2] {
		gbData = asSlice[T](gradBias)
	}

	parallel.For(nChannel, func(f int) {
		w := T(1)
		if wData != nil {
			w = wData[f*wStride]
		}
		mean := meanVec[f]
		invstd := invstdVec[f]

		// Correlation between the centered input and the upstream gradient,
		// accumulated serially in float64.
		var dotp float64
		dimIter2(shape, 1, f, inStrides, goStrides, func(a, bOff int) {
			dotp += float64(in[a]-mean) * float64(go_[bOff])
		})

		if mask[0] {
			if train {
				k := T(dotp) * invstd * invstd / T(n)
				gradMean := T(sums[f] / n)
				dimIter3(shape, 1, f, inStrides, goStrides, giStrides, func(a, bOff, c int) {
					giData[c] = (go_[bOff] - gradMean - (in[a]-mean)*k) * invstd * w
				})
			} else {
				dimIter2(shape, 1, f, goStrides, giStrides, func(a, c int) {
					giData[c] = go_[a] * invstd * w
				})
			}
		}
		if mask[1] {
			gwData[f] = T(dotp) * invstd
		}
		if mask[2] {
			gbData[f] = T(sums[f])
		}
	}, b.cfg)

	return gradInput, gradWeight, gradBias
}
