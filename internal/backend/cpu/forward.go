package cpu

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// TransformInput applies the per-channel affine normalization
//
//	out = ((x - mean) * invstd) * weight + bias
//
// choosing one of three strategies:
//
//  1. contiguous fast path (eval mode, every operand row-major contiguous):
//     the transform folds algebraically into out = x*alpha[c] + beta[c]
//     with alpha = invstd*weight and beta = bias - mean*invstd*weight,
//     one reciprocal sqrt per channel instead of one per element;
//  2. channel-last fast path (eval mode, input channel-last contiguous,
//     params contiguous): same alpha/beta fusion with the channel as the
//     fastest-varying index;
//  3. generic strided path (training mode, or any other layout).
//
// All three produce numerically equivalent results. In training mode the
// statistics are the saved mean/invstd from CollectStats; in eval mode they
// come from the running statistics, with invstd derived as a raw
// 1/sqrt(running_var+eps). The eval derivation deliberately skips the
// zero-variance guard the training InvStd policy applies.
func (b *Backend) TransformInput(
	input, weight, bias *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	train bool, eps float64,
) *tensor.RawTensor {
	switch input.DType() {
	case tensor.Float32:
		return transformInput[float32](b, input, weight, bias, saveMean, saveInvstd, runningMean, runningVar, train, eps)
	case tensor.Float64:
		return transformInput[float64](b, input, weight, bias, saveMean, saveInvstd, runningMean, runningVar, train, eps)
	default:
		panic(fmt.Sprintf("batch norm: unsupported dtype %s", input.DType()))
	}
}

func transformInput[T tensor.Float](
	b *Backend,
	input, weight, bias *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	train bool, eps float64,
) *tensor.RawTensor {
	statsContiguous := runningMean != nil && runningMean.IsContiguous() &&
		runningVar != nil && runningVar.IsContiguous()
	paramsContiguous := (weight == nil || weight.IsContiguous()) &&
		(bias == nil || bias.IsContiguous())

	if !train && statsContiguous && paramsContiguous {
		if input.IsContiguous() {
			return inferenceContiguous[T](b, input, weight, bias, runningMean, runningVar, eps)
		}
		if input.IsChannelsLastContiguous() {
			return inferenceChannelsLast[T](b, input, weight, bias, runningMean, runningVar, eps)
		}
	}

	return transformGeneric[T](b, input, weight, bias, saveMean, saveInvstd, runningMean, runningVar, train, eps)
}

// collectLinearTerms precomputes the fused per-channel scale and shift:
// alpha[c] = invVar(c)*weight(c), beta[c] = bias(c) - mean(c)*invVar(c)*weight(c).
func collectLinearTerms[T tensor.Float](
	alpha, beta []T,
	weight, bias, mean, variance *tensor.RawTensor,
	eps float64,
) {
	var wData, bData []T
	if weight != nil {
		wData = asSlice[T](weight)
	}
	if bias != nil {
		bData = asSlice[T](bias)
	}
	meanData := asSlice[T](mean)
	varData := asSlice[T](variance)

	for c := range alpha {
		invVar := T(1 / math.Sqrt(float64(varData[c])+eps))
		w := T(1)
		if wData != nil {
			w = wData[c]
		}
		bv := T(0)
		if bData != nil {
			bv = bData[c]
		}
		alpha[c] = invVar * w
		beta[c] = bv - meanData[c]*invVar*w
	}
}

// inferenceContiguous is the eval-mode fast path for row-major contiguous
// operands: a single fused multiply-add per element.
func inferenceContiguous[T tensor.Float](
	b *Backend,
	input, weight, bias, runningMean, runningVar *tensor.RawTensor,
	eps float64,
) *tensor.RawTensor {
	shape := input.Shape()
	nBatch := shape[0]
	nChannel := shape[1]
	imageSize := 0
	if nBatch*nChannel > 0 {
		imageSize = input.NumElements() / nBatch / nChannel
	}

	output, err := tensor.NewRaw(shape, input.DType(), b.device)
	if err != nil {
		panic(fmt.Sprintf("batch norm: %v", err))
	}

	alpha := make([]T, nChannel)
	beta := make([]T, nChannel)
	collectLinearTerms(alpha, beta, weight, bias, runningMean, runningVar, eps)

	in := asSlice[T](input)
	out := asSlice[T](output)

	parallel.For(nChannel, func(c int) {
		a, bt := alpha[c], beta[c]
		for n := 0; n < nBatch; n++ {
			base := (n*nChannel + c) * imageSize
			for i := 0; i < imageSize; i++ {
				out[base+i] = in[base+i]*a + bt
			}
		}
	}, b.cfg)

	return output
}

// inferenceChannelsLast is the eval-mode fast path for channel-last inputs:
// the inner loop walks the channel index, which is the unit-stride axis, so
// the pass is limited by memory bandwidth rather than address math. The
// single-channel case degenerates to a flat scalar multiply-add.
func inferenceChannelsLast[T tensor.Float](
	b *Backend,
	input, weight, bias, runningMean, runningVar *tensor.RawTensor,
	eps float64,
) *tensor.RawTensor {
	shape := input.Shape()
	nBatch := shape[0]
	nChannel := shape[1]
	imageSize := 0
	if nBatch*nChannel > 0 {
		imageSize = input.NumElements() / nBatch / nChannel
	}

	output, err := tensor.NewRawChannelsLast(shape, input.DType(), b.device)
	if err != nil {
		panic(fmt.Sprintf("batch norm: %v", err))
	}

	alpha := make([]T, nChannel)
	beta := make([]T, nChannel)
	collectLinearTerms(alpha, beta, weight, bias, runningMean, runningVar, eps)

	in := asSlice[T](input)
	out := asSlice[T](output)

	if nChannel == 1 {
		a, bt := alpha[0], beta[0]
		total := nBatch * imageSize
		for i := 0; i < total; i++ {
			out[i] = in[i]*a + bt
		}
		return output
	}

	for n := 0; n < nBatch; n++ {
		for i := 0; i < imageSize; i++ {
			base := (n*imageSize + i) * nChannel
			for c := 0; c < nChannel; c++ {
				out[base+c] = in[base+c]*alpha[c] + beta[c]
			}
		}
	}

	return output
}

// transformGeneric handles training mode and arbitrary strided layouts. The
// per-channel statistics and parameters broadcast along the channel
// dimension while the input is addressed through its strides; the output is
// materialized row-major contiguous.
func transformGeneric[T tensor.Float](
	b *Backend,
	input, weight, bias *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	train bool, eps float64,
) *tensor.RawTensor {
	shape := input.Shape()
	nChannel := shape[1]

	output, err := tensor.NewRaw(shape, input.DType(), b.device)
	if err != nil {
		panic(fmt.Sprintf("batch norm: %v", err))
	}

	mean := make([]T, nChannel)
	invstd := make([]T, nChannel)
	if train {
		copyChannelVec(mean, saveMean)
		copyChannelVec(invstd, saveInvstd)
	} else {
		copyChannelVec(mean, runningMean)
		rv := asSlice[T](runningVar)
		rvStride := runningVar.Strides()[0]
		for c := 0; c < nChannel; c++ {
			// Raw derivation, no zero-variance guard (unlike PolicyInvStd).
			invstd[c] = T(1 / math.Sqrt(float64(rv[c*rvStride])+eps))
		}
	}

	w := make([]T, nChannel)
	bs := make([]T, nChannel)
	if weight != nil {
		copyChannelVec(w, weight)
	} else {
		for c := range w {
			w[c] = 1
		}
	}
	if bias != nil {
		copyChannelVec(bs, bias)
	}

	in := asSlice[T](input)
	out := asSlice[T](output)
	inStrides := input.Strides()
	outStrides := shape.ComputeStrides()

	parallel.For(nChannel, func(f int) {
		m, is, wf, bf := mean[f], invstd[f], w[f], bs[f]
		dimIter2(shape, 1, f, inStrides, outStrides, func(a, o int) {
			out[o] = ((in[a]-m)*is)*wf + bf
		})
	}, b.cfg)

	return output
}

// copyChannelVec copies a 1-D per-channel tensor into dst, honoring its stride.
func copyChannelVec[T tensor.Float](dst []T, t *tensor.RawTensor) {
	src := asSlice[T](t)
	stride := t.Strides()[0]
	for c := range dst {
		dst[c] = src[c*stride]
	}
}
