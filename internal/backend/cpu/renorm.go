package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Renorm rescales each slice of input along dim so its Lp norm does not
// exceed maxnorm. The norm reduces over every dimension except dim and
// accumulates in float64 even for float32 inputs; slices already at or
// under the bound are copied through unchanged.
//
// Arguments are assumed validated by the caller (p > 0, maxnorm >= 0,
// 0 <= dim < rank).
func (b *Backend) Renorm(input *tensor.RawTensor, p float64, dim int, maxnorm float64) *tensor.RawTensor {
	switch input.DType() {
	case tensor.Float32:
		return renorm[float32](b, input, p, dim, maxnorm)
	case tensor.Float64:
		return renorm[float64](b, input, p, dim, maxnorm)
	default:
		panic(fmt.Sprintf("renorm: unsupported dtype %s", input.DType()))
	}
}

func renorm[T tensor.Float](b *Backend, input *tensor.RawTensor, p float64, dim int, maxnorm float64) *tensor.RawTensor {
	shape := input.Shape()
	nSlices := shape[dim]
	sliceLen := 1
	for d, s := range shape {
		if d != dim {
			sliceLen *= s
		}
	}

	output, err := tensor.NewRaw(shape, input.DType(), b.device)
	if err != nil {
		panic(fmt.Sprintf("renorm: %v", err))
	}

	in := asSlice[T](input)
	out := asSlice[T](output)
	inStrides := input.Strides()
	outStrides := shape.ComputeStrides()

	parallel.For(nSlices, func(j int) {
		// Gather the slice into a float64 scratch buffer for the norm.
		scratch := make([]float64, 0, sliceLen)
		dimIter2(shape, dim, j, inStrides, nil, func(a, _ int) {
			scratch = append(scratch, float64(in[a]))
		})
		norm := floats.Norm(scratch, p)

		factor := scaleFactor(norm, maxnorm)
		dimIter2(shape, dim, j, inStrides, outStrides, func(a, o int) {
			out[o] = in[a] * T(factor)
		})
	}, b.cfg)

	return output
}

// scaleFactor is the clamping kernel: slices over the bound shrink by
// maxnorm/norm (with a small stabilizer in the denominator), slices at or
// under it keep scale 1.
func scaleFactor(norm, maxnorm float64) float64 {
	if norm > maxnorm {
		return maxnorm / (norm + 1e-7)
	}
	return 1
}
