package norm

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Renorm rescales every slice of input along dim whose Lp norm exceeds
// maxnorm so that its norm becomes maxnorm; slices already within the bound
// are copied unchanged. The norm of a slice is taken over all dimensions
// except dim.
func Renorm(input *tensor.RawTensor, p float64, dim int, maxnorm float64) (*tensor.RawTensor, error) {
	if !(p > 0) || math.IsInf(p, 1) {
		return nil, fmt.Errorf("renorm: %w: got %v", ErrNonPositivePower, p)
	}
	if maxnorm < 0 {
		return nil, fmt.Errorf("renorm: %w: got %v", ErrNegativeMaxNorm, maxnorm)
	}
	rank := len(input.Shape())
	if rank < 2 {
		return nil, fmt.Errorf("renorm: %w: got rank %d", ErrRankTooSmall, rank)
	}
	dim, err := wrapDim(dim, rank)
	if err != nil {
		return nil, err
	}
	return cpu.New().Renorm(input, p, dim, maxnorm), nil
}

// wrapDim normalizes a possibly-negative dimension index into [0, rank).
func wrapDim(dim, rank int) (int, error) {
	if dim < -rank || dim >= rank {
		return 0, fmt.Errorf("renorm: %w: dim %d for rank %d", ErrDimOutOfRange, dim, rank)
	}
	if dim < 0 {
		dim += rank
	}
	return dim, nil
}
