package nn

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/norm"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// MaxNorm constrains a parameter tensor so that every slice along Dim has
// Lp norm at most Max. Applied after an optimizer step, it implements the
// classic max-norm weight regularizer.
type MaxNorm struct {
	Max float64 // norm ceiling, must be non-negative
	P   float64 // norm order, must be positive
	Dim int     // slice dimension, usually 0 for row-wise weights
}

// NewMaxNorm creates a Euclidean max-norm constraint over dimension 0.
func NewMaxNorm(max float64) *MaxNorm {
	return &MaxNorm{Max: max, P: 2, Dim: 0}
}

// Apply rescales param in place. The parameter must be contiguous, as
// optimizer-owned weights are.
func (c *MaxNorm) Apply(param *tensor.RawTensor) error {
	if !param.IsContiguous() {
		return fmt.Errorf("max norm: parameter must be contiguous")
	}
	out, err := norm.Renorm(param, c.P, c.Dim, c.Max)
	if err != nil {
		return err
	}
	copy(param.Data(), out.Data())
	out.Release()
	return nil
}
